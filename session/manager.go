package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"sync"

	"mensajia-wa-inbox/models"
	"mensajia-wa-inbox/realtime"
	"mensajia-wa-inbox/services"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Status is the connection state of one bot's WhatsApp Web session.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusAwaitingScan Status = "awaiting_scan"
	StatusConnected    Status = "connected"
)

const (
	defaultBaseDelay  = 3 * time.Second
	defaultMaxRetries = 5
	sendAckTimeout    = 15 * time.Second
)

// StatusInfo is the operator-facing view of a session.
type StatusInfo struct {
	Status      Status  `json:"status"`
	QRCode      *string `json:"qrCode"`      // present only while awaiting scan
	PhoneNumber *string `json:"phoneNumber"` // present only when connected
}

// InboundHandler receives messages arriving on a connected web session.
type InboundHandler func(ctx context.Context, bot *models.BotConfig, in services.IncomingMessage)

// webSession is the in-memory state for one bot. Field access is guarded by
// the manager mutex; the read loop goroutine owns the connection.
type webSession struct {
	botConfigID string
	status      Status
	qrCode      string
	phoneNumber string
	retryCount  int

	ctx    context.Context
	cancel context.CancelFunc

	conn    BridgeConn
	pending map[string]chan string // send correlation id → ack ref

	// writeMu serializes frames to the bridge. The websocket allows only
	// one concurrent writer; sends, auth and logout all funnel through it.
	writeMu sync.Mutex
}

// Manager owns one persistent, QR-authenticated session per tenant bot.
// It is injected where needed rather than living as a package singleton, so
// tests can run multiple independent instances.
type Manager struct {
	db        *gorm.DB
	events    realtime.Publisher
	creds     *CredentialStore
	bridgeURL string
	onMessage InboundHandler

	dial       DialFunc
	baseDelay  time.Duration
	maxRetries int

	mu       sync.Mutex
	sessions map[string]*webSession
}

// NewManager creates a session manager.
func NewManager(db *gorm.DB, events realtime.Publisher, creds *CredentialStore, bridgeURL string, onMessage InboundHandler) *Manager {
	return &Manager{
		db:         db,
		events:     events,
		creds:      creds,
		bridgeURL:  bridgeURL,
		onMessage:  onMessage,
		dial:       DialBridge,
		baseDelay:  defaultBaseDelay,
		maxRetries: defaultMaxRetries,
		sessions:   make(map[string]*webSession),
	}
}

// SetDialer overrides the bridge dialer (tests).
func (m *Manager) SetDialer(dial DialFunc) { m.dial = dial }

// SetBackoff overrides the reconnection parameters (tests).
func (m *Manager) SetBackoff(base time.Duration, maxRetries int) {
	m.baseDelay = base
	m.maxRetries = maxRetries
}

// writeCommand sends one frame over the session's current connection,
// holding the session write lock so concurrent callers never interleave
// frames on the shared websocket.
func (m *Manager) writeCommand(s *webSession, cmd bridgeCommand) error {
	m.mu.Lock()
	conn := s.conn
	m.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("session for bot %s has no connection", s.botConfigID)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(cmd)
}

// Connect starts (or reports) the session for a bot. Idempotent: a session
// already connected or mid-handshake is returned as-is, never doubled.
func (m *Manager) Connect(botConfigID string) (StatusInfo, error) {
	var bot models.BotConfig
	if err := m.db.Where("id = ?", botConfigID).First(&bot).Error; err != nil {
		return StatusInfo{Status: StatusDisconnected}, fmt.Errorf("bot config not found: %w", err)
	}

	m.mu.Lock()
	if s, ok := m.sessions[botConfigID]; ok {
		switch s.status {
		case StatusConnected, StatusConnecting, StatusAwaitingScan:
			info := m.infoLocked(s)
			m.mu.Unlock()
			return info, nil
		}
		// Disconnected with retries exhausted: replace with a fresh attempt.
		s.cancel()
		delete(m.sessions, botConfigID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &webSession{
		botConfigID: botConfigID,
		status:      StatusConnecting,
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[string]chan string),
	}
	m.sessions[botConfigID] = s
	m.mu.Unlock()

	m.publishStatus(botConfigID, StatusConnecting, "")
	go m.runSession(s)

	return StatusInfo{Status: StatusConnecting}, nil
}

// Disconnect is an explicit logout: the socket is closed, persisted
// credentials are deleted and no reconnection is scheduled.
func (m *Manager) Disconnect(botConfigID string) {
	m.mu.Lock()
	s, ok := m.sessions[botConfigID]
	if ok {
		delete(m.sessions, botConfigID)
	}
	m.mu.Unlock()

	if ok {
		_ = m.writeCommand(s, bridgeCommand{Type: "logout"})

		m.mu.Lock()
		conn := s.conn
		s.conn = nil
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		s.cancel()
	}

	if err := m.creds.Delete(botConfigID); err != nil {
		log.Printf("[Session] Failed to delete credentials for %s: %v", botConfigID, err)
	}

	m.publishStatus(botConfigID, StatusDisconnected, "")
	log.Printf("[Session] Logged out bot %s", botConfigID)
}

// Status reports the current session state for a bot.
func (m *Manager) Status(botConfigID string) StatusInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[botConfigID]
	if !ok {
		return StatusInfo{Status: StatusDisconnected}
	}
	return m.infoLocked(s)
}

// CanSend reports whether the web channel can deliver for a bot right now.
// The pipeline consults this before spending an LLM call on a response
// that has no connected session to carry it.
func (m *Manager) CanSend(bot *models.BotConfig) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[bot.ID]
	return ok && s.status == StatusConnected && s.conn != nil
}

// infoLocked builds a StatusInfo snapshot. Caller holds m.mu.
func (m *Manager) infoLocked(s *webSession) StatusInfo {
	info := StatusInfo{Status: s.status}
	if s.status == StatusAwaitingScan && s.qrCode != "" {
		qr := s.qrCode
		info.QRCode = &qr
	}
	if s.status == StatusConnected && s.phoneNumber != "" {
		phone := s.phoneNumber
		info.PhoneNumber = &phone
	}
	return info
}

// SendText delivers an outbound text over the web session. Implements the
// pipeline's channel sender contract; rejected unless the session is
// connected.
func (m *Manager) SendText(ctx context.Context, bot *models.BotConfig, to, body string) (string, error) {
	m.mu.Lock()
	s, ok := m.sessions[bot.ID]
	if !ok || s.status != StatusConnected || s.conn == nil {
		m.mu.Unlock()
		return "", fmt.Errorf("web session for bot %s is not connected", bot.ID)
	}

	id := uuid.NewString()
	ack := make(chan string, 1)
	s.pending[id] = ack
	m.mu.Unlock()

	err := m.writeCommand(s, bridgeCommand{Type: "send", ID: id, To: to, Body: body})
	if err != nil {
		m.dropPending(s, id)
		return "", fmt.Errorf("failed to send over web session: %w", err)
	}

	select {
	case ref := <-ack:
		return ref, nil
	case <-time.After(sendAckTimeout):
		m.dropPending(s, id)
		log.Printf("[Session] Send ack timeout for bot %s", bot.ID)
		return "", nil // provider-reported failure shape: empty ref, logged
	case <-ctx.Done():
		m.dropPending(s, id)
		return "", ctx.Err()
	}
}

// ReconnectSaved silently reconnects every bot with persisted credentials.
// Best-effort: failures are logged, never fatal to startup.
func (m *Manager) ReconnectSaved() {
	ids, err := m.creds.List()
	if err != nil {
		log.Printf("[Session] Failed to scan saved sessions: %v", err)
		return
	}

	for _, id := range ids {
		log.Printf("[Session] Reconnecting saved session: %s", id)
		if _, err := m.Connect(id); err != nil {
			log.Printf("[Session] Failed to reconnect %s: %v", id, err)
		}
	}
}

// runSession dials the bridge and pumps events until the connection dies.
func (m *Manager) runSession(s *webSession) {
	conn, err := m.dial(m.bridgeURL, s.botConfigID)
	if err != nil {
		log.Printf("[Session] Dial failed for bot %s: %v", s.botConfigID, err)
		m.handleClose(s, "dial_failed")
		return
	}

	m.mu.Lock()
	s.conn = conn
	m.mu.Unlock()

	// Silent re-authentication with persisted credential material.
	if creds, err := m.creds.Load(s.botConfigID); err == nil && len(creds) > 0 {
		if err := m.writeCommand(s, bridgeCommand{Type: "auth", Creds: creds}); err != nil {
			log.Printf("[Session] Failed to send auth for bot %s: %v", s.botConfigID, err)
		}
	}

	for {
		var ev bridgeEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if s.ctx.Err() != nil {
				return // explicit disconnect already handled
			}
			m.handleClose(s, "connection_error")
			return
		}

		switch ev.Type {
		case "qr":
			m.handleQR(s, ev.Data)
		case "open":
			m.handleOpen(s, &ev)
		case "close":
			m.handleClose(s, ev.Reason)
			return
		case "message":
			m.handleInbound(s, &ev)
		case "sent":
			m.resolvePending(s, ev.ID, ev.Ref)
		}
	}
}

func (m *Manager) handleQR(s *webSession, payload string) {
	uri, err := qrDataURI(payload)
	if err != nil {
		log.Printf("[Session] QR generation error for bot %s: %v", s.botConfigID, err)
		return
	}

	m.mu.Lock()
	s.status = StatusAwaitingScan
	s.qrCode = uri
	m.mu.Unlock()

	log.Printf("[Session] QR code generated for bot %s", s.botConfigID)
	m.publishStatus(s.botConfigID, StatusAwaitingScan, uri)
}

func (m *Manager) handleOpen(s *webSession, ev *bridgeEvent) {
	m.mu.Lock()
	s.status = StatusConnected
	s.qrCode = ""
	s.phoneNumber = ev.Phone
	s.retryCount = 0
	m.mu.Unlock()

	if len(ev.Creds) > 0 {
		if err := m.creds.Save(s.botConfigID, ev.Creds); err != nil {
			log.Printf("[Session] Failed to persist credentials for %s: %v", s.botConfigID, err)
		}
	}

	log.Printf("[Session] Connected bot %s as %s", s.botConfigID, ev.Phone)
	m.publishStatus(s.botConfigID, StatusConnected, "")
}

// handleClose drives the reconnection policy: linear backoff bounded at
// maxRetries for ordinary drops, full teardown on explicit logout.
func (m *Manager) handleClose(s *webSession, reason string) {
	m.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}

	if reason == closeReasonLoggedOut {
		delete(m.sessions, s.botConfigID)
		m.mu.Unlock()

		s.cancel()
		if err := m.creds.Delete(s.botConfigID); err != nil {
			log.Printf("[Session] Failed to clear credentials for %s: %v", s.botConfigID, err)
		}
		log.Printf("[Session] Bot %s logged out by remote, session cleared", s.botConfigID)
		m.publishStatus(s.botConfigID, StatusDisconnected, "")
		return
	}

	s.status = StatusDisconnected
	s.qrCode = ""
	s.phoneNumber = ""

	if s.retryCount >= m.maxRetries {
		m.mu.Unlock()
		log.Printf("[Session] Bot %s exhausted %d reconnect attempts, staying disconnected", s.botConfigID, m.maxRetries)
		m.publishStatus(s.botConfigID, StatusDisconnected, "")
		return
	}

	s.retryCount++
	attempt := s.retryCount
	delay := m.baseDelay * time.Duration(attempt)
	m.mu.Unlock()

	log.Printf("[Session] Connection closed for bot %s (%s), reconnecting in %v (attempt %d/%d)",
		s.botConfigID, reason, delay, attempt, m.maxRetries)
	m.publishStatus(s.botConfigID, StatusDisconnected, "")

	// The retry timer is tied to the session context so an explicit
	// disconnect cancels it deterministically.
	go func() {
		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}

		m.mu.Lock()
		if m.sessions[s.botConfigID] != s {
			m.mu.Unlock()
			return
		}
		s.status = StatusConnecting
		m.mu.Unlock()

		m.publishStatus(s.botConfigID, StatusConnecting, "")
		m.runSession(s)
	}()
}

func (m *Manager) handleInbound(s *webSession, ev *bridgeEvent) {
	var bot models.BotConfig
	if err := m.db.Where("id = ?", s.botConfigID).First(&bot).Error; err != nil {
		log.Printf("[Session] Bot config not found for inbound message: %s", s.botConfigID)
		return
	}

	ts := ev.Timestamp
	if ts == 0 {
		ts = time.Now().Unix()
	}

	in := services.IncomingMessage{
		From:            ev.From,
		WAMessageID:     ev.MessageID,
		Timestamp:       ts,
		Text:            ev.Text,
		ContactNameHint: ev.PushName,
	}

	if m.onMessage != nil {
		go m.onMessage(s.ctx, &bot, in)
	}
}

func (m *Manager) resolvePending(s *webSession, id, ref string) {
	m.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	m.mu.Unlock()

	if ok {
		ch <- ref
	}
}

func (m *Manager) dropPending(s *webSession, id string) {
	m.mu.Lock()
	delete(s.pending, id)
	m.mu.Unlock()
}

func (m *Manager) publishStatus(botConfigID string, status Status, qrCode string) {
	payload := map[string]interface{}{
		"botConfigId": botConfigID,
		"status":      status,
	}
	if qrCode != "" {
		payload["qrCode"] = qrCode
	} else {
		payload["qrCode"] = nil
	}
	m.events.PublishGlobal(realtime.Event{Name: "channel_status", Payload: payload})
}
