package services

import (
	"context"
	"sync"
	"testing"

	"mensajia-wa-inbox/database"
	"mensajia-wa-inbox/models"
	"mensajia-wa-inbox/realtime"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens an isolated in-memory sqlite database with the production
// schema. Single connection: sqlite would otherwise hand each pooled
// connection its own empty :memory: database.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))
	return db
}

func seedBot(t *testing.T, db *gorm.DB, mutate func(*models.BotConfig)) *models.BotConfig {
	t.Helper()

	phoneNumberID := "123456"
	apiToken := "cloud-token"
	bot := &models.BotConfig{
		TenantID:              "tenant-1",
		Name:                  "Support Bot",
		SystemPrompt:          "You are a helpful support assistant.",
		Model:                 "gpt-4o-mini",
		Temperature:           0.7,
		MaxTokens:             512,
		Provider:              "openai",
		WhatsAppPhoneNumberID: &phoneNumberID,
		WhatsAppAPIToken:      &apiToken,
	}
	if mutate != nil {
		mutate(bot)
	}
	require.NoError(t, db.Create(bot).Error)
	return bot
}

// recorderPublisher captures fan-out events for assertions.
type recorderPublisher struct {
	mu     sync.Mutex
	room   []recordedEvent
	global []realtime.Event
}

type recordedEvent struct {
	ConversationID string
	Event          realtime.Event
}

func (r *recorderPublisher) PublishToConversation(conversationID string, event realtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.room = append(r.room, recordedEvent{ConversationID: conversationID, Event: event})
}

func (r *recorderPublisher) PublishGlobal(event realtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = append(r.global, event)
}

func (r *recorderPublisher) roomEvents() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedEvent(nil), r.room...)
}

func (r *recorderPublisher) globalEvents() []realtime.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]realtime.Event(nil), r.global...)
}

// recorderSender captures outbound sends and returns a fixed ref.
type recorderSender struct {
	mu    sync.Mutex
	sent  []sentText
	ref   string
	fail  error
	empty bool // provider-reported failure: empty ref, nil error
}

type sentText struct {
	To   string
	Body string
}

func (s *recorderSender) SendText(ctx context.Context, bot *models.BotConfig, to, body string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return "", s.fail
	}
	s.sent = append(s.sent, sentText{To: to, Body: body})
	if s.empty {
		return "", nil
	}
	if s.ref == "" {
		return "wamid.SENT", nil
	}
	return s.ref, nil
}

func (s *recorderSender) sends() []sentText {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentText(nil), s.sent...)
}

// fakeProvider returns a canned completion or error.
type fakeProvider struct {
	content string
	err     error
	gotReq  *GenerateRequest
}

func (f *fakeProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	f.gotReq = &req
	if f.err != nil {
		return nil, f.err
	}
	return &GenerateResult{
		Content:          f.content,
		PromptTokens:     100,
		CompletionTokens: 50,
		TotalTokens:      150,
		Model:            req.Model,
		EstimatedCost:    EstimateCost(req.Model, 100, 50),
	}, nil
}

func (f *fakeProvider) Name() string { return "fake" }
