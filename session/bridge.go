package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// BridgeConn is the wire to the WhatsApp Web bridge for one bot. The bridge
// speaks the actual WhatsApp protocol; this side exchanges JSON frames.
// *websocket.Conn satisfies it; tests plug in a scripted fake.
type BridgeConn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// DialFunc opens a bridge connection for one bot session.
type DialFunc func(bridgeURL, botConfigID string) (BridgeConn, error)

// DialBridge is the production dialer.
func DialBridge(bridgeURL, botConfigID string) (BridgeConn, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(bridgeURL+"/session/"+botConfigID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial bridge: %w", err)
	}
	return conn, nil
}

// bridgeEvent is one frame from the bridge.
type bridgeEvent struct {
	Type string `json:"type"` // qr|open|close|message|sent

	// qr
	Data string `json:"data,omitempty"`

	// open
	Phone string          `json:"phone,omitempty"`
	Creds json.RawMessage `json:"creds,omitempty"`

	// close
	Reason string `json:"reason,omitempty"` // logged_out means do not reconnect

	// message
	From      string `json:"from,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Text      string `json:"text,omitempty"`
	PushName  string `json:"pushName,omitempty"`

	// sent (send acknowledgement)
	ID  string `json:"id,omitempty"`
	Ref string `json:"ref,omitempty"`
}

// closeReasonLoggedOut is the bridge's signal that the account was unpaired:
// credentials are dead and reconnecting is pointless.
const closeReasonLoggedOut = "logged_out"

// bridgeCommand is one frame to the bridge.
type bridgeCommand struct {
	Type  string          `json:"type"` // auth|send|logout
	Creds json.RawMessage `json:"creds,omitempty"`
	ID    string          `json:"id,omitempty"`
	To    string          `json:"to,omitempty"`
	Body  string          `json:"body,omitempty"`
}
