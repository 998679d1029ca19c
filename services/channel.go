package services

import (
	"context"

	"mensajia-wa-inbox/models"
)

// Channel names carried on messages and jobs.
const (
	ChannelCloud = "cloud" // Meta WhatsApp Cloud API (webhook push)
	ChannelWeb   = "web"   // QR-paired WhatsApp Web session
)

// IncomingMessage is the canonical inbound shape every channel adapter
// normalizes into before the pipeline sees it.
type IncomingMessage struct {
	From            string // channel phone identity, pre-normalization
	WAMessageID     string // channel-provided dedup ref
	Timestamp       int64  // epoch seconds
	Text            string
	ContactNameHint string
	RoutingID       string // channel routing id (cloud: phone_number_id)
}

// ChannelSender sends an outbound text through one channel, bound to the
// bot's credentials. Returns the channel message ref, or an empty ref when
// the provider reported a failure (logged, non-fatal to the caller).
type ChannelSender interface {
	SendText(ctx context.Context, bot *models.BotConfig, to, body string) (string, error)
}

// ChannelGate is optionally implemented by senders whose ability to deliver
// varies at runtime (a QR session may be disconnected). The pipeline checks
// it before spending an LLM call on a response that cannot go out.
type ChannelGate interface {
	CanSend(bot *models.BotConfig) bool
}
