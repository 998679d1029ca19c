package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Conversation status / mode values.
const (
	ConversationActive = "ACTIVE"
	ConversationClosed = "CLOSED"

	ModeBot   = "BOT"
	ModeHuman = "HUMAN"
)

// Message sender types.
const (
	SenderClient = "CLIENT"
	SenderBot    = "BOT"
	SenderAgent  = "AGENT"
)

// BotConfig is the per-tenant bot: system prompt, LLM settings and the
// WhatsApp Cloud credentials used to answer on that tenant's number.
type BotConfig struct {
	ID           string  `gorm:"primaryKey" json:"id"`
	TenantID     string  `gorm:"index;not null" json:"tenantId"`
	Name         string  `gorm:"not null;default:'Default Bot'" json:"name"`
	SystemPrompt string  `gorm:"type:text;not null" json:"systemPrompt"`
	Model        string  `gorm:"not null;default:'gpt-4o-mini'" json:"model"`
	Temperature  float32 `gorm:"not null;default:0.7" json:"temperature"`
	MaxTokens    int     `gorm:"not null;default:1024" json:"maxTokens"`
	Provider     string  `gorm:"not null;default:'openai'" json:"provider"` // openai|anthropic|gemini
	APIKey       *string `json:"-"`                                         // per-bot override, falls back to env

	// WhatsApp Cloud API credentials (nullable: bot may use the web channel only)
	WhatsAppPhoneNumberID *string `gorm:"index" json:"whatsappPhoneNumberId"`
	WhatsAppAPIToken      *string `json:"-"`
	WhatsAppVerifyToken   *string `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (BotConfig) TableName() string {
	return "bot_configs"
}

func (b *BotConfig) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

// Client is an end customer, identified by normalized phone number within a tenant.
type Client struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	TenantID    string    `gorm:"uniqueIndex:idx_clients_tenant_phone;not null" json:"tenantId"`
	PhoneNumber string    `gorm:"uniqueIndex:idx_clients_tenant_phone;not null" json:"phoneNumber"`
	Name        *string   `json:"name"` // filled opportunistically, never overwritten
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (Client) TableName() string {
	return "clients"
}

func (c *Client) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// Conversation groups messages with one client. At most one ACTIVE
// conversation per client (partial unique index, see database package).
type Conversation struct {
	ID              string    `gorm:"primaryKey" json:"id"`
	ClientID        string    `gorm:"index;not null" json:"clientId"`
	BotConfigID     string    `gorm:"index;not null" json:"botConfigId"`
	Status          string    `gorm:"index;not null;default:'ACTIVE'" json:"status"` // ACTIVE|CLOSED
	Mode            string    `gorm:"not null;default:'BOT'" json:"mode"`            // BOT|HUMAN
	AssignedAgentID *string   `gorm:"index" json:"assignedAgentId"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `gorm:"index" json:"updatedAt"`

	Client *Client `gorm:"foreignKey:ClientID" json:"client,omitempty"`
}

func (Conversation) TableName() string {
	return "conversations"
}

func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// Message is immutable once created. WAMessageID is the channel-provided
// ref used for dedup; nil for outbound messages whose send failed.
type Message struct {
	ID             string    `gorm:"primaryKey" json:"id"`
	ConversationID string    `gorm:"index;not null" json:"conversationId"`
	SenderType     string    `gorm:"index;not null" json:"senderType"` // CLIENT|BOT|AGENT
	Channel        string    `gorm:"not null;default:'cloud'" json:"channel"` // cloud|web
	Content        string    `gorm:"type:text;not null" json:"content"`
	WAMessageID    *string   `gorm:"uniqueIndex" json:"waMessageId"`
	Metadata       *string   `gorm:"type:text" json:"metadata,omitempty"` // JSON, e.g. {"agentId":"..."}
	Timestamp      time.Time `gorm:"index;not null" json:"timestamp"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (Message) TableName() string {
	return "messages"
}

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// TokenUsage records one LLM invocation. Append-only.
type TokenUsage struct {
	ID               string    `gorm:"primaryKey" json:"id"`
	ConversationID   string    `gorm:"index;not null" json:"conversationId"`
	MessageID        string    `gorm:"index;not null" json:"messageId"`
	PromptTokens     int       `gorm:"not null;default:0" json:"promptTokens"`
	CompletionTokens int       `gorm:"not null;default:0" json:"completionTokens"`
	TotalTokens      int       `gorm:"not null;default:0" json:"totalTokens"`
	Model            string    `gorm:"not null" json:"model"`
	EstimatedCost    float64   `gorm:"not null;default:0" json:"estimatedCost"`
	CreatedAt        time.Time `json:"createdAt"`
}

func (TokenUsage) TableName() string {
	return "token_usages"
}

func (t *TokenUsage) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}
