package models

import "time"

// Bot job statuses. There is no automatic retry for LLM failures: a failed
// job is terminal for that inbound trigger.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobDone       = "done"
	JobFailed     = "failed"
	JobSkipped    = "skipped" // channel could not deliver (no credentials or session down)
)

// BotJob queues one pending bot response. Inserted by the pipeline when an
// inbound CLIENT message lands on a BOT-mode conversation; a Postgres NOTIFY
// trigger wakes the worker instantly, polling covers the rest.
type BotJob struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Status         string    `gorm:"index;default:'pending'" json:"status"`
	ConversationID string    `gorm:"index;not null" json:"conversation_id"`
	BotConfigID    string    `gorm:"index;not null" json:"bot_config_id"`
	Channel        string    `gorm:"not null" json:"channel"` // cloud|web
	Destination    string    `gorm:"not null" json:"destination"`
	ErrorMsg       string    `gorm:"type:text" json:"error_msg"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (BotJob) TableName() string {
	return "bot_jobs"
}
