package services

import (
	"fmt"
	"strings"

	"mensajia-wa-inbox/models"

	"gorm.io/gorm"
)

// ConversationResolver maps a channel phone identity within a tenant to a
// client and its single ACTIVE conversation, creating either as needed.
//
// Concurrency: two near-simultaneous inbound messages for the same identity
// must not create two clients or two active conversations. That is enforced
// by the unique indexes (tenant+phone on clients, the partial one-active
// index on conversations) plus one retry-on-conflict here — never by
// in-process locking, since single-instance deployment is not guaranteed.
type ConversationResolver struct {
	db          *gorm.DB
	normalizers []PhoneNormalizer
}

// NewConversationResolver creates a resolver with the default normalizer chain.
func NewConversationResolver(db *gorm.DB) *ConversationResolver {
	return &ConversationResolver{db: db, normalizers: DefaultNormalizers}
}

// Resolve returns the client and ACTIVE conversation for a channel identity.
func (r *ConversationResolver) Resolve(tenantID, phone, nameHint, botConfigID string) (*models.Client, *models.Conversation, error) {
	normalized := NormalizePhone(phone, r.normalizers)

	client, err := r.resolveClient(tenantID, normalized, nameHint)
	if err != nil {
		return nil, nil, err
	}

	conversation, err := r.resolveConversation(client.ID, botConfigID)
	if err != nil {
		return nil, nil, err
	}

	return client, conversation, nil
}

func (r *ConversationResolver) resolveClient(tenantID, phone, nameHint string) (*models.Client, error) {
	var client models.Client
	err := r.db.Where("tenant_id = ? AND phone_number = ?", tenantID, phone).First(&client).Error

	if err == gorm.ErrRecordNotFound {
		client = models.Client{TenantID: tenantID, PhoneNumber: phone}
		if nameHint != "" {
			name := nameHint
			client.Name = &name
		}

		createErr := r.db.Create(&client).Error
		if createErr == nil {
			return &client, nil
		}
		if !isUniqueViolation(createErr) {
			return nil, fmt.Errorf("failed to create client: %w", createErr)
		}

		// Lost the race: the other writer created it, reuse theirs.
		if err := r.db.Where("tenant_id = ? AND phone_number = ?", tenantID, phone).First(&client).Error; err != nil {
			return nil, fmt.Errorf("failed to load client after conflict: %w", err)
		}
		return &client, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up client: %w", err)
	}

	// Fill the name opportunistically; a known name is never overwritten.
	if client.Name == nil && nameHint != "" {
		if err := r.db.Model(&client).Update("name", nameHint).Error; err != nil {
			return nil, fmt.Errorf("failed to update client name: %w", err)
		}
		name := nameHint
		client.Name = &name
	}

	return &client, nil
}

func (r *ConversationResolver) resolveConversation(clientID, botConfigID string) (*models.Conversation, error) {
	var conversation models.Conversation
	err := r.db.Where("client_id = ? AND status = ?", clientID, models.ConversationActive).First(&conversation).Error

	if err == gorm.ErrRecordNotFound {
		conversation = models.Conversation{
			ClientID:    clientID,
			BotConfigID: botConfigID,
			Status:      models.ConversationActive,
			Mode:        models.ModeBot,
		}

		createErr := r.db.Create(&conversation).Error
		if createErr == nil {
			return &conversation, nil
		}
		if !isUniqueViolation(createErr) {
			return nil, fmt.Errorf("failed to create conversation: %w", createErr)
		}

		if err := r.db.Where("client_id = ? AND status = ?", clientID, models.ConversationActive).First(&conversation).Error; err != nil {
			return nil, fmt.Errorf("failed to load conversation after conflict: %w", err)
		}
		return &conversation, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up conversation: %w", err)
	}

	return &conversation, nil
}

// isUniqueViolation detects constraint conflicts across Postgres and sqlite.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "SQLSTATE 23505")
}
