package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"mensajia-wa-inbox/models"
	"mensajia-wa-inbox/realtime"

	"gorm.io/gorm"
)

// Context window handed to the LLM.
const historyLimit = 20

// LLM call budget. The provider call is the only unbounded external wait in
// the pipeline, so it gets an explicit deadline.
const llmTimeout = 120 * time.Second

// ErrChannelUnavailable marks a bot whose channel cannot deliver right now:
// missing cloud credentials, or a web session that is not connected. The
// inbound message stays stored and fanned-out; the job is skipped, not
// failed, so an operator can intervene.
var ErrChannelUnavailable = errors.New("channel cannot deliver for this bot")

// BotPipeline is the ingestion and bot-response orchestrator: dedup →
// resolve → persist → fan-out → (mode gate) → enqueue bot job, and the
// worker-side response generation.
type BotPipeline struct {
	db       *gorm.DB
	dedup    *DedupGate
	resolver *ConversationResolver
	events   realtime.Publisher
	senders  map[string]ChannelSender

	// providerFor is swapped in tests for a fake LLM.
	providerFor func(*models.BotConfig) (LLMProvider, error)
}

// NewBotPipeline wires the pipeline with its collaborators. senders maps
// channel name (cloud|web) to the adapter bound to that transport.
func NewBotPipeline(db *gorm.DB, events realtime.Publisher, senders map[string]ChannelSender) *BotPipeline {
	return &BotPipeline{
		db:          db,
		dedup:       NewDedupGate(db, 1000),
		resolver:    NewConversationResolver(db),
		events:      events,
		senders:     senders,
		providerFor: GetLLMProvider,
	}
}

// SetProviderFactory overrides provider construction (tests).
func (p *BotPipeline) SetProviderFactory(f func(*models.BotConfig) (LLMProvider, error)) {
	p.providerFor = f
}

// ProcessIncoming runs one inbound CLIENT message through the pipeline.
// Returns the persisted message, or nil when the message was deduplicated.
func (p *BotPipeline) ProcessIncoming(ctx context.Context, channel string, bot *models.BotConfig, in IncomingMessage) (*models.Message, error) {
	if !p.dedup.ShouldProcess(in.WAMessageID) {
		return nil, nil
	}

	client, conversation, err := p.resolver.Resolve(bot.TenantID, in.From, in.ContactNameHint, bot.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conversation: %w", err)
	}

	msg := models.Message{
		ConversationID: conversation.ID,
		SenderType:     models.SenderClient,
		Channel:        channel,
		Content:        in.Text,
		Timestamp:      time.Unix(in.Timestamp, 0),
	}
	if in.WAMessageID != "" {
		ref := in.WAMessageID
		msg.WAMessageID = &ref
	}

	if err := p.db.Create(&msg).Error; err != nil {
		if isUniqueViolation(err) {
			// Dedup race between two deliveries of the same ref; one wins.
			log.Printf("[Pipeline] Duplicate message %s lost insert race - skipped", in.WAMessageID)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to save incoming message: %w", err)
	}

	p.touchConversation(conversation.ID)
	p.fanOutMessage(bot.TenantID, conversation.ID, &msg, client)

	if conversation.Mode == models.ModeBot {
		job := models.BotJob{
			Status:         models.JobPending,
			ConversationID: conversation.ID,
			BotConfigID:    bot.ID,
			Channel:        channel,
			Destination:    client.PhoneNumber,
		}
		if err := p.db.Create(&job).Error; err != nil {
			return &msg, fmt.Errorf("failed to enqueue bot job: %w", err)
		}
		log.Printf("[Pipeline] Job #%d queued for conversation %s", job.ID, conversation.ID)
	}

	return &msg, nil
}

// GenerateBotResponse produces and delivers at most one BOT message for a
// queued job. LLM failure is terminal for the job: nothing is persisted and
// no retry is attempted here — retries, if any, belong to the transport.
func (p *BotPipeline) GenerateBotResponse(ctx context.Context, job *models.BotJob) error {
	var bot models.BotConfig
	if err := p.db.Where("id = ?", job.BotConfigID).First(&bot).Error; err != nil {
		return fmt.Errorf("failed to load bot config: %w", err)
	}

	sender, ok := p.senders[job.Channel]
	if !ok {
		return fmt.Errorf("no sender registered for channel %s", job.Channel)
	}

	if job.Channel == ChannelCloud && (bot.WhatsAppPhoneNumberID == nil || bot.WhatsAppAPIToken == nil) {
		log.Printf("[Pipeline] Bot %s missing cloud credentials, skipping auto-response", bot.ID)
		return ErrChannelUnavailable
	}

	if gate, ok := sender.(ChannelGate); ok && !gate.CanSend(&bot) {
		log.Printf("[Pipeline] Channel %s cannot deliver for bot %s, skipping auto-response", job.Channel, bot.ID)
		return ErrChannelUnavailable
	}

	messages, err := p.buildContext(&bot, job.ConversationID)
	if err != nil {
		return err
	}

	provider, err := p.providerFor(&bot)
	if err != nil {
		return fmt.Errorf("provider configuration error: %w", err)
	}

	llmCtx, cancel := context.WithTimeout(ctx, llmTimeout)
	defer cancel()

	result, err := provider.Generate(llmCtx, GenerateRequest{
		Messages:    messages,
		Model:       bot.Model,
		Temperature: bot.Temperature,
		MaxTokens:   bot.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("LLM call failed: %w", err)
	}

	ref, sendErr := sender.SendText(ctx, &bot, job.Destination, result.Content)
	if sendErr != nil {
		log.Printf("[Pipeline] Send failed for conversation %s: %v", job.ConversationID, sendErr)
		ref = ""
	}

	botMsg := models.Message{
		ConversationID: job.ConversationID,
		SenderType:     models.SenderBot,
		Channel:        job.Channel,
		Content:        result.Content,
		Timestamp:      time.Now(),
	}
	if ref != "" {
		botMsg.WAMessageID = &ref
	}
	if err := p.db.Create(&botMsg).Error; err != nil {
		return fmt.Errorf("failed to save bot message: %w", err)
	}

	usage := models.TokenUsage{
		ConversationID:   job.ConversationID,
		MessageID:        botMsg.ID,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		TotalTokens:      result.TotalTokens,
		Model:            result.Model,
		EstimatedCost:    result.EstimatedCost,
	}
	if err := p.db.Create(&usage).Error; err != nil {
		log.Printf("[Pipeline] Failed to record token usage: %v", err)
	}

	p.touchConversation(job.ConversationID)
	p.fanOutMessage(bot.TenantID, job.ConversationID, &botMsg, nil)

	log.Printf("✅ Bot response sent for conversation %s (tokens: %d in, %d out, cost: $%.6f)",
		job.ConversationID, result.PromptTokens, result.CompletionTokens, result.EstimatedCost)
	return nil
}

// SendAgentMessage persists and delivers a human-authored message. Same
// persist+send+fan-out contract as the bot path, no LLM involved.
func (p *BotPipeline) SendAgentMessage(ctx context.Context, conversationID, content, agentID string) (*models.Message, error) {
	var conversation models.Conversation
	if err := p.db.Preload("Client").Where("id = ?", conversationID).First(&conversation).Error; err != nil {
		return nil, fmt.Errorf("conversation not found: %w", err)
	}

	var bot models.BotConfig
	if err := p.db.Where("id = ?", conversation.BotConfigID).First(&bot).Error; err != nil {
		return nil, fmt.Errorf("failed to load bot config: %w", err)
	}

	channel := p.lastClientChannel(conversationID)
	ref := ""
	if sender, ok := p.senders[channel]; ok && conversation.Client != nil {
		sent, err := sender.SendText(ctx, &bot, conversation.Client.PhoneNumber, content)
		if err != nil {
			log.Printf("[Pipeline] Agent send failed for conversation %s: %v", conversationID, err)
		} else {
			ref = sent
		}
	}

	metadata, _ := json.Marshal(map[string]string{"agentId": agentID})
	metaStr := string(metadata)

	msg := models.Message{
		ConversationID: conversationID,
		SenderType:     models.SenderAgent,
		Channel:        channel,
		Content:        content,
		Metadata:       &metaStr,
		Timestamp:      time.Now(),
	}
	if ref != "" {
		msg.WAMessageID = &ref
	}
	if err := p.db.Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("failed to save agent message: %w", err)
	}

	p.touchConversation(conversationID)
	p.fanOutMessage(bot.TenantID, conversationID, &msg, conversation.Client)

	return &msg, nil
}

// buildContext assembles the last historyLimit messages oldest→newest,
// CLIENT as user and BOT/AGENT as assistant, system prompt first.
func (p *BotPipeline) buildContext(bot *models.BotConfig, conversationID string) ([]ChatMessage, error) {
	var recent []models.Message
	err := p.db.Where("conversation_id = ?", conversationID).
		Order("timestamp DESC").
		Limit(historyLimit).
		Find(&recent).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation history: %w", err)
	}

	messages := make([]ChatMessage, 0, len(recent)+1)
	messages = append(messages, ChatMessage{Role: RoleSystem, Content: bot.SystemPrompt})

	// Reverse to chronological order.
	for i := len(recent) - 1; i >= 0; i-- {
		role := RoleAssistant
		if recent[i].SenderType == models.SenderClient {
			role = RoleUser
		}
		messages = append(messages, ChatMessage{Role: role, Content: recent[i].Content})
	}

	return messages, nil
}

// lastClientChannel returns the channel of the most recent CLIENT message,
// so operator replies go out on the transport the customer used.
func (p *BotPipeline) lastClientChannel(conversationID string) string {
	var msg models.Message
	err := p.db.Where("conversation_id = ? AND sender_type = ?", conversationID, models.SenderClient).
		Order("timestamp DESC").
		First(&msg).Error
	if err != nil {
		return ChannelCloud
	}
	return msg.Channel
}

func (p *BotPipeline) touchConversation(conversationID string) {
	err := p.db.Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Update("updated_at", time.Now()).Error
	if err != nil {
		log.Printf("[Pipeline] Failed to bump conversation %s: %v", conversationID, err)
	}
}

func (p *BotPipeline) fanOutMessage(tenantID, conversationID string, msg *models.Message, client *models.Client) {
	p.events.PublishToConversation(conversationID, realtime.Event{
		Name: "new_message",
		Payload: map[string]interface{}{
			"message":        msg,
			"conversationId": conversationID,
		},
	})

	payload := map[string]interface{}{
		"tenantId":       tenantID,
		"conversationId": conversationID,
		"lastMessage":    msg,
	}
	if client != nil {
		payload["client"] = client
	}
	p.events.PublishGlobal(realtime.Event{Name: "conversation_updated", Payload: payload})
}
