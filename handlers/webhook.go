package handlers

import (
	"context"
	"log"
	"net/http"

	"mensajia-wa-inbox/models"
	"mensajia-wa-inbox/services"
	"mensajia-wa-inbox/whatsapp"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// WebhookHandler receives WhatsApp Cloud API deliveries for a bot.
type WebhookHandler struct {
	db       *gorm.DB
	pipeline *services.BotPipeline
}

// NewWebhookHandler creates the cloud webhook handler.
func NewWebhookHandler(db *gorm.DB, pipeline *services.BotPipeline) *WebhookHandler {
	return &WebhookHandler{db: db, pipeline: pipeline}
}

// Verify handles Meta's GET verification handshake using the bot's own
// verify token.
func (h *WebhookHandler) Verify(c *gin.Context) {
	var bot models.BotConfig
	if err := h.db.Where("id = ?", c.Param("botConfigId")).First(&bot).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Bot config not found"})
		return
	}

	expected := ""
	if bot.WhatsAppVerifyToken != nil {
		expected = *bot.WhatsAppVerifyToken
	}

	challenge, ok := whatsapp.VerifyWebhook(
		c.Query("hub.mode"),
		c.Query("hub.verify_token"),
		c.Query("hub.challenge"),
		expected,
	)
	if !ok {
		log.Printf("[Webhook] Verification failed for bot %s", bot.ID)
		c.JSON(http.StatusForbidden, gin.H{"error": "Verification failed"})
		return
	}

	log.Printf("✅ Webhook verified for bot %s", bot.ID)
	c.String(http.StatusOK, challenge)
}

// Receive handles POST deliveries. Meta expects a fast 200 regardless of
// processing outcome, so messages are acked first and pumped through the
// pipeline in the background.
func (h *WebhookHandler) Receive(c *gin.Context) {
	var bot models.BotConfig
	if err := h.db.Where("id = ?", c.Param("botConfigId")).First(&bot).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Bot config not found"})
		return
	}

	var payload whatsapp.WebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		// Malformed body still gets a 200 so Meta does not hammer retries.
		log.Printf("[Webhook] Malformed payload for bot %s: %v", bot.ID, err)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	incoming := whatsapp.ParseWebhookPayload(&payload)
	c.JSON(http.StatusOK, gin.H{"status": "received", "messages": len(incoming)})

	for _, in := range incoming {
		go func(in services.IncomingMessage) {
			_, err := h.pipeline.ProcessIncoming(context.Background(), services.ChannelCloud, &bot, in)
			if err != nil {
				log.Printf("[Webhook] Failed to process message %s: %v", in.WAMessageID, err)
			}
		}(in)
	}
}
