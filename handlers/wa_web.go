package handlers

import (
	"net/http"

	"mensajia-wa-inbox/models"
	"mensajia-wa-inbox/session"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// WebSessionHandler exposes QR-session lifecycle operations for the
// WhatsApp Web channel.
type WebSessionHandler struct {
	db      *gorm.DB
	manager *session.Manager
}

// NewWebSessionHandler creates the web session handler.
func NewWebSessionHandler(db *gorm.DB, manager *session.Manager) *WebSessionHandler {
	return &WebSessionHandler{db: db, manager: manager}
}

// tenantBot loads the :botConfigId bot scoped to the caller's tenant.
func (h *WebSessionHandler) tenantBot(c *gin.Context) (*models.BotConfig, bool) {
	var bot models.BotConfig
	err := h.db.Where("id = ? AND tenant_id = ?", c.Param("botConfigId"), c.GetString("tenantId")).
		First(&bot).Error
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Bot config not found"})
		return nil, false
	}
	return &bot, true
}

// Connect starts (or reports) the bot's web session. Repeated calls while a
// session is live are no-ops returning the current state.
func (h *WebSessionHandler) Connect(c *gin.Context) {
	bot, ok := h.tenantBot(c)
	if !ok {
		return
	}

	info, err := h.manager.Connect(bot.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start session"})
		return
	}

	c.JSON(http.StatusOK, info)
}

// Status reports the session state, including the QR data URI while pairing.
func (h *WebSessionHandler) Status(c *gin.Context) {
	bot, ok := h.tenantBot(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, h.manager.Status(bot.ID))
}

// Disconnect logs the session out and deletes its stored credentials.
func (h *WebSessionHandler) Disconnect(c *gin.Context) {
	bot, ok := h.tenantBot(c)
	if !ok {
		return
	}

	h.manager.Disconnect(bot.ID)
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}
