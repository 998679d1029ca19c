package handlers

import (
	"net/http"
	"time"

	"mensajia-wa-inbox/models"
	"mensajia-wa-inbox/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// ConversationHandler serves the operator dashboard's conversation API.
type ConversationHandler struct {
	db       *gorm.DB
	pipeline *services.BotPipeline
}

// NewConversationHandler creates the conversation handler.
func NewConversationHandler(db *gorm.DB, pipeline *services.BotPipeline) *ConversationHandler {
	return &ConversationHandler{db: db, pipeline: pipeline}
}

// List returns the tenant's conversations, newest activity first.
// Optional filters: ?status=ACTIVE|CLOSED and ?mode=BOT|HUMAN.
func (h *ConversationHandler) List(c *gin.Context) {
	tenantID := c.GetString("tenantId")

	query := h.db.Model(&models.Conversation{}).
		Joins("JOIN clients ON clients.id = conversations.client_id").
		Where("clients.tenant_id = ?", tenantID).
		Preload("Client").
		Order("conversations.updated_at DESC")

	if status := c.Query("status"); status != "" {
		query = query.Where("conversations.status = ?", status)
	}
	if mode := c.Query("mode"); mode != "" {
		query = query.Where("conversations.mode = ?", mode)
	}

	var conversations []models.Conversation
	if err := query.Find(&conversations).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list conversations"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

// Messages returns a conversation's messages in chronological order.
func (h *ConversationHandler) Messages(c *gin.Context) {
	conversation, ok := h.tenantConversation(c)
	if !ok {
		return
	}

	var messages []models.Message
	err := h.db.Where("conversation_id = ?", conversation.ID).
		Order("timestamp ASC").
		Find(&messages).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation": conversation, "messages": messages})
}

// UpdateMode flips a conversation between BOT and HUMAN handling.
func (h *ConversationHandler) UpdateMode(c *gin.Context) {
	conversation, ok := h.tenantConversation(c)
	if !ok {
		return
	}

	var req struct {
		Mode string `json:"mode" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || (req.Mode != models.ModeBot && req.Mode != models.ModeHuman) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be BOT or HUMAN"})
		return
	}

	updates := map[string]interface{}{"mode": req.Mode, "updated_at": time.Now()}
	if req.Mode == models.ModeBot {
		// Handing back to the bot releases the agent assignment.
		updates["assigned_agent_id"] = nil
	}

	if err := h.db.Model(conversation).Updates(updates).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update mode"})
		return
	}

	conversation.Mode = req.Mode
	c.JSON(http.StatusOK, gin.H{"conversation": conversation})
}

// Assign puts a conversation in a specific agent's hands. Implies HUMAN
// mode so the bot stops answering immediately.
func (h *ConversationHandler) Assign(c *gin.Context) {
	conversation, ok := h.tenantConversation(c)
	if !ok {
		return
	}

	var req struct {
		AgentID string `json:"agentId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agentId is required"})
		return
	}

	err := h.db.Model(conversation).Updates(map[string]interface{}{
		"mode":              models.ModeHuman,
		"assigned_agent_id": req.AgentID,
		"updated_at":        time.Now(),
	}).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to assign conversation"})
		return
	}

	conversation.Mode = models.ModeHuman
	conversation.AssignedAgentID = &req.AgentID
	c.JSON(http.StatusOK, gin.H{"conversation": conversation})
}

// Close marks a conversation CLOSED. The client's next message opens a
// fresh one.
func (h *ConversationHandler) Close(c *gin.Context) {
	conversation, ok := h.tenantConversation(c)
	if !ok {
		return
	}

	err := h.db.Model(conversation).Updates(map[string]interface{}{
		"status":     models.ConversationClosed,
		"updated_at": time.Now(),
	}).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to close conversation"})
		return
	}

	conversation.Status = models.ConversationClosed
	c.JSON(http.StatusOK, gin.H{"conversation": conversation})
}

// SendMessage delivers a human agent message into the conversation.
func (h *ConversationHandler) SendMessage(c *gin.Context) {
	conversation, ok := h.tenantConversation(c)
	if !ok {
		return
	}

	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	msg, err := h.pipeline.SendAgentMessage(c.Request.Context(), conversation.ID, req.Content, c.GetString("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send message"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// tenantConversation loads the :id conversation scoped to the caller's
// tenant, writing the error response itself when not found.
func (h *ConversationHandler) tenantConversation(c *gin.Context) (*models.Conversation, bool) {
	tenantID := c.GetString("tenantId")

	var conversation models.Conversation
	err := h.db.Preload("Client").
		Joins("JOIN clients ON clients.id = conversations.client_id").
		Where("conversations.id = ? AND clients.tenant_id = ?", c.Param("id"), tenantID).
		First(&conversation).Error
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return nil, false
	}
	return &conversation, true
}
