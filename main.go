package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mensajia-wa-inbox/database"
	"mensajia-wa-inbox/handlers"
	"mensajia-wa-inbox/middleware"
	"mensajia-wa-inbox/models"
	"mensajia-wa-inbox/realtime"
	"mensajia-wa-inbox/services"
	"mensajia-wa-inbox/session"
	"mensajia-wa-inbox/whatsapp"
	"mensajia-wa-inbox/worker"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, using system environment variables")
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	// Initialize database
	database.InitDatabase()
	db := database.GetDB()

	// Realtime fan-out hub for dashboard clients
	hub := realtime.NewHub()

	// Channel adapters. The senders map is shared with the session manager,
	// which registers itself under the web channel once constructed.
	cloudAPI := whatsapp.NewCloudAPI(os.Getenv("GRAPH_API_URL"))
	senders := map[string]services.ChannelSender{
		services.ChannelCloud: cloudAPI,
	}

	pipeline := services.NewBotPipeline(db, hub, senders)

	// WhatsApp Web channel: QR sessions over the bridge
	sessionsDir := os.Getenv("SESSIONS_DIR")
	if sessionsDir == "" {
		sessionsDir = "./sessions"
	}
	credStore, err := session.NewCredentialStore(sessionsDir)
	if err != nil {
		log.Fatalf("❌ Failed to initialize credential store: %v", err)
	}

	bridgeURL := os.Getenv("WA_BRIDGE_URL")
	if bridgeURL == "" {
		bridgeURL = "ws://localhost:3001"
	}

	sessionManager := session.NewManager(db, hub, credStore, bridgeURL,
		func(ctx context.Context, bot *models.BotConfig, in services.IncomingMessage) {
			if _, err := pipeline.ProcessIncoming(ctx, services.ChannelWeb, bot, in); err != nil {
				log.Printf("[Session] Failed to process inbound message: %v", err)
			}
		})
	senders[services.ChannelWeb] = sessionManager

	// Start bot worker in background with graceful shutdown support
	botWorker := worker.NewBotWorker(db, pipeline)
	go func() {
		log.Println("Starting bot worker...")
		botWorker.Start()
	}()

	// Reconnect previously paired web sessions
	go sessionManager.ReconnectSaved()

	// Setup Gin router
	router := gin.Default()

	// Add CORS middleware
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Home page
	router.GET("/", handlers.HomePage)

	// Health check
	router.GET("/health", handlers.HealthCheck)

	// WhatsApp Cloud webhook - one endpoint per bot, Meta calls it directly
	webhookHandler := handlers.NewWebhookHandler(db, pipeline)
	router.GET("/webhook/whatsapp/:botConfigId", webhookHandler.Verify)
	router.POST("/webhook/whatsapp/:botConfigId", webhookHandler.Receive)

	// Operator dashboard API (JWT authenticated)
	conversationHandler := handlers.NewConversationHandler(db, pipeline)
	webSessionHandler := handlers.NewWebSessionHandler(db, sessionManager)
	wsHandler := handlers.NewWSHandler(hub)

	api := router.Group("/api")
	api.Use(middleware.JWTMiddleware())
	{
		api.GET("/conversations", conversationHandler.List)
		api.GET("/conversations/:id/messages", conversationHandler.Messages)
		api.PUT("/conversations/:id/mode", conversationHandler.UpdateMode)
		api.POST("/conversations/:id/assign", conversationHandler.Assign)
		api.PUT("/conversations/:id/close", conversationHandler.Close)
		api.POST("/conversations/:id/messages", conversationHandler.SendMessage)

		api.POST("/channels/web/:botConfigId/connect", webSessionHandler.Connect)
		api.GET("/channels/web/:botConfigId/status", webSessionHandler.Status)
		api.POST("/channels/web/:botConfigId/disconnect", webSessionHandler.Disconnect)

		api.GET("/ws", wsHandler.Serve)
	}

	// Get port from environment or default to 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Setup HTTP server with graceful shutdown
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Channel to listen for interrupt signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Start server in a goroutine
	go func() {
		log.Printf("🚀 Server starting on port %s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	<-quit
	log.Println("🛑 Shutting down server...")

	// Stop bot worker first
	log.Println("🤖 Stopping bot worker...")
	botWorker.Stop()

	// Give a deadline for HTTP server shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("✅ Server exited gracefully")
}
