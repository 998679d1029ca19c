package worker

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"mensajia-wa-inbox/models"
	"mensajia-wa-inbox/services"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

// Poll cadence when no NOTIFY arrives. The LISTEN connection is best-effort
// on cloud Postgres; polling guarantees progress either way.
const pollInterval = 2 * time.Second

// BotWorker drains the bot job queue and drives response generation.
type BotWorker struct {
	db       *gorm.DB
	pipeline *services.BotPipeline
	shutdown chan struct{}
	wg       sync.WaitGroup

	// withListener disables the Postgres LISTEN goroutine when the backing
	// store has no NOTIFY support (tests on sqlite).
	withListener bool
}

// NewBotWorker creates a worker bound to the shared pipeline.
func NewBotWorker(db *gorm.DB, pipeline *services.BotPipeline) *BotWorker {
	return &BotWorker{
		db:           db,
		pipeline:     pipeline,
		shutdown:     make(chan struct{}),
		withListener: true,
	}
}

// DisableListener turns off the Postgres LISTEN goroutine (tests).
func (w *BotWorker) DisableListener() { w.withListener = false }

// Start begins the worker loop. Blocks until Stop.
func (w *BotWorker) Start() {
	log.Println("🤖 Bot worker started")

	if w.withListener {
		w.wg.Add(1)
		go w.listenForJobs()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.shutdown:
			log.Println("🛑 Bot worker shutting down...")
			w.wg.Wait()
			log.Println("✅ Bot worker stopped")
			return
		case <-ticker.C:
			w.ProcessJobs()
		}
	}
}

// Stop signals the worker to shut down gracefully.
func (w *BotWorker) Stop() {
	close(w.shutdown)
}

// listenForJobs holds a Postgres LISTEN connection for instant wakeups, with
// auto-reconnect. Cloud providers drop LISTEN connections aggressively; the
// polling ticker covers the gaps.
func (w *BotWorker) listenForJobs() {
	defer w.wg.Done()

	connStr := os.Getenv("DATABASE_URL")
	if connStr == "" {
		log.Println("ℹ️  [LISTEN] DATABASE_URL not set, relying on polling only")
		return
	}

	eventCallback := func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			log.Println("✅ [LISTEN] Connected - instant job notifications enabled")
		case pq.ListenerEventDisconnected:
			log.Println("ℹ️  [LISTEN] Disconnected (polling fallback active)")
		case pq.ListenerEventReconnected:
			log.Println("✅ [LISTEN] Reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			if err != nil && !strings.Contains(err.Error(), "connection") {
				log.Printf("⚠️  [LISTEN] Error: %v (polling fallback active)", err)
			}
		}
	}

	listener := pq.NewListener(connStr, 10*time.Second, time.Minute, eventCallback)
	defer listener.Close()

	if err := listener.Listen("bot_jobs_channel"); err != nil {
		log.Printf("⚠️  [LISTEN] Failed to listen on bot_jobs_channel: %v (polling fallback active)", err)
		return
	}

	log.Println("👂 Listening for bot job notifications on bot_jobs_channel...")

	keepalive := time.NewTicker(60 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-w.shutdown:
			return
		case notification := <-listener.Notify:
			if notification != nil {
				w.ProcessJobs()
			}
		case <-keepalive.C:
			go func() {
				_ = listener.Ping()
			}()
		}
	}
}

// ProcessJobs drains all currently pending jobs.
func (w *BotWorker) ProcessJobs() {
	for {
		job, ok := w.claimJob()
		if !ok {
			return
		}
		w.processJob(job)
	}
}

// claimJob atomically takes ownership of the oldest pending job. The
// conditional update is the claim: with several workers racing, only one
// flips the row out of pending.
func (w *BotWorker) claimJob() (*models.BotJob, bool) {
	var job models.BotJob
	err := w.db.Where("status = ?", models.JobPending).
		Order("id ASC").
		First(&job).Error
	if err != nil {
		return nil, false
	}

	res := w.db.Model(&models.BotJob{}).
		Where("id = ? AND status = ?", job.ID, models.JobPending).
		Updates(map[string]interface{}{
			"status":     models.JobProcessing,
			"updated_at": time.Now(),
		})
	if res.Error != nil || res.RowsAffected == 0 {
		return nil, false
	}

	job.Status = models.JobProcessing
	return &job, true
}

// processJob runs one job to a terminal state. A failed LLM call is final:
// the job is marked failed and never re-enqueued, the customer message
// simply stays unanswered for an operator to pick up.
func (w *BotWorker) processJob(job *models.BotJob) {
	log.Printf("⚙️  Processing job #%d (conversation: %s)", job.ID, job.ConversationID)
	start := time.Now()

	err := w.pipeline.GenerateBotResponse(context.Background(), job)

	updates := map[string]interface{}{"updated_at": time.Now()}
	switch {
	case err == nil:
		updates["status"] = models.JobDone
		log.Printf("✅ Job #%d completed in %dms", job.ID, time.Since(start).Milliseconds())
	case errors.Is(err, services.ErrChannelUnavailable):
		updates["status"] = models.JobSkipped
		updates["error_msg"] = err.Error()
		log.Printf("⏭️  Job #%d skipped: %v", job.ID, err)
	default:
		updates["status"] = models.JobFailed
		updates["error_msg"] = err.Error()
		log.Printf("❌ Job #%d failed: %v", job.ID, err)
	}

	if dbErr := w.db.Model(&models.BotJob{}).Where("id = ?", job.ID).Updates(updates).Error; dbErr != nil {
		log.Printf("⚠️  Failed to update job #%d status: %v", job.ID, dbErr)
	}
}
