package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mensajia-wa-inbox/database"
	"mensajia-wa-inbox/models"
	"mensajia-wa-inbox/realtime"
	"mensajia-wa-inbox/services"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type nopPublisher struct{}

func (nopPublisher) PublishToConversation(string, realtime.Event) {}
func (nopPublisher) PublishGlobal(realtime.Event)                 {}

type countingSender struct {
	mu   sync.Mutex
	sent int
}

func (s *countingSender) SendText(ctx context.Context, bot *models.BotConfig, to, body string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	// Refs must be distinct per call: messages.wa_message_id carries a
	// unique index, so a constant ref would reject the second insert.
	return fmt.Sprintf("wamid.SENT-%d", s.sent), nil
}

type stubProvider struct {
	err error
}

func (p *stubProvider) Generate(ctx context.Context, req services.GenerateRequest) (*services.GenerateResult, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &services.GenerateResult{
		Content:          "respuesta",
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
		Model:            req.Model,
	}, nil
}

func (p *stubProvider) Name() string { return "stub" }

type workerFixture struct {
	db     *gorm.DB
	worker *BotWorker
	sender *countingSender
	bot    *models.BotConfig
}

func newWorkerFixture(t *testing.T, providerErr error, withCloudCreds bool) *workerFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db))

	bot := &models.BotConfig{
		TenantID:     "tenant-1",
		SystemPrompt: "help",
		Model:        "gpt-4o-mini",
		Provider:     "openai",
	}
	if withCloudCreds {
		phoneNumberID := "123456"
		token := "cloud-token"
		bot.WhatsAppPhoneNumberID = &phoneNumberID
		bot.WhatsAppAPIToken = &token
	}
	require.NoError(t, db.Create(bot).Error)

	sender := &countingSender{}
	pipeline := services.NewBotPipeline(db, nopPublisher{}, map[string]services.ChannelSender{
		services.ChannelCloud: sender,
		services.ChannelWeb:   sender,
	})
	pipeline.SetProviderFactory(func(*models.BotConfig) (services.LLMProvider, error) {
		return &stubProvider{err: providerErr}, nil
	})

	w := NewBotWorker(db, pipeline)
	w.DisableListener()
	return &workerFixture{db: db, worker: w, sender: sender, bot: bot}
}

func (f *workerFixture) enqueue(t *testing.T, channel string) *models.BotJob {
	t.Helper()

	// Each job gets its own client: a client can hold only one ACTIVE
	// conversation at a time.
	conversation := models.Conversation{ClientID: uuid.NewString(), BotConfigID: f.bot.ID, Status: models.ConversationActive, Mode: models.ModeBot}
	require.NoError(t, f.db.Create(&conversation).Error)

	job := models.BotJob{
		Status:         models.JobPending,
		ConversationID: conversation.ID,
		BotConfigID:    f.bot.ID,
		Channel:        channel,
		Destination:    "541125367148",
	}
	require.NoError(t, f.db.Create(&job).Error)
	return &job
}

func (f *workerFixture) jobStatus(t *testing.T, id uint) models.BotJob {
	t.Helper()
	var job models.BotJob
	require.NoError(t, f.db.First(&job, id).Error)
	return job
}

func TestWorkerCompletesJob(t *testing.T) {
	f := newWorkerFixture(t, nil, true)
	job := f.enqueue(t, services.ChannelCloud)

	f.worker.ProcessJobs()

	got := f.jobStatus(t, job.ID)
	assert.Equal(t, models.JobDone, got.Status)
	assert.Equal(t, 1, f.sender.sent)

	var botMsg models.Message
	require.NoError(t, f.db.Where("sender_type = ?", models.SenderBot).First(&botMsg).Error)
	assert.Equal(t, "respuesta", botMsg.Content)
}

func TestWorkerFailedLLMIsTerminal(t *testing.T) {
	f := newWorkerFixture(t, errors.New("model overloaded"), true)
	job := f.enqueue(t, services.ChannelCloud)

	f.worker.ProcessJobs()

	got := f.jobStatus(t, job.ID)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Contains(t, got.ErrorMsg, "model overloaded")

	// No retry: a second drain leaves the job failed and sends nothing.
	f.worker.ProcessJobs()
	got = f.jobStatus(t, job.ID)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, 0, f.sender.sent)
}

func TestWorkerSkipsBotWithoutCredentials(t *testing.T) {
	f := newWorkerFixture(t, nil, false)
	job := f.enqueue(t, services.ChannelCloud)

	f.worker.ProcessJobs()

	got := f.jobStatus(t, job.ID)
	assert.Equal(t, models.JobSkipped, got.Status)
	assert.Equal(t, 0, f.sender.sent)
}

func TestWorkerDrainsAllPendingJobs(t *testing.T) {
	f := newWorkerFixture(t, nil, true)
	a := f.enqueue(t, services.ChannelCloud)
	b := f.enqueue(t, services.ChannelCloud)

	f.worker.ProcessJobs()

	assert.Equal(t, models.JobDone, f.jobStatus(t, a.ID).Status)
	assert.Equal(t, models.JobDone, f.jobStatus(t, b.ID).Status)
	assert.Equal(t, 2, f.sender.sent)
}

func TestWorkerStartStop(t *testing.T) {
	f := newWorkerFixture(t, nil, true)
	job := f.enqueue(t, services.ChannelCloud)

	done := make(chan struct{})
	go func() {
		f.worker.Start()
		close(done)
	}()

	require.Eventually(t, func() bool {
		return f.jobStatus(t, job.ID).Status == models.JobDone
	}, 10*time.Second, 50*time.Millisecond)

	f.worker.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
