package database

import (
	"fmt"
	"log"
	"os"

	"mensajia-wa-inbox/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// InitDatabase connects to Postgres and runs migrations.
func InitDatabase() {
	host := os.Getenv("DB_HOST")
	port := os.Getenv("DB_PORT")
	user := os.Getenv("DB_USER")
	password := os.Getenv("DB_PASSWORD")
	dbname := os.Getenv("DB_NAME")
	sslmode := os.Getenv("DB_SSLMODE")

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, dbname, sslmode)

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // No logging for cleaner output
	})
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	log.Println("Database connected successfully")

	if err := Migrate(DB); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	if err := createNotifyTrigger(DB); err != nil {
		log.Printf("Warning: Failed to create NOTIFY trigger: %v", err)
	}
}

// GetDB returns the database instance.
func GetDB() *gorm.DB {
	return DB
}

// Migrate creates missing tables and the constraint indexes the resolver
// relies on. Shared with tests, which run it against in-memory sqlite.
func Migrate(db *gorm.DB) error {
	tables := []struct {
		name  string
		model interface{}
	}{
		{"bot_configs", &models.BotConfig{}},
		{"clients", &models.Client{}},
		{"conversations", &models.Conversation{}},
		{"messages", &models.Message{}},
		{"token_usages", &models.TokenUsage{}},
		{"bot_jobs", &models.BotJob{}},
	}

	for _, table := range tables {
		if !db.Migrator().HasTable(table.model) {
			log.Printf("Table '%s' not found, creating...", table.name)
			if err := db.AutoMigrate(table.model); err != nil {
				return fmt.Errorf("failed to migrate table %s: %w", table.name, err)
			}
		}
	}

	// At most one ACTIVE conversation per client. The resolver counts on this
	// index to serialize concurrent creates; valid on Postgres and sqlite.
	err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_one_active
		ON conversations (client_id)
		WHERE status = 'ACTIVE'
	`).Error
	if err != nil {
		return fmt.Errorf("failed to create active-conversation index: %w", err)
	}

	return nil
}

// createNotifyTrigger creates the Postgres NOTIFY trigger that wakes the bot
// worker when a job is enqueued.
func createNotifyTrigger(db *gorm.DB) error {
	err := db.Exec(`
		CREATE OR REPLACE FUNCTION notify_bot_job_insert()
		RETURNS TRIGGER AS $$
		BEGIN
			PERFORM pg_notify('bot_jobs_channel', 'new');
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql;
	`).Error
	if err != nil {
		return fmt.Errorf("failed to create notify function: %w", err)
	}

	err = db.Exec(`DROP TRIGGER IF EXISTS bot_jobs_insert_trigger ON bot_jobs;`).Error
	if err != nil {
		return fmt.Errorf("failed to drop existing trigger: %w", err)
	}

	err = db.Exec(`
		CREATE TRIGGER bot_jobs_insert_trigger
		AFTER INSERT ON bot_jobs
		FOR EACH ROW
		EXECUTE FUNCTION notify_bot_job_insert();
	`).Error
	if err != nil {
		return fmt.Errorf("failed to create trigger: %w", err)
	}

	log.Println("✓ NOTIFY trigger created for bot_jobs_channel")
	return nil
}
