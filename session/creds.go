package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CredentialStore persists per-bot session credential material so a paired
// session survives process restarts and can silently re-authenticate.
type CredentialStore struct {
	dir string
}

// NewCredentialStore creates the store rooted at dir (created if missing).
func NewCredentialStore(dir string) (*CredentialStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create credential dir: %w", err)
	}
	return &CredentialStore{dir: dir}, nil
}

func (s *CredentialStore) path(botConfigID string) string {
	return filepath.Join(s.dir, botConfigID+".json")
}

// Save writes the opaque credential blob for a bot.
func (s *CredentialStore) Save(botConfigID string, creds []byte) error {
	if err := os.WriteFile(s.path(botConfigID), creds, 0o600); err != nil {
		return fmt.Errorf("failed to persist credentials for %s: %w", botConfigID, err)
	}
	return nil
}

// Load returns the credential blob, or nil when the bot was never paired.
func (s *CredentialStore) Load(botConfigID string) ([]byte, error) {
	data, err := os.ReadFile(s.path(botConfigID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials for %s: %w", botConfigID, err)
	}
	return data, nil
}

// Delete removes persisted credentials (explicit logout).
func (s *CredentialStore) Delete(botConfigID string) error {
	err := os.Remove(s.path(botConfigID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete credentials for %s: %w", botConfigID, err)
	}
	return nil
}

// List returns the bot ids that have persisted credential material.
func (s *CredentialStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list credential dir: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
	}
	return ids, nil
}
