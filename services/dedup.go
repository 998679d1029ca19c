package services

import (
	"log"
	"sync"

	"mensajia-wa-inbox/models"

	"gorm.io/gorm"
)

// DedupGate suppresses re-processing of channel messages. Two layers:
// a bounded in-memory set for the hot path, and an existence check against
// stored messages covering the window after a process restart.
//
// This is at-most-once per known ref, not exactly-once: channel retries are
// expected and harmless to skip.
type DedupGate struct {
	db      *gorm.DB
	maxSize int

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string // insertion order, oldest first
}

// NewDedupGate creates a gate with a bounded in-memory cache of maxSize refs.
func NewDedupGate(db *gorm.DB, maxSize int) *DedupGate {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &DedupGate{
		db:      db,
		maxSize: maxSize,
		seen:    make(map[string]struct{}),
	}
}

// ShouldProcess reports whether a channel message ref is new, marking it as
// seen as a side effect. Empty refs are always processed.
func (g *DedupGate) ShouldProcess(ref string) bool {
	if ref == "" {
		return true
	}

	g.mu.Lock()
	if _, ok := g.seen[ref]; ok {
		g.mu.Unlock()
		log.Printf("[Dedup] Skipping duplicate message: %s", ref)
		return false
	}
	g.remember(ref)
	g.mu.Unlock()

	// Durable layer: the in-memory set is reset by a restart.
	var count int64
	if err := g.db.Model(&models.Message{}).Where("wa_message_id = ?", ref).Count(&count).Error; err != nil {
		log.Printf("[Dedup] Durable check failed for %s: %v", ref, err)
		return true // fail open: a duplicate row is caught by the unique ref later
	}
	if count > 0 {
		log.Printf("[Dedup] Skipping already-stored message: %s", ref)
		return false
	}

	return true
}

// remember inserts a ref, evicting the oldest entries once over capacity.
// Caller holds g.mu.
func (g *DedupGate) remember(ref string) {
	g.seen[ref] = struct{}{}
	g.order = append(g.order, ref)

	for len(g.order) > g.maxSize {
		oldest := g.order[0]
		g.order = g.order[1:]
		delete(g.seen, oldest)
	}
}
