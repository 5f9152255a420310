// Package record persists the outcome of each trading cycle.
package record

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/kdvalentine/spx-straddle-bot/internal/models"
)

// Recorder persists trade records. Recording failure must not change trade
// state, so callers log and continue on error.
type Recorder interface {
	Record(ctx context.Context, rec *models.TradeRecord) error
	Recent(ctx context.Context, limit int) ([]models.TradeRecord, error)
	Close() error
}

// NewID returns a unique trade record identifier.
func NewID() string {
	return uuid.NewString()
}

// MemoryRecorder keeps records in memory. Used by tests and paper dry runs.
type MemoryRecorder struct {
	mu      sync.Mutex
	records []models.TradeRecord
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (m *MemoryRecorder) Record(_ context.Context, rec *models.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *rec)
	return nil
}

func (m *MemoryRecorder) Recent(_ context.Context, limit int) ([]models.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.TradeRecord, 0, n)
	// Newest first.
	for i := len(m.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

func (m *MemoryRecorder) Close() error { return nil }

var _ Recorder = (*MemoryRecorder)(nil)
