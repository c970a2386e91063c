// Package spend tracks per-request cost: an append-only ledger of spend
// records, cumulative budget accounting on keys, users, teams, and
// orgs, and the budget reset sweeper.
package spend

import (
	"context"
	"sync"
	"time"
)

// Record is one request's spend, written after the response completes.
type Record struct {
	ID           string  `json:"id"`
	RequestID    string  `json:"request_id"`
	KeyID        string  `json:"key_id,omitempty"`
	UserID       *string `json:"user_id,omitempty"`
	TeamID       *string `json:"team_id,omitempty"`
	OrgID        *string `json:"org_id,omitempty"`
	Model        string  `json:"model"`
	ModelGroup   string  `json:"model_group"`
	Provider     string  `json:"provider"`
	DeploymentID string  `json:"deployment_id"`

	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	CacheHit         bool `json:"cache_hit"`

	Cost      float64   `json:"cost"`
	CreatedAt time.Time `json:"created_at"`
}

// Ledger is the append-only spend record sink.
type Ledger interface {
	Insert(ctx context.Context, rec *Record) error
	// ListByKey returns records for a key newest first, up to limit.
	ListByKey(ctx context.Context, keyID string, limit int) ([]*Record, error)
	Close() error
}

// MemoryLedger keeps records in memory for single-instance and test
// use.
type MemoryLedger struct {
	mu      sync.RWMutex
	records []*Record
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

// Insert appends a record.
func (l *MemoryLedger) Insert(_ context.Context, rec *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	copied := *rec
	l.records = append(l.records, &copied)
	return nil
}

// ListByKey returns records for a key newest first.
func (l *MemoryLedger) ListByKey(_ context.Context, keyID string, limit int) ([]*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Record
	for i := len(l.records) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if l.records[i].KeyID == keyID {
			copied := *l.records[i]
			out = append(out, &copied)
		}
	}
	return out, nil
}

// Close is a no-op.
func (l *MemoryLedger) Close() error {
	return nil
}
