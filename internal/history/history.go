// Package history keeps a record of finished requests and the tiers tried for
// each of them. It backs the diagnostics on /health.
package history

import (
	"context"
	"time"

	"github.com/n0madic/go-studioproxy/internal/acquire"
)

// DefaultCapacity bounds the in-memory ring when no size is configured.
const DefaultCapacity = 200

// Record is one finished request.
type Record struct {
	ReqID      string            `json:"req_id"`
	Model      string            `json:"model,omitempty"`
	Stream     bool              `json:"stream"`
	State      string            `json:"state"`
	Attempts   []acquire.Attempt `json:"attempts,omitempty"`
	Error      string            `json:"error,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Store persists records. Recent returns the newest records first.
type Store interface {
	Add(ctx context.Context, r Record) error
	Recent(ctx context.Context, n int) ([]Record, error)
	Close() error
}

// Open returns a SQLite store when path is set, otherwise a memory ring of
// the given capacity.
func Open(path string, capacity int) (Store, error) {
	if path == "" {
		return NewMemory(capacity), nil
	}
	return NewSQLite(path, capacity)
}
