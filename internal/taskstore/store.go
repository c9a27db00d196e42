// Package taskstore records the status of asynchronous podcast jobs so that
// callers can poll for them. Records expire after the configured retention.
package taskstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-podcast/internal/config"
	"github.com/nats-io/nats.go"
)

// ErrNotFound is returned for unknown and expired jobs.
var ErrNotFound = errors.New("task not found")

type Status string

const (
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// Record is the externally visible state of one job.
type Record struct {
	JobID     string    `json:"job_id"`
	Status    Status    `json:"status"`
	InputID   string    `json:"input_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Error     string    `json:"error,omitempty"`
	Audio     []byte    `json:"-"`
	AudioSize int       `json:"audio_size,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store persists job records. Put replaces the record for JobID and refreshes its expiry.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, jobID string) (Record, error)
	Prune(ctx context.Context) error
	Close() error
}

// Open selects the backend named by cfg. nc is only used by the nats backend.
func Open(ctx context.Context, cfg config.TaskStoreConfig, nc *nats.Conn, log *slog.Logger) (Store, error) {
	log = log.With(slog.String("component", "task-store"), slog.String("backend", cfg.Backend))
	switch cfg.Backend {
	case "memory":
		return NewMemory(cfg.Retention()), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg, log)
	case "nats":
		if nc == nil {
			return nil, errors.New("nats task store requires a bus connection")
		}
		return OpenNATS(ctx, cfg, nc, log)
	default:
		return nil, fmt.Errorf("unknown task store backend %q", cfg.Backend)
	}
}

// stamp fills the bookkeeping timestamps for a write at now.
func stamp(rec Record, now time.Time, retention time.Duration) Record {
	now = now.UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(retention)
	rec.AudioSize = len(rec.Audio)
	return rec
}
