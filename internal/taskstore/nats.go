package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-podcast/internal/config"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATS keeps record metadata in a JetStream key-value bucket and audio in an
// object store. Both buckets expire entries after the retention period.
type NATS struct {
	kv        jetstream.KeyValue
	objects   jetstream.ObjectStore
	log       *slog.Logger
	retention time.Duration
	clock     func() time.Time
}

func OpenNATS(ctx context.Context, cfg config.TaskStoreConfig, nc *nats.Conn, log *slog.Logger) (*NATS, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	retention := cfg.Retention()
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "podcast task status",
		TTL:         retention,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("create task bucket %s: %w", cfg.Bucket, err)
	}
	objects, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      cfg.Bucket + "_audio",
		Description: "podcast task audio",
		TTL:         retention,
	})
	if err != nil {
		return nil, fmt.Errorf("create audio bucket %s_audio: %w", cfg.Bucket, err)
	}
	log.Info("nats task store ready", slog.String("bucket", cfg.Bucket), slog.Duration("retention", retention))
	return &NATS{kv: kv, objects: objects, log: log, retention: retention, clock: time.Now}, nil
}

func (n *NATS) Put(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		if prev, err := n.meta(ctx, rec.JobID); err == nil {
			rec.CreatedAt = prev.CreatedAt
		}
	}
	rec = stamp(rec, n.clock(), n.retention)
	if len(rec.Audio) > 0 {
		if _, err := n.objects.PutBytes(ctx, rec.JobID, rec.Audio); err != nil {
			return fmt.Errorf("put task audio %s: %w", rec.JobID, err)
		}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", rec.JobID, err)
	}
	if _, err := n.kv.Put(ctx, rec.JobID, data); err != nil {
		return fmt.Errorf("put task %s: %w", rec.JobID, err)
	}
	return nil
}

func (n *NATS) Get(ctx context.Context, jobID string) (Record, error) {
	rec, err := n.meta(ctx, jobID)
	if err != nil {
		return Record{}, err
	}
	if !n.clock().Before(rec.ExpiresAt) {
		return Record{}, ErrNotFound
	}
	if rec.AudioSize > 0 {
		audio, err := n.objects.GetBytes(ctx, jobID)
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return Record{}, ErrNotFound
		}
		if err != nil {
			return Record{}, fmt.Errorf("get task audio %s: %w", jobID, err)
		}
		rec.Audio = audio
	}
	return rec, nil
}

func (n *NATS) meta(ctx context.Context, jobID string) (Record, error) {
	entry, err := n.kv.Get(ctx, jobID)
	// Ids that are not valid KV keys (wildcards, spaces) cannot name a stored task.
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrInvalidKey) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get task %s: %w", jobID, err)
	}
	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return Record{}, fmt.Errorf("decode task %s: %w", jobID, err)
	}
	return rec, nil
}

// Prune is a no-op; JetStream ages entries out of both buckets.
func (n *NATS) Prune(context.Context) error { return nil }

// Close leaves the shared bus connection open.
func (n *NATS) Close() error { return nil }
