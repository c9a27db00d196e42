// Package workers tracks which podcast job workers are alive on the bus.
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-podcast/internal/bus"
	"github.com/loqalabs/loqa-podcast/internal/config"
	"github.com/loqalabs/loqa-podcast/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Worker is the registry's view of one job worker.
type Worker struct {
	ID             string    `json:"id"`
	MaxConcurrency int       `json:"max_concurrency,omitempty"`
	Encoding       string    `json:"encoding,omitempty"`
	Active         int       `json:"active"`
	LastSeen       time.Time `json:"last_seen"`
	Healthy        bool      `json:"healthy"`
}

// LoadFunc reports how many jobs the local worker is running.
type LoadFunc func() int

// Self describes the local node. A zero MaxConcurrency means the node does
// not run jobs and is not announced.
type Self struct {
	MaxConcurrency int
	Encoding       string
	Load           LoadFunc
}

type Registry struct {
	cfg     config.WorkersConfig
	self    Self
	log     *slog.Logger
	bus     *bus.Client
	mu      sync.RWMutex
	workers map[string]*Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	subs    []*nats.Subscription
	now     func() time.Time
}

func NewRegistry(ctx context.Context, cfg config.WorkersConfig, self Self, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:     cfg,
		self:    self,
		log:     log.With(slog.String("component", "worker-registry")),
		bus:     busClient,
		workers: make(map[string]*Worker),
		cancel:  cancel,
		now:     time.Now,
	}

	if err := r.initMetrics(otel.Meter("github.com/loqalabs/loqa-podcast/workers")); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	if r.announces() {
		if err := r.announce(); err != nil {
			r.log.Warn("failed to announce worker", slog.String("error", err.Error()))
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.runHeartbeat(ctx)
		}()
	}

	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) announces() bool { return r.self.MaxConcurrency > 0 }

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectWorkerAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectWorkerHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("flush worker subscriptions: %w", err)
	}
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) announce() error {
	msg := protocol.WorkerAnnounce{
		WorkerID:       r.cfg.ID,
		MaxConcurrency: r.self.MaxConcurrency,
		Encoding:       r.self.Encoding,
		Timestamp:      r.now().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectWorkerAnnounce, msg); err != nil {
		return err
	}
	r.observe(msg.WorkerID, &msg, nil, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.WorkerHeartbeat{
		WorkerID:  r.cfg.ID,
		Active:    r.load(),
		Timestamp: r.now().UTC(),
	}
	return r.bus.PublishJSON(protocol.SubjectWorkerHeartbeat+"."+r.cfg.ID, msg)
}

func (r *Registry) load() int {
	if r.self.Load == nil {
		return 0
	}
	return r.self.Load()
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a protocol.WorkerAnnounce
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.WorkerID == "" {
		r.log.Warn("invalid worker announcement", slog.String("subject", msg.Subject))
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = r.now().UTC()
	}
	r.observe(a.WorkerID, &a, nil, a.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.WorkerHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.WorkerID == "" {
		r.log.Warn("invalid worker heartbeat", slog.String("subject", msg.Subject))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now().UTC()
	}
	r.observe(hb.WorkerID, nil, &hb, hb.Timestamp)
}

func (r *Registry) observe(id string, a *protocol.WorkerAnnounce, hb *protocol.WorkerHeartbeat, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		w = &Worker{ID: id}
		r.workers[id] = w
	}
	if a != nil {
		w.MaxConcurrency = a.MaxConcurrency
		w.Encoding = a.Encoding
	}
	if hb != nil {
		w.Active = hb.Active
	}
	if seen.After(w.LastSeen) {
		w.LastSeen = seen
	}
}

func (r *Registry) healthy(w *Worker, now time.Time) bool {
	return now.Sub(w.LastSeen) <= time.Duration(r.cfg.HeartbeatTimeoutMS)*time.Millisecond
}

// Workers returns every known worker ordered by id, with health evaluated now.
func (r *Registry) Workers() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		cp := *w
		cp.Healthy = r.healthy(w, now)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Available reports whether at least one healthy worker can take jobs.
func (r *Registry) Available() bool {
	for _, w := range r.Workers() {
		if w.Healthy && w.MaxConcurrency > 0 {
			return true
		}
	}
	return false
}

// Healthy is true when the local node is either passive or has been seen recently.
func (r *Registry) Healthy() bool {
	if !r.announces() {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[r.cfg.ID]
	return ok && r.healthy(w, r.now())
}

func (r *Registry) initMetrics(meter metric.Meter) error {
	workers, err := meter.Int64ObservableGauge("podcast.workers.healthy", metric.WithDescription("Healthy podcast job workers"))
	if err != nil {
		return err
	}
	capacity, err := meter.Int64ObservableGauge("podcast.workers.capacity", metric.WithDescription("Job slots across healthy workers"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var healthy, slots int64
		for _, w := range r.Workers() {
			if w.Healthy {
				healthy++
				slots += int64(w.MaxConcurrency)
			}
		}
		obs.ObserveInt64(workers, healthy)
		obs.ObserveInt64(capacity, slots)
		return nil
	}, workers, capacity)
	return err
}
