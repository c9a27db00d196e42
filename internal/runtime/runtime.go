package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-podcast/internal/bus"
	"github.com/loqalabs/loqa-podcast/internal/config"
	"github.com/loqalabs/loqa-podcast/internal/httpapi"
	"github.com/loqalabs/loqa-podcast/internal/jobs"
	"github.com/loqalabs/loqa-podcast/internal/natsserver"
	"github.com/loqalabs/loqa-podcast/internal/podcast"
	"github.com/loqalabs/loqa-podcast/internal/taskstore"
	"github.com/loqalabs/loqa-podcast/internal/workers"
)

const pruneInterval = 10 * time.Minute

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	natsServer  *natsserver.EmbeddedServer
	bus         *bus.Client
	store       taskstore.Store
	jobs        *jobs.Service
	workers     *workers.Registry
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startBus(ctx); err != nil {
		r.shutdown()
		return err
	}

	store, err := taskstore.Open(ctx, r.cfg.TaskStore, r.bus.Conn(), r.logger)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("failed to open task store: %w", err)
	}
	r.store = store

	client, err := podcast.New(PodcastConfig(r.cfg.Podcast), r.logger)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("failed to create podcast client: %w", err)
	}

	// A node with jobs disabled still accepts submissions for workers elsewhere on the bus.
	r.jobs = jobs.NewService(ctx, r.cfg.Jobs, r.bus, client, r.store, r.logger)
	if err := r.jobs.Start(); err != nil {
		r.shutdown()
		return fmt.Errorf("failed to start podcast jobs: %w", err)
	}

	self := workers.Self{Encoding: r.cfg.Podcast.Encoding, Load: r.jobs.Active}
	if r.cfg.Jobs.Enabled {
		self.MaxConcurrency = r.cfg.Jobs.MaxConcurrency
	}
	r.workers, err = workers.NewRegistry(ctx, r.cfg.Workers, self, r.bus, r.logger)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("failed to start worker registry: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	httpapi.NewHandlerWithWorkers(r.cfg.HTTP, client, r.jobs, r.store, r.workers, r.logger).Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("task_store", r.cfg.TaskStore.Backend))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.shutdown()

	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	ns, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.natsServer = ns

	busCfg := r.cfg.Bus
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client
	return nil
}

// shutdown releases everything in reverse start order. It tolerates partial starts.
func (r *Runtime) shutdown() {
	if r.workers != nil {
		r.workers.Close()
	}
	if r.jobs != nil {
		r.jobs.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("task store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.natsServer.Shutdown()

	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("task store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// PodcastConfig maps the service configuration onto the client configuration.
func PodcastConfig(cfg config.PodcastConfig) podcast.Config {
	return podcast.Config{
		Endpoint: cfg.Endpoint,
		Credentials: podcast.Credentials{
			AppID:      cfg.AppID,
			AppKey:     cfg.AppKey,
			AccessKey:  cfg.AccessKey,
			ResourceID: cfg.ResourceID,
		},
		MaxAttempts:      cfg.MaxAttempts,
		RetryInterval:    time.Duration(cfg.RetryIntervalMS) * time.Millisecond,
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutMS) * time.Millisecond,
		ReadTimeout:      time.Duration(cfg.ReadTimeoutMS) * time.Millisecond,
		CloseTimeout:     time.Duration(cfg.CloseTimeoutMS) * time.Millisecond,
		MaxJobDuration:   time.Duration(cfg.MaxJobDurationMS) * time.Millisecond,
		Action:           cfg.Action,
		Encoding:         cfg.Encoding,
		SampleRate:       cfg.SampleRate,
		SpeechRate:       cfg.SpeechRate,
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && (r.jobs == nil || r.jobs.Healthy()) && (r.workers == nil || r.workers.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
