// Package jobs runs podcast synthesis requests received over the bus and
// records their progress in the task store.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-podcast/internal/bus"
	"github.com/loqalabs/loqa-podcast/internal/config"
	"github.com/loqalabs/loqa-podcast/internal/podcast"
	"github.com/loqalabs/loqa-podcast/internal/protocol"
	"github.com/loqalabs/loqa-podcast/internal/taskstore"
	"github.com/nats-io/nats.go"
)

// Synthesizer runs one podcast job to completion.
type Synthesizer interface {
	Synthesize(ctx context.Context, req podcast.Request) (*podcast.Result, error)
}

type Service struct {
	cfg    config.JobsConfig
	bus    *bus.Client
	synth  Synthesizer
	store  taskstore.Store
	sub    *nats.Subscription
	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.JobsConfig, busClient *bus.Client, synth Synthesizer, store taskstore.Store, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		synth:  synth,
		store:  store,
		sem:    make(chan struct{}, max(cfg.MaxConcurrency, 1)),
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "podcast-jobs")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectPodcastRequest, protocol.QueuePodcastWorkers, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectPodcastRequest, err)
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

// Active is the number of jobs currently synthesizing.
func (s *Service) Active() int { return len(s.sem) }

// Submit records a new job as processing and hands it to the bus. It returns
// the job with its assigned id.
func (s *Service) Submit(ctx context.Context, job protocol.PodcastJob) (protocol.PodcastJob, error) {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now().UTC()
	}
	if err := Request(job).Validate(); err != nil {
		return job, err
	}
	if err := s.store.Put(ctx, taskstore.Record{JobID: job.JobID, Status: taskstore.StatusProcessing, InputID: job.InputID}); err != nil {
		return job, fmt.Errorf("record job %s: %w", job.JobID, err)
	}
	if err := s.bus.PublishJSON(protocol.SubjectPodcastRequest, job); err != nil {
		s.fail(ctx, job, 0, err)
		return job, err
	}
	return job, nil
}

// Request converts a bus job into a synthesis request.
func Request(job protocol.PodcastJob) podcast.Request {
	lines := make([]podcast.Line, 0, len(job.Scripts))
	for _, l := range job.Scripts {
		lines = append(lines, podcast.Line{Speaker: l.Speaker, Text: l.Text})
	}
	return podcast.Request{
		InputID:      job.InputID,
		Lines:        lines,
		Action:       job.Action,
		Encoding:     job.Encoding,
		UseHeadMusic: job.UseHeadMusic,
		UseTailMusic: job.UseTailMusic,
	}
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var job protocol.PodcastJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		s.logger.Warn("failed to decode podcast job", slogError(err))
		return
	}
	if job.JobID == "" {
		s.logger.Warn("podcast job without id dropped")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-s.ctx.Done():
			s.fail(context.WithoutCancel(s.ctx), job, 0, s.ctx.Err())
			return
		}
		s.run(job)
	}()
}

func (s *Service) run(job protocol.PodcastJob) {
	logger := s.logger.With(slog.String("job_id", job.JobID))
	if err := s.store.Put(s.ctx, taskstore.Record{JobID: job.JobID, Status: taskstore.StatusProcessing, InputID: job.InputID}); err != nil {
		logger.Warn("failed to record processing state", slogError(err))
	}

	logger.Info("podcast job started", slog.Int("lines", len(job.Scripts)))
	res, err := s.synth.Synthesize(s.ctx, Request(job))
	if err != nil {
		s.fail(context.WithoutCancel(s.ctx), job, 0, err)
		return
	}

	rec := taskstore.Record{
		JobID:    job.JobID,
		Status:   taskstore.StatusSuccess,
		InputID:  res.InputID,
		TaskID:   res.TaskID,
		Attempts: res.Attempts,
		Audio:    res.Audio,
	}
	if err := s.store.Put(context.WithoutCancel(s.ctx), rec); err != nil {
		logger.Error("failed to store podcast audio", slogError(err))
		s.fail(context.WithoutCancel(s.ctx), job, res.Attempts, err)
		return
	}
	s.publishDone(protocol.PodcastStatus{
		JobID:     job.JobID,
		Status:    string(taskstore.StatusSuccess),
		TaskID:    res.TaskID,
		Attempts:  res.Attempts,
		Timestamp: time.Now().UTC(),
	})
	logger.Info("podcast job finished", slog.String("task_id", res.TaskID), slog.Int("bytes", len(res.Audio)))
}

func (s *Service) fail(ctx context.Context, job protocol.PodcastJob, attempts int, cause error) {
	rec := taskstore.Record{
		JobID:    job.JobID,
		Status:   taskstore.StatusFailed,
		InputID:  job.InputID,
		Attempts: attempts,
		Error:    cause.Error(),
	}
	if err := s.store.Put(ctx, rec); err != nil {
		s.logger.Warn("failed to record job failure", slog.String("job_id", job.JobID), slogError(err))
	}
	s.publishDone(protocol.PodcastStatus{
		JobID:     job.JobID,
		Status:    string(taskstore.StatusFailed),
		Attempts:  attempts,
		Error:     cause.Error(),
		Timestamp: time.Now().UTC(),
	})
	s.logger.Warn("podcast job failed", slog.String("job_id", job.JobID), slogError(cause))
}

func (s *Service) publishDone(status protocol.PodcastStatus) {
	if err := s.bus.PublishJSON(protocol.SubjectPodcastDone, status); err != nil {
		s.logger.Warn("failed to publish podcast status", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
