package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-podcast/internal/bus"
	"github.com/loqalabs/loqa-podcast/internal/config"
	"github.com/loqalabs/loqa-podcast/internal/podcast"
	"github.com/loqalabs/loqa-podcast/internal/protocol"
	"github.com/loqalabs/loqa-podcast/internal/taskstore"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	opts := test.DefaultTestOptions
	opts.Port = -1
	srv := test.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return bus.NewClient(nc, newLogger())
}

type stubSynth struct {
	mu       sync.Mutex
	requests []podcast.Request
	running  atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	fn       func(podcast.Request) (*podcast.Result, error)
}

func (s *stubSynth) Synthesize(ctx context.Context, req podcast.Request) (*podcast.Result, error) {
	n := s.running.Add(1)
	defer s.running.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.fn(req)
}

func waitStatus(t *testing.T, sub *nats.Subscription) protocol.PodcastStatus {
	t.Helper()
	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	var status protocol.PodcastStatus
	require.NoError(t, json.Unmarshal(msg.Data, &status))
	return status
}

func sampleJob() protocol.PodcastJob {
	return protocol.PodcastJob{
		InputID: "episode-7",
		Scripts: []protocol.ScriptLine{
			{Speaker: "host", Text: "Today we talk about retries."},
			{Speaker: "guest", Text: "And how to resume them."},
		},
		Encoding: "wav",
	}
}

func TestSubmitRecordsSuccess(t *testing.T) {
	b := startBus(t)
	store := taskstore.NewMemory(time.Hour)
	synth := &stubSynth{fn: func(req podcast.Request) (*podcast.Result, error) {
		return &podcast.Result{Audio: []byte("RIFF"), TaskID: "task-1", InputID: req.InputID, Attempts: 2}, nil
	}}
	svc := NewService(context.Background(), config.JobsConfig{Enabled: true, MaxConcurrency: 1}, b, synth, store, newLogger())
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)

	done, err := b.Conn().SubscribeSync(protocol.SubjectPodcastDone)
	require.NoError(t, err)

	job, err := svc.Submit(context.Background(), sampleJob())
	require.NoError(t, err)
	require.NotEmpty(t, job.JobID)

	status := waitStatus(t, done)
	assert.Equal(t, job.JobID, status.JobID)
	assert.Equal(t, "success", status.Status)
	assert.Equal(t, "task-1", status.TaskID)
	assert.Equal(t, 2, status.Attempts)

	rec, err := store.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusSuccess, rec.Status)
	assert.Equal(t, "RIFF", string(rec.Audio))
	assert.Equal(t, "task-1", rec.TaskID)

	synth.mu.Lock()
	defer synth.mu.Unlock()
	require.Len(t, synth.requests, 1)
	assert.Equal(t, "episode-7", synth.requests[0].InputID)
	assert.Equal(t, "wav", synth.requests[0].Encoding)
	assert.Len(t, synth.requests[0].Lines, 2)
}

func TestSubmitRecordsFailure(t *testing.T) {
	b := startBus(t)
	store := taskstore.NewMemory(time.Hour)
	synth := &stubSynth{fn: func(podcast.Request) (*podcast.Result, error) {
		return nil, fmt.Errorf("%w after 3 attempts: connection refused", podcast.ErrRetriesExhausted)
	}}
	svc := NewService(context.Background(), config.JobsConfig{Enabled: true, MaxConcurrency: 1}, b, synth, store, newLogger())
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)

	done, err := b.Conn().SubscribeSync(protocol.SubjectPodcastDone)
	require.NoError(t, err)

	job, err := svc.Submit(context.Background(), sampleJob())
	require.NoError(t, err)

	status := waitStatus(t, done)
	assert.Equal(t, "failed", status.Status)
	assert.Contains(t, status.Error, "retry budget exhausted")

	rec, err := store.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "connection refused")
	assert.Empty(t, rec.Audio)
}

func TestSubmitIsProcessingUntilDone(t *testing.T) {
	b := startBus(t)
	store := taskstore.NewMemory(time.Hour)
	release := make(chan struct{})
	synth := &stubSynth{fn: func(podcast.Request) (*podcast.Result, error) {
		<-release
		return &podcast.Result{Audio: []byte("x")}, nil
	}}
	svc := NewService(context.Background(), config.JobsConfig{Enabled: true, MaxConcurrency: 1}, b, synth, store, newLogger())
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)
	t.Cleanup(func() { close(release) })

	job, err := svc.Submit(context.Background(), sampleJob())
	require.NoError(t, err)

	rec, err := store.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusProcessing, rec.Status)
}

func TestSubmitRejectsInvalidJob(t *testing.T) {
	b := startBus(t)
	store := taskstore.NewMemory(time.Hour)
	svc := NewService(context.Background(), config.JobsConfig{Enabled: true, MaxConcurrency: 1}, b, &stubSynth{}, store, newLogger())

	job, err := svc.Submit(context.Background(), protocol.PodcastJob{})
	require.ErrorIs(t, err, podcast.ErrInvalidRequest)
	_, err = store.Get(context.Background(), job.JobID)
	assert.True(t, errors.Is(err, taskstore.ErrNotFound))
}

func TestConcurrencyIsBounded(t *testing.T) {
	b := startBus(t)
	store := taskstore.NewMemory(time.Hour)
	synth := &stubSynth{delay: 50 * time.Millisecond, fn: func(podcast.Request) (*podcast.Result, error) {
		return &podcast.Result{Audio: []byte("a")}, nil
	}}
	svc := NewService(context.Background(), config.JobsConfig{Enabled: true, MaxConcurrency: 2}, b, synth, store, newLogger())
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)

	done, err := b.Conn().SubscribeSync(protocol.SubjectPodcastDone)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_, err := svc.Submit(context.Background(), sampleJob())
		require.NoError(t, err)
	}
	for i := 0; i < 6; i++ {
		assert.Equal(t, "success", waitStatus(t, done).Status)
	}
	assert.LessOrEqual(t, synth.peak.Load(), int32(2))
}

func TestDisabledServiceDoesNotSubscribe(t *testing.T) {
	b := startBus(t)
	svc := NewService(context.Background(), config.JobsConfig{Enabled: false}, b, &stubSynth{}, taskstore.NewMemory(time.Hour), newLogger())
	require.NoError(t, svc.Start())
	assert.True(t, svc.Healthy())
	svc.Close()
}
