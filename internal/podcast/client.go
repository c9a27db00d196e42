// Package podcast drives the streaming podcast synthesis protocol: connection
// and session handshakes, round-by-round audio accumulation, and resumable
// retries that continue a job from its last committed round.
package podcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultEndpoint   = "wss://openspeech.bytedance.com/api/v3/sami/podcasttts"
	DefaultResourceID = "volc.service_type.10050"
	DefaultAppKey     = "aGjiRDfUWi"
)

// Config holds everything a Client needs. Nothing is read from process state.
type Config struct {
	Endpoint    string
	Credentials Credentials

	MaxAttempts      int
	RetryInterval    time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	CloseTimeout     time.Duration
	MaxJobDuration   time.Duration

	Action     int
	Encoding   string
	SampleRate int
	SpeechRate int
}

func DefaultConfig() Config {
	return Config{
		Endpoint: DefaultEndpoint,
		Credentials: Credentials{
			AppKey:     DefaultAppKey,
			ResourceID: DefaultResourceID,
		},
		MaxAttempts:      3,
		RetryInterval:    time.Second,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		CloseTimeout:     5 * time.Second,
		MaxJobDuration:   30 * time.Minute,
		Action:           3,
		Encoding:         "mp3",
		SampleRate:       24000,
	}
}

func (c Config) validate(customDialer bool) error {
	if !customDialer {
		if strings.TrimSpace(c.Endpoint) == "" {
			return fmt.Errorf("%w: endpoint is required", ErrInvalidConfig)
		}
		if c.Credentials.AppID == "" || c.Credentials.AccessKey == "" {
			return fmt.Errorf("%w: app id and access key are required", ErrInvalidConfig)
		}
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidConfig)
	}
	if c.RetryInterval < 0 {
		return fmt.Errorf("%w: retry interval must not be negative", ErrInvalidConfig)
	}
	if c.CloseTimeout <= 0 {
		return fmt.Errorf("%w: close timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxJobDuration <= 0 {
		return fmt.Errorf("%w: max job duration must be positive", ErrInvalidConfig)
	}
	return nil
}

// Line is one scripted utterance.
type Line struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// ResumeInfo lets the server continue a job after LastFinishedRoundID.
// LastFinishedRoundID is -1 when nothing has been committed.
type ResumeInfo struct {
	RetryTaskID         string `json:"retry_task_id"`
	LastFinishedRoundID int    `json:"last_finished_round_id"`
}

// Request describes one podcast job. Zero-valued audio fields fall back to the
// client config.
type Request struct {
	InputID      string
	Lines        []Line
	Action       int
	Encoding     string
	SampleRate   int
	SpeechRate   int
	UseHeadMusic bool
	UseTailMusic bool
	Resume       *ResumeInfo
}

// Validate checks the script and resume info without contacting the server.
func (r Request) Validate() error {
	if len(r.Lines) == 0 {
		return fmt.Errorf("%w: at least one line is required", ErrInvalidRequest)
	}
	for i, line := range r.Lines {
		if strings.TrimSpace(line.Speaker) == "" || strings.TrimSpace(line.Text) == "" {
			return fmt.Errorf("%w: line %d needs speaker and text", ErrInvalidRequest, i)
		}
	}
	if r.Resume != nil {
		if r.Resume.RetryTaskID == "" {
			return fmt.Errorf("%w: resume requires a task id", ErrInvalidRequest)
		}
		if r.Resume.LastFinishedRoundID < -1 {
			return fmt.Errorf("%w: last finished round %d", ErrInvalidRequest, r.Resume.LastFinishedRoundID)
		}
	}
	return nil
}

// Result is a successfully completed job.
type Result struct {
	Audio       []byte
	TaskID      string
	InputID     string
	Attempts    int
	Rounds      int
	LastRoundID int
}

type Option func(*Client)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.conns.dialer = d }
}

// WithMeter records client metrics on meter instead of the global provider.
func WithMeter(meter metric.Meter) Option {
	return func(c *Client) { c.meter = meter }
}

// Client runs podcast jobs. It holds no per-job state and is safe for concurrent use.
type Client struct {
	cfg     Config
	conns   *connectionManager
	logger  *slog.Logger
	tracer  trace.Tracer
	meter   metric.Meter
	metrics *instruments
}

func New(cfg Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "podcast-client"))
	c := &Client{
		cfg:    cfg,
		conns:  &connectionManager{logger: logger},
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := cfg.validate(c.conns.dialer != nil); err != nil {
		return nil, err
	}
	if c.conns.dialer == nil {
		c.conns.dialer = &WebsocketDialer{
			Endpoint:         cfg.Endpoint,
			Credentials:      cfg.Credentials,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadTimeout:      cfg.ReadTimeout,
			Logger:           logger,
		}
	}
	m, err := newInstruments(c.meter)
	if err != nil {
		logger.Warn("failed to initialize metrics", slogError(err))
	} else {
		c.metrics = m
	}
	return c, nil
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeRetryable
	outcomeFatal
)

func (k outcomeKind) String() string {
	switch k {
	case outcomeSuccess:
		return "success"
	case outcomeRetryable:
		return "retryable"
	case outcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// attemptOutcome is everything one attempt reports back to the controller.
// audio holds only the rounds committed during the attempt.
type attemptOutcome struct {
	kind      outcomeKind
	sessionID string
	audio     []byte
	lastRound int
	rounds    int
	err       error
}

// job is the cross-attempt accumulator.
type job struct {
	inputID   string
	taskID    string
	lastRound int
	rounds    int
	attempts  int
	failed    bool
	lastKind  outcomeKind
	output    []byte
}

func newJob(req Request) *job {
	j := &job{inputID: req.InputID, lastRound: -1}
	if req.Resume != nil {
		j.taskID = req.Resume.RetryTaskID
		j.lastRound = req.Resume.LastFinishedRoundID
		j.failed = true
	}
	return j
}

// resume is sent on every attempt after the first failure. The task id is
// fixed by the first attempt, so it is always known by then.
func (j *job) resume() *ResumeInfo {
	if !j.failed {
		return nil
	}
	return &ResumeInfo{RetryTaskID: j.taskID, LastFinishedRoundID: j.lastRound}
}

func (j *job) merge(out attemptOutcome) {
	if j.taskID == "" && out.sessionID != "" {
		j.taskID = out.sessionID
	}
	j.output = append(j.output, out.audio...)
	j.rounds += out.rounds
	j.lastRound = max(j.lastRound, out.lastRound)
	j.lastKind = out.kind
	if out.kind != outcomeSuccess {
		j.failed = true
	}
}

func (j *job) result() *Result {
	return &Result{
		Audio:       j.output,
		TaskID:      j.taskID,
		InputID:     j.inputID,
		Attempts:    j.attempts,
		Rounds:      j.rounds,
		LastRoundID: j.lastRound,
	}
}

// Synthesize runs a job to completion, retrying failed attempts from the last
// committed round until the attempt budget is spent.
func (c *Client) Synthesize(ctx context.Context, req Request) (*Result, error) {
	req = c.withDefaults(req)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.MaxJobDuration)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "podcast.synthesize", trace.WithAttributes(
		attribute.String("podcast.input_id", req.InputID),
		attribute.Int("podcast.lines", len(req.Lines)),
	))
	defer span.End()

	started := time.Now()
	j := newJob(req)
	logger := c.logger.With(slog.String("input_id", req.InputID))

	operation := func() (*Result, error) {
		j.attempts++
		attemptReq := req
		attemptReq.Resume = j.resume()
		out := c.attempt(ctx, attemptReq, j.attempts, logger)
		j.merge(out)
		c.metrics.recordAttempt(ctx, out)

		switch out.kind {
		case outcomeSuccess:
			return j.result(), nil
		case outcomeFatal:
			return nil, backoff.Permanent(out.err)
		default:
			logger.Warn("podcast attempt failed",
				slog.Int("attempt", j.attempts),
				slog.String("task_id", j.taskID),
				slog.Int("last_round_id", j.lastRound),
				slogError(out.err))
			return nil, out.err
		}
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.RetryInterval)),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(c.cfg.MaxJobDuration),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Info("retrying podcast job", slog.Int("next_attempt", j.attempts+1), slog.Duration("after", next))
		}),
	)
	if err != nil {
		if j.lastKind == outcomeFatal || ctx.Err() != nil {
			err = fmt.Errorf("podcast job aborted after %d attempts: %w", j.attempts, err)
		} else {
			err = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, j.attempts, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.recordJob(ctx, "failed", started)
		logger.Error("podcast job failed", slog.Int("attempts", j.attempts), slogError(err))
		return nil, err
	}

	span.SetAttributes(
		attribute.String("podcast.task_id", result.TaskID),
		attribute.Int("podcast.attempts", result.Attempts),
		attribute.Int("podcast.rounds", result.Rounds),
	)
	c.metrics.recordJob(ctx, "success", started)
	logger.Info("podcast job completed",
		slog.String("task_id", result.TaskID),
		slog.Int("attempts", result.Attempts),
		slog.Int("rounds", result.Rounds),
		slog.Int("bytes", len(result.Audio)))
	return result, nil
}

func (c *Client) withDefaults(req Request) Request {
	if req.InputID == "" {
		req.InputID = uuid.NewString()
	}
	if req.Action == 0 {
		req.Action = c.cfg.Action
	}
	if req.Encoding == "" {
		req.Encoding = c.cfg.Encoding
	}
	if req.SampleRate == 0 {
		req.SampleRate = c.cfg.SampleRate
	}
	if req.SpeechRate == 0 {
		req.SpeechRate = c.cfg.SpeechRate
	}
	return req
}

// attempt runs one connection open, session, and close cycle. It depends only on
// its arguments; the caller folds the outcome into the job.
func (c *Client) attempt(ctx context.Context, req Request, n int, logger *slog.Logger) (out attemptOutcome) {
	lastRound := -1
	if req.Resume != nil {
		lastRound = req.Resume.LastFinishedRoundID
	}
	// The session id exists before dialing so a failed first attempt still
	// names the task every retry resumes.
	out.sessionID = uuid.NewString()
	out.lastRound = lastRound

	ctx, span := c.tracer.Start(ctx, "podcast.attempt", trace.WithAttributes(
		attribute.Int("podcast.attempt", n),
		attribute.Bool("podcast.resumed", req.Resume != nil),
	))
	defer func() {
		span.SetAttributes(attribute.String("podcast.outcome", out.kind.String()), attribute.Int("podcast.rounds", out.rounds))
		if out.err != nil {
			span.RecordError(out.err)
			span.SetStatus(codes.Error, out.err.Error())
		}
		span.End()
	}()

	body, err := encodeSession(req)
	if err != nil {
		return c.failed(ctx, out, err, true)
	}

	connectID := uuid.NewString()
	logger = logger.With(slog.Int("attempt", n), slog.String("connect_id", connectID))
	t, err := c.conns.open(ctx, connectID)
	if err != nil {
		return c.failed(ctx, out, err, false)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CloseTimeout)
		defer cancel()
		if err := c.conns.close(closeCtx, t); err != nil {
			logger.Debug("connection close incomplete", slogError(err))
		}
	}()

	sess := newSession(out.sessionID, t, logger)
	if err := sess.start(ctx, body); err != nil {
		return c.failed(ctx, out, err, false)
	}
	if err := sess.finish(ctx); err != nil {
		return c.failed(ctx, out, err, false)
	}

	acc := newRoundAccumulator(lastRound, sess.logger)
	err = acc.consume(ctx, t)
	out.audio = acc.committed.Bytes()
	out.lastRound = acc.lastRound
	out.rounds = acc.rounds
	if err != nil {
		return c.failed(ctx, out, err, false)
	}
	out.kind = outcomeSuccess
	return out
}

// failed classifies an attempt error. Cancellation of the job is never retried.
func (c *Client) failed(ctx context.Context, out attemptOutcome, err error, fatal bool) attemptOutcome {
	out.err = err
	switch {
	case fatal:
		out.kind = outcomeFatal
	case ctx.Err() != nil:
		out.kind = outcomeFatal
		if !errors.Is(err, ctx.Err()) {
			out.err = errors.Join(err, ctx.Err())
		}
	default:
		out.kind = outcomeRetryable
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
