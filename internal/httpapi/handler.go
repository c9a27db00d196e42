// Package httpapi exposes podcast synthesis over HTTP.
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-podcast/internal/config"
	"github.com/loqalabs/loqa-podcast/internal/jobs"
	"github.com/loqalabs/loqa-podcast/internal/protocol"
	"github.com/loqalabs/loqa-podcast/internal/taskstore"
	"github.com/loqalabs/loqa-podcast/internal/workers"
	"golang.org/x/time/rate"
)

// Submitter queues asynchronous jobs.
type Submitter interface {
	Submit(ctx context.Context, job protocol.PodcastJob) (protocol.PodcastJob, error)
}

// PodcastRequest is the body accepted by both synthesis endpoints.
type PodcastRequest struct {
	InputID      string                `json:"input_id,omitempty"`
	Scripts      []protocol.ScriptLine `json:"scripts"`
	Action       int                   `json:"action,omitempty"`
	Encoding     string                `json:"encoding,omitempty"`
	UseHeadMusic bool                  `json:"use_head_music"`
	UseTailMusic bool                  `json:"use_tail_music"`
}

// PodcastResponse is returned by the synchronous endpoint.
type PodcastResponse struct {
	VoiceB64 string `json:"voice_b64"`
	TaskID   string `json:"task_id"`
	InputID  string `json:"input_id"`
	Attempts int    `json:"attempts"`
}

// SubmitResponse is returned when a job is accepted for background processing.
type SubmitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// TaskResponse is the polled view of a job.
type TaskResponse struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	TaskID    string    `json:"task_id,omitempty"`
	InputID   string    `json:"input_id,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	VoiceB64  string    `json:"voice_b64,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Directory reports the job workers visible on the bus.
type Directory interface {
	Workers() []workers.Worker
	Available() bool
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves the podcast endpoints.
type Handler struct {
	synth   jobs.Synthesizer
	jobs    Submitter
	store   taskstore.Store
	workers Directory
	limiter *rate.Limiter
	maxBody int64
	logger  *slog.Logger
}

// NewHandler wires the endpoints. submitter and store may be nil, in which case
// the asynchronous endpoints answer 503.
func NewHandler(cfg config.HTTPConfig, synth jobs.Synthesizer, submitter Submitter, store taskstore.Store, log *slog.Logger) *Handler {
	return NewHandlerWithWorkers(cfg, synth, submitter, store, nil, log)
}

// NewHandlerWithWorkers also gates submissions on worker availability and
// serves the worker listing.
func NewHandlerWithWorkers(cfg config.HTTPConfig, synth jobs.Synthesizer, submitter Submitter, store taskstore.Store, dir Directory, log *slog.Logger) *Handler {
	h := &Handler{
		synth:   synth,
		jobs:    submitter,
		store:   store,
		workers: dir,
		maxBody: cfg.MaxBodyBytes,
		logger:  log.With(slog.String("component", "http-api")),
	}
	if cfg.RequestsPerMinute > 0 {
		h.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), cfg.SubmitBurst)
	}
	return h
}

// Register adds the podcast routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/voice/podcast", h.handleSynthesize)
	mux.HandleFunc("POST /v1/voice/podcast/tasks", h.handleSubmit)
	mux.HandleFunc("GET /v1/voice/podcast/tasks/{id}", h.handleTask)
	mux.HandleFunc("GET /v1/voice/podcast/workers", h.handleWorkers)
}

func (h *Handler) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	res, err := h.synth.Synthesize(r.Context(), jobs.Request(req.job()))
	if err != nil {
		h.logger.Warn("podcast synthesis failed", slogError(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, PodcastResponse{
		VoiceB64: base64.StdEncoding.EncodeToString(res.Audio),
		TaskID:   res.TaskID,
		InputID:  res.InputID,
		Attempts: res.Attempts,
	})
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "background jobs are disabled"})
		return
	}
	if h.workers != nil && !h.workers.Available() {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "no podcast workers available"})
		return
	}
	if h.limiter != nil && !h.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many podcast submissions"})
		return
	}
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	job, err := h.jobs.Submit(r.Context(), req.job())
	if err != nil {
		h.logger.Warn("podcast submission failed", slogError(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: job.JobID, Status: string(taskstore.StatusProcessing)})
}

func (h *Handler) handleTask(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "task store is disabled"})
		return
	}
	id := r.PathValue("id")
	rec, err := h.store.Get(r.Context(), id)
	if errors.Is(err, taskstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("task %s not found", id)})
		return
	}
	if err != nil {
		h.logger.Warn("task lookup failed", slog.String("job_id", id), slogError(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	resp := TaskResponse{
		JobID:     rec.JobID,
		Status:    string(rec.Status),
		TaskID:    rec.TaskID,
		InputID:   rec.InputID,
		Attempts:  rec.Attempts,
		Error:     rec.Error,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if len(rec.Audio) > 0 {
		resp.VoiceB64 = base64.StdEncoding.EncodeToString(rec.Audio)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	list := []workers.Worker{}
	if h.workers != nil {
		list = h.workers.Workers()
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": list})
}

// decode parses and validates the body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (PodcastRequest, bool) {
	var req PodcastRequest
	body := http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return req, false
	}
	if err := req.validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return req, false
	}
	return req, true
}

func (p PodcastRequest) validate() error {
	if len(p.Scripts) == 0 {
		return errors.New("parameter 'scripts' is required")
	}
	for i, line := range p.Scripts {
		if strings.TrimSpace(line.Speaker) == "" || strings.TrimSpace(line.Text) == "" {
			return fmt.Errorf("scripts[%d] requires 'speaker' and 'text'", i)
		}
	}
	switch p.Encoding {
	case "", "mp3", "wav", "pcm", "ogg_opus":
	default:
		return fmt.Errorf("unsupported encoding %q", p.Encoding)
	}
	return nil
}

func (p PodcastRequest) job() protocol.PodcastJob {
	return protocol.PodcastJob{
		InputID:      p.InputID,
		Scripts:      p.Scripts,
		Action:       p.Action,
		Encoding:     p.Encoding,
		UseHeadMusic: p.UseHeadMusic,
		UseTailMusic: p.UseTailMusic,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", slog.String("error", err.Error()))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
