package podcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

type sessionPayload struct {
	InputID      string      `json:"input_id"`
	NLPTexts     []Line      `json:"nlp_texts"`
	Action       int         `json:"action"`
	UseHeadMusic bool        `json:"use_head_music"`
	UseTailMusic bool        `json:"use_tail_music"`
	InputInfo    inputInfo   `json:"input_info"`
	AudioConfig  audioConfig `json:"audio_config"`
	RetryInfo    *retryInfo  `json:"retry_info,omitempty"`
}

type inputInfo struct {
	ReturnAudioURL bool `json:"return_audio_url"`
	OnlyNLPText    bool `json:"only_nlp_text"`
}

type audioConfig struct {
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	SpeechRate int    `json:"speech_rate"`
}

type retryInfo struct {
	RetryTaskID         string `json:"retry_task_id"`
	LastFinishedRoundID int    `json:"last_finished_round_id"`
}

func encodeSession(req Request) ([]byte, error) {
	payload := sessionPayload{
		InputID:      req.InputID,
		NLPTexts:     req.Lines,
		Action:       req.Action,
		UseHeadMusic: req.UseHeadMusic,
		UseTailMusic: req.UseTailMusic,
		AudioConfig: audioConfig{
			Format:     req.Encoding,
			SampleRate: req.SampleRate,
			SpeechRate: req.SpeechRate,
		},
	}
	if req.Resume != nil {
		payload.RetryInfo = &retryInfo{
			RetryTaskID:         req.Resume.RetryTaskID,
			LastFinishedRoundID: req.Resume.LastFinishedRoundID,
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return data, nil
}

// session runs one session over an open transport.
type session struct {
	id        string
	transport Transport
	logger    *slog.Logger
}

func newSession(id string, t Transport, logger *slog.Logger) *session {
	return &session{
		id:        id,
		transport: t,
		logger:    logger.With(slog.String("session_id", id)),
	}
}

// start sends the session body and waits for the server to accept it.
func (s *session) start(ctx context.Context, body []byte) error {
	if err := sendControl(ctx, s.transport, EventStartSession, s.id, body); err != nil {
		return fmt.Errorf("%w: start session: %w", ErrHandshake, err)
	}
	if _, err := waitForEvent(ctx, s.transport, MsgTypeFullServerResponse, EventSessionStarted); err != nil {
		return fmt.Errorf("%w: await session started: %w", ErrHandshake, err)
	}
	return nil
}

// finish signals end of input, which triggers synthesis on the server.
func (s *session) finish(ctx context.Context) error {
	if err := sendControl(ctx, s.transport, EventFinishSession, s.id, emptyJSON); err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	return nil
}
