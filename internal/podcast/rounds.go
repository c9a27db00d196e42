package podcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

type roundState int

const (
	roundIdle roundState = iota
	roundOpen
)

type roundStart struct {
	RoundID int    `json:"round_id"`
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

type roundEnd struct {
	IsError  bool    `json:"is_error"`
	Duration float64 `json:"audio_duration"`
}

// roundAccumulator tracks the rounds of a single attempt. Chunks are held
// pending until their round ends cleanly, then appended to committed.
// Rounds at or below resumedFrom were committed by an earlier attempt.
type roundAccumulator struct {
	state       roundState
	openRound   int
	pending     bytes.Buffer
	committed   bytes.Buffer
	resumedFrom int
	lastRound   int
	rounds      int
	logger      *slog.Logger
}

func newRoundAccumulator(lastRound int, logger *slog.Logger) *roundAccumulator {
	return &roundAccumulator{resumedFrom: lastRound, lastRound: lastRound, logger: logger}
}

// consume reads frames until the session finishes or the attempt fails.
func (a *roundAccumulator) consume(ctx context.Context, t Transport) error {
	for {
		msg, err := t.Receive(ctx)
		if err != nil {
			return err
		}
		done, err := a.handle(msg)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (a *roundAccumulator) handle(msg *Message) (bool, error) {
	switch msg.Type {
	case MsgTypeError:
		a.discard()
		return false, remoteError(msg)

	case MsgTypeAudioOnlyServer:
		if msg.Event != EventPodcastRoundChunk {
			return false, a.violation(msg)
		}
		if a.state != roundOpen {
			return false, fmt.Errorf("%w: audio chunk outside a round", ErrProtocol)
		}
		a.pending.Write(msg.Payload)
		return false, nil

	case MsgTypeFullServerResponse:
		switch msg.Event {
		case EventPodcastRoundStart:
			var start roundStart
			if err := json.Unmarshal(msg.Payload, &start); err != nil {
				return false, fmt.Errorf("%w: decode round start: %w", ErrProtocol, err)
			}
			if a.state == roundOpen {
				return false, fmt.Errorf("%w: round %d started while round %d is open", ErrProtocol, start.RoundID, a.openRound)
			}
			a.state = roundOpen
			a.openRound = start.RoundID
			a.pending.Reset()
			a.logger.Info("round started",
				slog.Int("round_id", start.RoundID),
				slog.String("speaker", start.Speaker),
				slog.Int("text_len", len(start.Text)))
			return false, nil

		case EventPodcastRoundEnd:
			if a.state != roundOpen {
				return false, fmt.Errorf("%w: round end without an open round", ErrProtocol)
			}
			var end roundEnd
			if err := json.Unmarshal(msg.Payload, &end); err != nil {
				return false, fmt.Errorf("%w: decode round end: %w", ErrProtocol, err)
			}
			if end.IsError {
				id := a.openRound
				a.discard()
				return false, fmt.Errorf("%w: round %d", ErrRoundFailed, id)
			}
			a.commit()
			return false, nil

		case EventSessionFinished:
			if a.state == roundOpen {
				id := a.openRound
				a.discard()
				return false, fmt.Errorf("%w: round %d", ErrRoundIncomplete, id)
			}
			return true, nil

		case EventUsageResponse:
			a.logger.Debug("usage reported", slog.String("usage", string(msg.Payload)))
			return false, nil

		case EventPodcastEnd:
			a.logger.Info("podcast finished", slog.String("meta", string(msg.Payload)))
			return false, nil

		case EventSessionFailed, EventConnectionFailed:
			a.discard()
			return false, remoteError(msg)
		}
	}
	return false, a.violation(msg)
}

func (a *roundAccumulator) commit() {
	if a.resumedFrom >= 0 && a.openRound <= a.resumedFrom {
		a.logger.Warn("skipping replayed round",
			slog.Int("round_id", a.openRound),
			slog.Int("last_finished_round_id", a.resumedFrom),
			slog.Int("bytes", a.pending.Len()))
		a.pending.Reset()
		a.state = roundIdle
		return
	}
	a.committed.Write(a.pending.Bytes())
	a.logger.Info("round committed",
		slog.Int("round_id", a.openRound),
		slog.Int("bytes", a.pending.Len()))
	a.pending.Reset()
	a.rounds++
	a.lastRound = max(a.lastRound, a.openRound)
	a.state = roundIdle
}

func (a *roundAccumulator) discard() {
	if a.state == roundOpen && a.pending.Len() > 0 {
		a.logger.Warn("discarding uncommitted round",
			slog.Int("round_id", a.openRound),
			slog.Int("bytes", a.pending.Len()))
	}
	a.pending.Reset()
	a.state = roundIdle
}

func (a *roundAccumulator) violation(msg *Message) error {
	return fmt.Errorf("%w: unexpected %s", ErrProtocol, msg)
}
