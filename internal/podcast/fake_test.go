package podcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

var errDropped = errors.New("connection dropped")

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// script drives one fake connection. frames are emitted after FinishSession;
// when they run out the connection behaves as dropped. dropFinish leaves
// FinishConnection unanswered.
type script struct {
	dialErr        error
	failConnection bool
	failSession    bool
	dropFinish     bool
	frames         []*Message
}

type fakeDialer struct {
	mu         sync.Mutex
	scripts    []script
	dials      int
	sessions   []sessionPayload
	sessionIDs []string
	transports []*fakeTransport
}

func newFakeDialer(scripts ...script) *fakeDialer {
	return &fakeDialer{scripts: scripts}
}

func (d *fakeDialer) Dial(ctx context.Context, connectID string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dials >= len(d.scripts) {
		return nil, fmt.Errorf("unexpected dial %d", d.dials+1)
	}
	s := d.scripts[d.dials]
	d.dials++
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	t := &fakeTransport{dialer: d, script: s}
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) recorded() ([]sessionPayload, []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sessionPayload(nil), d.sessions...), append([]string(nil), d.sessionIDs...)
}

type fakeTransport struct {
	dialer *fakeDialer
	script script
	mu     sync.Mutex
	queue  []*Message
	closed bool
}

func (t *fakeTransport) Send(ctx context.Context, msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("send on closed transport")
	}
	switch msg.Event {
	case EventStartConnection:
		if t.script.failConnection {
			t.queue = append(t.queue, serverEvent(EventConnectionFailed, "", `{"error":"denied"}`))
		} else {
			t.queue = append(t.queue, serverEvent(EventConnectionStarted, "", "{}"))
		}
	case EventStartSession:
		var payload sessionPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return err
		}
		t.dialer.mu.Lock()
		t.dialer.sessions = append(t.dialer.sessions, payload)
		t.dialer.sessionIDs = append(t.dialer.sessionIDs, msg.SessionID)
		t.dialer.mu.Unlock()
		if t.script.failSession {
			t.queue = append(t.queue, serverEvent(EventSessionFailed, msg.SessionID, `{"error":"busy"}`))
		} else {
			t.queue = append(t.queue, serverEvent(EventSessionStarted, msg.SessionID, "{}"))
		}
	case EventFinishSession:
		for _, f := range t.script.frames {
			frame := *f
			if !frame.Event.connectionLevel() {
				frame.SessionID = msg.SessionID
			}
			t.queue = append(t.queue, &frame)
		}
	case EventFinishConnection:
		if !t.script.dropFinish {
			t.queue = append(t.queue, serverEvent(EventConnectionFinished, "", "{}"))
		}
	default:
		return fmt.Errorf("unexpected client event %s", msg.Event)
	}
	return nil
}

func (t *fakeTransport) Receive(ctx context.Context) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("receive on closed transport")
	}
	if len(t.queue) == 0 {
		return nil, errDropped
	}
	msg := t.queue[0]
	t.queue = t.queue[1:]
	return msg, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// allClosed reports whether every transport handed out was released.
func (d *fakeDialer) allClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.transports {
		if !t.isClosed() {
			return false
		}
	}
	return true
}

func serverEvent(event EventType, sessionID, payload string) *Message {
	return &Message{
		Type:          MsgTypeFullServerResponse,
		Flag:          FlagWithEvent,
		Serialization: SerializationJSON,
		Event:         event,
		SessionID:     sessionID,
		Payload:       []byte(payload),
	}
}

func roundStarted(id int) *Message {
	return serverEvent(EventPodcastRoundStart, "", fmt.Sprintf(`{"round_id":%d,"speaker":"host","text":"line %d"}`, id, id))
}

func roundEnded(isError bool) *Message {
	return serverEvent(EventPodcastRoundEnd, "", fmt.Sprintf(`{"is_error":%t,"audio_duration":1.5}`, isError))
}

func audio(chunk string) *Message {
	return &Message{Type: MsgTypeAudioOnlyServer, Flag: FlagWithEvent, Event: EventPodcastRoundChunk, Payload: []byte(chunk)}
}

func sessionFinished() *Message {
	return serverEvent(EventSessionFinished, "", "{}")
}

func errorFrame(code uint32, text string) *Message {
	return &Message{Type: MsgTypeError, Flag: FlagNoSeq, Serialization: SerializationJSON, ErrorCode: code, Payload: []byte(text)}
}
