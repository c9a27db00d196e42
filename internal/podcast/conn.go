package podcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var emptyJSON = []byte("{}")

// connectionManager owns the connection-level handshake.
type connectionManager struct {
	dialer Dialer
	logger *slog.Logger
}

// open dials and completes the start-connection handshake. On any failure the
// transport is already released.
func (m *connectionManager) open(ctx context.Context, connectID string) (Transport, error) {
	t, err := m.dialer.Dial(ctx, connectID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if err := sendControl(ctx, t, EventStartConnection, "", emptyJSON); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("%w: start connection: %w", ErrHandshake, err)
	}
	if _, err := waitForEvent(ctx, t, MsgTypeFullServerResponse, EventConnectionStarted); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("%w: await connection started: %w", ErrHandshake, err)
	}
	m.logger.Debug("connection started", slog.String("connect_id", connectID))
	return t, nil
}

// close runs the finish-connection handshake and always releases the transport.
func (m *connectionManager) close(ctx context.Context, t Transport) error {
	var handshakeErr error
	if err := sendControl(ctx, t, EventFinishConnection, "", emptyJSON); err != nil {
		handshakeErr = fmt.Errorf("finish connection: %w", err)
	} else if _, err := waitForEvent(ctx, t, MsgTypeFullServerResponse, EventConnectionFinished); err != nil {
		handshakeErr = fmt.Errorf("await connection finished: %w", err)
	}
	if err := t.Close(); err != nil {
		return errors.Join(handshakeErr, fmt.Errorf("release transport: %w", err))
	}
	return handshakeErr
}

// sendControl sends a JSON control frame carrying an event.
func sendControl(ctx context.Context, t Transport, event EventType, sessionID string, payload []byte) error {
	return t.Send(ctx, &Message{
		Type:          MsgTypeFullClientRequest,
		Flag:          FlagWithEvent,
		Serialization: SerializationJSON,
		Event:         event,
		SessionID:     sessionID,
		Payload:       payload,
	})
}

// waitForEvent reads the next frame and requires it to match kind and event.
func waitForEvent(ctx context.Context, t Transport, kind MsgType, event EventType) (*Message, error) {
	msg, err := t.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if msg.Type == MsgTypeError || msg.Event == EventConnectionFailed || msg.Event == EventSessionFailed {
		return nil, remoteError(msg)
	}
	if msg.Type != kind || msg.Event != event {
		return nil, fmt.Errorf("%w: want %s/%s, got %s", ErrProtocol, kind, event, msg)
	}
	return msg, nil
}
