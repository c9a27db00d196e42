package podcast

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is a framed duplex stream for one live connection.
type Transport interface {
	Send(ctx context.Context, msg *Message) error
	Receive(ctx context.Context) (*Message, error)
	Close() error
}

// Dialer opens a new Transport. connectID correlates the connection on the server side.
type Dialer interface {
	Dial(ctx context.Context, connectID string) (Transport, error)
}

// Credentials are the provider headers sent on every connection.
type Credentials struct {
	AppID      string
	AppKey     string
	AccessKey  string
	ResourceID string
}

func (c Credentials) header(connectID string) http.Header {
	h := http.Header{}
	h.Set("X-Api-App-Id", c.AppID)
	h.Set("X-Api-App-Key", c.AppKey)
	h.Set("X-Api-Access-Key", c.AccessKey)
	h.Set("X-Api-Resource-Id", c.ResourceID)
	h.Set("X-Api-Connect-Id", connectID)
	return h
}

// WebsocketDialer dials the podcast endpoint over a websocket.
type WebsocketDialer struct {
	Endpoint         string
	Credentials      Credentials
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	Logger           *slog.Logger
}

func (d *WebsocketDialer) Dial(ctx context.Context, connectID string) (Transport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, d.Endpoint, d.Credentials.header(connectID))
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", d.Endpoint, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", d.Endpoint, err)
	}
	if d.Logger != nil {
		d.Logger.Debug("podcast connection established",
			slog.String("connect_id", connectID),
			slog.String("logid", resp.Header.Get("X-Tt-Logid")))
	}
	return &wsTransport{conn: conn, readTimeout: d.ReadTimeout}, nil
}

type wsTransport struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	closeOnce   sync.Once
	closeErr    error
}

func (t *wsTransport) Send(ctx context.Context, msg *Message) error {
	data, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg, err)
	}
	return nil
}

func (t *wsTransport) Receive(ctx context.Context) (*Message, error) {
	deadline := time.Time{}
	if t.readTimeout > 0 {
		deadline = time.Now().Add(t.readTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = t.conn.SetReadDeadline(deadline)

	// Abandoning the wait expires the read; the connection is discarded afterwards.
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("read frame: %w", err)
		}
		switch kind {
		case websocket.BinaryMessage:
			msg := &Message{}
			if err := msg.UnmarshalBinary(data); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
			}
			return msg, nil
		case websocket.TextMessage:
			return nil, fmt.Errorf("%w: unexpected text frame %q", ErrProtocol, truncate(string(data), 128))
		}
	}
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
