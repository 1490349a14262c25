package probook

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second

	notificationBuffer = 64
)

// Notification is a server push event delivered over the notification
// stream.
type Notification struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NotificationListener maintains a WebSocket connection to the
// notification stream and delivers events on a channel. The handshake
// goes through the session's intercepted client, so it carries the
// bearer token and participates in refresh like any other request.
type NotificationListener struct {
	session *Session
	logger  *slog.Logger
	ch      chan Notification
}

// NewNotificationListener creates a listener bound to the session.
func NewNotificationListener(s *Session) *NotificationListener {
	return &NotificationListener{
		session: s,
		logger:  s.logger,
		ch:      make(chan Notification, notificationBuffer),
	}
}

// C returns the channel notifications are delivered on. Events are
// dropped, not queued unboundedly, when the consumer falls behind.
func (l *NotificationListener) C() <-chan Notification {
	return l.ch
}

// Listen connects and reads until ctx is cancelled or the session is
// torn down, reconnecting with backoff after each disconnect. The
// backoff doubles from 1s up to 60s and resets after a successful
// connect.
func (l *NotificationListener) Listen(ctx context.Context) error {
	ctx, cancel := l.session.scoped(ctx)
	defer cancel()

	delay := reconnectMin

	for {
		connected, err := l.run(ctx)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if connected {
			delay = reconnectMin
		}

		l.logger.Warn("notification stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = min(delay*2, reconnectMax)
	}
}

// run dials the stream and reads until the connection drops. The
// returned bool reports whether the dial itself succeeded, which is
// what resets the reconnect backoff.
func (l *NotificationListener) run(ctx context.Context) (bool, error) {
	conn, _, err := websocket.Dial(ctx, l.session.wsEndpoint(notificationsPath), &websocket.DialOptions{
		HTTPClient: l.session.http,
	})
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	l.logger.Debug("notification stream connected")

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}

		if typ != websocket.MessageText {
			continue
		}

		l.emit(data)
	}
}

// emit parses a raw stream message and delivers it without blocking.
func (l *NotificationListener) emit(data []byte) {
	kind := gjson.GetBytes(data, "type").Str
	if kind == "" {
		l.logger.Debug("ignoring notification without a type")
		return
	}

	n := Notification{Type: kind}

	if payload := gjson.GetBytes(data, "payload"); payload.Exists() {
		n.Payload = json.RawMessage(payload.Raw)
	}

	select {
	case l.ch <- n:
	default:
		l.logger.Warn("dropping notification, consumer not keeping up",
			slog.String("type", kind))
	}
}
