// Package push consumes the gateway's push channel (WebSocket). Events on
// this channel are advisory accelerants: they wake the polling loop up
// sooner but are never the sole basis for a terminal decision, which is why
// unmapped status strings default to PENDING here instead of failing
// closed like the polling adapter.
package push

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jcmexdev/payment-reconciler/internal/status"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultMaxReconnects  = 5
	handshakeTimeout      = 10 * time.Second
)

// event is one inbound push frame.
type event struct {
	Token  string `json:"token"`
	Status string `json:"status"`
}

// controlFrame is the outbound subscribe/unsubscribe message.
type controlFrame struct {
	Action string `json:"action"`
	Token  string `json:"token"`
}

// Listener maintains one long-lived subscription per token.
type Listener struct {
	url            string
	deliver        func(ctx context.Context, token string, obs status.Observation)
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	maxReconnects  int
}

// Option configures a Listener.
type Option func(*Listener)

// WithReconnectPolicy overrides the fixed reconnect delay and the bound on
// consecutive reconnect attempts.
func WithReconnectPolicy(delay time.Duration, maxAttempts int) Option {
	return func(l *Listener) {
		l.reconnectDelay = delay
		l.maxReconnects = maxAttempts
	}
}

// NewListener builds a listener for the gateway push endpoint. deliver is
// called for every mapped event; it is the same funnel the webhook uses.
func NewListener(url string, deliver func(ctx context.Context, token string, obs status.Observation), opts ...Option) *Listener {
	l := &Listener{
		url:            url,
		deliver:        deliver,
		dialer:         &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		reconnectDelay: defaultReconnectDelay,
		maxReconnects:  defaultMaxReconnects,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Subscribe establishes the connection for token and starts the read loop.
// The returned function unsubscribes and tears the connection down; it is
// safe to call more than once.
//
// The first dial happens synchronously so an unreachable endpoint is
// reported to the caller; after that, disconnects are retried with a fixed
// delay up to the configured bound and then given up silently; polling
// remains the source of truth.
func (l *Listener) Subscribe(ctx context.Context, token string) (func(), error) {
	conn, err := l.dial(ctx, token)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	go l.run(runCtx, token, conn)

	return func() { cancel() }, nil
}

func (l *Listener) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(controlFrame{Action: "subscribe", Token: token}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// run reads events until the context is cancelled or the reconnect budget
// is spent.
func (l *Listener) run(ctx context.Context, token string, conn *websocket.Conn) {
	defer func() {
		if conn != nil {
			// Best effort: tell the gateway we are gone before closing.
			_ = conn.WriteJSON(controlFrame{Action: "unsubscribe", Token: token})
			_ = conn.Close()
		}
	}()

	reconnects := 0
	for {
		if err := l.readLoop(ctx, token, conn); err == nil {
			// Context cancelled: clean teardown.
			return
		}
		_ = conn.Close()
		conn = nil

		for {
			if reconnects >= l.maxReconnects {
				slog.InfoContext(ctx, "push channel gave up reconnecting, polling remains authoritative",
					"token", token,
					"attempts", reconnects,
				)
				return
			}
			reconnects++

			select {
			case <-ctx.Done():
				return
			case <-time.After(l.reconnectDelay):
			}

			c, err := l.dial(ctx, token)
			if err != nil {
				slog.WarnContext(ctx, "push channel reconnect failed",
					"token", token,
					"attempt", reconnects,
					"error", err,
				)
				continue
			}
			conn = c
			reconnects = 0
			break
		}
	}
}

// readLoop pumps events into the pipeline. Returns nil on context
// cancellation and the read error on disconnect.
func (l *Listener) readLoop(ctx context.Context, token string, conn *websocket.Conn) error {
	// Unblock the pending read when the subscription is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	for {
		var ev event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ev.Token == "" || ev.Token != token {
			continue
		}

		l.deliver(ctx, ev.Token, status.Observation{
			Status:     status.FromPushEvent(ev.Status),
			RawText:    ev.Status,
			Source:     status.SourcePush,
			ObservedAt: time.Now().UTC(),
		})
	}
}
