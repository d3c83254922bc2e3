package conn

import (
	"context"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/huykn/livecache/cache"
	"github.com/huykn/livecache/types"
)

// wsFrame is the client-to-server control frame for subscription
// management. The server streams ChangeEvent JSON objects back.
type wsFrame struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	Scope  string `json:"scope"`
}

// WebsocketConfig configures a WebsocketChannel.
type WebsocketConfig struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string

	// Logger is the logger. If nil, no-op.
	Logger cache.Logger
}

// WebsocketChannel delivers change events over a websocket connection.
// Subscriptions are managed with subscribe/unsubscribe frames; the server
// pushes the ChangeEvent wire shape as JSON text messages.
type WebsocketChannel struct {
	url    string
	logger cache.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	events chan types.ChangeEvent
	done   chan error
	closed bool
}

// NewWebsocketChannel creates a websocket push channel. The connection is
// not established until Connect.
func NewWebsocketChannel(cfg WebsocketConfig) *WebsocketChannel {
	if cfg.Logger == nil {
		cfg.Logger = cache.NewNoOpLogger()
	}
	return &WebsocketChannel{
		url:    cfg.URL,
		logger: cfg.Logger,
		events: make(chan types.ChangeEvent, 64),
	}
}

// Connect dials the endpoint and starts the read loop. Called again after
// a drop, it replaces the previous connection.
func (wc *WebsocketChannel) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, wc.url, nil)
	if err != nil {
		return err
	}

	wc.mu.Lock()
	if wc.closed {
		wc.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "channel closed")
		return ErrChannelClosed
	}
	if wc.conn != nil {
		wc.conn.Close(websocket.StatusNormalClosure, "reconnecting")
	}
	wc.conn = conn
	wc.done = make(chan error, 1)
	done := wc.done
	wc.mu.Unlock()

	go wc.readLoop(conn, done)
	return nil
}

// Subscribe sends a subscribe frame for the scope.
func (wc *WebsocketChannel) Subscribe(ctx context.Context, scope types.Scope) error {
	return wc.send(ctx, wsFrame{Action: "subscribe", Scope: scope.String()})
}

// Unsubscribe sends an unsubscribe frame for the scope.
func (wc *WebsocketChannel) Unsubscribe(ctx context.Context, scope types.Scope) error {
	return wc.send(ctx, wsFrame{Action: "unsubscribe", Scope: scope.String()})
}

func (wc *WebsocketChannel) send(ctx context.Context, frame wsFrame) error {
	wc.mu.Lock()
	conn := wc.conn
	wc.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return wsjson.Write(ctx, conn, frame)
}

// Events streams inbound change events.
func (wc *WebsocketChannel) Events() <-chan types.ChangeEvent {
	return wc.events
}

// Done receives an error when the connection drops.
func (wc *WebsocketChannel) Done() <-chan error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.done == nil {
		wc.done = make(chan error, 1)
	}
	return wc.done
}

// Close tears the channel down permanently.
func (wc *WebsocketChannel) Close() error {
	wc.mu.Lock()
	wc.closed = true
	conn := wc.conn
	wc.conn = nil
	wc.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "channel closed")
	}
	return nil
}

func (wc *WebsocketChannel) readLoop(conn *websocket.Conn, done chan error) {
	for {
		var event types.ChangeEvent
		if err := wsjson.Read(context.Background(), conn, &event); err != nil {
			wc.mu.Lock()
			closed := wc.closed
			wc.mu.Unlock()
			if !closed {
				select {
				case done <- err:
				default:
				}
			}
			return
		}

		if !event.Operation.Valid() {
			wc.logger.Warn("skipping frame with unknown operation", "operation", string(event.Operation))
			continue
		}
		wc.events <- event
	}
}
