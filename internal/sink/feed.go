package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	feedClientBuffer = 32
	feedWriteTimeout = 5 * time.Second
)

// FeedOption configures a [Feed].
type FeedOption func(*Feed)

// WithOriginPatterns allows cross-origin subscribers matching patterns
// (see [websocket.AcceptOptions]).
func WithOriginPatterns(patterns ...string) FeedOption {
	return func(f *Feed) { f.origins = patterns }
}

// Feed pushes captions to websocket subscribers as JSON text messages.
//
// Every subscriber has a bounded send buffer. A subscriber that falls behind
// is disconnected instead of slowing the caption path.
type Feed struct {
	origins []string

	mu      sync.Mutex
	clients map[*feedClient]struct{}
	closed  bool
}

type feedClient struct {
	send chan []byte
	once sync.Once
}

func (c *feedClient) stop() { c.once.Do(func() { close(c.send) }) }

var _ Sink = (*Feed)(nil)

// NewFeed returns an empty [Feed].
func NewFeed(opts ...FeedOption) *Feed {
	f := &Feed{clients: make(map[*feedClient]struct{})}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Name implements [Sink].
func (f *Feed) Name() string { return "feed" }

// Handler returns the websocket endpoint subscribers connect to.
func (f *Feed) Handler() http.Handler {
	return http.HandlerFunc(f.serveWS)
}

func (f *Feed) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: f.origins})
	if err != nil {
		slog.Debug("sink: feed upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	c := &feedClient{send: make(chan []byte, feedClientBuffer)}
	if !f.add(c) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer f.remove(c)

	// Subscribers never send; CloseRead handles their close frames.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				slog.Debug("sink: feed write failed", "err", err)
				return
			}
		}
	}
}

func (f *Feed) add(c *feedClient) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.clients[c] = struct{}{}
	return true
}

func (f *Feed) remove(c *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, c)
	c.stop()
}

// Subscribers returns the number of connected subscribers.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Write implements [Sink]. It broadcasts e without blocking.
func (f *Feed) Write(_ context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("sink: encode entry: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	for c := range f.clients {
		select {
		case c.send <- data:
		default:
			slog.Warn("sink: dropping slow feed subscriber")
			delete(f.clients, c)
			c.stop()
		}
	}
	return nil
}

// Close disconnects all subscribers.
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for c := range f.clients {
		delete(f.clients, c)
		c.stop()
	}
	return nil
}
