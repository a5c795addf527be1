// Package broadcast delivers session events to live subscribers.
//
// [Hub] fans events out to in-process subscribers, typically WebSocket
// clients served by [Hub.ServeWS]. [RedisPublisher] publishes the same
// events to Redis so several server instances can share sessions; a
// [Relay] on each instance feeds them back into the local Hub.
package broadcast

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/jubensha/internal/game"
	"github.com/MrWong99/jubensha/internal/observe"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	defaultBuffer       = 64
	defaultWriteTimeout = 5 * time.Second
)

// ErrClosed is returned by Publish and Subscribe after [Hub.Close].
var ErrClosed = errors.New("broadcast: hub closed")

type subscriber struct {
	ch      chan game.ChatEvent
	dropped int
}

// Hub is an in-memory per-session event fan-out. Slow subscribers lose
// events rather than block the publisher.
//
// All methods are safe for concurrent use.
type Hub struct {
	buffer         int
	writeTimeout   time.Duration
	metrics        *observe.Metrics
	originPatterns []string

	mu       sync.Mutex
	sessions map[string]map[*subscriber]struct{}
	closed   bool
}

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithBuffer sets the per-subscriber channel size. Default: 64.
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithWriteTimeout bounds a single WebSocket write. Default: 5s.
func WithWriteTimeout(d time.Duration) HubOption {
	return func(h *Hub) { h.writeTimeout = d }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithOriginPatterns allows cross-origin WebSocket handshakes from hosts
// matching the given patterns.
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) { h.originPatterns = append(h.originPatterns, patterns...) }
}

// NewHub returns an empty Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		buffer:       defaultBuffer,
		writeTimeout: defaultWriteTimeout,
		sessions:     make(map[string]map[*subscriber]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Publish delivers ev to every subscriber of ev.SessionID without blocking.
func (h *Hub) Publish(ctx context.Context, ev game.ChatEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	for sub := range h.sessions[ev.SessionID] {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
			observe.Logger(ctx).Warn("subscriber too slow, dropping event",
				"session_id", ev.SessionID, "type", ev.Type, "dropped", sub.dropped)
		}
	}
	return nil
}

// Subscribe registers a subscriber for sessionID. The returned cancel func
// unregisters it and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(sessionID string) (<-chan game.ChatEvent, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, ErrClosed
	}

	sub := &subscriber{ch: make(chan game.ChatEvent, h.buffer)}
	subs, ok := h.sessions[sessionID]
	if !ok {
		subs = make(map[*subscriber]struct{})
		h.sessions[sessionID] = subs
	}
	subs[sub] = struct{}{}
	h.metrics.Subscribers.Add(context.Background(), 1)

	var once sync.Once
	cancel := func() {
		once.Do(func() { h.remove(sessionID, sub) })
	}
	return sub.ch, cancel, nil
}

func (h *Hub) remove(sessionID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.sessions, sessionID)
	}
	close(sub.ch)
	h.metrics.Subscribers.Add(context.Background(), -1)
}

// Subscribers reports how many subscribers sessionID has.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[sessionID])
}

// CloseSession disconnects every subscriber of sessionID.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	subs := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()

	for sub := range subs {
		close(sub.ch)
		h.metrics.Subscribers.Add(context.Background(), -1)
	}
}

// Close disconnects all subscribers. Later Publish and Subscribe calls
// return [ErrClosed].
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := h.sessions
	h.sessions = make(map[string]map[*subscriber]struct{})
	h.mu.Unlock()

	for _, subs := range sessions {
		for sub := range subs {
			close(sub.ch)
			h.metrics.Subscribers.Add(context.Background(), -1)
		}
	}
}

// ServeWS upgrades the request to a WebSocket and streams the events of
// sessionID as JSON text messages until the client goes away, the session
// is closed or ctx is cancelled. Messages sent by the client are ignored.
func (h *Hub) ServeWS(ctx context.Context, w http.ResponseWriter, r *http.Request, sessionID string) error {
	events, cancel, err := h.Subscribe(sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return err
	}
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	ctx = conn.CloseRead(ctx)
	log := observe.Logger(ctx).With("session_id", sessionID)
	log.Debug("websocket subscriber connected")

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "")
			return nil
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "session closed")
				return nil
			}
			wctx, wcancel := context.WithTimeout(ctx, h.writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			wcancel()
			if err != nil {
				log.Debug("websocket write failed", "error", err)
				return nil
			}
		}
	}
}
