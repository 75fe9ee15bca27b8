package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"call-signaling/internal/metrics"
	"call-signaling/internal/outbox"

	"github.com/gorilla/websocket"
)

var (
	ErrBackpressure = errors.New("realtime: backpressure")
	ErrClosed       = errors.New("realtime: connection closed")
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Conn is one live event connection of one user.
type Conn struct {
	userID string
	ws     WSConn
	send   chan []byte

	mu     sync.RWMutex
	closed bool
}

func NewConn(userID string, ws WSConn) *Conn {
	return &Conn{userID: userID, ws: ws, send: make(chan []byte, sendBuffer)}
}

// TrySend enqueues without blocking.
func (c *Conn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

// Send enqueues, waiting for buffer space until ctx is done. Used for replay only.
func (c *Conn) Send(ctx context.Context, b []byte) error {
	for {
		err := c.TrySend(b)
		if !errors.Is(err, ErrBackpressure) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.ws.Close()
}

// writePump owns all writes to the socket.
func (c *Conn) writePump(ctx context.Context) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames and returns when the peer goes away.
func (c *Conn) readPump() {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// Hub tracks live connections per user. It implements outbox.Pusher.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[*Conn]struct{})}
}

func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.userID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.conns[c.userID] = set
	}
	set[c] = struct{}{}
	metrics.WSConnections.Inc()
}

func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.conns[c.userID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, c.userID)
	}
	metrics.WSConnections.Dec()
}

func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// Push delivers e to every live connection of its recipient without blocking.
// An offline recipient is not an error; full buffers are dropped and reported.
// Events appended on other instances never reach this hub, so cross-instance
// order holds only on the poll and replay path.
func (h *Hub) Push(ctx context.Context, e outbox.Event) error {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns[e.RecipientID]))
	for c := range h.conns[e.RecipientID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		metrics.PushAttemptsTotal.WithLabelValues("ws", "offline").Inc()
		return nil
	}

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	var dropped int
	for _, c := range targets {
		if err := c.TrySend(b); err != nil {
			dropped++
		}
	}
	if dropped > 0 {
		metrics.PushAttemptsTotal.WithLabelValues("ws", "dropped").Inc()
		return fmt.Errorf("%w: %d of %d connections for %s", ErrBackpressure, dropped, len(targets), e.RecipientID)
	}
	metrics.PushAttemptsTotal.WithLabelValues("ws", "ok").Inc()
	return nil
}
