package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"call-signaling/internal/auth"
	"call-signaling/internal/outbox"
	"call-signaling/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// EventSource is the read side of the outbox used for replay.
type EventSource interface {
	PollSince(ctx context.Context, recipientID string, cursor int64) ([]outbox.Event, int64, error)
	Cursor(ctx context.Context, recipientID string) (int64, error)
}

type Handler struct {
	hub      *Hub
	events   EventSource
	upgrader websocket.Upgrader
}

// NewHandler builds the websocket endpoint. An empty allowedOrigins accepts any origin.
func NewHandler(hub *Hub, events EventSource, allowedOrigins []string) *Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return &Handler{
		hub:    hub,
		events: events,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

// Serve upgrades GET /events/ws?since=N. The connection is registered with the
// hub before the outbox is replayed from since, so no event falls between the two.
func (h *Handler) Serve(c *gin.Context) {
	id, err := auth.FromContext(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var since int64
	if v := c.Query("since"); v != "" {
		since, err = strconv.ParseInt(v, 10, 64)
		if err != nil || since < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "since must be a non-negative integer"})
			return
		}
	} else {
		since, err = h.events.Cursor(c.Request.Context(), id.UserID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.FromGin(c).Warn("websocket upgrade failed", "error", err.Error())
		return
	}

	log := logger.FromGin(c).With("recipient_id", id.UserID)
	ctx, cancel := context.WithCancel(logger.With(context.Background(), log))
	conn := NewConn(id.UserID, ws)
	h.hub.Register(conn)
	go conn.writePump(ctx)

	defer func() {
		cancel()
		h.hub.Unregister(conn)
		conn.Close()
	}()

	if err := h.replay(ctx, conn, id.UserID, since); err != nil {
		log.Warn("event replay failed", "since", since, "error", err.Error())
		return
	}
	log.Debug("event stream attached", "since", since)
	conn.readPump()
}

func (h *Handler) replay(ctx context.Context, conn *Conn, userID string, since int64) error {
	for {
		events, next, err := h.events.PollSince(ctx, userID, since)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		for _, e := range events {
			b, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := conn.Send(ctx, b); err != nil {
				return err
			}
		}
		since = next
	}
}
