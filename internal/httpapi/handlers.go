package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"call-signaling/internal/auth"
	"call-signaling/internal/calls"
	"call-signaling/internal/media"
	"call-signaling/internal/outbox"
	"call-signaling/internal/rbac"
	"call-signaling/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth   *auth.Manager
	Calls  *calls.Service
	Events *outbox.Service

	// PollGate caps concurrent long-polls per user. Nil disables the cap.
	PollGate    PollGate
	LongPollMax time.Duration
	DevLogin    bool
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair for local development.
//
// NOTE: credentials are not checked. Never enabled in production.
func (h Handlers) Login(c *gin.Context) {
	if !h.DevLogin || h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, role required"})
		return
	}
	switch req.Role {
	case rbac.RolePatient, rbac.RoleDoctor, rbac.RoleAdmin:
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "role must be patient, doctor or admin"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), auth.Identity{UserID: req.UserID, Name: req.Name, Role: req.Role})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":       pair.AccessToken,
		"refresh_token":      pair.RefreshToken,
		"access_expires_at":  pair.AccessExpiresAt,
		"refresh_expires_at": pair.RefreshExpiresAt,
	})
}

// StreamTicket issues a short-lived ticket for GET /events/ws?ticket=.
func (h Handlers) StreamTicket(c *gin.Context) {
	caller, ok := identity(c)
	if !ok {
		return
	}
	ticket, exp, err := h.Auth.IssueStreamTicket(time.Now(), caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket": ticket, "expires_at": exp})
}

// --- Calls ---

type tokenRequest struct {
	ChannelName string     `json:"channel_name"`
	UID         uint32     `json:"uid"`
	Role        media.Role `json:"role"`
}

func (h Handlers) IssueToken(c *gin.Context) {
	caller, ok := identity(c)
	if !ok {
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	cred, err := h.Calls.IssueToken(c.Request.Context(), caller, req.ChannelName, req.UID, req.Role)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"credential":      cred.Token,
		"provider_app_id": cred.AppID,
		"channel_name":    cred.Channel,
		"uid":             cred.UID,
		"expires_at":      cred.ExpiresAt,
	})
}

func (h Handlers) StartCall(c *gin.Context) {
	caller, ok := identity(c)
	if !ok {
		return
	}
	var req calls.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	d, err := h.Calls.StartCall(c.Request.Context(), caller, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, joinResponse(d))
}

func (h Handlers) JoinCall(c *gin.Context) {
	caller, ok := identity(c)
	if !ok {
		return
	}
	var req calls.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	d, err := h.Calls.JoinCall(c.Request.Context(), caller, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, joinResponse(d))
}

type endRequest struct {
	SessionID string `json:"session_id"`
}

// EndCall is idempotent: 200 for any well-formed session id, even if already ended.
func (h Handlers) EndCall(c *gin.Context) {
	caller, ok := identity(c)
	if !ok {
		return
	}
	var req endRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := h.Calls.EndCall(c.Request.Context(), caller, req.SessionID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h Handlers) ActiveCalls(c *gin.Context) {
	caller, ok := identity(c)
	if !ok {
		return
	}
	sessions, err := h.Calls.ActiveSessions(c.Request.Context(), caller.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"in_call": len(sessions) > 0, "sessions": sessions})
}

func (h Handlers) GetCall(c *gin.Context) {
	caller, ok := identity(c)
	if !ok {
		return
	}
	sess, err := h.Calls.Get(c.Request.Context(), caller, c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// --- Events ---

// PollEvents serves GET /events?recipient_id=&since=&wait=.
// recipient_id defaults to the caller; only admins may read another user's stream.
func (h Handlers) PollEvents(c *gin.Context) {
	caller, ok := identity(c)
	if !ok {
		return
	}
	recipient := c.DefaultQuery("recipient_id", caller.UserID)
	if !rbac.CanActFor(caller, recipient) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "since must be a non-negative integer"})
		return
	}

	var wait time.Duration
	if v := c.Query("wait"); v != "" {
		wait, err = time.ParseDuration(v)
		if err != nil || wait < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "wait must be a duration like 25s"})
			return
		}
		if h.LongPollMax > 0 && wait > h.LongPollMax {
			wait = h.LongPollMax
		}
	}

	ctx := c.Request.Context()
	var (
		events []outbox.Event
		next   int64
	)
	if wait > 0 {
		if h.PollGate != nil {
			token, acquired, err := h.PollGate.Acquire(ctx, recipient)
			switch {
			case err != nil:
				// Fail open: the cap protects capacity, not correctness.
				logger.FromGin(c).Warn("poll gate unavailable", "error", err.Error())
			case !acquired:
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many concurrent polls"})
				return
			default:
				defer h.PollGate.Release(ctx, recipient, token)
			}
		}
		events, next, err = h.Events.Wait(ctx, recipient, since, wait)
	} else {
		events, next, err = h.Events.PollSince(ctx, recipient, since)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "next_cursor": next})
}

type appendRequest struct {
	RecipientID string           `json:"recipient_id"`
	EventType   outbox.EventType `json:"event_type"`
	Payload     outbox.Payload   `json:"payload"`
}

// AppendEvent is the administrative append. RBAC: admin.
func (h Handlers) AppendEvent(c *gin.Context) {
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	e, err := h.Events.Append(c.Request.Context(), req.RecipientID, req.EventType, req.Payload)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"event_id": e.ID, "cursor": e.Cursor})
}

func identity(c *gin.Context) (auth.Identity, bool) {
	id, err := auth.FromContext(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return auth.Identity{}, false
	}
	return id, true
}

func joinResponse(d calls.JoinDescriptor) gin.H {
	return gin.H{
		"session_id":      d.SessionID,
		"channel_name":    d.ChannelName,
		"appointment_id":  d.AppointmentID,
		"credential":      d.Credential,
		"provider_app_id": d.ProviderAppID,
		"uid":             d.UID,
		"status":          d.Status,
		"events_cursor":   d.EventsCursor,
		"join_url":        d.JoinURL,
		"join_descriptor": d,
	}
}
