package httpapi

import (
	"errors"
	"net/http"

	"call-signaling/internal/auth"
	"call-signaling/internal/calls"
	"call-signaling/internal/media"
	"call-signaling/internal/outbox"
	"call-signaling/pkg/logger"

	"github.com/gin-gonic/gin"
)

type errorMapping struct {
	target error
	status int
	code   string
}

var errorTable = []errorMapping{
	{auth.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{auth.ErrTokenInvalid, http.StatusUnauthorized, "unauthenticated"},
	{auth.ErrTokenExpired, http.StatusUnauthorized, "token_expired"},
	{calls.ErrInvalidArgument, http.StatusBadRequest, "invalid_argument"},
	{media.ErrInvalidRequest, http.StatusBadRequest, "invalid_argument"},
	{outbox.ErrInvalidEvent, http.StatusBadRequest, "invalid_argument"},
	{outbox.ErrInvalidCursor, http.StatusBadRequest, "invalid_argument"},
	{calls.ErrNotParticipant, http.StatusForbidden, "not_participant"},
	{calls.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
	{calls.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{calls.ErrRegistryContention, http.StatusConflict, "contention"},
	{calls.ErrCredentialIssuance, http.StatusBadGateway, "credential_issuance_failed"},
	{outbox.ErrDelivery, http.StatusServiceUnavailable, "delivery_failed"},
}

// statusFor maps service errors onto HTTP status codes and stable error codes.
func statusFor(err error) (int, string) {
	for _, m := range errorTable {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "error", msg)
		msg = "internal error"
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": code})
}
