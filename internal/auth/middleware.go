package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"call-signaling/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
	ticketParam         = "ticket"
)

// RequireAccessToken verifies the caller and injects identity into request context.
// Requests present an access token as a bearer header; websocket upgrades may
// instead present a stream ticket in ?ticket=. RBAC checks belong to internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, typ, ok := credentials(c.Request)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := m.Verify(tok, typ, time.Now())
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, ErrTokenExpired) {
				msg = "token expired"
			}
			logger.FromGin(c).Debug("token rejected", "token_type", string(typ), "error", err.Error())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		id := claims.Identity()
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
		c.Set("user_id", id.UserID)
		c.Set("role", id.Role)
		logger.Bind(c, logger.FromGin(c).With("user_id", id.UserID))

		c.Next()
	}
}

func credentials(r *http.Request) (string, TokenType, bool) {
	raw := strings.TrimSpace(r.Header.Get(authorizationHeader))
	if tok, ok := strings.CutPrefix(raw, bearerPrefix); ok {
		tok = strings.TrimSpace(tok)
		return tok, TokenTypeAccess, tok != ""
	}
	if raw == "" && isWebsocketUpgrade(r) {
		tok := strings.TrimSpace(r.URL.Query().Get(ticketParam))
		return tok, TokenTypeStream, tok != ""
	}
	return "", "", false
}

func isWebsocketUpgrade(r *http.Request) bool {
	return r.Method == http.MethodGet && strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
