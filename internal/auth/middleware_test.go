package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"call-signaling/internal/config"

	"github.com/gin-gonic/gin"
)

func newTestRouter(t *testing.T) (*gin.Engine, *Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	r := gin.New()
	r.GET("/me", RequireAccessToken(m), func(c *gin.Context) {
		id, err := FromContext(c.Request.Context())
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": id.UserID, "name": id.Name})
	})
	return r, m
}

func TestRequireAccessToken_MissingHeader(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequireAccessToken_InjectsIdentity(t *testing.T) {
	r, m := newTestRouter(t)
	pair, err := m.IssuePair(time.Now(), Identity{UserID: "doc_1", Name: "Dr. A", Role: "doctor"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRequireAccessToken_TicketOnlyForUpgrade(t *testing.T) {
	r, m := newTestRouter(t)
	ticket, _, err := m.IssueStreamTicket(time.Now(), Identity{UserID: "doc_1", Role: "doctor"})
	if err != nil {
		t.Fatalf("ticket: %v", err)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me?ticket="+ticket, nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without upgrade header, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me?ticket="+ticket, nil)
	req.Header.Set("Upgrade", "websocket")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with upgrade header, got %d", w.Code)
	}
}

func TestRequireAccessToken_AccessTokenRejectedAsTicket(t *testing.T) {
	r, m := newTestRouter(t)
	pair, err := m.IssuePair(time.Now(), Identity{UserID: "doc_1", Role: "doctor"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me?ticket="+pair.AccessToken, nil)
	req.Header.Set("Upgrade", "websocket")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for access token in query, got %d", w.Code)
	}
}
