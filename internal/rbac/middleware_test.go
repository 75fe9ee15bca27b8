package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"call-signaling/internal/auth"

	"github.com/gin-gonic/gin"
)

func withRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), auth.Identity{UserID: "u", Role: role})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func serve(t *testing.T, handlers ...gin.HandlerFunc) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	handlers = append(handlers, func(c *gin.Context) { c.Status(200) })
	r.GET("/x", handlers...)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_AdminBypasses(t *testing.T) {
	if code := serve(t, withRole(RoleAdmin), RequireAnyRole(RoleDoctor)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_DeniesOtherRoles(t *testing.T) {
	if code := serve(t, withRole(RolePatient), RequireAnyRole(RoleDoctor)); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireAnyRole_IdentityRequired(t *testing.T) {
	if code := serve(t, RequireAnyRole(RoleDoctor)); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestCanActFor(t *testing.T) {
	if !CanActFor(auth.Identity{UserID: "a", Role: RolePatient}, "a") {
		t.Fatalf("expected owner access")
	}
	if CanActFor(auth.Identity{UserID: "a", Role: RolePatient}, "b") {
		t.Fatalf("expected denial for other user")
	}
	if !CanActFor(auth.Identity{UserID: "a", Role: RoleAdmin}, "b") {
		t.Fatalf("expected admin access")
	}
}
