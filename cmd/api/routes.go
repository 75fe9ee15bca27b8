package main

import (
	"context"
	"net/http"

	"call-signaling/internal/httpapi"
	"call-signaling/internal/rbac"
	"call-signaling/internal/realtime"
	"call-signaling/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type routeDeps struct {
	authMW   gin.HandlerFunc
	limit    *httpapi.RateLimiter
	handlers httpapi.Handlers
	ws       *realtime.Handler
	health   func(ctx context.Context) error
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	h := d.handlers

	// public
	r.GET("/healthz", func(c *gin.Context) {
		if d.health != nil {
			if err := d.health(c.Request.Context()); err != nil {
				logger.FromGin(c).Warn("health check failed", "err", err)
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Dev-only token issuance; 404 unless AUTH_DEV_LOGIN is on outside production.
	r.POST("/auth/token", h.Login)

	api := r.Group("/")
	api.Use(d.authMW)
	if d.limit != nil {
		api.Use(d.limit.Middleware())
	}

	api.POST("/auth/stream-ticket", h.StreamTicket)

	calls := api.Group("/calls")
	{
		calls.POST("/token", h.IssueToken)
		calls.POST("/start", h.StartCall)
		calls.POST("/join", h.JoinCall)
		calls.POST("/end", h.EndCall)
		calls.GET("/active", h.ActiveCalls)
		calls.GET("/:session_id", h.GetCall)
	}

	events := api.Group("/events")
	{
		events.GET("", h.PollEvents)
		events.GET("/ws", d.ws.Serve)
		events.POST("", rbac.RequireAnyRole(rbac.RoleAdmin), h.AppendEvent)
	}
}
