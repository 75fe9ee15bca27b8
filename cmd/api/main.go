package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"call-signaling/internal/auth"
	"call-signaling/internal/calls"
	"call-signaling/internal/config"
	"call-signaling/internal/httpapi"
	"call-signaling/internal/media"
	"call-signaling/internal/metrics"
	"call-signaling/internal/outbox"
	"call-signaling/internal/realtime"
	"call-signaling/pkg/logger"
	"call-signaling/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// longPollsPerUser caps concurrent GET /events?wait= requests per recipient.
const longPollsPerUser = 4

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	metrics.Init()

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb, err = utils.OpenRedis(rootCtx, utils.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS:      cfg.Redis.TLS,
		})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
	}

	var db *sql.DB
	if cfg.NeedsPostgres() {
		db, err = utils.OpenPostgres(rootCtx, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
	}

	var registry calls.Registry
	switch cfg.Store.RegistryBackend {
	case config.BackendRedis:
		registry = calls.NewRedisRegistry(rdb, cfg.Redis.KeyPrefix)
	default:
		registry = calls.NewMemoryRegistry()
	}

	var repo outbox.Repository
	switch cfg.Store.OutboxBackend {
	case config.BackendRedis:
		repo = outbox.NewRedisRepo(rdb, cfg.Redis.KeyPrefix)
	case config.BackendPostgres:
		pg := outbox.NewPostgresRepo(db)
		if err := pg.EnsureSchema(rootCtx); err != nil {
			log.Error("outbox schema init failed", "err", err)
			os.Exit(1)
		}
		repo = pg
	default:
		repo = outbox.NewMemoryRepo()
	}

	// Push fan-out: local websockets always, Kafka for out-of-process gateways when configured.
	hub := realtime.NewHub()
	pushers := outbox.MultiPusher{hub}
	var kafka *realtime.KafkaPusher
	if len(cfg.Kafka.Brokers) > 0 {
		kafka = realtime.NewKafkaPusher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		pushers = append(pushers, kafka)
	}
	events := outbox.NewService(repo, pushers, cfg.Outbox.PollLimit)

	issuer, err := media.NewTokenIssuer(cfg.Media.AppID, cfg.Media.AppCertificate, cfg.Media.TokenTTL)
	if err != nil {
		log.Error("media issuer init failed", "err", err)
		os.Exit(1)
	}

	callService := calls.NewService(registry, issuer, events, calls.Options{
		RingTimeout:    cfg.Calls.RingTimeout,
		EndedRetention: cfg.Calls.EndedRetention,
		NotifyTimeout:  cfg.Calls.NotifyTimeout,
		JoinURLBase:    cfg.Calls.JoinURLBase,
	})

	go callService.Run(rootCtx, cfg.Calls.SweepInterval)
	go events.RunPruner(rootCtx, cfg.Outbox.Retention, time.Minute)

	var gate httpapi.PollGate = httpapi.NewMemoryPollGate(longPollsPerUser)
	if rdb != nil {
		gate = httpapi.NewRedisPollGate(rdb, cfg.Redis.KeyPrefix, longPollsPerUser, cfg.Outbox.LongPollMax+10*time.Second)
	}

	deps := routeDeps{
		authMW: auth.RequireAccessToken(authManager),
		limit:  httpapi.NewRateLimiter(rate.Limit(cfg.HTTP.RateLimitRPS), cfg.HTTP.RateLimitBurst),
		handlers: httpapi.Handlers{
			Auth:        authManager,
			Calls:       callService,
			Events:      events,
			PollGate:    gate,
			LongPollMax: cfg.Outbox.LongPollMax,
			DevLogin:    cfg.Auth.DevLogin,
		},
		ws:     realtime.NewHandler(hub, events, cfg.HTTP.AllowedOrigins),
		health: healthCheck(db, rdb),
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(metrics.GinMiddleware())
	registerRoutes(r, deps)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Long-polls hold the response open for up to LongPollMax.
		WriteTimeout: cfg.Outbox.LongPollMax + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening",
			"addr", srv.Addr,
			"env", cfg.App.Env,
			"registry_backend", cfg.Store.RegistryBackend,
			"outbox_backend", cfg.Store.OutboxBackend,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	if kafka != nil {
		if err := kafka.Close(); err != nil {
			log.Error("kafka writer close failed", "err", err)
		}
	}
}

// healthCheck pings whichever backing stores are configured.
func healthCheck(db *sql.DB, rdb *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if db != nil {
			if err := utils.PingPostgres(ctx, db, 2*time.Second); err != nil {
				return err
			}
		}
		if rdb != nil {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := rdb.Ping(ctx).Err(); err != nil {
				return err
			}
		}
		return nil
	}
}
