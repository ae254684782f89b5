package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/recordstore/internal/config"
	"github.com/ehr/recordstore/internal/domain/documents"
	"github.com/ehr/recordstore/internal/domain/identity"
	"github.com/ehr/recordstore/internal/platform/auth"
	"github.com/ehr/recordstore/internal/platform/blobstore"
	"github.com/ehr/recordstore/internal/platform/db"
	"github.com/ehr/recordstore/internal/platform/middleware"
	"github.com/ehr/recordstore/internal/platform/notification"
	"github.com/ehr/recordstore/internal/platform/queue"
	"github.com/ehr/recordstore/internal/platform/webhook"
)

const version = "0.1.0"

// queues holds the outbound notification queue and the access-log retry
// queue. Without Redis both are in-process.
type queues struct {
	client        *redis.Client
	notifications queue.Queue
	auditRetry    queue.Queue
}

func openQueues(ctx context.Context, cfg *config.Config) (*queues, error) {
	if cfg.RedisURL == "" {
		return &queues{
			notifications: queue.NewMemoryQueue(1024),
			auditRetry:    queue.NewMemoryQueue(1024),
		}, nil
	}
	client, err := queue.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return &queues{
		client:        client,
		notifications: queue.NewRedisQueue(client, cfg.NotificationQueue),
		auditRetry:    queue.NewRedisQueue(client, cfg.AuditRetryQueue),
	}, nil
}

func (q *queues) probe() (db.Probe, bool) {
	if q.client == nil {
		return db.Probe{}, false
	}
	return db.Probe{Name: "redis", Check: func(ctx context.Context) error { return q.client.Ping(ctx).Err() }}, true
}

func (q *queues) Close() error {
	if q.client == nil {
		return nil
	}
	return q.client.Close()
}

// notificationSender posts to the configured webhook, or publishes onto the
// outbound queue when none is set.
func notificationSender(cfg *config.Config, qs *queues) (notification.Sender, error) {
	if cfg.NotificationWebhookURL == "" {
		return notification.NewQueueSender(qs.notifications), nil
	}
	client, err := webhook.NewClient(cfg.NotificationWebhookURL, cfg.NotificationWebhookSecret,
		webhook.WithHTTPClient(&http.Client{Timeout: cfg.NotifyTimeout}))
	if err != nil {
		return nil, err
	}
	return webhook.NewSender(client), nil
}

func openBlobStore(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	if !cfg.UsesObjectStorage() {
		return blobstore.NewMemoryStore(""), nil
	}
	return blobstore.NewMinIOStore(ctx, blobstore.MinIOConfig{
		Endpoint:  cfg.BlobEndpoint,
		AccessKey: cfg.BlobAccessKey,
		SecretKey: cfg.BlobSecretKey,
		Bucket:    cfg.BlobBucket,
		UseSSL:    cfg.BlobUseSSL,
		PublicURL: cfg.BlobPublicURL,
		MaxSize:   middleware.ParseSize(cfg.MaxUploadSize),
	})
}

func authMiddleware(cfg *config.Config) (echo.MiddlewareFunc, error) {
	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthPublicKeyFile == "" {
		return auth.DevAuthMiddleware(), nil
	}
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	if cfg.AuthPublicKeyFile != "" {
		pem, err := os.ReadFile(cfg.AuthPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read auth public key: %w", err)
		}
		jwtCfg.PublicKeyPEM = pem
	}
	return auth.JWTMiddleware(jwtCfg), nil
}

// logOutbound drains an in-process notification queue into the debug log so
// it never fills up when no broker is configured.
func logOutbound(ctx context.Context, q queue.Queue, logger zerolog.Logger) {
	for {
		payload, err := q.Pop(ctx, time.Second)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			continue
		}
		logger.Debug().RawJSON("message", payload).Msg("notification (no broker configured)")
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")
	scope := db.NewTenantScope(pool, cfg.DefaultTenant)

	// Queues and blob storage
	qs, err := openQueues(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer qs.Close()
	if qs.client == nil {
		logger.Warn().Msg("REDIS_URL not set, notifications and access-log retries stay in process")
	}
	sender, err := notificationSender(cfg, qs)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure notification delivery")
	}
	if qs.client == nil && cfg.NotificationWebhookURL == "" {
		go logOutbound(ctx, qs.notifications, logger)
	}

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open blob store")
	}
	probes := []db.Probe{{Name: "blobstore", Check: blobs.Ping}}
	if p, ok := qs.probe(); ok {
		probes = append(probes, p)
	}

	// Identity resolution
	var resolver interface {
		documents.Resolver
		User(ctx context.Context, token string) (*identity.User, error)
	} = identity.NewResolver(identity.NewProfileRepoPG(pool), identity.NewUserRepoPG(pool), cfg.ExternalTokenPrefix, logger)
	if cfg.IdentityCacheSize > 0 {
		resolver = identity.NewCachedResolver(resolver, cfg.IdentityCacheSize, cfg.IdentityCacheTTL)
	}

	// Documents
	repo := documents.NewRepoPG(pool)
	audit := documents.NewAuditLogger(repo, qs.auditRetry, scope, logger)
	dispatcher := documents.NewDispatcher(sender, notification.NewTemplateEngine(),
		resolver, repo, scope, cfg.NotifyTimeout, logger)
	docs := documents.NewService(repo, resolver, audit, dispatcher, blobs, documents.Options{SignedURLTTL: cfg.SignedURLTTL}, logger)

	// The retry loop outlives the signal context so entries queued by
	// in-flight requests are replayed before exit.
	drainCtx, stopDrain := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDrain()
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		if err := audit.Drain(drainCtx, cfg.AuditRetryWait); err != nil {
			logger.Error().Err(err).Msg("access log retry loop stopped")
		}
	}()

	authMW, err := authMiddleware(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure authentication")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.MaxUploadSize))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-Request-ID", db.TenantHeader},
		ExposeHeaders: []string{"X-Patient-Canonical-ID", "X-Patient-Matched-By", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/ready", db.HealthHandler(pool, probes...))
	e.GET("/metrics", middleware.MetricsHandler())

	apiV1 := e.Group("/api/v1",
		middleware.RequestTimeout(cfg.RequestTimeout, cfg.UploadTimeout),
		authMW,
		db.TenantMiddleware(pool, cfg.DefaultTenant),
		middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		}),
	)
	documents.NewHandler(docs).RegisterRoutes(apiV1)
	identity.NewHandler(resolver, logger).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	dispatcher.Wait()
	stopDrain()
	<-drainDone
	logger.Info().Msg("server stopped")
	return nil
}
