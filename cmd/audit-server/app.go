package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/audit/internal/config"
	"github.com/ehr/audit/internal/domain/audit"
	"github.com/ehr/audit/internal/platform/auth"
	"github.com/ehr/audit/internal/platform/blobstore"
	"github.com/ehr/audit/internal/platform/db"
	"github.com/ehr/audit/internal/platform/hipaa"
	"github.com/ehr/audit/internal/platform/middleware"
	"github.com/ehr/audit/internal/platform/siem"
	"github.com/ehr/audit/internal/platform/spool"
	"github.com/ehr/audit/internal/platform/telemetry"
)

var version = "dev"

const tracerName = "github.com/ehr/audit/internal/domain/audit"

// app holds every long-lived component the commands share. Optional
// dependencies (spool, siem, archive) are nil when not configured.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool      *pgxpool.Pool
	stores    audit.Stores
	telemetry *telemetry.Provider
	metrics   *audit.Metrics

	redis   *redis.Client
	spool   *spool.Spool
	siem    *siem.Publisher
	archive blobstore.Store

	fallbackFile io.WriteCloser
	recorder     *audit.Recorder
	query        *audit.QueryService
	retention    *hipaa.RetentionService
	sweeper      *hipaa.RetentionSweeper
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// buildPolicy turns the compliance settings into the policy the Recorder and
// QueryService share.
func buildPolicy(cfg *config.Config) (audit.Policy, error) {
	p := audit.Policy{
		ComplianceMode:      cfg.ComplianceMode,
		RetentionDays:       cfg.RetentionDays,
		DefaultLimit:        cfg.QueryDefaultLimit,
		MaxLimit:            cfg.QueryMaxLimit,
		EnlistInTransaction: cfg.EnlistInTransaction,
	}
	for _, t := range cfg.SensitiveAccessTypes {
		p.SensitiveAccessTypes = append(p.SensitiveAccessTypes, audit.AccessType(t))
	}
	if err := p.Validate(); err != nil {
		return audit.Policy{}, fmt.Errorf("audit policy: %w", err)
	}
	return p, nil
}

// newApp connects to the configured backends and assembles the recorder,
// query service and retention jobs. The caller must Close it.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	policy, err := buildPolicy(cfg)
	if err != nil {
		return nil, err
	}

	a.telemetry, err = telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:    "audit-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       !cfg.IsProduction(),
		MetricsEnabled: telemetry.BoolPtr(cfg.MetricsEnabled),
		TracingEnabled: telemetry.BoolPtr(cfg.TracingEnabled || cfg.OTLPEndpoint != ""),
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.metrics = audit.NewMetrics(a.telemetry.Registry())

	switch cfg.StoreDriver {
	case config.StoreMemory:
		logger.Warn().Msg("using in-memory audit store; records are lost on restart")
		a.stores = audit.NewMemoryStores()
	default:
		a.pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		logger.Info().Msg("connected to database")
		enc, err := hipaa.EncryptorFromConfig(cfg.HIPAAEncryptionKey, cfg.HIPAAPreviousKeys)
		if err != nil {
			return nil, err
		}
		if enc == nil {
			logger.Warn().Msg("HIPAA_ENCRYPTION_KEY not set; audit payloads are stored unsealed")
		}
		a.stores = audit.NewPGStores(a.pool, enc)
	}

	a.redis, err = spool.NewClient(ctx, spool.Config{URL: cfg.RedisURL})
	if err != nil {
		return nil, fmt.Errorf("connect to spool: %w", err)
	}
	if a.redis != nil {
		a.spool = spool.New(a.redis, cfg.SpoolKey)
	}

	if len(cfg.KafkaBrokers) > 0 {
		a.siem, err = siem.NewPublisher(siem.Config{
			Brokers:  cfg.KafkaBrokers,
			Topic:    cfg.KafkaSecurityTopic,
			ClientID: config.Hostname(),
		}, logger)
		if err != nil {
			return nil, err
		}
	}

	if cfg.ArchiveConfigured() {
		a.archive, err = blobstore.NewS3Store(blobstore.S3Config{
			Bucket:          cfg.ArchiveBucket,
			Endpoint:        cfg.ArchiveEndpoint,
			Region:          cfg.ArchiveRegion,
			AccessKeyID:     cfg.ArchiveAccessKeyID,
			SecretAccessKey: cfg.ArchiveSecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
	}

	a.recorder = audit.NewRecorder(a.stores, policy, logger, a.recorderOptions()...)
	a.query = audit.NewQueryService(a.stores, policy,
		audit.WithQueryMetrics(a.metrics),
		audit.WithQueryTracer(a.telemetry.Tracer(tracerName)),
		audit.WithResolutionRecorder(a.recorder),
	)

	a.retention = hipaa.NewRetentionService(
		hipaa.DefaultRetentionPolicies(cfg.RetentionDays, cfg.ArchiveAfterDays), logger)
	a.sweeper = hipaa.NewRetentionSweeper(a.retention, map[string]hipaa.Counter{
		string(audit.KindAuditEvent):      a.stores.Events,
		string(audit.KindDataAccessEvent): a.stores.Access,
		string(audit.KindSecurityEvent):   a.stores.Security,
	}, a.telemetry.Registry(), logger)

	return a, nil
}

func (a *app) recorderOptions() []audit.RecorderOption {
	chain := audit.FallbackChain{audit.NewLogFallback(os.Stderr)}
	if a.cfg.FallbackFile != "" {
		a.fallbackFile = audit.NewFallbackFile(a.cfg.FallbackFile)
		chain = append(chain, audit.NewLogFallback(a.fallbackFile))
	}
	if a.spool != nil {
		chain = append(chain, audit.NewSpoolFallback(a.spool))
	}

	opts := []audit.RecorderOption{
		audit.WithFallback(chain),
		audit.WithMetrics(a.metrics),
		audit.WithBreaker(audit.NewBreaker(a.cfg.BreakerThreshold, a.cfg.BreakerCooldown)),
		audit.WithTracer(a.telemetry.Tracer(tracerName)),
	}
	if a.siem != nil {
		opts = append(opts, audit.WithPublisher(a.siem))
	}
	return opts
}

// Ping reports whether the primary audit store is reachable.
func (a *app) Ping(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	return a.pool.Ping(ctx)
}

// refreshHealth copies pool and spool state into the health gauges.
func (a *app) refreshHealth(ctx context.Context) {
	h := a.telemetry.Health()
	if a.pool != nil {
		stat := a.pool.Stat()
		h.SetDBPool(int64(stat.AcquiredConns()), int64(stat.IdleConns()))
	}
	if a.spool != nil {
		st, err := a.spool.Stats(ctx)
		if err != nil {
			a.logger.Warn().Err(err).Msg("failed to read spool stats")
			return
		}
		h.SetSpool(st.Queued, st.Processing, st.Dead)
	}
}

func (a *app) Close(ctx context.Context) {
	if a.siem != nil {
		if err := a.siem.Close(ctx); err != nil {
			a.logger.Error().Err(err).Msg("failed to flush siem publisher")
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.fallbackFile != nil {
		a.fallbackFile.Close()
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Error().Err(err).Msg("failed to shut down telemetry")
		}
	}
}

// newEcho builds the HTTP surface: health and metrics probes, the ingest and
// query API, retention reporting and, when a bucket is configured, archive
// downloads.
func (a *app) newEcho() *echo.Echo {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(a.telemetry.TracingMiddleware())
	e.Use(a.telemetry.MetricsMiddleware())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID", audit.BreakGlassHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(a.storePinger()))
	e.GET("/metrics", func(c echo.Context) error {
		a.refreshHealth(c.Request().Context())
		return a.telemetry.MetricsHandler()(c)
	})

	api := e.Group("/api/v1")
	switch cfg.ResolvedAuthMode() {
	case config.AuthDevelopment:
		api.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	default:
		api.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}))
	}
	api.Use(db.TenantMiddleware(cfg.DefaultTenant))
	api.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	api.Use(middleware.BodyLimit(cfg.BodyLimit))
	api.Use(middleware.RequestTimeout(30 * time.Second))
	api.Use(middleware.Audit(audit.DashboardRecorder(a.recorder), a.logger))

	audit.NewHandler(a.recorder, a.query, a.logger).RegisterRoutes(api)
	hipaa.NewRetentionHandler(a.retention, a.sweeper).RegisterRoutes(api)
	if a.archive != nil {
		blobstore.NewHandler(a.archive).RegisterRoutes(api)
	}
	return e
}

func (a *app) storePinger() db.Pinger {
	if a.pool != nil {
		return a.pool
	}
	return db.PingFunc(a.Ping)
}
