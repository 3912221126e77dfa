package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/screening/internal/config"
	"github.com/ehr/screening/internal/domain/cds"
	"github.com/ehr/screening/internal/domain/resource"
	"github.com/ehr/screening/internal/domain/risk"
	"github.com/ehr/screening/internal/domain/screening"
	"github.com/ehr/screening/internal/platform/auth"
	"github.com/ehr/screening/internal/platform/db"
	"github.com/ehr/screening/internal/platform/events"
	"github.com/ehr/screening/internal/platform/fhir"
	"github.com/ehr/screening/internal/platform/metrics"
	"github.com/ehr/screening/internal/platform/middleware"
)

// app is the wired server together with the resources it must release.
type app struct {
	echo      *echo.Echo
	resources *resource.Service
	screening *screening.Service
	cds       *cds.Service
	hub       *events.Hub
	closers   []func(context.Context) error
}

// Close releases the store and event connections in reverse order.
func (a *app) Close(ctx context.Context) error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// openStore builds and initializes the configured clinical store. The
// returned checks feed /health/db.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (resource.Store, []db.Check, error) {
	var store resource.Store
	var checks []db.Check

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		logger.Info().Msg("connected to database")
		store = resource.NewPGStore(pool)
		checks = append(checks, db.PoolCheck(pool))
	case config.BackendBolt:
		bs := resource.NewBoltStore(cfg.BoltPath)
		store = bs
		checks = append(checks, db.Check{Name: "bolt", Ping: bs.Ping})
	default:
		ms := resource.NewMemoryStore()
		store = ms
		checks = append(checks, db.Check{Name: "memory", Ping: ms.Ping})
	}

	if err := store.Init(ctx); err != nil {
		_ = store.Shutdown(ctx)
		return nil, nil, fmt.Errorf("init %s store: %w", cfg.StoreBackend, err)
	}
	logger.Info().Str("backend", cfg.StoreBackend).Msg("clinical store ready")
	return store, checks, nil
}

// newApp wires every service and route onto a fresh Echo instance.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{}

	store, checks, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Shutdown)

	// Events: in-process hub for WebSocket subscribers, plus a Redis stream
	// when configured.
	a.hub = events.NewHub(logger)
	publishers := events.Multi{a.hub}
	if cfg.RedisURL != "" {
		client, err := events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		publishers = append(publishers, events.NewRedisStreamPublisher(client, cfg.EventStream, 10000))
		logger.Info().Str("stream", cfg.EventStream).Msg("publishing events to redis")
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	// Services
	a.resources = resource.NewService(store, publishers, logger)
	a.resources.SetPaging(cfg.SearchDefaultCount, cfg.SearchMaxCount)
	a.resources.SetMetrics(m)

	engine, err := screening.NewEngine(screening.DefaultRules(), cfg.LeadWindowDays, logger)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	scorer, err := risk.NewScorer(risk.CardioV1(), logger)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.screening = screening.NewService(a.resources, engine, publishers, logger)
	a.screening.SetRiskFlagger(scorer)
	a.screening.SetMetrics(m)

	a.cds = cds.NewService(a.screening, cds.NewGenerator(cfg.CriticalOverdueDays), a.resources, publishers, logger)
	a.cds.SetMetrics(m)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(m.Middleware())
	e.Use(middleware.BodyLimit("2M"))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", "X-Request-ID"},
		ExposeHeaders: []string{"ETag", "Location", "Last-Modified", "X-Request-ID"},
	}))

	// Auth middleware
	if !cfg.AuthEnabled() {
		logger.Warn().Msg("authentication disabled; every request runs as admin")
		e.Use(auth.DevAuthMiddleware())
	} else {
		key, err := cfg.SigningKey()
		if err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: key,
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(checks...))
	if m != nil {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}

	// API groups
	fhirGroup := e.Group("/fhir")
	apiV1 := e.Group("/api/v1")

	resource.NewHandler(a.resources, cfg.BaseURL).RegisterRoutes(fhirGroup)
	screening.NewHandler(a.screening).RegisterRoutes(apiV1)
	cds.NewHandler(a.cds).RegisterRoutes(apiV1)
	risk.NewHandler(a.resources, scorer).RegisterRoutes(apiV1)

	hooks := fhir.NewCDSHooksHandler(logger)
	a.cds.Register(hooks)
	hooks.RegisterRoutes(e)

	events.NewWebSocketHandler(a.hub, cfg.CORSOrigins, logger).RegisterRoutes(e.Group(""))

	a.echo = e
	return a, nil
}
