package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/ripple/cdr-openehr/internal/api"
	"github.com/ripple/cdr-openehr/internal/cache"
	"github.com/ripple/cdr-openehr/internal/config"
	"github.com/ripple/cdr-openehr/internal/discovery"
	"github.com/ripple/cdr-openehr/internal/heading"
	"github.com/ripple/cdr-openehr/internal/openehr"
	"github.com/ripple/cdr-openehr/internal/platform/auth"
	"github.com/ripple/cdr-openehr/internal/platform/db"
	"github.com/ripple/cdr-openehr/internal/platform/metrics"
	"github.com/ripple/cdr-openehr/internal/platform/middleware"
	"github.com/ripple/cdr-openehr/internal/service"
	"github.com/ripple/cdr-openehr/internal/store"
	"github.com/ripple/cdr-openehr/migrations"
)

const version = "0.1.0"

// app is the wired server: services, caches and the echo router.
type app struct {
	echo       *echo.Echo
	pool       *pgxpool.Pool
	discovery  *service.DiscoveryService
	dispatcher *service.Dispatcher
	logger     zerolog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{logger: logger}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector(reg)

	// Storage
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		n, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		logger.Info().Int("applied", n).Msg("connected to database")
		st = store.NewPostgres(pool)
	} else {
		logger.Warn().Msg("DATABASE_URL not set, discovery mappings and statuses are kept in memory")
		st = store.NewMemory()
	}

	// Headings
	headings := heading.Default(time.Now)
	if err := headings.Initialise(); err != nil {
		a.Close()
		return nil, fmt.Errorf("initialise headings: %w", err)
	}

	// openEHR hosts
	hosts := openehr.NewRegistry()
	restCfg := openehr.DefaultRESTConfig()
	if cfg.OpenEHRTimeout > 0 {
		restCfg.Timeout = cfg.OpenEHRTimeout
	}
	restCfg.RateLimit = cfg.OpenEHRRateLimitRPS
	if cfg.OpenEHRRateLimitBurst > 0 {
		restCfg.Burst = cfg.OpenEHRRateLimitBurst
	}
	if cfg.OpenEHRBreakerFailures > 0 {
		restCfg.BreakerFailures = cfg.OpenEHRBreakerFailures
	}
	if cfg.OpenEHRBreakerTimeout > 0 {
		restCfg.BreakerTimeout = cfg.OpenEHRBreakerTimeout
	}
	for _, hc := range cfg.Hosts {
		host := openehr.Host{
			Name:      hc.Name,
			URL:       hc.URL,
			Username:  hc.Username,
			Password:  hc.Password,
			Versioned: hc.Versioned,
		}
		hosts.Register(host, openehr.NewRESTClient(host, restCfg, logger, m))
	}

	// Services
	records := cache.NewHeadingCache()
	mappings := cache.NewDiscoveryMap()
	feeds := cache.NewFeedStore()

	sessions := service.NewSessionService(hosts, cache.NewSessionCache(), service.SessionConfig{
		Timeout: cfg.SessionTimeout,
		Policy:  service.ExpiryPolicy(cfg.SessionPolicy),
	}, logger, m)
	ehrs := service.NewEhrService(hosts, sessions, cache.NewEhrIDCache(), logger)
	headingSvc := service.NewHeadingService(service.HeadingDeps{
		Hosts:       hosts,
		Headings:    headings,
		Sessions:    sessions,
		Ehrs:        ehrs,
		Records:     records,
		Discovery:   mappings,
		Mappings:    st,
		DefaultHost: cfg.DiscoveryHost,
		Metrics:     m,
	}, logger)
	// Merged records and new EHRs go to the configured host, else the
	// first registered one.
	ehrHost := headingSvc.DefaultHost()

	a.discovery = service.NewDiscoveryService(service.DiscoveryDeps{
		Client:   discovery.NewHTTPClient(cfg.DiscoveryURL, cfg.DiscoveryTimeout, logger),
		Headings: headingSvc,
		Registry: headings,
		Mappings: mappings,
		Store:    st,
		Host:     ehrHost,
		Metrics:  m,
	}, logger)
	a.dispatcher = service.NewDispatcher(a.discovery, st, records, cfg.DiscoveryHeadings, logger, m)
	statuses := service.NewStatusService(st, ehrs, feeds, a.discovery, a.dispatcher, ehrHost, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.JWTIssuer,
			SigningKey: []byte(cfg.JWTSecret),
			Skipper:    auth.AuthSkipper,
		}))
	}

	// API routes
	apiGroup := e.Group("/api")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiGroup.Use(middleware.RateLimit(rateLimitCfg))

	api.NewHandler(api.Deps{
		Headings:  headingSvc,
		Discovery: a.discovery,
		Statuses:  statuses,
		Registry:  headings,
		Feeds:     feeds,
	}).RegisterRoutes(apiGroup)

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if a.pool != nil {
		e.GET("/health/db", db.ReadinessHandler(db.NewMigrator(a.pool, migrations.FS)))
	}
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	a.echo = e
	return a, nil
}

// Close releases the database pool.
func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
