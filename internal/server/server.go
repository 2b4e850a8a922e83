/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/smart_schedulers/internal/api"
	"github.com/friendsincode/smart_schedulers/internal/cache"
	"github.com/friendsincode/smart_schedulers/internal/config"
	"github.com/friendsincode/smart_schedulers/internal/db"
	"github.com/friendsincode/smart_schedulers/internal/eventbus"
	"github.com/friendsincode/smart_schedulers/internal/models"
	"github.com/friendsincode/smart_schedulers/internal/queue"
	"github.com/friendsincode/smart_schedulers/internal/scheduler"
	"github.com/friendsincode/smart_schedulers/internal/telemetry"
)

const (
	queueStatsInterval = 15 * time.Second
	reportRetention    = 24 * time.Hour
)

// Server bundles the ops HTTP API and the scheduler engine.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db     *gorm.DB
	cache  *cache.Cache
	bus    *eventbus.NATSBus
	store  *queue.Store
	engine *scheduler.Engine

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies. Background workers start with Start.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	for _, warn := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warn)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("smart-schedulers-api"))
	router.Use(telemetry.MetricsMiddleware)
	router.Use(middleware.Timeout(60 * time.Second))

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
	}

	if err := srv.initDependencies(ctx); err != nil {
		_ = srv.Close()
		return nil, err
	}

	srv.configureRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Cache-Control", "no-store")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies(ctx context.Context) error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })
	if err := db.Migrate(database); err != nil {
		return err
	}
	if err := db.RegisterCallbacks(database); err != nil {
		return fmt.Errorf("register db callbacks: %w", err)
	}
	s.store = queue.New(database, s.logger)

	cacheCfg := cache.DefaultConfig()
	cacheCfg.RedisAddr = s.cfg.RedisAddr
	cacheCfg.RedisPassword = s.cfg.RedisPassword
	cacheCfg.RedisDB = s.cfg.RedisDB
	cacheCfg.Prefix = s.cfg.RedisPrefix
	cacheCfg.AllowMemoryFallback = s.cfg.CacheAllowMemoryFallback
	c, err := cache.New(cacheCfg, s.logger)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	s.cache = c
	s.DeferClose(c.Close)

	deps := scheduler.Deps{Store: s.store, Cache: c}
	if s.cfg.AnyTransportWorker() {
		natsCfg := eventbus.DefaultNATSConfig()
		natsCfg.URL = s.cfg.NATSURL
		natsCfg.StreamName = s.cfg.StreamName
		natsCfg.Name = "smart-schedulers-" + s.cfg.InstanceID
		bus, err := eventbus.NewNATSBus(ctx, natsCfg, s.logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		s.bus = bus
		s.DeferClose(bus.Close)
		deps.Bus = bus
	}

	engine, err := scheduler.NewEngine(*s.cfg, deps, s.logger)
	if err != nil {
		return fmt.Errorf("build scheduler engine: %w", err)
	}
	s.engine = engine

	telemetry.RegisterInflightGauge(func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		counts, err := s.store.CountByState(ctx)
		if err != nil {
			return 0
		}
		return float64(counts[models.CommandDispatched])
	})

	return nil
}

func (s *Server) readinessChecks() map[string]api.ReadinessCheck {
	checks := map[string]api.ReadinessCheck{
		"database": func(ctx context.Context) error { return db.Ping(ctx, s.db) },
		"cache":    s.cache.Ping,
	}
	if s.bus != nil {
		checks["transport"] = func(context.Context) error {
			if !s.bus.Connected() {
				return errors.New("nats disconnected")
			}
			return nil
		}
	}
	return checks
}

func (s *Server) configureRoutes() {
	s.router.Handle("/metrics", telemetry.Handler())
	api.New(s.store, s.engine, s.readinessChecks(), []byte(s.cfg.AdminJWTKey), s.logger).Routes(s.router)
}

// Engine exposes the scheduler engine.
func (s *Server) Engine() *scheduler.Engine {
	return s.engine
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Start launches the enabled workers and the metrics loops.
func (s *Server) Start(ctx context.Context) error {
	if err := s.engine.Start(ctx); err != nil {
		return err
	}
	s.startBackgroundWorkers(ctx)
	return nil
}

// Close stops workers and releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	if s.engine != nil {
		s.engine.Stop()
	}
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.bgCancel = cancel

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ticker := time.NewTicker(queueStatsInterval)
		defer ticker.Stop()

		for {
			s.refreshQueueMetrics(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.UpdateConnectionMetrics(s.db)
				s.engine.Reports().Prune(time.Now().Add(-reportRetention))
				if s.bus != nil {
					telemetry.TransportConnected.Set(boolGauge(s.bus.Connected()))
				}
			}
		}
	}()
}

func (s *Server) refreshQueueMetrics(ctx context.Context) {
	counts, err := s.store.CountByState(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn().Err(err).Msg("queue stats refresh failed")
		}
		return
	}
	for _, st := range []models.CommandState{
		models.CommandPending, models.CommandDispatched, models.CommandAcked,
		models.CommandFailed, models.CommandTimedOut,
	} {
		telemetry.CommandsByState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
