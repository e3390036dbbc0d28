// Package main is the entry point for the ad exchange server
package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/StreetsDigital/thenexusengine/adx/internal/config"
	"github.com/StreetsDigital/thenexusengine/adx/internal/endpoints"
	"github.com/StreetsDigital/thenexusengine/adx/internal/events"
	"github.com/StreetsDigital/thenexusengine/adx/internal/exchange"
	"github.com/StreetsDigital/thenexusengine/adx/internal/fraud"
	"github.com/StreetsDigital/thenexusengine/adx/internal/geo"
	"github.com/StreetsDigital/thenexusengine/adx/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/adx/internal/ratelimit"
	"github.com/StreetsDigital/thenexusengine/adx/internal/registry"
	"github.com/StreetsDigital/thenexusengine/adx/internal/storage"
	"github.com/StreetsDigital/thenexusengine/adx/internal/storage/memory"
	"github.com/StreetsDigital/thenexusengine/adx/internal/storage/postgres"
	"github.com/StreetsDigital/thenexusengine/adx/pkg/logger"
	"github.com/StreetsDigital/thenexusengine/adx/pkg/redis"
)

func main() {
	// Parse flags; set flags override the environment
	envFile := flag.String("env-file", ".env", "Optional file of environment variables")
	port := flag.String("port", "", "Server port (HTTP_PORT)")
	strategy := flag.String("strategy", "", "Sourcing strategy: internal, external or hybrid (SOURCING_STRATEGY)")
	logLevel := flag.String("log-level", "", "Log level (LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("invalid configuration")
	}
	if *port != "" {
		cfg.HTTPPort = *port
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *strategy != "" {
		st, err := exchange.ParseStrategy(*strategy)
		if err != nil {
			logger.Log.Fatal().Err(err).Msg("invalid -strategy")
		}
		cfg.Strategy = st
	}

	logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, TimeFormat: time.RFC3339})
	log := logger.Log

	log.Info().
		Str("port", cfg.HTTPPort).
		Str("strategy", string(cfg.Strategy)).
		Dur("tmax", cfg.DefaultTMax).
		Bool("database", cfg.DatabaseURL != "").
		Bool("redis", cfg.RedisURL != "").
		Msg("starting ad exchange")

	var closers []io.Closer

	// Storage
	var store storage.Store
	if cfg.DatabaseURL != "" {
		pg, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		closers = append(closers, pg)
		store = pg
	} else {
		log.Warn().Msg("DATABASE_URL not set, using in-memory storage")
		store = memory.New()
	}

	// Shared counters
	var (
		limiter ratelimit.Limiter
		history fraud.History = store
		rc      *redis.Client
	)
	if cfg.RedisURL != "" {
		rc, err = redis.New(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create redis client")
		}
		closers = append(closers, rc)
		limiter = ratelimit.NewRedisLimiter(rc)
		history = fraud.NewRedisHistory(rc)
	} else {
		memLimiter := ratelimit.NewMemoryLimiter(nil)
		defer memLimiter.Stop()
		limiter = memLimiter
	}

	// Endpoint registry
	var loader registry.Loader = store
	if cfg.EndpointSource == config.EndpointSourceRedis {
		loader = registry.NewRedisLoader(rc)
	}
	reg := registry.New(loader, cfg.RegistryRefresh)
	reg.SetUpdateCallback(func(ep *registry.Endpoint) {
		log.Info().Str("endpoint", ep.ID).Str("direction", string(ep.Direction)).Str("status", string(ep.Status)).Msg("endpoint updated")
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := reg.Start(ctx); err != nil {
		log.Error().Err(err).Msg("initial endpoint load failed, retrying in background")
	}
	log.Info().Int("endpoints", reg.Count()).Msg("endpoint registry started")

	// Geo
	var locator geo.Locator
	if cfg.GeoIPDBPath != "" {
		mm, err := geo.NewMaxMind(cfg.GeoIPDBPath)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.GeoIPDBPath).Msg("geo database unavailable, lookups disabled")
		} else {
			closers = append(closers, mm)
			locator = mm
		}
	}

	m := metrics.NewMetrics(cfg.MetricsNamespace)
	recorder := events.NewRecorder(store, cfg.Events(), m)
	scorer := fraud.NewScorer(cfg.Fraud(), history, store, store)

	ex := exchange.New(reg, store, cfg.Exchange())
	ex.SetLimiter(limiter)
	ex.SetScorer(scorer)
	ex.SetRecorder(recorder)
	ex.SetMetrics(m)
	if locator != nil {
		ex.SetLocator(locator)
	}

	handler := endpoints.NewRouter(endpoints.Handlers{
		Serve: endpoints.NewServeHandler(ex, store, endpoints.ServeConfig{
			TMax:       cfg.DefaultTMax,
			Currency:   cfg.DefaultCurrency,
			TrackURL:   cfg.TrackURL,
			TrustProxy: cfg.TrustProxy,
		}),
		Bid:     endpoints.NewBidHandler(ex, reg, cfg.TrustProxy),
		Track:   endpoints.NewTrackHandler(recorder, cfg.TrustProxy),
		Status:  endpoints.NewStatusHandler(reg),
		Metrics: metrics.Handler(),
	}, m, endpoints.RouterConfig{MaxBodySize: cfg.MaxBodySize})

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	// Drain in dependency order: notices and events still write to storage
	ex.Close()
	reg.Stop()
	if err := recorder.Close(); err != nil {
		log.Error().Err(err).Msg("failed to flush events")
	}
	log.Info().Uint64("dropped_events", recorder.Dropped()).Msg("event writer stopped")

	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}

	log.Info().Msg("server stopped")
}
