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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"zaiko/backend/internal/cache"
	"zaiko/backend/internal/config"
	"zaiko/backend/internal/httpapi"
	"zaiko/backend/internal/metrics"
	"zaiko/backend/internal/service"
	"zaiko/backend/internal/store"
	"zaiko/backend/internal/store/memory"
	pgstore "zaiko/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	log.Logger = newLogger(cfg.Production())

	if err := validateSecurityConfig(*cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid security configuration")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to apply schema")
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info().Str("repository", "postgres").Msg("storage ready")
	} else {
		repo = memory.NewSeeded()
		log.Info().Str("repository", "memory").Msg("storage ready")
	}

	saleCache := cache.SaleCache(cache.NoopSaleCache{})
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedisSaleCache(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("invalid REDIS_URL, using noop cache")
		} else if err := redisCache.Ping(ctx); err != nil {
			_ = redisCache.Close()
			log.Warn().Err(err).Msg("redis unavailable, using noop cache")
		} else {
			saleCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Info().Str("cache", "redis").Msg("sale cache ready")
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	serverMetrics := metrics.NewServer(reg)

	svc := service.New(repo,
		service.WithSaleCache(saleCache, cfg.SaleCacheTTL()),
		service.WithLogger(log.Logger),
		service.WithMetrics(serverMetrics),
	)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL())
	api := httpapi.New(svc, auth, cfg.AllowedOrigin,
		httpapi.WithLogger(log.Logger),
		httpapi.WithMetrics(serverMetrics, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Address()).Msg("zaiko server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error().Err(err).Msg("close error")
		}
	}

	log.Info().Msg("server stopped")
}

func newLogger(production bool) zerolog.Logger {
	if production {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.Production() && cfg.AllowedOrigin == "*" {
		return fmt.Errorf("ALLOWED_ORIGIN must not be a wildcard in production")
	}
	return nil
}
