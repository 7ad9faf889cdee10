// Command terminal runs next to the till. It takes sales from the till over
// a loopback API, watches the server, and drains the local sale queue
// whenever the server is reachable.
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
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"zaiko/backend/internal/client"
	"zaiko/backend/internal/config"
	"zaiko/backend/internal/httpapi"
	"zaiko/backend/internal/metrics"
	"zaiko/backend/internal/netmon"
	"zaiko/backend/internal/queue"
	"zaiko/backend/internal/syncer"
)

func main() {
	cfg, err := config.LoadTerminal()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	log.Logger = newLogger(cfg.Production())

	if len(cfg.AuthSecret) < 32 {
		log.Fatal().Msg("AUTH_SECRET must be set and at least 32 characters")
	}

	q, err := queue.Open(cfg.QueuePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.QueuePath).Msg("failed to open queue")
	}
	defer q.Close()

	reg := prometheus.NewRegistry()
	syncMetrics := metrics.NewSync(reg)

	api := client.New(cfg.ServerURL,
		httpapi.NewAuthManager(cfg.AuthSecret, 15*time.Minute),
		client.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout()}),
		client.WithLogger(log.Logger),
	)
	monitor := netmon.New(api, cfg.CheckInterval(),
		netmon.WithLogger(log.Logger),
		netmon.WithMetrics(syncMetrics),
	)
	engine := syncer.New(q, api,
		syncer.WithReachability(monitor),
		syncer.WithInterval(cfg.DrainInterval()),
		syncer.WithLogger(log.Logger),
		syncer.WithMetrics(syncMetrics),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if n, err := q.Count(ctx); err == nil {
		syncMetrics.QueueDepth(n)
		log.Info().Int("queued", n).Str("server", cfg.ServerURL).Msg("terminal starting")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx) })

	if cfg.ListenAddr != "" {
		local := &localAPI{
			queue:     q,
			submitter: api,
			net:       monitor,
			engine:    engine,
			metrics:   syncMetrics,
			log:       log.Logger,
		}
		srv := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           local.handler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", cfg.ListenAddr).Msg("terminal api listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("terminal api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("terminal stopped with error")
		return
	}
	log.Info().Msg("terminal stopped")
}

func newLogger(production bool) zerolog.Logger {
	if production {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}
