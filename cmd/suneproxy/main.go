// suneproxy is the streaming proxy daemon. It terminates client WebSocket
// sessions on /ws, drives upstream model streams through the provider
// drivers, and persists run state so clients can resume after a disconnect.
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

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/sune-org/us.proxy.sune.chat/config"
	"github.com/sune-org/us.proxy.sune.chat/logger"
	metrics "github.com/sune-org/us.proxy.sune.chat/metrics/prometheus"
	"github.com/sune-org/us.proxy.sune.chat/notify"
	"github.com/sune-org/us.proxy.sune.chat/providers"
	"github.com/sune-org/us.proxy.sune.chat/runs"
	"github.com/sune-org/us.proxy.sune.chat/server"
	"github.com/sune-org/us.proxy.sune.chat/statestore"
	"github.com/sune-org/us.proxy.sune.chat/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		tp, err := telemetry.NewTracerProvider(ctx, cfg.OTLPEndpoint, "suneproxy")
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		otel.SetTracerProvider(tp)
		telemetry.SetupPropagation()
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := tp.Shutdown(shCtx); err != nil {
				logger.Error("tracer shutdown failed", "error", err)
			}
		}()
		logger.Info("tracing enabled", "endpoint", cfg.OTLPEndpoint)
	}

	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}

	coord := runs.NewCoordinator(
		store,
		providers.NewRegistry(cfg.Providers),
		runs.WithNotifier(notify.NewClient(cfg.NtfyURL)),
	)
	defer coord.Close()

	srv := server.NewServer(coord, server.WithPort(cfg.Port))

	var exporter *metrics.Exporter
	if cfg.MetricsAddr != "" {
		exporter = metrics.NewExporter(cfg.MetricsAddr)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	if exporter != nil {
		g.Go(func() error {
			logger.Info("metrics exporter listening", "addr", cfg.MetricsAddr)
			if err := exporter.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics exporter: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
		if exporter != nil {
			if err := exporter.Shutdown(shCtx); err != nil {
				logger.Error("metrics exporter shutdown failed", "error", err)
			}
		}
		return nil
	})

	return g.Wait()
}

// newStore picks the run-state backend: Redis when REDIS_ADDR is set,
// otherwise the in-process store. Redis must answer a ping before the
// process accepts traffic.
func newStore(ctx context.Context, cfg *config.Config) (statestore.Store, error) {
	if cfg.RedisAddr == "" {
		logger.Info("using in-memory state store")
		return statestore.NewMemoryStore(), nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}

	logger.Info("using redis state store", "addr", cfg.RedisAddr)
	return statestore.NewRedisStore(client), nil
}
