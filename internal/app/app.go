// Package app boots the dispatch-core process: configuration, container,
// servers, dispatcher loop, and phased graceful shutdown.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/onhand/dispatch-core/internal/config"
	"github.com/onhand/dispatch-core/internal/container"
	"github.com/onhand/dispatch-core/internal/platform/log"
	"github.com/onhand/dispatch-core/internal/platform/shutdown"
	"github.com/onhand/dispatch-core/internal/platform/tracing"
	"github.com/onhand/dispatch-core/pkg/server"
)

// Options selects which components this process runs. The api process
// serves HTTP + push bus + gRPC; the dispatcher process runs the loop.
// A single-node deployment runs both in one process.
type Options struct {
	ServeHTTP     bool
	RunDispatcher bool
}

// Run boots the process and blocks until a termination signal
func Run(configPath string, opts Options) error {
	cfg := config.MustLoad(configPath)

	logger := log.New()
	defer func() { _ = log.SyncLogger(logger) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enabled {
		stop, err := tracing.Init(ctx, cfg.App.Name, cfg.App.Version, cfg.Tracing.Endpoint)
		if err != nil {
			return fmt.Errorf("tracing init: %w", err)
		}
		defer func() { _ = stop(context.Background()) }()
	}

	c, err := container.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("container init: %w", err)
	}

	manager := shutdown.NewManager(logger)

	var srv *server.Server
	if opts.ServeHTTP {
		srv, err = server.New(
			server.WithHTTPServer(NewRouter(c), fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		)
		if err != nil {
			return fmt.Errorf("server init: %w", err)
		}
		if err := srv.Run(logger); err != nil {
			return fmt.Errorf("server run: %w", err)
		}
		go func() {
			if err := c.GRPC.Start(); err != nil {
				logger.Error("grpc server stopped", zap.Error(err))
			}
		}()
		logger.Info("http server started",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Int("grpc_port", cfg.Server.GRPCPort),
		)
	}

	if opts.RunDispatcher {
		go c.Dispatcher.Run(ctx)
	}

	registerShutdownHooks(manager, c, srv, opts)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("termination signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	return manager.Shutdown(shutdownCtx)
}

// registerShutdownHooks wires the phased teardown: health flips first, then
// the listeners stop, connections drain, and external clients close.
func registerShutdownHooks(manager *shutdown.Manager, c *container.Container, srv *server.Server, opts Options) {
	manager.RegisterHook(shutdown.PhasePreShutdown, "mark_unhealthy", func(ctx context.Context) error {
		MarkUnhealthy()
		if opts.ServeHTTP {
			c.GRPC.SetNotServing()
		}
		return nil
	})

	if srv != nil {
		manager.RegisterHook(shutdown.PhaseStopAccepting, "stop_http_server", func(ctx context.Context) error {
			return srv.Stop(ctx)
		})
		manager.RegisterHook(shutdown.PhaseStopAccepting, "stop_grpc_server", func(ctx context.Context) error {
			c.GRPC.Stop()
			return nil
		})
	}

	manager.RegisterHook(shutdown.PhaseDrain, "close_push_connections", func(ctx context.Context) error {
		return c.Hub.Shutdown(ctx)
	})
	if opts.RunDispatcher {
		manager.RegisterHook(shutdown.PhaseDrain, "drain_dispatcher", func(ctx context.Context) error {
			return c.Dispatcher.Shutdown(ctx)
		})
	}

	manager.RegisterHook(shutdown.PhaseCleanup, "close_clients", func(ctx context.Context) error {
		c.Close()
		return nil
	})

	manager.RegisterHook(shutdown.PhasePostShutdown, "flush_logs", func(ctx context.Context) error {
		_ = log.SyncLogger(c.Logger)
		return nil
	})
}
