package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/sessionkeeper/internal/config"
	"github.com/alexjbarnes/sessionkeeper/internal/events"
	"github.com/alexjbarnes/sessionkeeper/internal/logging"
	"github.com/alexjbarnes/sessionkeeper/internal/manager"
	"github.com/alexjbarnes/sessionkeeper/internal/mcpserver"
	"github.com/alexjbarnes/sessionkeeper/internal/metrics"
	"github.com/alexjbarnes/sessionkeeper/internal/models"
	"github.com/alexjbarnes/sessionkeeper/internal/server"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// stdout carries the stdio transport, so logs always go to stderr.
	logger := logging.NewLoggerLevel(cfg.Environment, cfg.LogLevel)
	logger.Info("sessionkeeper-mcp starting",
		slog.String("version", Version),
		slog.String("api_url", cfg.APIURL),
		slog.String("store", cfg.Store),
	)

	store, closeStore, err := cfg.OpenStore()
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Store, err)
	}
	defer closeStore()

	rec := metrics.New()

	mgr, err := manager.New(manager.Options{
		BaseURL:     cfg.APIURL,
		Timeout:     cfg.HTTPTimeout,
		Durable:     store,
		DeviceName:  cfg.DeviceName,
		RefreshLead: cfg.RefreshLead,
		ClockSkew:   cfg.ClockSkew,
		Logger:      logger,
		Metrics:     rec,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := mgr.Restore(ctx)
	if err != nil {
		logger.Warn("restoring session", slog.String("error", err.Error()))
	} else {
		logger.Info("session restored", slog.String("status", string(res.Status)))
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "sessionkeeper-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mgr)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return mgr.WatchStore(gctx)
	})

	if cfg.Events {
		g.Go(func() error {
			// Sign-in may happen through a tool call after start, so the
			// stream is reopened whenever the status becomes authenticated.
			return watchEvents(gctx, mgr, logger)
		})
	}

	if cfg.MCPListenAddr == "" {
		g.Go(func() error {
			logger.Info("serving MCP over stdio")

			err := mcpServer.Run(gctx, &mcp.StdioTransport{})

			// The client hung up; stop the background watchers too.
			stop()

			return err
		})
	} else {
		mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return mcpServer
		}, nil)

		mux := server.NewMux(server.MuxConfig{
			MCPHandler: mcpHandler,
			Metrics:    rec.Handler(),
		})

		g.Go(func() error {
			return server.Serve(gctx, server.New(cfg.MCPListenAddr, mux), logger.With(slog.String("service", "mcp")))
		})
	}

	if cfg.MetricsListenAddr != "" && cfg.MetricsListenAddr != cfg.MCPListenAddr {
		mux := server.NewMux(server.MuxConfig{Metrics: rec.Handler()})

		g.Go(func() error {
			return server.Serve(gctx, server.New(cfg.MetricsListenAddr, mux), logger.With(slog.String("service", "metrics")))
		})
	}

	return g.Wait()
}

// watchEvents runs the session event stream while the manager is
// authenticated and waits for the next sign-in otherwise.
func watchEvents(ctx context.Context, mgr *manager.Manager, logger *slog.Logger) error {
	signedIn := make(chan struct{}, 1)

	unsubscribe := mgr.Subscribe(func(s models.AuthStatus) {
		if s == models.StatusAuthenticated {
			select {
			case signedIn <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	for {
		if mgr.IsAuthenticated() {
			if err := mgr.WatchEvents(ctx, events.Options{}); err != nil && ctx.Err() == nil {
				logger.Warn("event stream ended", slog.String("error", err.Error()))
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-signedIn:
		}
	}
}
