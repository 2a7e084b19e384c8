package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alexjbarnes/ride-sync/internal/auth"
	"github.com/alexjbarnes/ride-sync/internal/config"
	"github.com/alexjbarnes/ride-sync/internal/delivery"
	"github.com/alexjbarnes/ride-sync/internal/logging"
	"github.com/alexjbarnes/ride-sync/internal/mcpserver"
	"github.com/alexjbarnes/ride-sync/internal/models"
	"github.com/alexjbarnes/ride-sync/internal/reachability"
	"github.com/alexjbarnes/ride-sync/internal/realtime"
	"github.com/alexjbarnes/ride-sync/internal/server"
	"github.com/alexjbarnes/ride-sync/internal/spool"
	"github.com/alexjbarnes/ride-sync/internal/syncengine"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

var Version = "dev"

const usage = `usage: ride-sync [command]

With no command, runs the daemon.

commands:
  hash-token          read a diagnostics token from stdin (empty to generate one) and print its bcrypt hash
  failed              print actions that exhausted their retries, as YAML
  retry-failed <id>   move one failed action back to pending
  purge-failed        delete every failed action
  version             print the version
`

func main() {
	// Maintenance subcommands run before the daemon starts.
	if len(os.Args) > 1 {
		var err error

		switch os.Args[1] {
		case "hash-token":
			err = hashToken()
		case "failed":
			err = listFailed()
		case "retry-failed":
			err = retryFailed(os.Args[2:])
		case "purge-failed":
			err = purgeFailed()
		case "version":
			fmt.Println(Version)
		case "help", "-h", "--help":
			fmt.Print(usage)
		default:
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}

		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashToken() error {
	fmt.Fprint(os.Stderr, "Enter token (empty to generate): ")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()

	token := strings.TrimSpace(scanner.Text())
	if token == "" {
		token = auth.GenerateToken()
		fmt.Fprintf(os.Stderr, "token: %s\n", token)
	}

	hash, err := auth.HashToken(token)
	if err != nil {
		return err
	}

	fmt.Println(hash)

	return nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("ride-sync starting",
		slog.String("version", Version),
		slog.String("store", cfg.StoreDriver),
		slog.Bool("spool", cfg.SpoolDir != ""),
		slog.Bool("diag", cfg.EnableDiag),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	reach := reachability.NewSignal(false)

	engine := syncengine.New(store, reach, syncengine.Config{}, logger.With(slog.String("service", "sync")))
	if _, err := engine.Recover(ctx); err != nil {
		return err
	}

	credential := resolveCredential(cfg, store, logger)

	api := delivery.NewClient(&http.Client{Timeout: 30 * time.Second}, cfg.APIBaseURL, func() string { return credential })
	api.Register(engine)

	manager := realtime.NewManager(realtime.ManagerConfig{URL: cfg.RealtimeURL}, logger.With(slog.String("service", "realtime")))

	g, gctx := errgroup.WithContext(ctx)

	prober := reachability.NewProber(cfg.ReachabilityAddr, reach, logger.With(slog.String("service", "reachability")))
	prober.Interval = cfg.ReachabilityInterval
	g.Go(func() error {
		return prober.Run(gctx)
	})

	syncTriggers, unsubscribe := reach.Changes(4)
	defer unsubscribe()
	g.Go(func() error {
		return engine.Run(gctx, cfg.SyncInterval, cfg.SyncMaxAttempts, syncTriggers)
	})

	g.Go(func() error {
		return runRealtime(gctx, manager, reach, credential, cfg.UserRole, logger)
	})

	if cfg.SpoolDir != "" {
		sp := spool.New(cfg.SpoolDir, engine, logger.With(slog.String("service", "spool")))
		g.Go(func() error {
			return sp.Watch(gctx)
		})
	}

	if cfg.EnableDiag {
		g.Go(func() error {
			return runDiag(gctx, cfg, manager, engine, logger)
		})
	}

	return g.Wait()
}

// resolveCredential prefers AUTH_TOKEN and caches it for later runs,
// falling back to the cached credential.
func resolveCredential(cfg *config.Config, store queueStore, logger *slog.Logger) string {
	if cfg.AuthToken == "" {
		if cached := store.Token(); cached != "" {
			logger.Info("using cached channel credential")
			return cached
		}

		return ""
	}

	if store.Token() != cfg.AuthToken {
		if err := store.SetToken(cfg.AuthToken); err != nil {
			logger.Warn("failed to save token", slog.String("error", err.Error()))
		}
	}

	if err := store.SetRole(cfg.UserRole); err != nil {
		logger.Warn("failed to save role", slog.String("error", err.Error()))
	}

	return cfg.AuthToken
}

// runRealtime keeps the channel up for the life of ctx. A channel that
// gave up reconnecting is retried when the network comes back.
func runRealtime(ctx context.Context, m *realtime.Manager, reach *reachability.Signal, credential, role string, logger *slog.Logger) error {
	if credential == "" {
		logger.Warn("no channel credential, realtime disabled (set AUTH_TOKEN)")
		<-ctx.Done()

		return nil
	}
	defer m.Close()

	events, unsubEvents := m.Subscribe(64)
	defer unsubEvents()

	states, unsubStates := m.StateChanges(16)
	defer unsubStates()

	ups, unsubUps := reach.Changes(4)
	defer unsubUps()

	if err := m.Connect(ctx, credential, role); err != nil {
		return fmt.Errorf("connecting realtime channel: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-events:
			logger.Debug("inbound message",
				slog.String("type", ev.Message.MessageType()),
				slog.Time("received_at", ev.ReceivedAt),
			)

		case se := <-states:
			if se.Err != nil {
				logger.Warn("channel state changed",
					slog.String("from", se.Old.String()),
					slog.String("to", se.New.String()),
					slog.String("error", se.Err.Error()),
				)
			} else {
				logger.Info("channel state changed",
					slog.String("from", se.Old.String()),
					slog.String("to", se.New.String()),
				)
			}

		case up := <-ups:
			if up && m.State() == realtime.StateError {
				logger.Info("network back, reconnecting channel")

				if err := m.Reconnect(ctx); err != nil {
					logger.Warn("reconnect failed", slog.String("error", err.Error()))
				}
			}
		}
	}
}

// runDiag serves the diagnostics MCP endpoint.
func runDiag(ctx context.Context, cfg *config.Config, m *realtime.Manager, engine *syncengine.Engine, logger *slog.Logger) error {
	diagLogger := logger.With(slog.String("service", "diag"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "ride-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, m, engine)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		TokenHash:  cfg.DiagTokenHash,
		MCPHandler: mcpHandler,
		Connection: m,
		Logger:     diagLogger,
	})

	srv := &http.Server{
		Addr:         cfg.DiagListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	diagLogger.Info("starting diagnostics server", slog.String("listen", cfg.DiagListenAddr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		diagLogger.Info("shutting down diagnostics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("diagnostics server error: %w", err)
	}

	return nil
}

// openMaintenance loads config and opens the store for a one-shot
// subcommand.
func openMaintenance(ctx context.Context) (queueStore, *syncengine.Engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.NewLogger(cfg.Environment, "warn")

	return store, syncengine.New(store, nil, syncengine.Config{}, logger), nil
}

func listFailed() error {
	ctx := context.Background()

	store, engine, err := openMaintenance(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := engine.FailedActions(ctx)
	if err != nil {
		return err
	}

	if rows == nil {
		rows = []models.SyncAction{}
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)

	if err := enc.Encode(rows); err != nil {
		return fmt.Errorf("encoding failed actions: %w", err)
	}

	return enc.Close()
}

func retryFailed(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: ride-sync retry-failed <id>")
	}

	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", args[0], err)
	}

	ctx := context.Background()

	store, engine, err := openMaintenance(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := engine.RetryFailed(ctx, id); err != nil {
		return err
	}

	fmt.Printf("action %d re-queued\n", id)

	return nil
}

func purgeFailed() error {
	ctx := context.Background()

	store, engine, err := openMaintenance(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := engine.PurgeFailedActions(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("purged %d failed actions\n", n)

	return nil
}
