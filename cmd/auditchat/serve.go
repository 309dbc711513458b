package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"auditchat/internal/agents"
	"auditchat/internal/config"
	"auditchat/internal/dataset"
	"auditchat/internal/llm"
	"auditchat/internal/logging"
	"auditchat/internal/server"
	"auditchat/internal/session"
	"auditchat/internal/store"
)

var serveAddr string

// serveCmd runs the auditchat server
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the auditchat server",
	Long: `Starts the HTTP/WebSocket server, synchronizes the dataset directory
into SQLite, and keeps it synchronized through the file watcher and the
periodic sync ticker until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.Initialize(cfg.Logging.Dir, cfg.Logging.Options); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.CloseAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	// Stores
	dstore, err := store.NewDatasetStore(cfg.Dataset.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open dataset store: %w", err)
	}
	defer dstore.Close()

	app, err := store.NewAppStore(cfg.Session.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open app store: %w", err)
	}
	defer app.Close()

	// Dataset engine + initial sync
	engine, err := dataset.NewEngine(cfg.Dataset.Path, dstore, cfg.Dataset.SampleRows)
	if err != nil {
		return fmt.Errorf("failed to create dataset engine: %w", err)
	}
	defer engine.Close()

	logger.Info("Synchronizing dataset", zap.String("path", cfg.Dataset.Path))
	meta, err := engine.SyncAll(ctx)
	if err != nil {
		return fmt.Errorf("initial sync failed: %w", err)
	}
	logger.Info("Dataset ready",
		zap.Uint64("version", meta.Version),
		zap.Int("categories", len(meta.Categories)))

	// Reasoning client
	client, err := llm.New(ctx, llm.Config{
		Provider:  cfg.LLM.Provider,
		APIKey:    cfg.LLM.APIKey,
		BaseURL:   cfg.LLM.BaseURL,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
		Timeout:   cfg.GetLLMTimeout(),
	})
	if err != nil {
		return fmt.Errorf("failed to create reasoning client: %w", err)
	}

	// Agent pipeline + client sessions
	runner := agents.NewRunner(client, dstore, cfg.Pipeline.ContextBudget, cfg.GetStageTimeout())
	sessions := session.NewManager(agents.NewPipeline(runner), engine, app, session.Options{
		EventCap:   cfg.Session.QueueCap,
		PendingCap: cfg.Session.PendingCap,
		Grace:      cfg.GetGracePeriod(),
	})
	defer sessions.Close()

	srv := server.New(server.Config{
		Addr:         cfg.Server.Addr,
		PingInterval: cfg.GetHeartbeatInterval(),
	}, engine, dstore, sessions)

	// File watcher
	if cfg.Dataset.WatchEnabled {
		watcher, err := dataset.NewWatcher(cfg.Dataset.Path, engine, cfg.GetWatchDebounce())
		if err != nil {
			return fmt.Errorf("failed to create watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start watcher: %w", err)
		}
		defer watcher.Stop()
		logger.Info("Watching dataset directory", zap.String("path", cfg.Dataset.Path))
	}

	g, gctx := errgroup.WithContext(ctx)

	// HTTP/WebSocket listener
	g.Go(func() error {
		logger.Info("Server listening", zap.String("addr", cfg.Server.Addr))
		return srv.Start()
	})

	// Stop the listener when the context ends
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// Periodic re-sync
	if interval := cfg.GetSyncInterval(); interval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if _, err := engine.SyncAll(gctx); err != nil {
						logger.Warn("Periodic sync failed", zap.Error(err))
					}
				}
			}
		})
	}

	err = g.Wait()
	logger.Info("Server stopped")
	return err
}
