// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/hollis/atlas/internal/api"
	"github.com/hollis/atlas/internal/cache"
	"github.com/hollis/atlas/internal/indexer"
	"github.com/hollis/atlas/internal/mcpserver"
	"github.com/hollis/atlas/internal/parser"
	"github.com/hollis/atlas/internal/pipeline"
	"github.com/hollis/atlas/internal/projector"
	"github.com/hollis/atlas/internal/resolver"
	"github.com/hollis/atlas/internal/sse"
	"github.com/hollis/atlas/internal/staleness"
	"github.com/hollis/atlas/internal/storage"
	"github.com/hollis/atlas/internal/workspace"
)

// DailyBriefCommand is the built-in pipeline command name.
const DailyBriefCommand = "daily-brief"

// runtime holds the wired components shared by the serve, pipeline,
// and mcp entry points.
type runtime struct {
	logger *slog.Logger
	store  storage.Provider
	db     *cache.DB
	ix     *indexer.Indexer
	svc    *workspace.Service
	pipe   *pipeline.Pipeline
}

func (rt *runtime) close() {
	if rt.db != nil {
		rt.db.Close()
	}
}

// build wires storage, cache, projector, indexer, pipeline, and the
// workspace service from configuration. onDelta and now may be nil.
func build(cfg *Config, onDelta indexer.DeltaFunc, now func() time.Time) (*runtime, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Workspace.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	store, err := storage.NewFS(cfg.Workspace.Path)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	db, err := cache.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}

	proj := projector.New(db, logger)
	ix := indexer.New(store, db, proj, logger, indexer.Options{
		Workers:     cfg.Indexer.Workers,
		ReadRetries: cfg.Indexer.ReadRetries,
		Backoff:     time.Duration(cfg.Indexer.BackoffMS) * time.Millisecond,
		MaxFails:    cfg.Indexer.MaxFails,
	}, onDelta)

	res := resolver.New(db)

	pipe := pipeline.New(store, logger)
	pipe.Register(DailyBriefCommand, pipeline.NewDailyBrief(
		db, res,
		pipeline.NewFileCalendar(store, "inbox/calendar.json"),
		pipeline.NewFileMail(store, "inbox/mail.json"),
		cfg.Pipeline.GatherTimeout(), now))

	thresholds := map[string]staleness.Thresholds{
		parser.KindDashboard: cfg.Staleness.Vitals.Thresholds(),
		parser.KindIntel:     cfg.Staleness.Intelligence.Thresholds(),
	}
	svc := workspace.New(store, db, res, pipe, thresholds, now)

	return &runtime{logger: logger, store: store, db: db, ix: ix, svc: svc, pipe: pipe}, nil
}

// Run starts the server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// SSE broker; created first so the indexer's delta callback can reach it.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	rt, err := build(cfg, broker.PublishDelta, app.now)
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("workspace_path", cfg.Workspace.Path),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Initial full sync; a failure here is survivable since the watcher
	// and periodic rescans will converge the cache.
	if _, err := rt.ix.Sync(ctx); err != nil {
		logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}

	// Build API router.
	apiRouter := api.NewRouter(rt.svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Start file watcher with SSE callback.
	g.Go(func() error {
		err := rt.ix.Watch(gCtx, cfg.Workspace.Path, func(op, path string) {
			broker.PublishRecordEvent(op, path)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("watcher stopped", slog.String("error", err.Error()))
		}
		return nil
	})

	// Periodic full rescan catches edits the watcher missed.
	if interval := cfg.Indexer.RescanInterval(); interval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-gCtx.Done():
					return nil
				case <-ticker.C:
					if _, err := rt.ix.Sync(gCtx); err != nil {
						logger.Warn("periodic rescan failed", slog.String("error", err.Error()))
					}
				}
			}
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunPipelineCommand syncs the cache and advances the named pipeline
// command by one stage, printing the resulting status to stdout.
func RunPipelineCommand(ctx context.Context, cfg *Config, command string) (pipeline.Status, error) {
	rt, err := build(cfg, nil, nil)
	if err != nil {
		return pipeline.Status{}, err
	}
	defer rt.close()

	// Gathering reads the cache, so bring it up to date first.
	if _, err := rt.ix.Sync(ctx); err != nil {
		return pipeline.Status{}, fmt.Errorf("sync before pipeline run: %w", err)
	}

	return rt.pipe.Run(ctx, command)
}

// PipelineStatusCommand inspects the named pipeline command without
// advancing it.
func PipelineStatusCommand(_ context.Context, cfg *Config, command string) (pipeline.Status, error) {
	rt, err := build(cfg, nil, nil)
	if err != nil {
		return pipeline.Status{}, err
	}
	defer rt.close()

	return rt.pipe.Status(command)
}

// ServeMCP syncs the cache and serves the MCP tool surface over stdio.
func ServeMCP(ctx context.Context, cfg *Config) error {
	rt, err := build(cfg, nil, nil)
	if err != nil {
		return err
	}
	defer rt.close()

	if _, err := rt.ix.Sync(ctx); err != nil {
		rt.logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}

	return mcpserver.New(rt.svc, rt.store).ServeStdio()
}
