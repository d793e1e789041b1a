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

	"github.com/starford/laguz/internal/api"
	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/history"
	"github.com/starford/laguz/internal/kernel"
	"github.com/starford/laguz/internal/mcpserver"
	"github.com/starford/laguz/internal/notebook"
	"github.com/starford/laguz/internal/registry"
	"github.com/starford/laguz/internal/service"
	"github.com/starford/laguz/internal/sse"
	"github.com/starford/laguz/internal/storage"
)

// Run starts the notebook server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("workspace_path", cfg.Workspace.Path),
		slog.String("history_path", cfg.History.Path),
		slog.Int("kernels", len(cfg.Kernels)),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Ensure workspace directory exists.
	if err := os.MkdirAll(cfg.Workspace.Path, 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}

	// Initialize storage.
	store, err := storage.NewFS(cfg.Workspace.Path)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	// Initialize run history.
	runs, err := history.Open(cfg.History.Path)
	if err != nil {
		return fmt.Errorf("init history: %w", err)
	}
	defer runs.Close()

	// Kernel manager over the configured specs.
	kernels := kernel.NewManager(cfg.KernelSpecs(), app.kernelFactory(cfg, logger), logger)

	// SSE broker.
	broker := sse.NewBroker(cfg.Events.OutputThrottle())
	defer broker.Close()

	// Document registry and the service façade over it.
	reg := registry.New(notebook.Deps{
		Store:        store,
		Kernels:      kernels,
		Logger:       logger,
		SelectKernel: autoSelect(kernels),
		ExecTimeout:  cfg.Execution.Timeout(),
	}, logger)

	svc := service.New(service.Deps{
		Store:    store,
		Registry: reg,
		Kernels:  kernels,
		Runs:     runs,
		Broker:   broker,
		Logger:   logger,
	})
	defer svc.Shutdown()

	apiRouter := api.NewRouter(svc, runs, cfg.Auth.AuthEnabled(), cfg.Auth.Token,
		http.HandlerFunc(broker.ServeHTTP), store.Root())

	// Build chi router.
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

	// Watch the workspace for external notebook changes.
	g.Go(func() error {
		if err := registry.Watch(gCtx, reg, store, cfg.Workspace.Path, logger); err != nil {
			logger.Warn("workspace watcher stopped", slog.String("error", err.Error()))
		}
		return nil
	})

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

// RunMCP starts the MCP server on stdin/stdout with the given options.
// Logs go to stderr because stdout belongs to the MCP transport.
func RunMCP(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Workspace.Path, 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}

	store, err := storage.NewFS(cfg.Workspace.Path)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	runs, err := history.Open(cfg.History.Path)
	if err != nil {
		return fmt.Errorf("init history: %w", err)
	}
	defer runs.Close()

	kernels := kernel.NewManager(cfg.KernelSpecs(), app.kernelFactory(cfg, logger), logger)

	reg := registry.New(notebook.Deps{
		Store:        store,
		Kernels:      kernels,
		Logger:       logger,
		SelectKernel: autoSelect(kernels),
		ExecTimeout:  cfg.Execution.Timeout(),
	}, logger)

	svc := service.New(service.Deps{
		Store:    store,
		Registry: reg,
		Kernels:  kernels,
		Runs:     runs,
		Logger:   logger,
	})
	defer svc.Shutdown()

	logger.Info("MCP server starting on stdio",
		slog.String("workspace_path", cfg.Workspace.Path))

	return mcpserver.New(svc, store, runs).ServeStdio()
}

// autoSelect picks the first configured kernel matching the document
// language, falling back to the first kernel overall.
func autoSelect(kernels *kernel.Manager) func(context.Context, string) (*kernel.Spec, error) {
	return func(_ context.Context, language string) (*kernel.Spec, error) {
		specs := kernels.SpecsForLanguage(language)
		if len(specs) == 0 {
			specs = kernels.Specs()
		}
		if len(specs) == 0 {
			return nil, apperr.ErrKernelUnavailable
		}
		sp := specs[0]
		return &sp, nil
	}
}
