package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/graphchat/internal/agent"
	"github.com/ashureev/graphchat/internal/api"
	"github.com/ashureev/graphchat/internal/config"
	"github.com/ashureev/graphchat/internal/identity"
	"github.com/ashureev/graphchat/internal/middleware"
	"github.com/ashureev/graphchat/internal/store"
	"github.com/ashureev/graphchat/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

func newServeCommand(cfg *config.Config) *cobra.Command {
	var ephemeral bool
	cmd := &cobra.Command{
		Use:         "serve",
		Short:       "Run the HTTP chat server",
		Long:        `Serve the browser chat UI, the threads API, streaming chat over SSE and websocket, and health endpoints.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{logToStdout: ""},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, ephemeral)
		},
	}
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "keep checkpoints in memory only")
	return cmd
}

func newConversationLogger(cfg *config.Config) (agent.ConversationLogger, error) {
	return agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, slog.Default())
}

// newRouter assembles the HTTP surface.
func newRouter(cfg *config.Config, st store.CheckpointStore, rt *runtime, agentHandler *agent.Handler) http.Handler {
	base := api.NewHandler(st)
	threadHandler := api.NewThreadHandler(base, api.RuntimeInfo{
		Model:           rt.model,
		ModelConfigured: cfg.Model.Configured(),
		Tools:           rt.registry.Names(),
		MaxModelTurns:   cfg.Dialogue.MaxModelTurns,
	})
	healthHandler := api.NewHealthHandler(base)

	origins := []string{"*"}
	if cfg.FrontendURL != "" {
		origins = []string{cfg.FrontendURL}
	}

	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(origins))

	// Public routes.
	healthHandler.RegisterRoutes(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		threadHandler.RegisterRoutes(r)
		agentHandler.RegisterRoutes(r)
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())
	return r
}

//nolint:gocyclo // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runServe(ctx context.Context, cfg *config.Config, ephemeral bool) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "ephemeral", ephemeral)

	st, err := openStore(cfg, ephemeral)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("Failed to close checkpoint store", "error", closeErr)
		}
	}()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	slog.Info("Checkpoint store connected", "path", cfg.DBPath)

	rt, err := newRuntime(ctx, cfg, st, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	conversationLogger, err := newConversationLogger(cfg)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	svc, err := agent.NewService(rt.loop, conversationLogger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := svc.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()
	agentHandler := agent.NewHandler(svc, cfg)
	defer agentHandler.Close()

	if pruner, ok := st.(store.Pruner); ok {
		store.StartPruneWorker(ctx, pruner, cfg.CheckpointRetention, store.DefaultPruneInterval)
	}

	if cfg.GRPCHealthPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
		if err != nil {
			return fmt.Errorf("listen gRPC health: %w", err)
		}
		hs := api.NewGRPCHealth(st, 0)
		go func() {
			if err := hs.Serve(ctx, lis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(cfg, st, rt, agentHandler),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}
