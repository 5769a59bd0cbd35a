// Package server exposes the bot engine over HTTP for the chat transport
// and the admin dashboard.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kajialsoad/cnz-sub006/internal/engine"
)

// StartOpts holds configuration for the HTTP server.
type StartOpts struct {
	Engine *engine.Engine
	Host   string
	Port   int
	Logger *slog.Logger
	Out    io.Writer
	// ShutdownTimeout bounds graceful shutdown. Defaults to 10s.
	ShutdownTimeout time.Duration
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Engine == nil {
		return fmt.Errorf("server: engine is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(opts.Engine, opts.Logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
		defer cancel()
		shutdownErr <- srv.Shutdown(sctx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Bot engine listening on http://%s\n", addr)
	}
	opts.Logger.Info("http server starting", "addr", addr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	if err := <-shutdownErr; err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	opts.Logger.Info("http server stopped")
	return nil
}

// NewRouter builds the gin handler tree.
func NewRouter(eng *engine.Engine, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), accessLog(logger))
	registerRoutes(router, &handlers{engine: eng, logger: logger})
	return router
}
