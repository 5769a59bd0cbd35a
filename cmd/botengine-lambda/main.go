// Command botengine-lambda runs the bot engine behind API Gateway.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/kajialsoad/cnz-sub006/internal/app"
	"github.com/kajialsoad/cnz-sub006/internal/config"
	"github.com/kajialsoad/cnz-sub006/internal/lambdahandler"
	"github.com/kajialsoad/cnz-sub006/internal/logging"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	path := os.Getenv("BOTENGINE_CONFIG")
	if path == "" {
		path = config.DefaultPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("failed to load config", "path", path, "err", err)
		os.Exit(1)
	}
	logger, err := logging.New(os.Stderr, cfg.Logging)
	if err != nil {
		slog.Error("failed to build logger", "err", err)
		os.Exit(1)
	}

	// ---- Stores and engine ----
	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open stores", "err", err)
		os.Exit(1)
	}
	eng, err := app.NewEngine(stores, cfg, logger)
	if err != nil {
		logger.Error("failed to build engine", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := lambdahandler.NewHandler(eng, logger)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
