package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kajialsoad/cnz-sub006/internal/app"
	"github.com/kajialsoad/cnz-sub006/internal/config"
	"github.com/kajialsoad/cnz-sub006/internal/engine"
	"github.com/kajialsoad/cnz-sub006/internal/logging"
)

func addConfigFlag(cmd *cobra.Command, configPath *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", config.DefaultPath, "path to bot engine config file")
}

// loadConfig reads .env and the config file. A missing file at the default
// path falls back to the built-in defaults; any other path must exist.
func loadConfig(configPath string) (*config.Config, error) {
	if err := config.LoadEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		if configPath == config.DefaultPath && errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// stack is everything a command needs to drive the engine.
type stack struct {
	cfg    *config.Config
	logger *slog.Logger
	stores *app.Stores
	engine *engine.Engine
}

// openStack loads config, opens the configured stores and builds the
// engine. Logs go to the command's stderr.
func openStack(ctx context.Context, cmd *cobra.Command, configPath string) (*stack, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cmd.ErrOrStderr(), cfg.Logging)
	if err != nil {
		return nil, err
	}
	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	eng, err := app.NewEngine(stores, cfg, logger)
	if err != nil {
		stores.Close()
		return nil, err
	}
	return &stack{cfg: cfg, logger: logger, stores: stores, engine: eng}, nil
}

func (s *stack) Close() {
	if err := s.stores.Close(); err != nil {
		s.logger.Warn("closing stores", "error", err)
	}
}

// cmdContext returns the command's context, or Background when run
// outside Execute.
func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
