// Package app assembles the bot engine from configuration: it opens the
// SQL database, picks the state backend and wires the engine components.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/kajialsoad/cnz-sub006/internal/analytics"
	"github.com/kajialsoad/cnz-sub006/internal/catalog"
	"github.com/kajialsoad/cnz-sub006/internal/config"
	"github.com/kajialsoad/cnz-sub006/internal/db"
	"github.com/kajialsoad/cnz-sub006/internal/engine"
	"github.com/kajialsoad/cnz-sub006/internal/models"
	"github.com/kajialsoad/cnz-sub006/internal/store"
	"github.com/kajialsoad/cnz-sub006/internal/store/dynamostore"
	"github.com/kajialsoad/cnz-sub006/internal/store/memstore"
	"github.com/kajialsoad/cnz-sub006/internal/store/redisstore"
	"github.com/kajialsoad/cnz-sub006/internal/store/sqlstore"
	"github.com/kajialsoad/cnz-sub006/internal/tracker"
	"github.com/kajialsoad/cnz-sub006/internal/trigger"
)

// Stores groups the four persistence contracts. Scripts and rules always
// live in SQL; state and analytics follow state.backend.
type Stores struct {
	Scripts   store.ScriptStore
	Rules     store.RuleStore
	States    store.StateStore
	Analytics store.AnalyticsStore
	// DB is the SQL handle, nil for in-memory stores.
	DB *gorm.DB

	closers []func() error
}

// Close releases every connection the stores hold.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory returns stores backed by a single in-process memstore.
func Memory() (*Stores, *memstore.Store) {
	ms := memstore.New()
	return &Stores{Scripts: ms, Rules: ms, States: ms, Analytics: ms}, ms
}

// OpenStores connects to the configured backends.
func OpenStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Stores, error) {
	gdb, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("app: database handle: %w", err)
	}
	sql, err := sqlstore.New(gdb)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	s := &Stores{Scripts: sql, Rules: sql, DB: gdb, closers: []func() error{sqlDB.Close}}

	switch cfg.State.Backend {
	case "sql":
		s.States, s.Analytics = sql, sql
	case "redis":
		rdb, err := redisstore.Dial(ctx, cfg.State.Redis.URL)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, rdb.Close)
		rs, err := redisstore.New(rdb, redisstore.Options{Prefix: cfg.State.Redis.Prefix, StateTTL: cfg.State.Redis.StateTTL})
		if err != nil {
			s.Close()
			return nil, err
		}
		s.States, s.Analytics = rs, rs
	case "dynamodb":
		client, err := dynamostore.NewClient(ctx, cfg.State.DynamoDB.Region, cfg.State.DynamoDB.Endpoint)
		if err != nil {
			s.Close()
			return nil, err
		}
		ds, err := dynamostore.New(client, cfg.State.DynamoDB.Table)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.States, s.Analytics = ds, ds
	default:
		s.Close()
		return nil, fmt.Errorf("app: unknown state backend %q", cfg.State.Backend)
	}
	logger.Debug("stores opened", "driver", cfg.Database.Driver, "state_backend", cfg.State.Backend)
	return s, nil
}

// NewEngine wires the engine components over s.
func NewEngine(s *Stores, cfg *config.Config, logger *slog.Logger) (*engine.Engine, error) {
	loc, err := cfg.Engine.Location()
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return engine.New(engine.Deps{
		Catalog:   catalog.New(s.Scripts),
		Rules:     trigger.NewRuleCache(s.Rules, cfg.Engine.RuleCacheTTL, logger),
		Tracker:   tracker.New(s.States, logger),
		Analytics: analytics.New(s.Analytics, analytics.Options{Location: loc}),
		Logger:    logger,
	}, engine.Options{
		MaxAttempts:   cfg.Engine.MaxAttempts,
		DefaultLocale: models.Locale(cfg.Engine.DefaultLocale),
	})
}

// Seed loads the rules and scripts from cfg into s. SQL stores are
// migrated and upserted; memory stores are filled directly.
func Seed(ctx context.Context, s *Stores, cfg *config.Config) error {
	if s.DB != nil {
		if err := db.AutoMigrate(s.DB); err != nil {
			return err
		}
		if err := db.SeedRules(s.DB, cfg.TriggerRules()); err != nil {
			return err
		}
		return db.SeedScripts(s.DB, cfg.ScriptedMessages())
	}
	for _, r := range cfg.TriggerRules() {
		if _, err := s.Rules.SaveRule(ctx, r); err != nil {
			return fmt.Errorf("app: seed rule %s: %w", r.ChatType, err)
		}
	}
	ms, ok := s.Scripts.(*memstore.Store)
	if !ok {
		return fmt.Errorf("app: script store %T cannot be seeded", s.Scripts)
	}
	for _, m := range cfg.ScriptedMessages() {
		ms.AddScript(m)
	}
	return nil
}
