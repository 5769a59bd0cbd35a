package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kajialsoad/cnz-sub006/internal/models"
	"github.com/kajialsoad/cnz-sub006/internal/store"
)

// DefaultCacheTTL bounds how stale a cached rule may be.
const DefaultCacheTTL = 30 * time.Second

// DefaultRule is the rule a chat type starts with.
func DefaultRule(chatType models.ChatType) models.TriggerRule {
	return models.TriggerRule{
		ChatType:               chatType,
		IsEnabled:              true,
		ReactivationThreshold:  5,
		ResetStepsOnReactivate: false,
	}
}

type cacheEntry struct {
	rule    *Rule
	expires time.Time
}

// RuleCache is a read-through cache over a RuleStore. Concurrent misses for
// the same chat type share one load.
type RuleCache struct {
	rules  store.RuleStore
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group

	mu      sync.Mutex
	entries map[models.ChatType]cacheEntry
	warned  map[models.ChatType]bool
	// gen is bumped by Invalidate. A load started under an older
	// generation returns its result but does not cache it.
	gen map[models.ChatType]uint64
}

// NewRuleCache creates a cache. A non-positive ttl uses DefaultCacheTTL.
func NewRuleCache(rules store.RuleStore, ttl time.Duration, logger *slog.Logger) *RuleCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleCache{
		rules:   rules,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		entries: make(map[models.ChatType]cacheEntry),
		warned:  make(map[models.ChatType]bool),
		gen:     make(map[models.ChatType]uint64),
	}
}

// cached returns a live entry, or the current generation when there is none.
func (c *RuleCache) cached(chatType models.ChatType) (*Rule, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[chatType]
	if !ok || !c.now().Before(e.expires) {
		return nil, c.gen[chatType], false
	}
	return e.rule, 0, true
}

// Get returns the rule for chatType. A chat type without a stored rule
// yields (nil, nil), which the machine treats as disabled; the first such
// lookup per chat type is logged.
func (c *RuleCache) Get(ctx context.Context, chatType models.ChatType) (*Rule, error) {
	r, gen, ok := c.cached(chatType)
	if ok {
		return r, nil
	}
	// Loads are shared per generation, so a Get after Invalidate never
	// joins a load that began before it. The shared load is detached from
	// the first caller's cancellation.
	key := fmt.Sprintf("%s/%d", chatType, gen)
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if r, _, ok := c.cached(chatType); ok {
			return r, nil
		}
		return c.load(loadCtx, chatType, gen)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Rule), nil
}

func (c *RuleCache) load(ctx context.Context, chatType models.ChatType, gen uint64) (*Rule, error) {
	stored, err := c.rules.Rule(ctx, chatType)
	var rule *Rule
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.warnMissing(chatType)
	case err != nil:
		return nil, fmt.Errorf("trigger: load rule %s: %w", chatType, err)
	default:
		r := RuleFromModel(stored)
		rule = &r
	}

	c.mu.Lock()
	if c.gen[chatType] == gen {
		c.entries[chatType] = cacheEntry{rule: rule, expires: c.now().Add(c.ttl)}
	}
	c.mu.Unlock()
	return rule, nil
}

func (c *RuleCache) warnMissing(chatType models.ChatType) {
	c.mu.Lock()
	first := !c.warned[chatType]
	c.warned[chatType] = true
	c.mu.Unlock()
	if first {
		c.logger.Warn("no trigger rule configured; bot disabled", "chat_type", chatType)
	}
}

// Invalidate drops the cached rule for chatType.
func (c *RuleCache) Invalidate(chatType models.ChatType) {
	c.mu.Lock()
	delete(c.entries, chatType)
	delete(c.warned, chatType)
	c.gen[chatType]++
	c.mu.Unlock()
}

// Save writes rule through the store and invalidates the cached copy.
func (c *RuleCache) Save(ctx context.Context, rule models.TriggerRule) (models.TriggerRule, error) {
	if !rule.ChatType.Valid() {
		return models.TriggerRule{}, fmt.Errorf("trigger: invalid chat type %q", rule.ChatType)
	}
	if rule.ReactivationThreshold < 0 {
		return models.TriggerRule{}, fmt.Errorf("trigger: reactivation threshold must be >= 0, got %d", rule.ReactivationThreshold)
	}
	saved, err := c.rules.SaveRule(ctx, rule)
	if err != nil {
		return models.TriggerRule{}, fmt.Errorf("trigger: save rule %s: %w", rule.ChatType, err)
	}
	c.Invalidate(rule.ChatType)
	c.logger.Info("trigger rule saved",
		"chat_type", saved.ChatType,
		"enabled", saved.IsEnabled,
		"threshold", saved.ReactivationThreshold,
		"reset", saved.ResetStepsOnReactivate,
	)
	return saved, nil
}
