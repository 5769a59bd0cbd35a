// Package config provides YAML-based configuration loading for the bot engine.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/kajialsoad/cnz-sub006/internal/models"
)

// DefaultPath is the config file read when none is given.
const DefaultPath = "botengine.yaml"

// Config is the top-level configuration, loaded from botengine.yaml.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	State    StateConfig    `yaml:"state"`
	Engine   EngineConfig   `yaml:"engine"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Digest   DigestConfig   `yaml:"digest"`
	Rules    []RuleConfig   `yaml:"rules"`
	Scripts  []ScriptConfig `yaml:"scripts"`
}

// DatabaseConfig selects the SQL database holding scripts and rules, and by
// default conversation state and analytics too.
type DatabaseConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Name         string `yaml:"name"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// StateConfig selects where conversation state and analytics live.
type StateConfig struct {
	Backend  string         `yaml:"backend"`
	Redis    RedisConfig    `yaml:"redis"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Prefix   string        `yaml:"prefix"`
	StateTTL time.Duration `yaml:"state_ttl"`
}

type DynamoDBConfig struct {
	Table    string `yaml:"table"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// EngineConfig tunes event handling.
type EngineConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	RuleCacheTTL  time.Duration `yaml:"rule_cache_ttl"`
	DefaultLocale string        `yaml:"default_locale"`
	// Timezone names the zone whose midnight starts an analytics day.
	// Empty means the server's local zone.
	Timezone string `yaml:"timezone"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// DigestConfig schedules the daily analytics summary. The digest runs only
// when at least one webhook is set.
type DigestConfig struct {
	Schedule          string `yaml:"schedule"`
	SlackWebhookURL   string `yaml:"slack_webhook_url"`
	DiscordWebhookURL string `yaml:"discord_webhook_url"`
}

// Enabled reports whether any notifier is configured.
func (d DigestConfig) Enabled() bool {
	return d.SlackWebhookURL != "" || d.DiscordWebhookURL != ""
}

// RuleConfig seeds a trigger rule. Omitted fields take the rule defaults.
type RuleConfig struct {
	ChatType               string `yaml:"chat_type"`
	Enabled                *bool  `yaml:"enabled"`
	ReactivationThreshold  *int   `yaml:"reactivation_threshold"`
	ResetStepsOnReactivate bool   `yaml:"reset_steps_on_reactivate"`
}

// ScriptConfig seeds one scripted message.
type ScriptConfig struct {
	ChatType     string `yaml:"chat_type"`
	MessageKey   string `yaml:"message_key"`
	Step         int    `yaml:"step"`
	Content      string `yaml:"content"`
	ContentBn    string `yaml:"content_bn"`
	DisplayOrder int    `yaml:"display_order"`
	Active       *bool  `yaml:"active"`
}

// LoadEnv loads variables from the given .env files, or from ./.env when
// none are given. Missing files are skipped; variables already set win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load env %s: %w", f, err)
		}
	}
	return nil
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references, unmarshals YAML bytes and returns a
// validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.DSN == "" {
			c.Database.DSN = "botengine.db"
		}
	case "mysql":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	case "postgres":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
		if c.Database.User == "" {
			c.Database.User = "postgres"
		}
	}
	if c.Database.Name == "" {
		c.Database.Name = "botengine"
	}
	if c.State.Backend == "" {
		c.State.Backend = "sql"
	}
	if c.Engine.MaxAttempts == 0 {
		c.Engine.MaxAttempts = 3
	}
	if c.Engine.RuleCacheTTL == 0 {
		c.Engine.RuleCacheTTL = 30 * time.Second
	}
	if c.Engine.DefaultLocale == "" {
		c.Engine.DefaultLocale = string(models.LocaleEnglish)
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Digest.Schedule == "" {
		c.Digest.Schedule = "0 8 * * *"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite, mysql or postgres", c.Database.Driver))
	}
	if c.Database.MaxOpenConns < 0 {
		errs = append(errs, "database.max_open_conns must be >= 0")
	}

	switch c.State.Backend {
	case "sql":
	case "redis":
		if c.State.Redis.URL == "" {
			errs = append(errs, "state.redis.url is required for the redis backend")
		}
	case "dynamodb":
		if c.State.DynamoDB.Table == "" {
			errs = append(errs, "state.dynamodb.table is required for the dynamodb backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("state.backend %q must be sql, redis or dynamodb", c.State.Backend))
	}

	if c.Engine.MaxAttempts < 1 {
		errs = append(errs, "engine.max_attempts must be >= 1")
	}
	if c.Engine.RuleCacheTTL < 0 {
		errs = append(errs, "engine.rule_cache_ttl must be >= 0")
	}
	if !models.Locale(c.Engine.DefaultLocale).Valid() {
		errs = append(errs, fmt.Sprintf("engine.default_locale %q must be en or bn", c.Engine.DefaultLocale))
	}
	if _, err := c.Engine.Location(); err != nil {
		errs = append(errs, fmt.Sprintf("engine.timezone: %v", err))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q must be debug, info, warn or error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q must be text or json", c.Logging.Format))
	}

	if _, err := cron.ParseStandard(c.Digest.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("digest.schedule %q: %v", c.Digest.Schedule, err))
	}

	seenRules := make(map[string]bool)
	for i, r := range c.Rules {
		ct, err := models.ParseChatType(r.ChatType)
		if err != nil {
			errs = append(errs, fmt.Sprintf("rules[%d].chat_type %q is not supported", i, r.ChatType))
			continue
		}
		if seenRules[string(ct)] {
			errs = append(errs, fmt.Sprintf("rules[%d].chat_type %s is duplicated", i, ct))
		}
		seenRules[string(ct)] = true
		if r.ReactivationThreshold != nil && *r.ReactivationThreshold < 0 {
			errs = append(errs, fmt.Sprintf("rules[%d].reactivation_threshold must be >= 0", i))
		}
	}

	seenScripts := make(map[string]bool)
	for i, s := range c.Scripts {
		ct, err := models.ParseChatType(s.ChatType)
		if err != nil {
			errs = append(errs, fmt.Sprintf("scripts[%d].chat_type %q is not supported", i, s.ChatType))
		}
		if s.MessageKey == "" {
			errs = append(errs, fmt.Sprintf("scripts[%d].message_key is required", i))
		} else if err == nil {
			id := string(ct) + "/" + s.MessageKey
			if seenScripts[id] {
				errs = append(errs, fmt.Sprintf("scripts[%d].message_key %s is duplicated", i, id))
			}
			seenScripts[id] = true
		}
		if s.Step < 1 {
			errs = append(errs, fmt.Sprintf("scripts[%d].step must be >= 1", i))
		}
		if strings.TrimSpace(s.Content) == "" {
			errs = append(errs, fmt.Sprintf("scripts[%d].content is required", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Location resolves Timezone, defaulting to time.Local.
func (e EngineConfig) Location() (*time.Location, error) {
	if e.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(e.Timezone)
}

// TriggerRules converts the rule seeds, applying the rule defaults.
func (c *Config) TriggerRules() []models.TriggerRule {
	out := make([]models.TriggerRule, 0, len(c.Rules))
	for _, r := range c.Rules {
		ct, _ := models.ParseChatType(r.ChatType)
		rule := models.TriggerRule{
			ChatType:               ct,
			IsEnabled:              true,
			ReactivationThreshold:  5,
			ResetStepsOnReactivate: r.ResetStepsOnReactivate,
		}
		if r.Enabled != nil {
			rule.IsEnabled = *r.Enabled
		}
		if r.ReactivationThreshold != nil {
			rule.ReactivationThreshold = *r.ReactivationThreshold
		}
		out = append(out, rule)
	}
	return out
}

// ScriptedMessages converts the script seeds. Active defaults to true.
func (c *Config) ScriptedMessages() []models.ScriptedMessage {
	out := make([]models.ScriptedMessage, 0, len(c.Scripts))
	for _, s := range c.Scripts {
		ct, _ := models.ParseChatType(s.ChatType)
		msg := models.ScriptedMessage{
			ChatType:     ct,
			MessageKey:   s.MessageKey,
			StepNumber:   s.Step,
			Content:      s.Content,
			ContentBn:    s.ContentBn,
			DisplayOrder: s.DisplayOrder,
			IsActive:     true,
		}
		if s.Active != nil {
			msg.IsActive = *s.Active
		}
		out = append(out, msg)
	}
	return out
}
