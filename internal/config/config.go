// Package config provides YAML-based configuration loading for Intakeyard.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Intakeyard configuration, loaded from intakeyard.yaml.
type Config struct {
	Site      string          `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	Weighing  WeighingConfig  `yaml:"weighing"`
	Feed      FeedConfig      `yaml:"feed"`
	Identity  IdentityConfig  `yaml:"identity"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Telegraph TelegraphConfig `yaml:"telegraph"`
	Cards     []CardConfig    `yaml:"cards"`
}

// DatabaseConfig holds connection settings for the intake database.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" (default) or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Database string `yaml:"database"`
	Path     string `yaml:"path"` // sqlite file path
}

// WeighingConfig holds weighbridge arithmetic settings.
type WeighingConfig struct {
	Unit      string   `yaml:"unit"`
	Tolerance *float64 `yaml:"tolerance"` // nil means DefaultTolerance
	MaxWeight float64  `yaml:"max_weight"`
}

// DefaultTolerance is the reconciliation tolerance used when none is configured.
const DefaultTolerance = 20.0

// ToleranceDecimal returns the reconciliation tolerance as a decimal.
func (w WeighingConfig) ToleranceDecimal() decimal.Decimal {
	if w.Tolerance == nil {
		return decimal.NewFromFloat(DefaultTolerance)
	}
	return decimal.NewFromFloat(*w.Tolerance)
}

// MaxWeightDecimal returns the largest accepted reading as a decimal.
func (w WeighingConfig) MaxWeightDecimal() decimal.Decimal {
	return decimal.NewFromFloat(w.MaxWeight)
}

// FeedConfig holds settings for the live sensor feed.
type FeedConfig struct {
	URL               string `yaml:"url"`
	WeighbridgeDevice string `yaml:"weighbridge_device"`
	RFIDDevice        string `yaml:"rfid_device"`
	StaleAfterSec     int    `yaml:"stale_after_sec"`
	ReconnectMaxSec   int    `yaml:"reconnect_max_sec"`
}

// StaleAfter returns the quiet period after which an awaited feed is stale.
func (f FeedConfig) StaleAfter() time.Duration {
	return time.Duration(f.StaleAfterSec) * time.Second
}

// ReconnectMax returns the cap on reconnection backoff.
func (f FeedConfig) ReconnectMax() time.Duration {
	return time.Duration(f.ReconnectMaxSec) * time.Second
}

// IdentityConfig tunes the card-scan burst detector.
type IdentityConfig struct {
	BurstGapMs  int    `yaml:"burst_gap_ms"`
	DebounceMs  int    `yaml:"debounce_ms"`
	MinLength   int    `yaml:"min_length"`
	Terminators string `yaml:"terminators"`
}

// BurstGap returns the maximum inter-character gap of a machine scan.
func (i IdentityConfig) BurstGap() time.Duration {
	return time.Duration(i.BurstGapMs) * time.Millisecond
}

// Debounce returns the quiet period that ends an unterminated scan.
func (i IdentityConfig) Debounce() time.Duration {
	return time.Duration(i.DebounceMs) * time.Millisecond
}

// DashboardConfig holds HTTP server settings.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// TelegraphConfig holds operator-alert settings.
type TelegraphConfig struct {
	Platform string               `yaml:"platform"` // "slack", "discord", or empty to disable
	Slack    SlackConfig          `yaml:"slack"`
	Discord  DiscordConfig        `yaml:"discord"`
	Events   EventsConfig         `yaml:"events"`
	Digest   DigestScheduleConfig `yaml:"digest"`
}

// SlackConfig holds Slack credentials.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// DiscordConfig holds Discord credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// EventsConfig toggles which events are posted. Nil means enabled.
type EventsConfig struct {
	Anomalies   *bool `yaml:"anomalies"`
	StaleFeed   *bool `yaml:"stale_feed"`
	Completions *bool `yaml:"completions"`
}

// DigestScheduleConfig schedules the daily intake digest.
type DigestScheduleConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

// CardConfig seeds one identity card into the catalog.
type CardConfig struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Database == "" && c.Site != "" {
		c.Database.Database = "intakeyard_" + strings.ToLower(c.Site)
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "intakeyard.db"
	}
	if c.Weighing.Unit == "" {
		c.Weighing.Unit = "kg"
	}
	if c.Weighing.MaxWeight == 0 {
		c.Weighing.MaxWeight = 100000
	}
	if c.Feed.StaleAfterSec == 0 {
		c.Feed.StaleAfterSec = 30
	}
	if c.Feed.ReconnectMaxSec == 0 {
		c.Feed.ReconnectMaxSec = 60
	}
	if c.Identity.BurstGapMs == 0 {
		c.Identity.BurstGapMs = 50
	}
	if c.Identity.DebounceMs == 0 {
		c.Identity.DebounceMs = 300
	}
	if c.Identity.MinLength == 0 {
		c.Identity.MinLength = 4
	}
	if c.Identity.Terminators == "" {
		c.Identity.Terminators = "\r\n"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
	if c.Telegraph.Digest.Enabled && c.Telegraph.Digest.Cron == "" {
		c.Telegraph.Digest.Cron = "0 18 * * *"
	}
}

// siteCode keeps record IDs, which the site prefixes, within their column.
var siteCode = regexp.MustCompile(`^[A-Za-z0-9]{1,16}$`)

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Site == "" {
		errs = append(errs, "site is required")
	} else if !siteCode.MatchString(c.Site) {
		errs = append(errs, fmt.Sprintf("site %q must be 1-16 letters or digits", c.Site))
	}
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (mysql, sqlite)", c.Database.Driver))
	}
	switch c.Weighing.Unit {
	case "kg", "t", "lb":
	default:
		errs = append(errs, fmt.Sprintf("weighing.unit %q is not supported (kg, t, lb)", c.Weighing.Unit))
	}
	if c.Weighing.Tolerance != nil && *c.Weighing.Tolerance < 0 {
		errs = append(errs, "weighing.tolerance must not be negative")
	}
	if c.Weighing.MaxWeight < 0 {
		errs = append(errs, "weighing.max_weight must not be negative")
	}
	if c.Feed.StaleAfterSec < 0 {
		errs = append(errs, "feed.stale_after_sec must not be negative")
	}
	if c.Feed.URL != "" && c.Feed.WeighbridgeDevice == "" {
		errs = append(errs, "feed.weighbridge_device is required when feed.url is set")
	}
	if c.Identity.BurstGapMs < 0 || c.Identity.DebounceMs < 0 {
		errs = append(errs, "identity timings must not be negative")
	}
	if c.Identity.MinLength < 1 {
		errs = append(errs, "identity.min_length must be at least 1")
	}
	switch c.Telegraph.Platform {
	case "":
	case "slack":
		if c.Telegraph.Slack.BotToken == "" {
			errs = append(errs, "telegraph.slack.bot_token is required")
		}
		if c.Telegraph.Slack.Channel == "" {
			errs = append(errs, "telegraph.slack.channel is required")
		}
	case "discord":
		if c.Telegraph.Discord.BotToken == "" {
			errs = append(errs, "telegraph.discord.bot_token is required")
		}
		if c.Telegraph.Discord.Channel == "" {
			errs = append(errs, "telegraph.discord.channel is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("telegraph.platform %q is not supported (slack, discord)", c.Telegraph.Platform))
	}
	seen := make(map[string]bool)
	for i, card := range c.Cards {
		if card.ID == "" {
			errs = append(errs, fmt.Sprintf("cards[%d].id is required", i))
			continue
		}
		key := strings.ToUpper(card.ID)
		if seen[key] {
			errs = append(errs, fmt.Sprintf("cards[%d].id %q is duplicated", i, card.ID))
		}
		seen[key] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Enabled reports whether an event toggle is on. Unset toggles are on.
func Enabled(toggle *bool) bool {
	return toggle == nil || *toggle
}
