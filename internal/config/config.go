package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/suite-entitlements/pkg/licensing"
)

const envPrefix = "SUITE_"

// Config holds runtime settings for the billing core.
type Config struct {
	DataDir   string
	LogLevel  string
	LogFormat string
	LogFile   string

	SwitchCooldown time.Duration
	DailySwitchCap int

	EntitlementCacheTTL time.Duration
	GracePeriod         time.Duration
	GraceCheckInterval  time.Duration

	ResubscribeGrantsTrial bool
	MaxTransitionAttempts  int

	// CatalogPath points at a YAML or JSON plan catalog loaded by "seed".
	CatalogPath string

	// EnvOverrides records which settings came from the environment.
	EnvOverrides map[string]bool
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:                "./data",
		LogLevel:               "info",
		LogFormat:              "auto",
		SwitchCooldown:         licensing.DefaultSwitchCooldown,
		DailySwitchCap:         licensing.DefaultDailySwitchCap,
		EntitlementCacheTTL:    30 * time.Second,
		GracePeriod:            7 * 24 * time.Hour,
		GraceCheckInterval:     time.Hour,
		ResubscribeGrantsTrial: false,
		MaxTransitionAttempts:  3,
		EnvOverrides:           make(map[string]bool),
	}
}

// Load builds the configuration from defaults, .env files and the environment.
// A .env in the data directory is applied first, then one in the working
// directory. Variables already set in the process environment win.
func Load() (*Config, error) {
	cfg := Default()
	if dir := strings.TrimSpace(os.Getenv(envPrefix + "DATA_DIR")); dir != "" {
		cfg.DataDir = dir
	}

	envFile := filepath.Join(cfg.DataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Debug().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded configuration from .env in current directory")
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.stringEnv("DATA_DIR", &c.DataDir)
	c.stringEnv("LOG_LEVEL", &c.LogLevel)
	c.stringEnv("LOG_FORMAT", &c.LogFormat)
	c.stringEnv("LOG_FILE", &c.LogFile)
	c.stringEnv("CATALOG", &c.CatalogPath)

	for key, dst := range map[string]*time.Duration{
		"SWITCH_COOLDOWN":       &c.SwitchCooldown,
		"ENTITLEMENT_CACHE_TTL": &c.EntitlementCacheTTL,
		"GRACE_PERIOD":          &c.GracePeriod,
		"GRACE_CHECK_INTERVAL":  &c.GraceCheckInterval,
	} {
		if err := c.durationEnv(key, dst); err != nil {
			return err
		}
	}

	for key, dst := range map[string]*int{
		"DAILY_SWITCH_CAP":        &c.DailySwitchCap,
		"MAX_TRANSITION_ATTEMPTS": &c.MaxTransitionAttempts,
	} {
		if err := c.intEnv(key, dst); err != nil {
			return err
		}
	}

	if raw, ok := lookup("RESUBSCRIBE_GRANTS_TRIAL"); ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%sRESUBSCRIBE_GRANTS_TRIAL: %w", envPrefix, err)
		}
		c.ResubscribeGrantsTrial = v
		c.EnvOverrides["RESUBSCRIBE_GRANTS_TRIAL"] = true
	}
	return nil
}

// Validate rejects settings the billing core cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data dir is required")
	}
	if c.SwitchCooldown < 0 {
		return fmt.Errorf("switch cooldown must not be negative")
	}
	if c.DailySwitchCap < 1 {
		return fmt.Errorf("daily switch cap must be at least 1")
	}
	if c.EntitlementCacheTTL < 0 {
		return fmt.Errorf("entitlement cache ttl must not be negative")
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("grace period must be positive")
	}
	if c.GraceCheckInterval <= 0 {
		return fmt.Errorf("grace check interval must be positive")
	}
	if c.MaxTransitionAttempts < 1 {
		return fmt.Errorf("max transition attempts must be at least 1")
	}
	return nil
}

// GuardPolicy returns the billing guard limits.
func (c *Config) GuardPolicy() licensing.GuardPolicy {
	return licensing.GuardPolicy{
		SwitchCooldown: c.SwitchCooldown,
		DailySwitchCap: c.DailySwitchCap,
	}
}

// ResubscribePolicy returns the configured resubscribe trial policy.
func (c *Config) ResubscribePolicy() licensing.ResubscribePolicy {
	if c.ResubscribeGrantsTrial {
		return licensing.ResubscribeRegrantTrial
	}
	return licensing.ResubscribeChargeProration
}

func lookup(key string) (string, bool) {
	raw, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func (c *Config) stringEnv(key string, dst *string) {
	if raw, ok := lookup(key); ok {
		*dst = raw
		c.EnvOverrides[key] = true
	}
}

func (c *Config) durationEnv(key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		// Bare numbers are seconds.
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return fmt.Errorf("%s%s: invalid duration %q", envPrefix, key, raw)
		}
		d = time.Duration(secs) * time.Second
	}
	*dst = d
	c.EnvOverrides[key] = true
	return nil
}

func (c *Config) intEnv(key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = v
	c.EnvOverrides[key] = true
	return nil
}
