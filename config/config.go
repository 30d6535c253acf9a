/*
Package config loads the sale-transition server configuration.

LOADING ORDER:
  1. Default(): built-in values
  2. YAML file (optional, --config flag)
  3. Environment: process env first, then .env files read with godotenv

  .env files are read, never exported into the process environment, so
  a real environment variable always wins.

YAML EXAMPLE:
  server:
    port: 8080
    allowed_origins: ["https://backoffice.example.com"]
  database:
    path: ./data/transition.db
  redis:
    addr: localhost:6379
  approval:
    revenue_threshold: "1000"
    customer_threshold: 3
    item_value_threshold: "5000"
    future_booking_days_threshold: 30
    require_approval_for_critical_conflicts: true
    auto_approve_no_conflicts: true
  failsafe:
    rollback_window: 24h
    scan_timeout: 5s
    lock_ttl: 30s
  sweeper:
    enabled: false
    interval: 15m
  log:
    level: info
    format: json

ENVIRONMENT VARIABLES:
  SERVER_PORT, DB_PATH, REDIS_ADDR, REDIS_PASSWORD, REDIS_DB,
  APPROVAL_REVENUE_THRESHOLD, APPROVAL_CUSTOMER_THRESHOLD,
  APPROVAL_ITEM_VALUE_THRESHOLD, APPROVAL_FUTURE_BOOKING_DAYS,
  APPROVAL_REQUIRE_CRITICAL, APPROVAL_AUTO_APPROVE,
  FAILSAFE_ROLLBACK_WINDOW, FAILSAFE_SCAN_TIMEOUT, FAILSAFE_LOCK_TTL,
  SWEEPER_ENABLED, SWEEPER_INTERVAL, LOG_LEVEL, LOG_FORMAT
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/sale-transition/failsafe"
)

// =============================================================================
// CONFIG SECTIONS
// =============================================================================

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Approval ApprovalConfig `yaml:"approval"`
	Failsafe FailsafeConfig `yaml:"failsafe"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Path is the SQLite file. ":memory:" for a throwaway database.
	Path string `yaml:"path"`
}

// RedisConfig enables the shared item lock. Empty Addr means in-process locks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ApprovalConfig mirrors failsafe.ApprovalConfig with money as decimal strings.
type ApprovalConfig struct {
	RevenueThreshold                    string `yaml:"revenue_threshold"`
	CustomerThreshold                   int    `yaml:"customer_threshold"`
	ItemValueThreshold                  string `yaml:"item_value_threshold"`
	FutureBookingDaysThreshold          int    `yaml:"future_booking_days_threshold"`
	RequireApprovalForCriticalConflicts bool   `yaml:"require_approval_for_critical_conflicts"`
	AutoApproveNoConflicts              bool   `yaml:"auto_approve_no_conflicts"`
}

type FailsafeConfig struct {
	RollbackWindow time.Duration `yaml:"rollback_window"`
	ScanTimeout    time.Duration `yaml:"scan_timeout"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
}

type SweeperConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{Path: "transition.db"},
		Approval: ApprovalConfig{
			RevenueThreshold:                    "1000",
			CustomerThreshold:                   3,
			ItemValueThreshold:                  "5000",
			FutureBookingDaysThreshold:          30,
			RequireApprovalForCriticalConflicts: true,
			AutoApproveNoConflicts:              true,
		},
		Failsafe: FailsafeConfig{
			RollbackWindow: 24 * time.Hour,
			ScanTimeout:    5 * time.Second,
			LockTTL:        30 * time.Second,
		},
		Sweeper: SweeperConfig{Enabled: false, Interval: 15 * time.Minute},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load builds the configuration from defaults, the optional YAML file at
// path and the environment. With no envFiles, ./.env is read if present.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	dotenv, err := readEnvFiles(envFiles)
	if err != nil {
		return nil, err
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readEnvFiles(files []string) (map[string]string, error) {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return map[string]string{}, nil
		}
		files = []string{".env"}
	}
	env, err := godotenv.Read(files...)
	if err != nil {
		return nil, fmt.Errorf("read env files: %w", err)
	}
	return env, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	num("SERVER_PORT", &c.Server.Port)
	str("DB_PATH", &c.Database.Path)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)
	str("APPROVAL_REVENUE_THRESHOLD", &c.Approval.RevenueThreshold)
	num("APPROVAL_CUSTOMER_THRESHOLD", &c.Approval.CustomerThreshold)
	str("APPROVAL_ITEM_VALUE_THRESHOLD", &c.Approval.ItemValueThreshold)
	num("APPROVAL_FUTURE_BOOKING_DAYS", &c.Approval.FutureBookingDaysThreshold)
	flag("APPROVAL_REQUIRE_CRITICAL", &c.Approval.RequireApprovalForCriticalConflicts)
	flag("APPROVAL_AUTO_APPROVE", &c.Approval.AutoApproveNoConflicts)
	dur("FAILSAFE_ROLLBACK_WINDOW", &c.Failsafe.RollbackWindow)
	dur("FAILSAFE_SCAN_TIMEOUT", &c.Failsafe.ScanTimeout)
	dur("FAILSAFE_LOCK_TTL", &c.Failsafe.LockTTL)
	flag("SWEEPER_ENABLED", &c.Sweeper.Enabled)
	dur("SWEEPER_INTERVAL", &c.Sweeper.Interval)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if _, err := c.ApprovalConfig(); err != nil {
		errs = append(errs, err)
	}
	if c.Failsafe.RollbackWindow <= 0 {
		errs = append(errs, errors.New("failsafe.rollback_window must be positive"))
	}
	if c.Failsafe.ScanTimeout <= 0 {
		errs = append(errs, errors.New("failsafe.scan_timeout must be positive"))
	}
	if c.Failsafe.LockTTL <= 0 {
		errs = append(errs, errors.New("failsafe.lock_ttl must be positive"))
	}
	if c.Sweeper.Enabled && c.Sweeper.Interval <= 0 {
		errs = append(errs, errors.New("sweeper.interval must be positive when the sweeper is enabled"))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ApprovalConfig converts the approval section into the evaluator's thresholds.
func (c *Config) ApprovalConfig() (failsafe.ApprovalConfig, error) {
	revenue, err := decimal.NewFromString(strings.TrimSpace(c.Approval.RevenueThreshold))
	if err != nil {
		return failsafe.ApprovalConfig{}, fmt.Errorf("approval.revenue_threshold: %w", err)
	}
	value, err := decimal.NewFromString(strings.TrimSpace(c.Approval.ItemValueThreshold))
	if err != nil {
		return failsafe.ApprovalConfig{}, fmt.Errorf("approval.item_value_threshold: %w", err)
	}
	switch {
	case revenue.IsNegative():
		return failsafe.ApprovalConfig{}, errors.New("approval.revenue_threshold must not be negative")
	case value.IsNegative():
		return failsafe.ApprovalConfig{}, errors.New("approval.item_value_threshold must not be negative")
	case c.Approval.CustomerThreshold < 0:
		return failsafe.ApprovalConfig{}, errors.New("approval.customer_threshold must not be negative")
	case c.Approval.FutureBookingDaysThreshold < 0:
		return failsafe.ApprovalConfig{}, errors.New("approval.future_booking_days_threshold must not be negative")
	}
	return failsafe.ApprovalConfig{
		RevenueThreshold:                    revenue,
		CustomerThreshold:                   c.Approval.CustomerThreshold,
		ItemValueThreshold:                  value,
		FutureBookingDaysThreshold:          c.Approval.FutureBookingDaysThreshold,
		RequireApprovalForCriticalConflicts: c.Approval.RequireApprovalForCriticalConflicts,
		AutoApproveNoConflicts:              c.Approval.AutoApproveNoConflicts,
	}, nil
}
