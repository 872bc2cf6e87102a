// Package config provides application configuration loaded from environment variables.
// Use the package-level Get() function to obtain the singleton Config instance.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ghostlend/protocol/internal/domain"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sub-config structs
// ──────────────────────────────────────────────────────────────────────────────

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port                 string        // e.g. "8080"
	BackofficePort       string        // e.g. "8081"
	Env                  string        // "development" | "production"
	ReadTimeout          time.Duration // default 10s
	WriteTimeout         time.Duration // default 10s
	BackofficeAllowedIPs string        // comma-separated IPs; "" = allow all
	AllowedOrigins       []string      // CORS and websocket origins in production
	LogLevel             string        // debug | info | warn | error
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	DSN             string        // full postgres DSN
	MaxOpenConns    int           // default 25
	MaxIdleConns    int           // default 10
	ConnMaxLifetime time.Duration // default 5m
}

// StoreConfig selects the intent/replica backend.
type StoreConfig struct {
	Driver string // "postgres" | "memory"
}

// JWTConfig holds JWT signing settings.
type JWTConfig struct {
	AccessSecret string        // must be set
	AccessTTL    time.Duration // default 15m
}

// LedgerConfig holds settlement ledger settings.
type LedgerConfig struct {
	JournalPath          string // bbolt file; "" keeps the ledger in memory only
	CollateralPolicyFile string // optional YAML tier table
	OpenTimeout          time.Duration
}

// ClearingConfig holds clearing engine settings.
type ClearingConfig struct {
	DefaultMaxRateBps int64         // borrower ceiling when none is given
	CallTimeout       time.Duration // bound on each ExecuteLoan call
	RetryAttempts     int
	RetryInitial      time.Duration
	RetryMax          time.Duration
}

// IndexerConfig holds replica indexer settings.
type IndexerConfig struct {
	BatchSize int
	Interval  time.Duration // poll interval when no commit notification arrives
}

// SchedulerConfig holds in-process cadence settings.
type SchedulerConfig struct {
	Enabled       bool
	SettleSpec    string // cron spec, e.g. "@every 5m"
	LiquidateSpec string
}

// OperatorConfig identifies the trusted operator.
type OperatorConfig struct {
	Address string // ledger caller for ExecuteLoan / Liquidate
	APIKey  string // X-API-Key accepted by the trigger endpoints
}

// RunnerConfig holds settings for cmd/runner.
type RunnerConfig struct {
	ServerURL string
	Schedule  string
	Timeout   time.Duration
}

// ──────────────────────────────────────────────────────────────────────────────
// Top-level Config
// ──────────────────────────────────────────────────────────────────────────────

// Config is the root configuration object for the entire application.
type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Store     StoreConfig
	JWT       JWTConfig
	Ledger    LedgerConfig
	Clearing  ClearingConfig
	Indexer   IndexerConfig
	Scheduler SchedulerConfig
	Operator  OperatorConfig
	Runner    RunnerConfig
}

// IsProd returns true when running in the production environment.
func (c *Config) IsProd() bool {
	return c.Server.Env == "production"
}

// OperatorAddress returns the parsed operator address.
func (c *Config) OperatorAddress() (domain.Address, error) {
	return domain.ParseAddress(c.Operator.Address)
}

// Validate checks that all required configuration values are present and valid.
// Every problem found is reported, joined into one error.
func (c *Config) Validate() error {
	var errs []error

	if c.JWT.AccessSecret == "" {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET must be set"))
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.IsProd() && os.Getenv("DATABASE_DSN") == "" {
			errs = append(errs, errors.New("DATABASE_DSN must be set in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.Store.Driver))
	}

	if _, err := c.OperatorAddress(); err != nil {
		errs = append(errs, fmt.Errorf("OPERATOR_ADDRESS: %w", err))
	}
	if c.IsProd() && c.Operator.APIKey == defaultAPIKey {
		errs = append(errs, errors.New("OPERATOR_API_KEY must be changed in production"))
	}

	if c.Clearing.DefaultMaxRateBps <= 0 || c.Clearing.DefaultMaxRateBps > domain.MaxRateBps {
		errs = append(errs, fmt.Errorf(
			"CLEARING_DEFAULT_MAX_RATE must be in (0, %d], got %d",
			domain.MaxRateBps, c.Clearing.DefaultMaxRateBps,
		))
	}
	if c.Clearing.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("CLEARING_RETRY_ATTEMPTS must be at least 1, got %d", c.Clearing.RetryAttempts))
	}
	if c.Indexer.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("INDEXER_BATCH_SIZE must be at least 1, got %d", c.Indexer.BatchSize))
	}

	if c.Ledger.CollateralPolicyFile != "" {
		if _, err := LoadCollateralPolicy(c.Ledger.CollateralPolicyFile); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Collateral policy file
// ──────────────────────────────────────────────────────────────────────────────

type policyFile struct {
	Tiers []domain.CollateralTier `yaml:"tiers"`
}

// CollateralPolicy returns the configured tier table, or the default 150 %
// policy when no file is set.
func (c *Config) CollateralPolicy() (*domain.CollateralPolicy, error) {
	if c.Ledger.CollateralPolicyFile == "" {
		return domain.DefaultCollateralPolicy(), nil
	}
	return LoadCollateralPolicy(c.Ledger.CollateralPolicyFile)
}

// LoadCollateralPolicy reads a YAML tier table:
//
//	tiers:
//	  - {min_score: 0, ratio_bps: 15000}
//	  - {min_score: 800, ratio_bps: 12000}
func LoadCollateralPolicy(path string) (*domain.CollateralPolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.LoadCollateralPolicy: %w", err)
	}
	return ParseCollateralPolicy(raw)
}

// ParseCollateralPolicy decodes and validates a YAML tier table.
func ParseCollateralPolicy(raw []byte) (*domain.CollateralPolicy, error) {
	var f policyFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("config.ParseCollateralPolicy: %w", err)
	}
	p, err := domain.NewCollateralPolicy(f.Tiers)
	if err != nil {
		return nil, fmt.Errorf("config.ParseCollateralPolicy: %w", err)
	}
	return p, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Singleton
// ──────────────────────────────────────────────────────────────────────────────

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Get returns the singleton Config, loading it once from environment variables.
// Panics if loading fails, so call this early in main() to catch
// misconfigurations at startup.
func Get() *Config {
	once.Do(func() {
		instance, loadErr = Load()
	})
	if loadErr != nil {
		panic(fmt.Sprintf("config: failed to load: %v", loadErr))
	}
	return instance
}

// MustLoad loads and validates configuration. Intended for use in main().
// Panics on any error so misconfiguration is caught immediately at boot.
func MustLoad() *Config {
	cfg := Get()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: validation failed: %v", err))
	}
	return cfg
}

// ──────────────────────────────────────────────────────────────────────────────
// Loader
// ──────────────────────────────────────────────────────────────────────────────

const defaultAPIKey = "ghost-secret-key"

// Load reads a fresh Config from the environment without caching it.
func Load() (*Config, error) {
	cfg := &Config{}

	// ── Server ────────────────────────────────────────────────────────────────
	cfg.Server = ServerConfig{
		Port:                 getEnv("SERVER_PORT", "8080"),
		BackofficePort:       getEnv("BACKOFFICE_PORT", "8081"),
		Env:                  getEnv("ENVIRONMENT", "development"),
		ReadTimeout:          getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
		WriteTimeout:         getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
		BackofficeAllowedIPs: getEnv("BACKOFFICE_ALLOWED_IPS", ""),
		AllowedOrigins:       splitList(getEnv("ALLOWED_ORIGINS", "")),
		LogLevel:             strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}

	// ── Database ──────────────────────────────────────────────────────────────
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		// Build DSN from individual components for convenience in dev
		dsn = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			getEnv("DB_HOST", "localhost"),
			getEnv("DB_PORT", "5432"),
			getEnv("DB_USER", "postgres"),
			getEnv("DB_PASSWORD", ""),
			getEnv("DB_NAME", "ghostlend"),
			getEnv("DB_SSLMODE", "disable"),
		)
	}

	maxOpen, err := getInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_OPEN_CONNS: %w", err)
	}
	maxIdle, err := getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_IDLE_CONNS: %w", err)
	}

	cfg.DB = DBConfig{
		DSN:             dsn,
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
	cfg.Store = StoreConfig{Driver: strings.ToLower(getEnv("STORE_DRIVER", "postgres"))}

	// ── JWT ───────────────────────────────────────────────────────────────────
	cfg.JWT = JWTConfig{
		AccessSecret: getEnv("JWT_ACCESS_SECRET", ""),
		AccessTTL:    getDuration("JWT_ACCESS_TTL", 15*time.Minute),
	}

	// ── Ledger ────────────────────────────────────────────────────────────────
	cfg.Ledger = LedgerConfig{
		JournalPath:          getEnv("LEDGER_JOURNAL_PATH", "data/ledger.db"),
		CollateralPolicyFile: getEnv("COLLATERAL_POLICY_FILE", ""),
		OpenTimeout:          getDuration("LEDGER_OPEN_TIMEOUT", time.Second),
	}

	// ── Clearing ──────────────────────────────────────────────────────────────
	maxRate, err := getInt("CLEARING_DEFAULT_MAX_RATE", int(domain.MaxRateBps))
	if err != nil {
		return nil, fmt.Errorf("CLEARING_DEFAULT_MAX_RATE: %w", err)
	}
	attempts, err := getInt("CLEARING_RETRY_ATTEMPTS", 4)
	if err != nil {
		return nil, fmt.Errorf("CLEARING_RETRY_ATTEMPTS: %w", err)
	}
	cfg.Clearing = ClearingConfig{
		DefaultMaxRateBps: int64(maxRate),
		CallTimeout:       getDuration("CLEARING_CALL_TIMEOUT", 10*time.Second),
		RetryAttempts:     attempts,
		RetryInitial:      getDuration("CLEARING_RETRY_INITIAL", 200*time.Millisecond),
		RetryMax:          getDuration("CLEARING_RETRY_MAX", 2*time.Second),
	}

	// ── Indexer ───────────────────────────────────────────────────────────────
	batch, err := getInt("INDEXER_BATCH_SIZE", 256)
	if err != nil {
		return nil, fmt.Errorf("INDEXER_BATCH_SIZE: %w", err)
	}
	cfg.Indexer = IndexerConfig{
		BatchSize: batch,
		Interval:  getDuration("INDEXER_INTERVAL", 5*time.Second),
	}

	// ── Scheduler ─────────────────────────────────────────────────────────────
	cfg.Scheduler = SchedulerConfig{
		Enabled:       getBool("SCHEDULER_ENABLED", true),
		SettleSpec:    getEnv("SCHEDULER_SETTLE_SPEC", "@every 5m"),
		LiquidateSpec: getEnv("SCHEDULER_LIQUIDATE_SPEC", "@every 5m"),
	}

	// ── Operator ──────────────────────────────────────────────────────────────
	cfg.Operator = OperatorConfig{
		Address: getEnv("OPERATOR_ADDRESS", ""),
		APIKey:  getEnv("OPERATOR_API_KEY", defaultAPIKey),
	}

	// ── Runner ────────────────────────────────────────────────────────────────
	cfg.Runner = RunnerConfig{
		ServerURL: strings.TrimRight(getEnv("RUNNER_SERVER_URL", "http://localhost:8081"), "/"),
		Schedule:  getEnv("RUNNER_SCHEDULE", "@every 5m"),
		Timeout:   getDuration("RUNNER_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper functions
// ──────────────────────────────────────────────────────────────────────────────

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// getDuration parses an env var as a Go duration string (e.g. "15m", "2s").
// Falls back to defaultVal if the variable is unset or empty.
func getDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
