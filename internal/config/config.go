package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/shopspring/decimal"
)

// Config holds all configuration for the ROAS engine.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Log        LogConfig
	Metrics    MetricsConfig
	Geo        GeoConfig
	Pipeline   PipelineConfig
	Estimation EstimationConfig
}

type ServerConfig struct {
	Addr            string          `yaml:"addr" env:"ROAS_HTTP_ADDR" env-default:":8080"`
	Env             string          `yaml:"env" env:"ROAS_ENV" env-default:"development"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" env:"ROAS_SHUTDOWN_TIMEOUT" env-default:"30s"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig throttles run triggers per client IP.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" env:"ROAS_RATE_LIMIT_ENABLED" env-default:"true"`
	RPS     float64 `yaml:"rps" env:"ROAS_RATE_LIMIT_RPS" env-default:"0.1"`
	Burst   int     `yaml:"burst" env:"ROAS_RATE_LIMIT_BURST" env-default:"2"`
}

type DatabaseConfig struct {
	Host           string `yaml:"host" env:"ROAS_DB_HOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"ROAS_DB_PORT" env-default:"5432"`
	User           string `yaml:"user" env:"ROAS_DB_USER" env-default:"roas"`
	Password       string `yaml:"-" env:"ROAS_DB_PASSWORD"`
	DBName         string `yaml:"dbname" env:"ROAS_DB_NAME" env-default:"roas"`
	SSLMode        string `yaml:"ssl_mode" env:"ROAS_DB_SSLMODE" env-default:"disable"`
	MaxConns       int    `yaml:"max_conns" env:"ROAS_DB_MAX_CONNS" env-default:"10"`
	MinConns       int    `yaml:"min_conns" env:"ROAS_DB_MIN_CONNS" env-default:"2"`
	MigrationsPath string `yaml:"migrations_path" env:"ROAS_DB_MIGRATIONS_PATH" env-default:"migrations"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ROAS_REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"-" env:"ROAS_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"ROAS_REDIS_DB" env-default:"0"`

	// LockKey is the key holding the single-writer run lock.
	LockKey string        `yaml:"lock_key" env:"ROAS_REDIS_LOCK_KEY" env-default:"roas:pipeline:run-lock"`
	LockTTL time.Duration `yaml:"lock_ttl" env:"ROAS_REDIS_LOCK_TTL" env-default:"2h"`
	// CommandTimeout bounds each lock command, including renewals.
	CommandTimeout time.Duration `yaml:"command_timeout" env:"ROAS_REDIS_COMMAND_TIMEOUT" env-default:"3s"`
}

// ClickHouseConfig configures the reporting export. Export is skipped when disabled.
type ClickHouseConfig struct {
	Enabled         bool   `yaml:"enabled" env:"ROAS_CLICKHOUSE_ENABLED" env-default:"false"`
	Host            string `yaml:"host" env:"ROAS_CLICKHOUSE_HOST" env-default:"localhost"`
	Port            string `yaml:"port" env:"ROAS_CLICKHOUSE_PORT" env-default:"9000"`
	Database        string `yaml:"database" env:"ROAS_CLICKHOUSE_DB" env-default:"roas"`
	User            string `yaml:"user" env:"ROAS_CLICKHOUSE_USER" env-default:"default"`
	Password        string `yaml:"-" env:"ROAS_CLICKHOUSE_PASSWORD"`
	UseTLS          bool   `yaml:"use_tls" env:"ROAS_CLICKHOUSE_TLS" env-default:"false"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"ROAS_CLICKHOUSE_MAX_OPEN_CONNS" env-default:"5"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"ROAS_CLICKHOUSE_MAX_IDLE_CONNS" env-default:"2"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_sec" env:"ROAS_CLICKHOUSE_CONN_MAX_LIFETIME_SEC" env-default:"3600"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"ROAS_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"ROAS_LOG_FORMAT" env-default:"json"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ROAS_METRICS_ENABLED" env-default:"true"`
	Path      string `yaml:"path" env:"ROAS_METRICS_PATH" env-default:"/metrics"`
	Namespace string `yaml:"namespace" env:"ROAS_METRICS_NAMESPACE" env-default:"roas"`
}

// GeoConfig configures GeoIP enrichment of user profiles.
type GeoConfig struct {
	Enabled      bool   `yaml:"enabled" env:"ROAS_GEO_ENABLED" env-default:"false"`
	DatabasePath string `yaml:"database_path" env:"ROAS_GEO_DB_PATH" env-default:"/app/data/GeoLite2-City.mmdb"`
}

// PipelineConfig controls batch sizes and run scheduling.
type PipelineConfig struct {
	BatchSize int `yaml:"batch_size" env:"ROAS_PIPELINE_BATCH_SIZE" env-default:"1000"`

	// Interval between scheduled runs; zero disables the in-process ticker.
	Interval time.Duration `yaml:"interval" env:"ROAS_PIPELINE_INTERVAL" env-default:"0s"`

	// HierarchyWindow bounds how far back ad performance records are read.
	HierarchyWindow time.Duration `yaml:"hierarchy_window" env:"ROAS_PIPELINE_HIERARCHY_WINDOW" env-default:"2160h"`

	// SentinelIdentifiers are identifier values that never identify a user.
	SentinelIdentifiers string `yaml:"sentinel_identifiers" env:"ROAS_PIPELINE_SENTINEL_IDS" env-default:",null,undefined,unknown,0,00000000-0000-0000-0000-000000000000"`

	// FXRates converts event currencies to USD, e.g. "EUR:1.08,GBP:1.27".
	FXRates string `yaml:"fx_rates" env:"ROAS_PIPELINE_FX_RATES" env-default:"EUR:1.08,GBP:1.27,CAD:0.73,AUD:0.66,JPY:0.0067"`

	// AsOf pins the evaluation date (YYYY-MM-DD) for reproducible reruns.
	AsOf string `yaml:"as_of" env:"ROAS_PIPELINE_AS_OF"`
}

// EstimationConfig holds cohort estimation and valuation parameters.
type EstimationConfig struct {
	MinSampleSize               int    `yaml:"min_sample_size" env:"ROAS_EST_MIN_SAMPLE_SIZE" env-default:"30"`
	RefundWindowDay             int    `yaml:"refund_window_days" env:"ROAS_EST_REFUND_WINDOW_DAYS" env-default:"31"`
	DefaultsEnabled             bool   `yaml:"defaults_enabled" env:"ROAS_EST_DEFAULTS_ENABLED" env-default:"true"`
	DefaultTrialConversionRate  string `yaml:"default_trial_conversion_rate" env:"ROAS_EST_DEFAULT_TRIAL_CONVERSION_RATE" env-default:"0.25"`
	DefaultTrialToRefundRate    string `yaml:"default_trial_to_refund_rate" env:"ROAS_EST_DEFAULT_TRIAL_TO_REFUND_RATE" env-default:"0.08"`
	DefaultPurchaseToRefundRate string `yaml:"default_purchase_to_refund_rate" env:"ROAS_EST_DEFAULT_PURCHASE_TO_REFUND_RATE" env-default:"0.05"`
	DefaultExpectedValueUSD     string `yaml:"default_expected_value_usd" env:"ROAS_EST_DEFAULT_EXPECTED_VALUE_USD" env-default:"9.99"`
}

// Load reads configuration from an optional YAML file (ROAS_CONFIG_FILE) with
// environment variable overrides, then validates it.
func Load() (*Config, error) {
	cfg := &Config{}

	if path := os.Getenv("ROAS_CONFIG_FILE"); path != "" {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present and parseable.
func (c *Config) Validate() error {
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("ROAS_PIPELINE_BATCH_SIZE must be positive")
	}
	if c.Estimation.MinSampleSize <= 0 {
		return fmt.Errorf("ROAS_EST_MIN_SAMPLE_SIZE must be positive")
	}
	if c.Estimation.RefundWindowDay <= 0 {
		return fmt.Errorf("ROAS_EST_REFUND_WINDOW_DAYS must be positive")
	}
	if _, err := c.Pipeline.AsOfDate(); err != nil {
		return err
	}
	if _, err := c.Pipeline.FX(); err != nil {
		return err
	}
	if _, err := c.Estimation.Defaults(); err != nil {
		return err
	}
	if _, err := c.Estimation.ExpectedValue(); err != nil {
		return err
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Sentinels returns the set of identifier values treated as invalid.
func (p PipelineConfig) Sentinels() map[string]struct{} {
	set := make(map[string]struct{})
	for _, s := range strings.Split(p.SentinelIdentifiers, ",") {
		set[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	return set
}

// AsOfDate parses the pinned evaluation date. The zero time means "use the run start".
func (p PipelineConfig) AsOfDate() (time.Time, error) {
	if p.AsOf == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", p.AsOf)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid ROAS_PIPELINE_AS_OF: %w", err)
	}
	return t.UTC(), nil
}

// FX parses the currency table. USD is always present with rate 1.
func (p PipelineConfig) FX() (map[string]decimal.Decimal, error) {
	rates := map[string]decimal.Decimal{"USD": decimal.NewFromInt(1)}
	if strings.TrimSpace(p.FXRates) == "" {
		return rates, nil
	}
	for _, pair := range strings.Split(p.FXRates, ",") {
		parts := strings.Split(strings.TrimSpace(pair), ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid FX entry %q", pair)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid FX rate for %s: %w", parts[0], err)
		}
		rates[strings.ToUpper(strings.TrimSpace(parts[0]))] = rate
	}
	return rates, nil
}

// DefaultRates is the system-wide fallback rate set.
type DefaultRates struct {
	TrialConversion  decimal.Decimal
	TrialToRefund    decimal.Decimal
	PurchaseToRefund decimal.Decimal
}

// Defaults parses the default rate set. It returns nil when defaults are disabled.
func (e EstimationConfig) Defaults() (*DefaultRates, error) {
	if !e.DefaultsEnabled {
		return nil, nil
	}
	parse := func(name, v string) (decimal.Decimal, error) {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid %s: %w", name, err)
		}
		if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
			return decimal.Zero, fmt.Errorf("%s must be within [0,1], got %s", name, v)
		}
		return d, nil
	}
	conv, err := parse("default trial conversion rate", e.DefaultTrialConversionRate)
	if err != nil {
		return nil, err
	}
	trialRefund, err := parse("default trial refund rate", e.DefaultTrialToRefundRate)
	if err != nil {
		return nil, err
	}
	purchaseRefund, err := parse("default purchase refund rate", e.DefaultPurchaseToRefundRate)
	if err != nil {
		return nil, err
	}
	return &DefaultRates{
		TrialConversion:  conv,
		TrialToRefund:    trialRefund,
		PurchaseToRefund: purchaseRefund,
	}, nil
}

// ExpectedValue returns the fallback USD value of a converted lifecycle.
func (e EstimationConfig) ExpectedValue() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(e.DefaultExpectedValueUSD)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid default expected value: %w", err)
	}
	return d, nil
}
