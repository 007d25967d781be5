package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mxwashington/regiq-sub010/internal/model"
)

type LokiConfig struct {
	URL       string        `yaml:"url"`       // http://loki:3100
	TenantID  string        `yaml:"tenant_id"` // optional multi-tenancy
	Job       string        `yaml:"job"`       // label value, default: regiq-ingester
	Timeout   time.Duration `yaml:"timeout"`   // request timeout
	UserAgent string        `yaml:"user_agent"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`     // nats://localhost:4222
	Subject string `yaml:"subject"` // default: regiq.sync.completed
}

type RedisConfig struct {
	URL    string `yaml:"url"`    // redis://localhost:6379/0
	Stream string `yaml:"stream"` // default: regiq_sync_runs
	MaxLen int64  `yaml:"max_len"`
}

type CommonHTTP struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

type RateConfig struct {
	PerMinute     int     `yaml:"per_minute"`
	PerHour       int     `yaml:"per_hour"`
	RatePerSecond float64 `yaml:"rate_per_second"` // e.g. 1.0 = 1 req/sec
	Burst         int     `yaml:"burst"`           // token bucket burst (e.g. 2)
}

type SourceConfig struct {
	Name               string            `yaml:"name"` // unique, e.g. "FDA"
	Kind               string            `yaml:"kind"` // openfda | fsis | federal_register | regulations_gov | rss
	Agency             string            `yaml:"agency"`
	Endpoints          []string          `yaml:"endpoints"`
	Format             string            `yaml:"format"` // json | xml | rss
	FreshnessThreshold time.Duration     `yaml:"freshness_threshold"`
	UrgencyWeight      float64           `yaml:"urgency_weight"`
	APIKeyEnv          string            `yaml:"api_key_env"` // env var holding the credential
	HTTP               CommonHTTP        `yaml:"http"`
	Rate               RateConfig        `yaml:"rate"`
	ItemCap            int               `yaml:"item_cap"`
	BackfillItemCap    int               `yaml:"backfill_item_cap"`
	Params             map[string]string `yaml:"params"`
	Disabled           bool              `yaml:"disabled"`
}

type KeywordRule struct {
	When   []string          `yaml:"when"`   // list of substrings (case-insensitive) to match in title/summary
	Labels map[string]string `yaml:"labels"` // labels to add when matched
}

type RegexRule struct {
	Field  string            `yaml:"field"` // title|summary|url|agency
	Expr   string            `yaml:"expr"`
	Labels map[string]string `yaml:"labels"`
}

type MapRule struct {
	Field   string            `yaml:"field"`   // e.g. agency
	Mapping map[string]string `yaml:"mapping"` // e.g. "Food and Drug Administration":"HHS"
	OutKey  string            `yaml:"out_key"` // label key to write, e.g. department
}

type PostProcessConfig struct {
	Keywords []KeywordRule `yaml:"keywords"`
	Regex    []RegexRule   `yaml:"regex"`
	Maps     []MapRule     `yaml:"maps"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"` // default 3
	Backoff     time.Duration `yaml:"backoff"`      // initial backoff, default 1s
	MaxBackoff  time.Duration `yaml:"max_backoff"`  // cap, default 4s
}

type SyncConfig struct {
	Concurrency       int           `yaml:"concurrency"`        // bounded worker pool, default 4
	RunTimeout        time.Duration `yaml:"run_timeout"`        // default 5m
	Interval          time.Duration `yaml:"interval"`           // scheduler interval, default 1h
	IncrementalWindow time.Duration `yaml:"incremental_window"` // used when no cursor exists, default 7d
	BackfillWindow    time.Duration `yaml:"backfill_window"`    // default 90d
	Lookback          time.Duration `yaml:"lookback"`           // overlap subtracted from the cursor, default 48h
	Retry             RetryConfig   `yaml:"retry"`
	GlobalPerMinute   int           `yaml:"global_per_minute"` // process-wide egress ceiling
}

type DedupConfig struct {
	Window       time.Duration `yaml:"window"`         // +/- window for title matching, default 48h
	CacheMaxKeys int           `yaml:"cache_max_keys"` // cap to bound memory
	CacheTTL     time.Duration `yaml:"cache_ttl"`      // e.g. 168h (7d)
}

type StoreConfig struct {
	Driver    string `yaml:"driver"` // postgres | memory
	DSN       string `yaml:"dsn"`
	MaxConns  int32  `yaml:"max_conns"`
	MinConns  int32  `yaml:"min_conns"`
	StatePath string `yaml:"state_path"` // memory driver only: JSON file for cursors and health
}

type HTTPServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
	File  string `yaml:"file"`  // optional JSON log file
}

type OTelConfig struct {
	Endpoint       string `yaml:"endpoint"`
	Headers        string `yaml:"headers"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}

func (c OTelConfig) Enabled() bool { return c.Endpoint != "" }

type Config struct {
	HTTP    HTTPServerConfig  `yaml:"http"`
	Store   StoreConfig       `yaml:"store"`
	Sync    SyncConfig        `yaml:"sync"`
	Dedup   DedupConfig       `yaml:"dedup"`
	Log     LogConfig         `yaml:"log"`
	Loki    LokiConfig        `yaml:"loki"`
	NATS    NATSConfig        `yaml:"nats"`
	Redis   RedisConfig       `yaml:"redis"`
	OTel    OTelConfig        `yaml:"otel"`
	Sources []SourceConfig    `yaml:"sources"`
	Post    PostProcessConfig `yaml:"postprocess"`
}

// Load reads the YAML file at path (optional), applies environment
// overrides and fills defaults. A missing .env file is not an error.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	var c Config
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return Config{}, fmt.Errorf("parse yaml: %w", err)
		}
	}
	applyEnv(&c)
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func applyEnv(c *Config) {
	c.Store.DSN = getEnv("DATABASE_URL", c.Store.DSN)
	c.HTTP.Addr = getEnv("REGIQ_HTTP_ADDR", c.HTTP.Addr)
	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.Loki.URL = getEnv("LOKI_URL", c.Loki.URL)
	c.OTel.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTel.Endpoint)
	c.OTel.Headers = getEnv("OTEL_EXPORTER_OTLP_HEADERS", c.OTel.Headers)
	c.Log.Level = getEnv("REGIQ_LOG_LEVEL", c.Log.Level)
}

func applyDefaults(c *Config) {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	c.HTTP.ReadTimeout = defaultDur(c.HTTP.ReadTimeout, 10*time.Second)
	// POST /sync blocks for the whole run
	c.HTTP.WriteTimeout = defaultDur(c.HTTP.WriteTimeout, 6*time.Minute)
	c.HTTP.IdleTimeout = defaultDur(c.HTTP.IdleTimeout, 60*time.Second)

	if c.Store.Driver == "" {
		if c.Store.DSN != "" {
			c.Store.Driver = "postgres"
		} else {
			c.Store.Driver = "memory"
		}
	}

	if c.Sync.Concurrency <= 0 {
		c.Sync.Concurrency = 4
	}
	c.Sync.RunTimeout = defaultDur(c.Sync.RunTimeout, 5*time.Minute)
	c.Sync.Interval = defaultDur(c.Sync.Interval, time.Hour)
	c.Sync.IncrementalWindow = defaultDur(c.Sync.IncrementalWindow, 7*24*time.Hour)
	c.Sync.BackfillWindow = defaultDur(c.Sync.BackfillWindow, 90*24*time.Hour)
	c.Sync.Lookback = defaultDur(c.Sync.Lookback, 48*time.Hour)
	if c.Sync.Retry.MaxAttempts <= 0 {
		c.Sync.Retry.MaxAttempts = 3
	}
	c.Sync.Retry.Backoff = defaultDur(c.Sync.Retry.Backoff, time.Second)
	c.Sync.Retry.MaxBackoff = defaultDur(c.Sync.Retry.MaxBackoff, 4*time.Second)
	if c.Sync.GlobalPerMinute <= 0 {
		c.Sync.GlobalPerMinute = 120
	}

	c.Dedup.Window = defaultDur(c.Dedup.Window, 48*time.Hour)
	if c.Dedup.CacheMaxKeys <= 0 {
		c.Dedup.CacheMaxKeys = 10000
	}
	c.Dedup.CacheTTL = defaultDur(c.Dedup.CacheTTL, 7*24*time.Hour)

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Loki.Job == "" {
		c.Loki.Job = "regiq-ingester"
	}
	c.Loki.Timeout = defaultDur(c.Loki.Timeout, 10*time.Second)
	if c.NATS.Subject == "" {
		c.NATS.Subject = "regiq.sync.completed"
	}
	if c.Redis.Stream == "" {
		c.Redis.Stream = "regiq_sync_runs"
	}
	if c.OTel.ServiceName == "" {
		c.OTel.ServiceName = "regiq-ingester"
	}
	if c.OTel.ServiceVersion == "" {
		c.OTel.ServiceVersion = "dev"
	}

	if len(c.Sources) == 0 {
		c.Sources = DefaultSources()
	}
	for i := range c.Sources {
		fillSourceDefaults(&c.Sources[i])
	}
}

func fillSourceDefaults(s *SourceConfig) {
	if s.Format == "" {
		if s.Kind == "rss" {
			s.Format = "rss"
		} else {
			s.Format = "json"
		}
	}
	s.FreshnessThreshold = defaultDur(s.FreshnessThreshold, 24*time.Hour)
	s.HTTP.Timeout = defaultDur(s.HTTP.Timeout, 15*time.Second)
	if s.HTTP.UserAgent == "" {
		s.HTTP.UserAgent = "regiq-ingester/1.0"
	}
	if s.Rate.PerMinute <= 0 {
		s.Rate.PerMinute = 30
	}
	if s.Rate.PerHour <= 0 {
		s.Rate.PerHour = 600
	}
	if s.ItemCap <= 0 {
		s.ItemCap = 100
	}
	if s.BackfillItemCap <= 0 {
		s.BackfillItemCap = 5 * s.ItemCap
	}
}

// Validate checks invariants that cannot be defaulted.
func (c Config) Validate() error {
	if c.Store.Driver != "postgres" && c.Store.Driver != "memory" {
		return fmt.Errorf("store.driver must be postgres or memory, got %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return errors.New("store.dsn (or DATABASE_URL) is required for the postgres driver")
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for _, s := range c.Sources {
		if strings.TrimSpace(s.Name) == "" {
			return errors.New("every source needs a name")
		}
		if s.Kind == "" {
			return fmt.Errorf("source %s: kind is required", s.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate source name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// Descriptors resolves enabled sources into immutable descriptors. Missing
// credentials are not an error: the source falls back to public access.
func (c Config) Descriptors() []model.SourceDescriptor {
	out := make([]model.SourceDescriptor, 0, len(c.Sources))
	for _, s := range c.Sources {
		if s.Disabled {
			continue
		}
		var cred string
		if s.APIKeyEnv != "" {
			cred = strings.TrimSpace(os.Getenv(s.APIKeyEnv))
		}
		params := make(map[string]string, len(s.Params))
		for k, v := range s.Params {
			params[k] = v
		}
		out = append(out, model.SourceDescriptor{
			Name:               s.Name,
			Kind:               s.Kind,
			Agency:             s.Agency,
			Endpoints:          append([]string(nil), s.Endpoints...),
			Format:             s.Format,
			FreshnessThreshold: s.FreshnessThreshold,
			UrgencyWeight:      s.UrgencyWeight,
			Credential:         cred,
			Timeout:            s.HTTP.Timeout,
			UserAgent:          s.HTTP.UserAgent,
			Rate: model.RateLimits{
				PerMinute:         s.Rate.PerMinute,
				PerHour:           s.Rate.PerHour,
				RequestsPerSecond: s.Rate.RatePerSecond,
				Burst:             s.Rate.Burst,
			},
			ItemCap:         s.ItemCap,
			BackfillItemCap: s.BackfillItemCap,
			Params:          params,
		})
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func defaultDur(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
