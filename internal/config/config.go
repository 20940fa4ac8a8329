package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	// Console configuration describes the remote messaging console the
	// gateway drives through the browser.
	Console struct {
		URL               string `toml:"url"`
		AuthenticatedPath string `toml:"authenticated_path"`
		LoginPath         string `toml:"login_path"`
		Account           string `toml:"account"`
		Secret            string `toml:"secret"`
		SecondFactorWait  int    `toml:"second_factor_wait_seconds"`
	} `toml:"console"`

	// Browser configuration for the automation session
	Browser struct {
		Bin             string `toml:"bin"`
		Headless        bool   `toml:"headless"`
		ProfileDir      string `toml:"profile_dir"`
		NavTimeout      int    `toml:"nav_timeout_seconds"`
		ViewportWidth   int    `toml:"viewport_width"`
		ViewportHeight  int    `toml:"viewport_height"`
		SettleInterval  int    `toml:"settle_interval_seconds"`
		TypeDelayMinMS  int    `toml:"type_delay_min_ms"`
		TypeDelayMaxMS  int    `toml:"type_delay_max_ms"`
		PauseShortMinMS int    `toml:"pause_short_min_ms"`
		PauseShortMaxMS int    `toml:"pause_short_max_ms"`
		PauseLongMinMS  int    `toml:"pause_long_min_ms"`
		PauseLongMaxMS  int    `toml:"pause_long_max_ms"`
	} `toml:"browser"`

	// Queue configuration
	Queue struct {
		MaxRetries       int `toml:"max_retries"`
		BackoffBaseMS    int `toml:"backoff_base_ms"`
		BackoffCapMS     int `toml:"backoff_cap_ms"`
		PauseMinSeconds  int `toml:"pause_min_seconds"`
		PauseMaxSeconds  int `toml:"pause_max_seconds"`
		AttemptTimeoutMS int `toml:"attempt_timeout_ms"`
	} `toml:"queue"`

	// Media staging configuration
	Media struct {
		StagingDir string `toml:"staging_dir"`
	} `toml:"media"`

	// Audit storage configuration
	Audit struct {
		Driver         string `toml:"driver"` // "sqlite3", "mysql", "postgres"
		DSN            string `toml:"dsn"`
		RetentionHours int    `toml:"retention_hours"`
	} `toml:"audit"`

	// Artifact store configuration
	Artifact struct {
		Backend   string `toml:"backend"` // "local", "s3", "none"
		Dir       string `toml:"dir"`
		Endpoint  string `toml:"endpoint"`
		Bucket    string `toml:"bucket"`
		AccessKey string `toml:"access_key"`
		SecretKey string `toml:"secret_key"`
		UseSSL    bool   `toml:"use_ssl"`
		PublicURL string `toml:"public_url"`
	} `toml:"artifact"`

	// Notifier configuration
	Notify struct {
		URL            string `toml:"url"`
		TimeoutSeconds int    `toml:"timeout_seconds"`
	} `toml:"notify"`

	// Dedup cache configuration
	Cache struct {
		Type       string `toml:"type"` // "memory", "redis", "memcached"
		Host       string `toml:"host"`
		Port       int    `toml:"port"`
		Password   string `toml:"password"`
		Database   int    `toml:"database"`
		TTLSeconds int    `toml:"ttl_seconds"`
	} `toml:"cache"`

	// API server configuration
	API struct {
		Enabled     bool      `toml:"enabled"`
		ListenAddr  string    `toml:"listen_addr"`
		AuthEnabled bool      `toml:"auth_enabled"`
		APIKeys     []string  `toml:"api_keys"` // bcrypt hashes
		RateLimit   RateLimit `toml:"rate_limit"`
		CORS        CORS      `toml:"cors"`
	} `toml:"api"`

	// Logging configuration
	Logging struct {
		Level  string `toml:"level"`
		Format string `toml:"format"` // "text" or "json"
		File   string `toml:"file"`
	} `toml:"logging"`

	// Metrics configuration
	Metrics struct {
		Enabled bool `toml:"enabled"`
	} `toml:"metrics"`
}

// RateLimit configures per-client request limiting on the API
type RateLimit struct {
	Enabled           bool     `toml:"enabled"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	TrustedProxies    []string `toml:"trusted_proxies"`
}

// CORS configures cross-origin access on the API
type CORS struct {
	Enabled        bool     `toml:"enabled"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Console.SecondFactorWait = 120
	cfg.Console.AuthenticatedPath = "/app"
	cfg.Console.LoginPath = "/login"

	cfg.Browser.Headless = true
	cfg.Browser.ProfileDir = "./data/profile"
	cfg.Browser.NavTimeout = 45
	cfg.Browser.ViewportWidth = 1280
	cfg.Browser.ViewportHeight = 900
	cfg.Browser.SettleInterval = 3
	cfg.Browser.TypeDelayMinMS = 30
	cfg.Browser.TypeDelayMaxMS = 120
	cfg.Browser.PauseShortMinMS = 300
	cfg.Browser.PauseShortMaxMS = 1200
	cfg.Browser.PauseLongMinMS = 500
	cfg.Browser.PauseLongMaxMS = 2500

	cfg.Queue.MaxRetries = 3
	cfg.Queue.BackoffBaseMS = 1000
	cfg.Queue.BackoffCapMS = 30000
	cfg.Queue.PauseMinSeconds = 8
	cfg.Queue.PauseMaxSeconds = 20
	cfg.Queue.AttemptTimeoutMS = 180000

	cfg.Media.StagingDir = "./data/staging"

	cfg.Audit.Driver = "sqlite3"
	cfg.Audit.DSN = "./data/webmta.db"
	cfg.Audit.RetentionHours = 720

	cfg.Artifact.Backend = "local"
	cfg.Artifact.Dir = "./data/artifacts"

	cfg.Notify.TimeoutSeconds = 10

	cfg.Cache.Type = "memory"
	cfg.Cache.TTLSeconds = 300

	cfg.API.Enabled = true
	cfg.API.ListenAddr = "127.0.0.1:8825"
	cfg.API.RateLimit.RequestsPerSecond = 10
	cfg.API.RateLimit.Burst = 20

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Metrics.Enabled = true

	return cfg
}

// FindConfigFile resolves the configuration file path, checking the explicit
// path first, then the WEBMTA_CONFIG environment variable, then well-known
// locations.
func FindConfigFile(configPath string) (string, error) {
	locations := []string{}
	if configPath != "" {
		locations = append(locations, configPath)
	}
	if env := os.Getenv("WEBMTA_CONFIG"); env != "" {
		locations = append(locations, env)
	}
	locations = append(locations,
		"./webmta.toml",
		"./config/webmta.toml",
		"/etc/webmta/webmta.toml",
	)

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", fmt.Errorf("no config file found")
}

// LoadConfig loads a configuration from a file, overlaying defaults
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	configFile, err := FindConfigFile(configPath)
	if err != nil {
		// No file is fine; defaults apply.
		return cfg, nil
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
	}

	// Paths relative to the config file are made absolute against it.
	configDir := filepath.Dir(configFile)
	for _, p := range []*string{&cfg.Browser.ProfileDir, &cfg.Media.StagingDir, &cfg.Artifact.Dir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
	if cfg.Audit.Driver == "sqlite3" && cfg.Audit.DSN != "" && !filepath.IsAbs(cfg.Audit.DSN) {
		cfg.Audit.DSN = filepath.Join(configDir, cfg.Audit.DSN)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var urlRe = regexp.MustCompile(`^https?://`)

// Validate performs sanity checks on the configuration
func (c *Config) Validate() error {
	if c.Console.URL == "" {
		return fmt.Errorf("console.url is required")
	}
	if !urlRe.MatchString(c.Console.URL) {
		return fmt.Errorf("console.url must be an http(s) URL")
	}
	if c.Notify.URL != "" && !urlRe.MatchString(c.Notify.URL) {
		return fmt.Errorf("notify.url must be an http(s) URL")
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be at least 1")
	}
	if c.Queue.PauseMinSeconds > c.Queue.PauseMaxSeconds {
		return fmt.Errorf("queue.pause_min_seconds must not exceed queue.pause_max_seconds")
	}
	switch c.Audit.Driver {
	case "sqlite3", "mysql", "postgres":
	default:
		return fmt.Errorf("audit.driver must be one of sqlite3, mysql, postgres")
	}
	switch c.Artifact.Backend {
	case "local", "s3", "none":
	default:
		return fmt.Errorf("artifact.backend must be one of local, s3, none")
	}
	switch c.Cache.Type {
	case "memory", "redis", "memcached":
	default:
		return fmt.Errorf("cache.type must be one of memory, redis, memcached")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}

// SecondFactorWait returns the bounded manual second-factor window
func (c *Config) SecondFactorWait() time.Duration {
	return time.Duration(c.Console.SecondFactorWait) * time.Second
}

// NavTimeout returns the browser navigation timeout
func (c *Config) NavTimeout() time.Duration {
	return time.Duration(c.Browser.NavTimeout) * time.Second
}

// AttemptTimeout returns the per-attempt delivery timeout
func (c *Config) AttemptTimeout() time.Duration {
	return time.Duration(c.Queue.AttemptTimeoutMS) * time.Millisecond
}
