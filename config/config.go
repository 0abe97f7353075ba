// Package config loads the outbound worker's configuration: a YAML file
// overridden by environment variables, exactly as the teacher's
// config.Load does.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all outbound-worker configuration.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	DKIM     DKIMConfig     `yaml:"dkim"`
	SRS      SRSConfig      `yaml:"srs"`
	Bounces  BouncesConfig  `yaml:"bounces"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// APIConfig is the body-fetch endpoint (spec.md §6: "HTTP GET
// http://<api.host>:<api.port>/fetch/<id>?body=yes").
type APIConfig struct {
	Hostname string        `yaml:"hostname"`
	Port     int           `yaml:"port"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DatabaseConfig holds the PostgreSQL connection backing zone.Store.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig holds the connection backing queueclient.Client.
type RedisConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// QueueConfig holds worker-pool and sweep settings.
type QueueConfig struct {
	Workers            int           `yaml:"workers"`
	ZoneRefreshInterval time.Duration `yaml:"zone_refresh_interval"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
}

// DKIMConfig is spec.md §6's "dkim.enabled" gate, plus the ambient
// per-install default selector the teacher's dkim.Signer carried.
type DKIMConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DefaultSelector string `yaml:"default_selector"`
}

// SRSConfig is spec.md §6's "srs.enabled", "srs.rewriteDomain",
// "srs.excludeDomains".
type SRSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Secret         string   `yaml:"secret"`
	RewriteDomain  string   `yaml:"rewrite_domain"`
	ExcludeDomains []string `yaml:"exclude_domains"`
}

// BouncesConfig is spec.md §6's "bounces.url" and "bounces.enabled".
type BouncesConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// MetricsConfig holds Prometheus metrics server settings.
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Path          string        `yaml:"path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// LoggingConfig holds logging settings, including spec.md §6's "log.mx"
// default verbosity for SMTP session logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MX     string `yaml:"mx"`
}

// Load loads configuration from path (if it exists) and overrides with
// environment variables, matching the teacher's Load.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.loadFromEnv()
	return cfg, nil
}

// DefaultConfig returns the zero-config defaults a fresh install runs
// with.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Hostname: "localhost",
			Port:     8080,
			Timeout:  30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "outbound",
			Password:        "",
			Database:        "oonrumail",
			SSLMode:         "prefer",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			Password:     "",
			DB:           0,
			PoolSize:     10,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Queue: QueueConfig{
			Workers:             10,
			ZoneRefreshInterval: 30 * time.Second,
			SweepInterval:       30 * time.Second,
		},
		DKIM: DKIMConfig{
			Enabled:         true,
			DefaultSelector: "mail",
		},
		SRS: SRSConfig{
			Enabled:        false,
			RewriteDomain:  "",
			ExcludeDomains: nil,
		},
		Bounces: BouncesConfig{
			URL:     "",
			Enabled: true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			Host:          "0.0.0.0",
			Port:          9090,
			Path:          "/metrics",
			FlushInterval: 60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			MX:     "info",
		},
	}
}

// loadFromEnv overrides config with environment variables, following the
// teacher's per-field style.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("API_HOSTNAME"); v != "" {
		c.API.Hostname = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.API.Port = port
		}
	}

	if v := os.Getenv("DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database.Database = v
	}
	if v := os.Getenv("DB_SSL_MODE"); v != "" {
		c.Database.SSLMode = v
	}

	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = port
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}

	if v := os.Getenv("QUEUE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.Workers = n
		}
	}

	if v := os.Getenv("DKIM_ENABLED"); v != "" {
		c.DKIM.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("DKIM_DEFAULT_SELECTOR"); v != "" {
		c.DKIM.DefaultSelector = v
	}

	if v := os.Getenv("SRS_ENABLED"); v != "" {
		c.SRS.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SRS_SECRET"); v != "" {
		c.SRS.Secret = v
	}
	if v := os.Getenv("SRS_REWRITE_DOMAIN"); v != "" {
		c.SRS.RewriteDomain = v
	}
	if v := os.Getenv("SRS_EXCLUDE_DOMAINS"); v != "" {
		c.SRS.ExcludeDomains = strings.Split(v, ",")
	}

	if v := os.Getenv("BOUNCES_URL"); v != "" {
		c.Bounces.URL = v
	}
	if v := os.Getenv("BOUNCES_ENABLED"); v != "" {
		c.Bounces.Enabled = v == "true" || v == "1"
	}

	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		c.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Metrics.Port = port
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("LOG_MX"); v != "" {
		c.Logging.MX = v
	}
}

// DSN returns the PostgreSQL connection string for zone.Store.
func (c *DatabaseConfig) DSN() string {
	return "postgres://" + c.User + ":" + c.Password + "@" +
		c.Host + ":" + strconv.Itoa(c.Port) + "/" + c.Database +
		"?sslmode=" + c.SSLMode
}

// Addr returns the Redis connection address.
func (c *RedisConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// Addr returns the metrics HTTP server's listen address.
func (c *MetricsConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
