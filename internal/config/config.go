// Package config loads and validates the Mechanic configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the MECHANIC_ prefix (e.g.,
// MECHANIC_GARAGE_API_URL overrides garage.api_url in the YAML).
//
// Secrets can also be supplied through companion *_file keys
// (session.secret_file, session.encryption_key_file, redis.password_file)
// pointing at a file whose trimmed content becomes the value. This is the
// shape Docker and Kubernetes secrets are mounted in.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Garage    GarageConfig    `mapstructure:"garage"`
	Browse    BrowseConfig    `mapstructure:"browse"`
	Session   SessionConfig   `mapstructure:"session"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// StaticDir is the directory holding the built web UI. Empty disables
	// static serving and the index.html fallback.
	StaticDir string `mapstructure:"static_dir"`
}

// GarageConfig points at the Garage cluster being administered.
type GarageConfig struct {
	// APIURL is the base URL of the Garage admin API (e.g. http://garage:3903).
	APIURL string `mapstructure:"api_url"`
	// S3URL is the base URL of the Garage S3 API used by the bucket browser.
	S3URL string `mapstructure:"s3_url"`
	// S3Region is the region name Garage was configured with.
	S3Region string `mapstructure:"s3_region"`
}

// BrowseConfig controls the bucket browser feature.
type BrowseConfig struct {
	Enable bool `mapstructure:"enable"`
	// Driver selects the object-store client: "s3" (aws-sdk-go-v2) or "minio".
	Driver string `mapstructure:"driver"`
}

// SessionConfig holds browser session configuration
type SessionConfig struct {
	// Store is "memory" or "redis".
	Store string `mapstructure:"store"`
	// TTL is the idle timeout; every authenticated request extends it.
	TTL time.Duration `mapstructure:"ttl"`
	// MaxLifetime bounds a session regardless of activity.
	MaxLifetime  time.Duration `mapstructure:"max_lifetime"`
	CookieName   string        `mapstructure:"cookie_name"`
	CookieSecure bool          `mapstructure:"cookie_secure"`
	// Secret signs the session cookie. When empty a random secret is generated
	// at startup, which invalidates sessions on restart.
	Secret     string `mapstructure:"secret"`
	SecretFile string `mapstructure:"secret_file"`
	// EncryptionKey seals admin tokens before they reach the session store.
	EncryptionKey     string `mapstructure:"encryption_key"`
	EncryptionKeyFile string `mapstructure:"encryption_key_file"`
}

// RedisConfig holds the Redis connection used by the redis session store
// and the distributed login rate limiter.
type RedisConfig struct {
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	PasswordFile string `mapstructure:"password_file"`
	DB           int    `mapstructure:"db"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration for the login endpoint
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// TLSConfig holds TLS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds every config key to its MECHANIC_ environment
// variable. AutomaticEnv alone only resolves keys viper already knows about,
// so keys without a default would otherwise be invisible to Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.static_dir",

		"garage.api_url",
		"garage.s3_url",
		"garage.s3_region",

		"browse.enable",
		"browse.driver",

		"session.store",
		"session.ttl",
		"session.max_lifetime",
		"session.cookie_name",
		"session.cookie_secure",
		"session.secret",
		"session.secret_file",
		"session.encryption_key",
		"session.encryption_key_file",

		"redis.addr",
		"redis.password",
		"redis.password_file",
		"redis.db",

		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		"logging.level",
		"logging.format",

		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch reloads the configuration file whenever it changes on disk and hands
// the result to onChange. Invalid edits are logged and skipped. Without a
// config file there is nothing to watch and Watch is a no-op.
//
// Only settings that are safe to change at runtime should be read from the
// reloaded Config; cmd/server applies logging.level.
func Watch(configPath string, onChange func(*Config)) error {
	v, err := newViper(configPath)
	if err != nil {
		return err
	}
	if v.ConfigFileUsed() == "" {
		return nil
	}
	if _, err := os.Stat(v.ConfigFileUsed()); err != nil {
		return nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			slog.Warn("ignoring invalid configuration change", "file", e.Name, "error", err)
			return
		}
		slog.Info("configuration reloaded", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/mechanic")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
		// No config file is fine; defaults and env vars still apply.
	}

	v.SetEnvPrefix("MECHANIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Session.Secret = expandEnv(cfg.Session.Secret)
	cfg.Session.EncryptionKey = expandEnv(cfg.Session.EncryptionKey)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)

	cfg.Session.Secret = withFileFallback(cfg.Session.Secret, cfg.Session.SecretFile)
	cfg.Session.EncryptionKey = withFileFallback(cfg.Session.EncryptionKey, cfg.Session.EncryptionKeyFile)
	cfg.Redis.Password = withFileFallback(cfg.Redis.Password, cfg.Redis.PasswordFile)

	cfg.Garage.APIURL = strings.TrimRight(cfg.Garage.APIURL, "/")
	cfg.Garage.S3URL = strings.TrimRight(cfg.Garage.S3URL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "60s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.static_dir", "")

	v.SetDefault("garage.s3_url", "")
	v.SetDefault("garage.s3_region", "garage")

	v.SetDefault("browse.enable", false)
	v.SetDefault("browse.driver", "s3")

	v.SetDefault("session.store", "memory")
	v.SetDefault("session.ttl", "30m")
	v.SetDefault("session.max_lifetime", "12h")
	v.SetDefault("session.cookie_name", "mechanic_session")
	v.SetDefault("session.cookie_secure", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("security.cors.allowed_origins", []string{})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 10)
	v.SetDefault("security.rate_limiting.burst", 5)
	v.SetDefault("security.tls.enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// expandEnv expands ${VAR} references in secret values
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// ResolveFileProperty reads the file at path and returns its trimmed content.
// A blank path, an unreadable file or a blank file all resolve to "".
func ResolveFileProperty(path string) string {
	if strings.TrimSpace(path) == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// withFileFallback prefers an inline value and otherwise reads it from file.
func withFileFallback(value, file string) string {
	if value != "" {
		return value
	}
	return ResolveFileProperty(file)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Garage.APIURL == "" {
		return fmt.Errorf("garage.api_url is required")
	}
	if !strings.HasPrefix(c.Garage.APIURL, "http://") && !strings.HasPrefix(c.Garage.APIURL, "https://") {
		return fmt.Errorf("garage.api_url must be an http(s) URL: %s", c.Garage.APIURL)
	}

	if c.Browse.Enable {
		if c.Garage.S3URL == "" {
			return fmt.Errorf("garage.s3_url is required when browse is enabled")
		}
		validDrivers := map[string]bool{"s3": true, "minio": true}
		if !validDrivers[c.Browse.Driver] {
			return fmt.Errorf("invalid browse driver: %s (must be s3 or minio)", c.Browse.Driver)
		}
	}

	validStores := map[string]bool{"memory": true, "redis": true}
	if !validStores[c.Session.Store] {
		return fmt.Errorf("invalid session store: %s (must be memory or redis)", c.Session.Store)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.Session.MaxLifetime < c.Session.TTL {
		return fmt.Errorf("session.max_lifetime must not be shorter than session.ttl")
	}
	if c.Session.CookieName == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.Session.Store == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when using the redis session store")
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	if c.Security.RateLimiting.Enabled && c.Security.RateLimiting.RequestsPerMinute < 1 {
		return fmt.Errorf("security.rate_limiting.requests_per_minute must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

// GetAddress returns the server address in host:port format
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Session.Store == "redis"
}
