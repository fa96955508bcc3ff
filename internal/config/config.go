// Package config loads cardindex configuration from YAML files and
// CARDINDEX_* environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendBleve  = "bleve"
	BackendSQLite = "sqlite"
)

// Endpoint resolvers.
const (
	ResolverStatic = "static"
	ResolverSML    = "sml"
)

// Config is the complete cardindex configuration.
type Config struct {
	Version   int             `yaml:"version" json:"version"`
	DataDir   string          `yaml:"data_dir" json:"data_dir"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Provider  ProviderConfig  `yaml:"provider" json:"provider"`
	Retry     RetryConfig     `yaml:"retry" json:"retry"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
}

// StorageConfig selects and locates the search index.
type StorageConfig struct {
	// Backend is "bleve" (default) or "sqlite".
	Backend string `yaml:"backend" json:"backend"`
	// Path of the index. Empty derives it from data_dir.
	Path string `yaml:"path" json:"path"`
	// SQLiteCacheMB sizes the SQLite page cache.
	SQLiteCacheMB int `yaml:"sqlite_cache_mb" json:"sqlite_cache_mb"`
}

// ProviderConfig configures the business-card registry client.
type ProviderConfig struct {
	// BaseURL is the registry endpoint used by the static resolver.
	BaseURL string `yaml:"base_url" json:"base_url"`
	// Resolver is "static" (always BaseURL) or "sml" (DNS lookup per participant).
	Resolver string `yaml:"resolver" json:"resolver"`
	// SMLZone is the DNS zone queried by the sml resolver.
	SMLZone string `yaml:"sml_zone" json:"sml_zone"`
	// Timeout bounds a single HTTP request.
	Timeout string `yaml:"timeout" json:"timeout"`
	// RateLimit is the number of requests per second (0 disables limiting).
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
	Burst     int     `yaml:"burst" json:"burst"`
	// CacheSize is the number of resolved endpoints kept in memory.
	CacheSize int `yaml:"cache_size" json:"cache_size"`
	// MaxAttempts is the in-call retry budget for transient HTTP errors.
	MaxAttempts        int    `yaml:"max_attempts" json:"max_attempts"`
	CircuitMaxFailures int    `yaml:"circuit_max_failures" json:"circuit_max_failures"`
	CircuitReset       string `yaml:"circuit_reset" json:"circuit_reset"`
	// UserAgent defaults to cardindex/<version>.
	UserAgent string `yaml:"user_agent" json:"user_agent"`
}

// RetryConfig configures the retry list schedule.
type RetryConfig struct {
	InitialInterval string  `yaml:"initial_interval" json:"initial_interval"`
	Multiplier      float64 `yaml:"multiplier" json:"multiplier"`
	MaxInterval     string  `yaml:"max_interval" json:"max_interval"`
	// Jitter is the randomization factor in [0, 1). 0 gives a deterministic curve.
	Jitter float64 `yaml:"jitter" json:"jitter"`
	// MaxLifetime is measured from the first failure; afterwards the entry is dead.
	MaxLifetime    string `yaml:"max_lifetime" json:"max_lifetime"`
	SweepInterval  string `yaml:"sweep_interval" json:"sweep_interval"`
	ExpireInterval string `yaml:"expire_interval" json:"expire_interval"`
}

// ServerConfig configures the daemon.
type ServerConfig struct {
	SocketPath string `yaml:"socket_path" json:"socket_path"`
	PIDPath    string `yaml:"pid_path" json:"pid_path"`
	LogLevel   string `yaml:"log_level" json:"log_level"`
	LogFile    string `yaml:"log_file" json:"log_file"`
	// ShutdownTimeout bounds draining on SIGTERM.
	ShutdownTimeout string `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// TelemetryConfig configures OpenTelemetry metrics export.
type TelemetryConfig struct {
	// OTLPEndpoint enables OTLP/HTTP export when set (host:port).
	OTLPEndpoint   string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure" json:"insecure"`
	ServiceName    string `yaml:"service_name" json:"service_name"`
	ExportInterval string `yaml:"export_interval" json:"export_interval"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		DataDir: DefaultDataDir(),
		Storage: StorageConfig{
			Backend:       BackendBleve,
			SQLiteCacheMB: 64,
		},
		Provider: ProviderConfig{
			BaseURL:            "http://localhost:8080",
			Resolver:           ResolverStatic,
			SMLZone:            "edelivery.tech.ec.europa.eu",
			Timeout:            "30s",
			RateLimit:          10,
			Burst:              5,
			CacheSize:          1000,
			MaxAttempts:        3,
			CircuitMaxFailures: 5,
			CircuitReset:       "30s",
		},
		Retry: RetryConfig{
			InitialInterval: "5m",
			Multiplier:      2.0,
			MaxInterval:     "1h",
			Jitter:          0,
			MaxLifetime:     "24h",
			SweepInterval:   "1m",
			ExpireInterval:  "5m",
		},
		Server: ServerConfig{
			LogLevel:        "info",
			ShutdownTimeout: "30s",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "cardindex",
			ExportInterval: "30s",
		},
	}
}

// DefaultDataDir returns ~/.cardindex/data.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".cardindex", "data")
	}
	return filepath.Join(home, ".cardindex", "data")
}

// GetUserConfigPath returns the user configuration file path:
//   - $XDG_CONFIG_HOME/cardindex/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/cardindex/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cardindex", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "cardindex", "config.yaml")
	}
	return filepath.Join(home, ".config", "cardindex", "config.yaml")
}

// UserConfigExists reports whether the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// Load builds the configuration in order of increasing precedence:
//  1. Defaults
//  2. User config (~/.config/cardindex/config.yaml)
//  3. Explicit config file (path, if non-empty; must exist)
//  4. Environment variables (CARDINDEX_*)
//
// Derived paths are filled in and the result is validated.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if user := GetUserConfigPath(); fileExists(user) {
		if err := cfg.loadYAML(user); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	if path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()
	cfg.ResolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	c.mergeWith(&parsed)
	return nil
}

// mergeWith copies non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	setString(&c.DataDir, other.DataDir)

	setString(&c.Storage.Backend, other.Storage.Backend)
	setString(&c.Storage.Path, other.Storage.Path)
	setInt(&c.Storage.SQLiteCacheMB, other.Storage.SQLiteCacheMB)

	p, o := &c.Provider, other.Provider
	setString(&p.BaseURL, o.BaseURL)
	setString(&p.Resolver, o.Resolver)
	setString(&p.SMLZone, o.SMLZone)
	setString(&p.Timeout, o.Timeout)
	setFloat(&p.RateLimit, o.RateLimit)
	setInt(&p.Burst, o.Burst)
	setInt(&p.CacheSize, o.CacheSize)
	setInt(&p.MaxAttempts, o.MaxAttempts)
	setInt(&p.CircuitMaxFailures, o.CircuitMaxFailures)
	setString(&p.CircuitReset, o.CircuitReset)
	setString(&p.UserAgent, o.UserAgent)

	r, or := &c.Retry, other.Retry
	setString(&r.InitialInterval, or.InitialInterval)
	setFloat(&r.Multiplier, or.Multiplier)
	setString(&r.MaxInterval, or.MaxInterval)
	setFloat(&r.Jitter, or.Jitter)
	setString(&r.MaxLifetime, or.MaxLifetime)
	setString(&r.SweepInterval, or.SweepInterval)
	setString(&r.ExpireInterval, or.ExpireInterval)

	s, srv := &c.Server, other.Server
	setString(&s.SocketPath, srv.SocketPath)
	setString(&s.PIDPath, srv.PIDPath)
	setString(&s.LogLevel, srv.LogLevel)
	setString(&s.LogFile, srv.LogFile)
	setString(&s.ShutdownTimeout, srv.ShutdownTimeout)

	t, ot := &c.Telemetry, other.Telemetry
	setString(&t.OTLPEndpoint, ot.OTLPEndpoint)
	setString(&t.ServiceName, ot.ServiceName)
	setString(&t.ExportInterval, ot.ExportInterval)
	if ot.Insecure {
		t.Insecure = true
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

// applyEnvOverrides applies CARDINDEX_* variables. Empty values are ignored.
func (c *Config) applyEnvOverrides() {
	strs := map[string]*string{
		"CARDINDEX_DATA_DIR":           &c.DataDir,
		"CARDINDEX_STORAGE_BACKEND":    &c.Storage.Backend,
		"CARDINDEX_STORAGE_PATH":       &c.Storage.Path,
		"CARDINDEX_PROVIDER_BASE_URL":  &c.Provider.BaseURL,
		"CARDINDEX_PROVIDER_RESOLVER":  &c.Provider.Resolver,
		"CARDINDEX_SML_ZONE":           &c.Provider.SMLZone,
		"CARDINDEX_RETRY_MAX_LIFETIME": &c.Retry.MaxLifetime,
		"CARDINDEX_SOCKET_PATH":        &c.Server.SocketPath,
		"CARDINDEX_LOG_LEVEL":          &c.Server.LogLevel,
		"CARDINDEX_OTLP_ENDPOINT":      &c.Telemetry.OTLPEndpoint,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("CARDINDEX_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Provider.RateLimit = f
		}
	}
	if v := os.Getenv("CARDINDEX_OTLP_INSECURE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Telemetry.Insecure = b
		}
	}
}

// ResolvePaths fills storage, socket and pid paths derived from DataDir.
func (c *Config) ResolvePaths() {
	if c.Storage.Path == "" {
		name := "cards.bleve"
		if c.Storage.Backend == BackendSQLite {
			name = "cards.db"
		}
		c.Storage.Path = filepath.Join(c.DataDir, name)
	}
	if c.Server.SocketPath == "" {
		c.Server.SocketPath = filepath.Join(c.DataDir, "cardindex.sock")
	}
	if c.Server.PIDPath == "" {
		c.Server.PIDPath = filepath.Join(c.DataDir, "cardindex.pid")
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}

	switch strings.ToLower(c.Storage.Backend) {
	case BackendBleve, BackendSQLite:
	default:
		return fmt.Errorf("storage.backend must be 'bleve' or 'sqlite', got %s", c.Storage.Backend)
	}
	if c.Storage.SQLiteCacheMB < 0 {
		return fmt.Errorf("storage.sqlite_cache_mb must be non-negative, got %d", c.Storage.SQLiteCacheMB)
	}

	switch strings.ToLower(c.Provider.Resolver) {
	case ResolverStatic:
		if _, err := url.ParseRequestURI(c.Provider.BaseURL); err != nil {
			return fmt.Errorf("provider.base_url must be an absolute URL, got %q", c.Provider.BaseURL)
		}
	case ResolverSML:
		if c.Provider.SMLZone == "" {
			return fmt.Errorf("provider.sml_zone is required with the sml resolver")
		}
	default:
		return fmt.Errorf("provider.resolver must be 'static' or 'sml', got %s", c.Provider.Resolver)
	}
	if c.Provider.RateLimit < 0 {
		return fmt.Errorf("provider.rate_limit must be non-negative, got %f", c.Provider.RateLimit)
	}
	if c.Provider.MaxAttempts < 1 {
		return fmt.Errorf("provider.max_attempts must be at least 1, got %d", c.Provider.MaxAttempts)
	}
	if c.Provider.CacheSize < 1 {
		return fmt.Errorf("provider.cache_size must be at least 1, got %d", c.Provider.CacheSize)
	}

	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1, got %f", c.Retry.Multiplier)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter must be in [0, 1), got %f", c.Retry.Jitter)
	}

	durations := []struct{ name, value string }{
		{"provider.timeout", c.Provider.Timeout},
		{"provider.circuit_reset", c.Provider.CircuitReset},
		{"retry.initial_interval", c.Retry.InitialInterval},
		{"retry.max_interval", c.Retry.MaxInterval},
		{"retry.max_lifetime", c.Retry.MaxLifetime},
		{"retry.sweep_interval", c.Retry.SweepInterval},
		{"retry.expire_interval", c.Retry.ExpireInterval},
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
		{"telemetry.export_interval", c.Telemetry.ExportInterval},
	}
	for _, d := range durations {
		if _, err := parsePositive(d.name, d.value); err != nil {
			return err
		}
	}
	if mustDuration(c.Retry.MaxInterval) < mustDuration(c.Retry.InitialInterval) {
		return fmt.Errorf("retry.max_interval must be >= retry.initial_interval")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}
	return nil
}

func parsePositive(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", name, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", name, value)
	}
	return d, nil
}

// mustDuration parses a duration already checked by Validate.
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// Duration accessors. Values are only meaningful after Validate.

func (p ProviderConfig) TimeoutDuration() time.Duration      { return mustDuration(p.Timeout) }
func (p ProviderConfig) CircuitResetDuration() time.Duration { return mustDuration(p.CircuitReset) }
func (r RetryConfig) InitialDuration() time.Duration         { return mustDuration(r.InitialInterval) }
func (r RetryConfig) MaxIntervalDuration() time.Duration     { return mustDuration(r.MaxInterval) }
func (r RetryConfig) MaxLifetimeDuration() time.Duration     { return mustDuration(r.MaxLifetime) }
func (r RetryConfig) SweepDuration() time.Duration           { return mustDuration(r.SweepInterval) }
func (r RetryConfig) ExpireDuration() time.Duration          { return mustDuration(r.ExpireInterval) }
func (s ServerConfig) ShutdownDuration() time.Duration       { return mustDuration(s.ShutdownTimeout) }
func (t TelemetryConfig) ExportDuration() time.Duration      { return mustDuration(t.ExportInterval) }

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
