// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/stratdesk/internal/domain/strategy"
)

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// ChannelConfig configures the websocket link to the strategy process manager.
type ChannelConfig struct {
	URL                  string        `yaml:"url"`
	PingInterval         time.Duration `yaml:"pingInterval"`
	PingTimeout          time.Duration `yaml:"pingTimeout"`
	WriteTimeout         time.Duration `yaml:"writeTimeout"`
	MaxReconnectInterval time.Duration `yaml:"maxReconnectInterval"`
	SendInterval         time.Duration `yaml:"sendInterval"`
	SendBurst            int           `yaml:"sendBurst"`
	QueueSize            int           `yaml:"queueSize"`
	ReadLimit            int64         `yaml:"readLimit"`
}

// SyncConfig holds the run-state engine deadlines.
type SyncConfig struct {
	StartTimeout    time.Duration `yaml:"startTimeout"`
	StopGrace       time.Duration `yaml:"stopGrace"`
	FallbackCeiling time.Duration `yaml:"fallbackCeiling"`
	Debounce        time.Duration `yaml:"debounce"`
	PullInterval    time.Duration `yaml:"pullInterval"`
	QueueSize       int           `yaml:"queueSize"`
}

// StrategyConfig declares one catalog entry.
type StrategyConfig struct {
	ID        string `yaml:"id"`
	BackendID string `yaml:"backendId"`
	Script    string `yaml:"script"`
	Fallback  bool   `yaml:"fallback"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"maxConns"`
	MinConns        int32         `yaml:"minConns"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime time.Duration `yaml:"maxConnIdleTime"`
	QueryTimeout    time.Duration `yaml:"queryTimeout"`
	RunMigrations   bool          `yaml:"runMigrations"`
	MigrationsDir   string        `yaml:"migrationsDir"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/stratdesk"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 5 * time.Second
	}
	c.MigrationsDir = strings.TrimSpace(c.MigrationsDir)
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("queryTimeout must be >0")
	}
	return nil
}

// CacheConfig selects and sizes the durable run-state cache.
type CacheConfig struct {
	Driver      CacheDriver    `yaml:"driver"`
	Path        string         `yaml:"path"`
	WriteBehind bool           `yaml:"writeBehind"`
	QueueSize   int            `yaml:"queueSize"`
	Database    DatabaseConfig `yaml:"database"`
}

// FallbackConfig controls the local script runtime used while the backend is unreachable.
type FallbackConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	EnableMetrics  bool          `yaml:"enableMetrics"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// NotificationsConfig sizes the operator notification feed.
type NotificationsConfig struct {
	Capacity int `yaml:"capacity"`
}

// AppConfig is the unified stratdesk configuration sourced from YAML.
type AppConfig struct {
	Environment   Environment         `yaml:"environment"`
	APIServer     APIServerConfig     `yaml:"apiServer"`
	Channel       ChannelConfig       `yaml:"channel"`
	Sync          SyncConfig          `yaml:"sync"`
	Strategies    []StrategyConfig    `yaml:"strategies"`
	Cache         CacheConfig         `yaml:"cache"`
	Fallback      FallbackConfig      `yaml:"fallback"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

// DefaultAppConfig returns a configuration usable without a file: an in-memory
// cache, the shipped strategy catalog and a local backend address.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		APIServer:   APIServerConfig{Addr: ":8880"},
		Channel:     ChannelConfig{URL: "ws://localhost:8765/ws"},
		Cache:       CacheConfig{Driver: CacheMemory},
		Fallback:    FallbackConfig{Enabled: true, Directory: "fallback"},
		Telemetry:   TelemetryConfig{ServiceName: "stratdesk"},
	}
	for _, def := range strategy.DefaultDefinitions() {
		cfg.Strategies = append(cfg.Strategies, StrategyConfig{
			ID:        string(def.ID),
			BackendID: string(def.BackendID),
			Script:    def.Script,
			Fallback:  def.Fallback,
		})
	}
	if err := cfg.normalise(); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// LoadOrDefault loads configPath, falling back to DefaultAppConfig when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return DefaultAppConfig(), false, nil
	}
	return AppConfig{}, false, err
}

// Parse decodes, normalises and validates YAML content. Sections left out keep their defaults.
func Parse(data []byte) (AppConfig, error) {
	var envelope map[string]any
	if err := yaml.Unmarshal(data, &envelope); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	strategiesProvided := false
	if raw, ok := envelope["strategies"]; ok && raw != nil {
		strategiesProvided = true
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if !strategiesProvided {
		cfg.Strategies = DefaultAppConfig().Strategies
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(normalizeToken(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.ShutdownTimeout <= 0 {
		c.APIServer.ShutdownTimeout = 5 * time.Second
	}
	c.Channel.URL = strings.TrimSpace(c.Channel.URL)
	// Zero means the default cadence; a negative interval turns periodic pulls off.
	if c.Sync.PullInterval == 0 {
		c.Sync.PullInterval = time.Minute
	}

	for i := range c.Strategies {
		c.Strategies[i].ID = strings.TrimSpace(c.Strategies[i].ID)
		c.Strategies[i].BackendID = strings.TrimSpace(c.Strategies[i].BackendID)
		c.Strategies[i].Script = strings.TrimSpace(c.Strategies[i].Script)
	}

	c.Cache.Driver = CacheDriver(normalizeToken(string(c.Cache.Driver)))
	if c.Cache.Driver == "" {
		c.Cache.Driver = CacheMemory
	}
	c.Cache.Path = strings.TrimSpace(c.Cache.Path)
	if c.Cache.Driver == CacheFile && c.Cache.Path == "" {
		c.Cache.Path = filepath.Join("data", "runstate.json")
	}
	if c.Cache.Path != "" {
		c.Cache.Path = filepath.Clean(c.Cache.Path)
	}
	if c.Cache.QueueSize <= 0 {
		c.Cache.QueueSize = 128
	}
	if c.Cache.Driver == CachePostgres {
		c.Cache.Database.applyDefaults()
	}

	dir := strings.TrimSpace(c.Fallback.Directory)
	if dir == "" {
		dir = "fallback"
	}
	c.Fallback.Directory = filepath.Clean(dir)

	if c.Notifications.Capacity <= 0 {
		c.Notifications.Capacity = 200
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "stratdesk"
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.Channel.URL == "" {
		return fmt.Errorf("channel url required")
	}
	if !strings.HasPrefix(c.Channel.URL, "ws://") && !strings.HasPrefix(c.Channel.URL, "wss://") {
		return fmt.Errorf("channel url must use ws:// or wss://")
	}
	for name, d := range map[string]time.Duration{
		"pingInterval":         c.Channel.PingInterval,
		"pingTimeout":          c.Channel.PingTimeout,
		"writeTimeout":         c.Channel.WriteTimeout,
		"maxReconnectInterval": c.Channel.MaxReconnectInterval,
		"sendInterval":         c.Channel.SendInterval,
	} {
		if d < 0 {
			return fmt.Errorf("channel %s must be >=0", name)
		}
	}
	for name, d := range map[string]time.Duration{
		"startTimeout":    c.Sync.StartTimeout,
		"stopGrace":       c.Sync.StopGrace,
		"fallbackCeiling": c.Sync.FallbackCeiling,
	} {
		if d < 0 {
			return fmt.Errorf("sync %s must be >=0", name)
		}
	}
	if len(c.Strategies) == 0 {
		return fmt.Errorf("at least one strategy required")
	}
	if _, err := c.Catalog(); err != nil {
		return fmt.Errorf("strategies: %w", err)
	}

	switch c.Cache.Driver {
	case CacheMemory:
	case CacheFile:
		if c.Cache.Path == "" {
			return fmt.Errorf("cache path required for file driver")
		}
	case CachePostgres:
		if err := c.Cache.Database.validate(); err != nil {
			return fmt.Errorf("cache database: %w", err)
		}
		if !c.Cache.WriteBehind {
			return fmt.Errorf("postgres cache requires writeBehind")
		}
	default:
		return fmt.Errorf("cache driver must be one of memory, file, postgres")
	}
	if c.Fallback.Enabled && c.Fallback.Directory == "" {
		return fmt.Errorf("fallback directory required when enabled")
	}
	if c.Telemetry.EnableMetrics && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when metrics are enabled")
	}
	return nil
}

// Catalog builds the strategy catalog described by the configuration.
func (c AppConfig) Catalog() (*strategy.Catalog, error) {
	defs := make([]strategy.Definition, 0, len(c.Strategies))
	for _, s := range c.Strategies {
		defs = append(defs, strategy.Definition{
			ID:        strategy.ID(s.ID),
			BackendID: strategy.BackendID(s.BackendID),
			Script:    s.Script,
			Fallback:  s.Fallback,
		})
	}
	return strategy.NewCatalog(defs)
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
