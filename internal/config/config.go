package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"planner/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Remote     RemoteConfig     `yaml:"remote"`
	Sync       SyncConfig       `yaml:"sync"`
	Emergency  EmergencyConfig  `yaml:"emergency"`
	API        APIConfig        `yaml:"api"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type DatabaseConfig struct {
	Path          string        `yaml:"path"`
	SchemaVersion int           `yaml:"schema_version"`
	ReopenDelay   time.Duration `yaml:"reopen_delay"`
}

type RedisConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"pool_size"`
	TTL      time.Duration `yaml:"ttl"`
}

// RemoteConfig describes the HTTP API the queue drains into.
type RemoteConfig struct {
	BaseURL     string            `yaml:"base_url"`
	HealthPath  string            `yaml:"health_path"`
	AccessToken string            `yaml:"access_token"`
	Timeout     time.Duration     `yaml:"timeout"`
	Endpoints   map[string]string `yaml:"endpoints"`
	Breaker     BreakerConfig     `yaml:"breaker"`
}

type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

type SyncConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	Pacing         time.Duration `yaml:"pacing"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	DeadLetter     bool          `yaml:"dead_letter"`
}

type EmergencyConfig struct {
	BeaconPath string        `yaml:"beacon_path"`
	MaxAge     time.Duration `yaml:"max_age"`
	// Wait bounds how long a save waits for slow channels before reporting.
	Wait time.Duration `yaml:"wait"`
}

// APIConfig is the local control API used by the UI process.
type APIConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Port      int             `yaml:"port"`
	Auth      APIAuthConfig   `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Name        string   `yaml:"name"`
	Key         string   `yaml:"key"`
	Permissions []string `yaml:"permissions"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

// Load reads the YAML config, expanding ${VAR} references from the
// environment and an optional .env file next to the working directory.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Remote.BaseURL == "" {
		return errors.New("remote base_url is required (set PLANNER_API_URL)")
	}
	if u, err := url.Parse(c.Remote.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("remote base_url %q is not an absolute URL", c.Remote.BaseURL)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must be >= 0, got %d", c.Sync.MaxRetries)
	}
	if c.API.Auth.Enabled {
		for i, k := range c.API.Auth.APIKeys {
			if k.Key == "" {
				return fmt.Errorf("api.auth.api_keys[%d]: key is required", i)
			}
		}
	}
	for resource, path := range c.Remote.Endpoints {
		if path == "" {
			return fmt.Errorf("remote endpoint for %q is empty", resource)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "planner"
	}
	if c.Database.SchemaVersion == 0 {
		c.Database.SchemaVersion = models.SchemaVersion
	}
	if c.Database.ReopenDelay == 0 {
		c.Database.ReopenDelay = 100 * time.Millisecond
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = models.EmergencyMaxAge
	}
	if c.Remote.HealthPath == "" {
		c.Remote.HealthPath = "/api/health"
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 10 * time.Second
	}
	if c.Remote.Breaker.MaxFailures == 0 {
		c.Remote.Breaker.MaxFailures = 5
	}
	if c.Remote.Breaker.OpenTimeout == 0 {
		c.Remote.Breaker.OpenTimeout = 30 * time.Second
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = models.MaxMutationRetries
	}
	if c.Sync.Pacing == 0 {
		c.Sync.Pacing = models.SyncPacing
	}
	if c.Sync.ReconnectDelay == 0 {
		c.Sync.ReconnectDelay = models.ReconnectDelay
	}
	if c.Sync.ProbeInterval == 0 {
		c.Sync.ProbeInterval = 15 * time.Second
	}
	if c.Emergency.BeaconPath == "" {
		c.Emergency.BeaconPath = "/api/emergency-save"
	}
	if c.Emergency.MaxAge == 0 {
		c.Emergency.MaxAge = models.EmergencyMaxAge
	}
	if c.Emergency.Wait == 0 {
		c.Emergency.Wait = 500 * time.Millisecond
	}
	if c.API.Enabled && c.API.Port == 0 {
		c.API.Port = 8787
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "X-API-Key"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}
