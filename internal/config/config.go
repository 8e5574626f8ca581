// ============================================================================
// SDK Runtime Config - YAML 設定
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 載入、補預設值並驗證 runtime 設定
//
// 設定來源（後者覆蓋前者）:
//   1. Default()            - 內建預設值
//   2. YAML 檔案            - configs/default.yaml
//   3. 環境變數             - SDK_API_KEY, SDK_ENDPOINT, SDK_TRANSPORT
//
// Debounce 視窗:
//   ResumeWindow       停止後多久內的啟動仍屬同一個 session
//   ReengagementWindow READY 狀態下，user-facing 啟動多久後才重新計算
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ResumeWindow is how long after a stop a start is still treated as the
	// same continuous session.
	ResumeWindow = 30 * time.Second
	// ReengagementWindow debounces user-facing starts when the runtime is
	// already READY.
	ReengagementWindow = 23 * time.Hour
)

// Transport kinds.
const (
	TransportGRPC = "grpc"
	TransportHTTP = "http"
)

// Store kinds.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

var (
	// ErrMissingAPIKey is returned by Validate when no API key is configured.
	ErrMissingAPIKey = errors.New("config: api key is required")
	// ErrInvalidConfig wraps every other validation failure.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config represents the complete runtime configuration.
type Config struct {
	APIKey     string `yaml:"api_key"`
	AppVersion string `yaml:"app_version"`

	Transport struct {
		Kind     string                   `yaml:"kind"`
		Endpoint string                   `yaml:"endpoint"`
		Timeout  time.Duration            `yaml:"timeout"`
		HTTP2    bool                     `yaml:"http2"`
		Insecure bool                     `yaml:"insecure"`
		Timeouts map[string]time.Duration `yaml:"per_webservice"`
	} `yaml:"transport"`

	Queue struct {
		Workers    int `yaml:"workers"`
		BufferSize int `yaml:"buffer_size"`
	} `yaml:"queue"`

	Retry struct {
		MaxAttempts   int            `yaml:"max_attempts"`
		Backoff       time.Duration  `yaml:"backoff"`
		PerWebservice map[string]int `yaml:"per_webservice"`
	} `yaml:"retry"`

	Lifecycle struct {
		ResumeWindow       time.Duration `yaml:"resume_window"`
		ReengagementWindow time.Duration `yaml:"reengagement_window"`
	} `yaml:"lifecycle"`

	Store struct {
		Kind string `yaml:"kind"`
		Path string `yaml:"path"`
	} `yaml:"store"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns a configuration with every optional field filled in.
// APIKey is left empty on purpose; the lifecycle refuses to start without it.
func Default() *Config {
	cfg := &Config{}
	cfg.Transport.Kind = TransportGRPC
	cfg.Transport.Endpoint = "localhost:50051"
	cfg.Transport.Timeout = 10 * time.Second
	cfg.Transport.Timeouts = map[string]time.Duration{}
	cfg.Queue.Workers = 2
	cfg.Queue.BufferSize = 64
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.Backoff = time.Second
	cfg.Retry.PerWebservice = map[string]int{}
	cfg.Lifecycle.ResumeWindow = ResumeWindow
	cfg.Lifecycle.ReengagementWindow = ReengagementWindow
	cfg.Store.Kind = StoreMemory
	cfg.Metrics.Port = 9090
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Load reads the YAML file at path on top of Default() and applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	applyEnv(cfg)
	cfg.fillZero()
	return cfg, nil
}

// Parse decodes YAML bytes on top of Default(); used by tests and embedders
// that keep the configuration in memory.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.fillZero()
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SDK_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("SDK_ENDPOINT"); v != "" {
		cfg.Transport.Endpoint = v
	}
	if v := os.Getenv("SDK_TRANSPORT"); v != "" {
		cfg.Transport.Kind = v
	}
}

// fillZero restores defaults for fields a partial YAML file zeroed out.
func (c *Config) fillZero() {
	d := Default()
	if c.Transport.Kind == "" {
		c.Transport.Kind = d.Transport.Kind
	}
	if c.Transport.Timeout <= 0 {
		c.Transport.Timeout = d.Transport.Timeout
	}
	if c.Transport.Timeouts == nil {
		c.Transport.Timeouts = map[string]time.Duration{}
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = d.Queue.Workers
	}
	if c.Queue.BufferSize <= 0 {
		c.Queue.BufferSize = d.Queue.BufferSize
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.Retry.PerWebservice == nil {
		c.Retry.PerWebservice = map[string]int{}
	}
	if c.Lifecycle.ResumeWindow <= 0 {
		c.Lifecycle.ResumeWindow = d.Lifecycle.ResumeWindow
	}
	if c.Lifecycle.ReengagementWindow <= 0 {
		c.Lifecycle.ReengagementWindow = d.Lifecycle.ReengagementWindow
	}
	if c.Store.Kind == "" {
		c.Store.Kind = d.Store.Kind
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// Validate checks the fields the runtime cannot work without.
// Structural problems are reported before a missing API key, which callers
// may tolerate.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportGRPC, TransportHTTP:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Transport.Kind)
	}
	if c.Transport.Endpoint == "" {
		return fmt.Errorf("%w: transport endpoint is empty", ErrInvalidConfig)
	}
	switch c.Store.Kind {
	case StoreMemory:
	case StoreFile, StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store %s requires a path", ErrInvalidConfig, c.Store.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", ErrInvalidConfig, c.Store.Kind)
	}
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// MaxAttempts returns the attempt budget for a webservice retry key.
func (c *Config) MaxAttempts(retryKey string) int {
	if n, ok := c.Retry.PerWebservice[retryKey]; ok && n > 0 {
		return n
	}
	return c.Retry.MaxAttempts
}

// Timeout returns the per-attempt timeout for a webservice timeout key.
func (c *Config) Timeout(timeoutKey string) time.Duration {
	if d, ok := c.Transport.Timeouts[timeoutKey]; ok && d > 0 {
		return d
	}
	return c.Transport.Timeout
}
