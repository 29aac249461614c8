package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all agrolog configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Reasoning ReasoningConfig `yaml:"reasoning"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the REST API.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	DefaultUser     string `yaml:"default_user"` // used when a request carries no X-User-ID
	ReadTimeout     string `yaml:"read_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// StorageConfig selects the report repository.
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite, memory
	Path   string `yaml:"path"`
}

// ReasoningConfig configures the OpenAI-compatible completion service.
type ReasoningConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	Timeout     string  `yaml:"timeout"`
	MaxRetries  int     `yaml:"max_retries"`
	BackoffBase string  `yaml:"backoff_base"`
}

// PipelineConfig configures background analysis.
type PipelineConfig struct {
	MaxConcurrentAnalyses int    `yaml:"max_concurrent_analyses"`
	AnalysisTimeout       string `yaml:"analysis_timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			DefaultUser:     "user-demo-001",
			ReadTimeout:     "15s",
			ShutdownTimeout: "30s",
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   filepath.Join(home, ".agrolog", "agrolog.db"),
		},
		Reasoning: ReasoningConfig{
			BaseURL:     "https://api.openai.com/v1/",
			Model:       "gpt-4o-mini",
			MaxTokens:   2000,
			Temperature: 0.7,
			Timeout:     "60s",
			MaxRetries:  3,
			BackoffBase: "2s",
		},
		Pipeline: PipelineConfig{
			MaxConcurrentAnalyses: 4,
			AnalysisTimeout:       "2m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultPath is where Load looks when no --config flag is given.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agrolog", "config.yaml")
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment variables override both.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Reasoning.APIKey = key
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" {
		c.Reasoning.BaseURL = url
	}
	if model := os.Getenv("AGROLOG_MODEL"); model != "" {
		c.Reasoning.Model = model
	}
	if path := os.Getenv("AGROLOG_DB"); path != "" {
		c.Storage.Path = path
	}
	if driver := os.Getenv("AGROLOG_STORAGE"); driver != "" {
		c.Storage.Driver = driver
	}
	if addr := os.Getenv("AGROLOG_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if level := os.Getenv("AGROLOG_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid storage driver: %s (valid: sqlite, memory)", c.Storage.Driver)
	}

	if strings.TrimSpace(c.Reasoning.Model) == "" {
		return fmt.Errorf("reasoning.model is required")
	}
	if c.Reasoning.MaxTokens <= 0 {
		return fmt.Errorf("reasoning.max_tokens must be positive")
	}
	if c.Reasoning.Temperature < 0 || c.Reasoning.Temperature > 2 {
		return fmt.Errorf("reasoning.temperature must be within [0, 2]")
	}
	if c.Reasoning.MaxRetries < 0 {
		return fmt.Errorf("reasoning.max_retries must not be negative")
	}
	if c.Pipeline.MaxConcurrentAnalyses <= 0 {
		return fmt.Errorf("pipeline.max_concurrent_analyses must be positive")
	}
	return nil
}

// RequireAPIKey reports a missing reasoning API key. Only commands that call
// the reasoning service need one.
func (c *Config) RequireAPIKey() error {
	if c.Reasoning.APIKey == "" {
		return fmt.Errorf("reasoning API key not configured (set OPENAI_API_KEY or reasoning.api_key)")
	}
	return nil
}

// GetTimeout returns the reasoning HTTP deadline as a duration.
func (c ReasoningConfig) GetTimeout() time.Duration {
	return parseDuration(c.Timeout, 60*time.Second)
}

// GetBackoffBase returns the wait before the first retry.
func (c ReasoningConfig) GetBackoffBase() time.Duration {
	return parseDuration(c.BackoffBase, 2*time.Second)
}

// GetAnalysisTimeout returns the deadline of one background analysis.
func (c PipelineConfig) GetAnalysisTimeout() time.Duration {
	return parseDuration(c.AnalysisTimeout, 2*time.Minute)
}

// GetReadTimeout returns the HTTP server read timeout.
func (c ServerConfig) GetReadTimeout() time.Duration {
	return parseDuration(c.ReadTimeout, 15*time.Second)
}

// GetShutdownTimeout returns how long shutdown waits for in-flight work.
func (c ServerConfig) GetShutdownTimeout() time.Duration {
	return parseDuration(c.ShutdownTimeout, 30*time.Second)
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
