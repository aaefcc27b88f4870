// Package config handles DataTalk configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/datatalk/config.yaml, /etc/datatalk/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "datatalk", "config.yaml"))
	}

	paths = append(paths, "/etc/datatalk/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all DataTalk configuration.
type Config struct {
	Listen    ListenConfig            `yaml:"listen"`
	Anthropic AnthropicConfig         `yaml:"anthropic"`
	Memory    MemoryConfig            `yaml:"memory"`
	Retry     RetryConfig             `yaml:"retry"`
	Dataset   DatasetConfig           `yaml:"dataset"`
	Pricing   map[string]PricingEntry `yaml:"pricing"`
	DataDir   string                  `yaml:"data_dir"`
	LogLevel  string                  `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AnthropicConfig defines the reasoning backend settings.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// MemoryConfig bounds the in-process conversation working memory.
type MemoryConfig struct {
	// EvictionThresholdBytes is the per-message size above which stored
	// tool results are replaced by a compact placeholder. Zero means
	// use the default.
	EvictionThresholdBytes int `yaml:"eviction_threshold_bytes"`
}

// RetryConfig controls backend retry behavior on rate limiting.
type RetryConfig struct {
	MaxAttempts   int `yaml:"max_attempts"`
	BaseDelayMSec int `yaml:"base_delay_msec"`
}

// DatasetConfig points at the SQLite dataset the query tool reads.
type DatasetConfig struct {
	// Path is the dataset database file. Empty disables run_query.
	Path string `yaml:"path"`
}

// PricingEntry defines per-model token pricing in USD per million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// BaseDelay returns the configured retry base delay as a duration.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMSec) * time.Millisecond
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		Memory: MemoryConfig{
			EvictionThresholdBytes: 8192,
		},
		Retry: RetryConfig{
			MaxAttempts:   3,
			BaseDelayMSec: 500,
		},
		Pricing: map[string]PricingEntry{
			"claude-opus-4-20250514":   {InputPerMillion: 15.0, OutputPerMillion: 75.0},
			"claude-sonnet-4-20250514": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
			"claude-haiku-3-20240307":  {InputPerMillion: 0.25, OutputPerMillion: 1.25},
		},
		DataDir: "data",
	}
}
