// Package config handles attache configuration loading.
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
// Then: ./attache.yaml, ~/.config/attache/attache.yaml, /etc/attache/attache.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"attache.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "attache", "attache.yaml"))
	}

	paths = append(paths, "/etc/attache/attache.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
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

// Config holds all attache configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Vendors    VendorsConfig    `yaml:"vendors"`
	Fallback   []FallbackEntry  `yaml:"fallback"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Registry   RegistryConfig   `yaml:"registry"`
	Agent      AgentConfig      `yaml:"agent"`
	Assembler  AssemblerConfig  `yaml:"assembler"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	DataDir    string           `yaml:"data_dir"`
	PersonaDir string           `yaml:"persona_dir"`
	LogLevel   string           `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// VendorsConfig holds per-vendor credentials. A vendor with no
// credentials configured is never registered and never contacted.
type VendorsConfig struct {
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Ollama    OllamaConfig    `yaml:"ollama"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OpenAIConfig defines OpenAI API settings. BaseURL overrides the
// default endpoint for OpenAI-compatible gateways.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// OllamaConfig defines the local Ollama endpoint.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// FallbackEntry is one (vendor, model) pair in the ordered fallback chain.
type FallbackEntry struct {
	Vendor string `yaml:"vendor"`
	Model  string `yaml:"model"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"` // e.g. nomic-embed-text
	URL     string `yaml:"url"`   // Ollama URL (defaults to vendors.ollama.url)
}

// RegistryConfig defines tool provider discovery settings.
type RegistryConfig struct {
	RefreshIntervalSec int              `yaml:"refresh_interval_sec"` // default 300
	ManifestTTLSec     int              `yaml:"manifest_ttl_sec"`     // default 3x refresh interval
	RequestTimeoutSec  int              `yaml:"request_timeout_sec"`  // per manifest fetch / execute, default 30
	Providers          []ProviderConfig `yaml:"providers"`
}

// ProviderConfig defines one tool provider endpoint.
type ProviderConfig struct {
	Name    string            `yaml:"name"` // namespace, e.g. "search"
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"` // e.g. Authorization
	// RoutingContext requests that tool executions in this namespace
	// carry the originating conversation reference so the provider can
	// notify back into the channel later.
	RoutingContext bool `yaml:"routing_context"`
	// InsecureSkipVerify disables TLS certificate verification for
	// this provider. Local development endpoints only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// AgentConfig defines loop limits and timeouts.
type AgentConfig struct {
	MaxIterations           int `yaml:"max_iterations"`            // model round trips per turn, default 10
	MaxParallelTools        int `yaml:"max_parallel_tools"`        // in-flight tool calls per round, default 4
	ModelTimeoutSec         int `yaml:"model_timeout_sec"`         // default 120
	ToolTimeoutSec          int `yaml:"tool_timeout_sec"`          // default 60
	CompletionReserveTokens int `yaml:"completion_reserve_tokens"` // budget headroom, default 1024
}

// AssemblerConfig defines context window and summarization settings.
type AssemblerConfig struct {
	MemoryTopK         int `yaml:"memory_top_k"`        // relevant summaries per prompt, default 4
	WindowMessages     int `yaml:"window_messages"`     // recent raw messages, default 30
	WindowBytes        int `yaml:"window_bytes"`        // recent window size cap, default 24576
	SummarizeThreshold int `yaml:"summarize_threshold"` // messages before compaction, default 60
	RetainRecent       int `yaml:"retain_recent"`       // raw messages kept after compaction, default 20
}

// MQTTConfig defines the optional turn-event publisher. Disabled when
// Broker is empty.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"` // default "attache"
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Registry.RefreshIntervalSec <= 0 {
		c.Registry.RefreshIntervalSec = 300
	}
	if c.Registry.ManifestTTLSec <= 0 {
		c.Registry.ManifestTTLSec = 3 * c.Registry.RefreshIntervalSec
	}
	if c.Registry.RequestTimeoutSec <= 0 {
		c.Registry.RequestTimeoutSec = 30
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 10
	}
	if c.Agent.MaxParallelTools <= 0 {
		c.Agent.MaxParallelTools = 4
	}
	if c.Agent.ModelTimeoutSec <= 0 {
		c.Agent.ModelTimeoutSec = 120
	}
	if c.Agent.ToolTimeoutSec <= 0 {
		c.Agent.ToolTimeoutSec = 60
	}
	if c.Agent.CompletionReserveTokens <= 0 {
		c.Agent.CompletionReserveTokens = 1024
	}
	if c.Assembler.MemoryTopK <= 0 {
		c.Assembler.MemoryTopK = 4
	}
	if c.Assembler.WindowMessages <= 0 {
		c.Assembler.WindowMessages = 30
	}
	if c.Assembler.WindowBytes <= 0 {
		c.Assembler.WindowBytes = 24576
	}
	if c.Assembler.SummarizeThreshold <= 0 {
		c.Assembler.SummarizeThreshold = 60
	}
	if c.Assembler.RetainRecent <= 0 {
		c.Assembler.RetainRecent = 20
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "attache"
	}
	if c.Embeddings.URL == "" {
		c.Embeddings.URL = c.Vendors.Ollama.URL
	}
}

// RefreshInterval returns the registry refresh interval as a Duration.
func (r RegistryConfig) RefreshInterval() time.Duration {
	return time.Duration(r.RefreshIntervalSec) * time.Second
}

// ManifestTTL returns the manifest cache TTL as a Duration.
func (r RegistryConfig) ManifestTTL() time.Duration {
	return time.Duration(r.ManifestTTLSec) * time.Second
}

// RequestTimeout returns the per-request provider timeout as a Duration.
func (r RegistryConfig) RequestTimeout() time.Duration {
	return time.Duration(r.RequestTimeoutSec) * time.Second
}
