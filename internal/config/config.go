package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	DefaultHandlerTimeout      = 45 // seconds
	DefaultContextLimit        = 5
	DefaultQueueSize           = 128
	DefaultSimilarityThreshold = 0.55
	DefaultRecallLimit         = 5
	DefaultDecayInterval       = "720h"
	DefaultSimpleTokenMax      = 20
	DefaultComplexTokenMin     = 100
	DefaultEmbeddingModel      = "text-embedding-3-small"
)

// ConfigurationError reports a missing or invalid mapping. It is returned
// only from startup validation; request-time code never sees one.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

type Config struct {
	Provider   ProviderConfig   `json:"provider"`
	Models     ModelsConfig     `json:"models"`
	Classifier ClassifierConfig `json:"classifier"`
	Memory     MemoryConfig     `json:"memory"`
	Router     RouterConfig     `json:"router"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "openai" (default) or "anthropic"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// ModelEntry is one row of the tier->model table.
type ModelEntry struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
}

// ModelsConfig maps tiers to models, with optional per-domain overrides.
// The vision and realtime domains must carry an override: they always select
// their dedicated model regardless of tier.
type ModelsConfig struct {
	Tiers   map[string]ModelEntry `json:"tiers"`
	Domains map[string]ModelEntry `json:"domains,omitempty"`
}

// DomainTrigger is one ordered entry of the classifier's domain table.
// Keywords match by phrase membership; Resources name reference kinds
// ("url", "image", "path", "audio") detected in the request text or
// attachments.
type DomainTrigger struct {
	Domain    string   `json:"domain"`
	Keywords  []string `json:"keywords,omitempty"`
	Resources []string `json:"resources,omitempty"`
}

type ClassifierConfig struct {
	SimpleTokenMax   int             `json:"simpleTokenMax"`
	ComplexTokenMin  int             `json:"complexTokenMin"`
	ComplexMarkers   []string        `json:"complexMarkers,omitempty"`
	ReasoningMarkers []string        `json:"reasoningMarkers,omitempty"`
	DomainTriggers   []DomainTrigger `json:"domainTriggers,omitempty"`
}

type MemoryConfig struct {
	DBPath              string          `json:"dbPath,omitempty"`
	SimilarityThreshold float64         `json:"similarityThreshold"`
	DecayInterval       string          `json:"decayInterval,omitempty"`
	RecallLimit         int             `json:"recallLimit"`
	Embedding           EmbeddingConfig `json:"embedding"`
}

type EmbeddingConfig struct {
	Enabled bool   `json:"enabled"`
	Model   string `json:"model,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type RouterConfig struct {
	HandlerTimeout int `json:"handlerTimeout"` // seconds
	ContextLimit   int `json:"contextLimit"`
	QueueSize      int `json:"queueSize"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{},
		Models: ModelsConfig{
			Tiers: map[string]ModelEntry{
				"simple":    {Model: "gpt-4o-mini", Temperature: 0.7, MaxTokens: 1024},
				"moderate":  {Model: "gpt-4o", Temperature: 0.7, MaxTokens: 2048},
				"complex":   {Model: "gpt-4o", Temperature: 0.5, MaxTokens: 4096},
				"reasoning": {Model: "o1-mini", Temperature: 1.0, MaxTokens: 8192},
			},
			Domains: map[string]ModelEntry{
				"vision":   {Model: "gpt-4o", Temperature: 0.3, MaxTokens: 2048},
				"realtime": {Model: "gpt-4o-realtime-preview", Temperature: 0.7, MaxTokens: 1024},
			},
		},
		Classifier: ClassifierConfig{
			SimpleTokenMax:  DefaultSimpleTokenMax,
			ComplexTokenMin: DefaultComplexTokenMin,
		},
		Memory: MemoryConfig{
			SimilarityThreshold: DefaultSimilarityThreshold,
			DecayInterval:       DefaultDecayInterval,
			RecallLimit:         DefaultRecallLimit,
			Embedding: EmbeddingConfig{
				Enabled: false,
				Model:   DefaultEmbeddingModel,
			},
		},
		Router: RouterConfig{
			HandlerTimeout: DefaultHandlerTimeout,
			ContextLimit:   DefaultContextLimit,
			QueueSize:      DefaultQueueSize,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".valet")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func DataDir() string {
	return filepath.Join(ConfigDir(), "data")
}

func LoadConfig() (*Config, error) {
	return LoadConfigFrom(ConfigPath())
}

func LoadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("VALET_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "anthropic"
		}
	}
	if url := os.Getenv("VALET_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if dbPath := os.Getenv("VALET_MEMORY_DB_PATH"); dbPath != "" {
		cfg.Memory.DBPath = dbPath
	}
	if enabled := os.Getenv("VALET_EMBEDDING_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Memory.Embedding.Enabled = parsed
		}
	}
	if model := os.Getenv("VALET_EMBEDDING_MODEL"); model != "" {
		cfg.Memory.Embedding.Model = model
	}
	if key := os.Getenv("VALET_EMBEDDING_API_KEY"); key != "" {
		cfg.Memory.Embedding.APIKey = key
	}
	if timeout := os.Getenv("VALET_HANDLER_TIMEOUT"); timeout != "" {
		if parsed, err := strconv.Atoi(timeout); err == nil {
			cfg.Router.HandlerTimeout = parsed
		}
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Memory.DBPath == "" {
		cfg.Memory.DBPath = filepath.Join(DataDir(), "memory.db")
	}
	if cfg.Memory.SimilarityThreshold <= 0 {
		cfg.Memory.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if cfg.Memory.RecallLimit <= 0 {
		cfg.Memory.RecallLimit = DefaultRecallLimit
	}
	if cfg.Memory.DecayInterval == "" {
		cfg.Memory.DecayInterval = DefaultDecayInterval
	}
	if cfg.Memory.Embedding.Model == "" {
		cfg.Memory.Embedding.Model = DefaultEmbeddingModel
	}
	if cfg.Classifier.SimpleTokenMax <= 0 {
		cfg.Classifier.SimpleTokenMax = DefaultSimpleTokenMax
	}
	if cfg.Classifier.ComplexTokenMin <= 0 {
		cfg.Classifier.ComplexTokenMin = DefaultComplexTokenMin
	}
	if cfg.Router.HandlerTimeout <= 0 {
		cfg.Router.HandlerTimeout = DefaultHandlerTimeout
	}
	if cfg.Router.ContextLimit <= 0 {
		cfg.Router.ContextLimit = DefaultContextLimit
	}
	if cfg.Router.QueueSize <= 0 {
		cfg.Router.QueueSize = DefaultQueueSize
	}
}

// Validate checks the value-level constraints that do not depend on the tier
// enumeration; the model selector proves tier-table completeness separately.
func (c *Config) Validate() error {
	if c.Memory.SimilarityThreshold < 0 || c.Memory.SimilarityThreshold > 1 {
		return &ConfigurationError{Field: "memory.similarityThreshold", Reason: "must be within [0, 1]"}
	}
	if c.Memory.DecayInterval != "" {
		if _, err := time.ParseDuration(c.Memory.DecayInterval); err != nil {
			return &ConfigurationError{Field: "memory.decayInterval", Reason: "invalid duration: " + c.Memory.DecayInterval}
		}
	}
	if c.Classifier.SimpleTokenMax >= c.Classifier.ComplexTokenMin {
		return &ConfigurationError{Field: "classifier", Reason: "simpleTokenMax must be below complexTokenMin"}
	}
	for i, trigger := range c.Classifier.DomainTriggers {
		if trigger.Domain == "" {
			return &ConfigurationError{Field: fmt.Sprintf("classifier.domainTriggers[%d]", i), Reason: "missing domain"}
		}
		if len(trigger.Keywords) == 0 && len(trigger.Resources) == 0 {
			return &ConfigurationError{Field: fmt.Sprintf("classifier.domainTriggers[%d]", i), Reason: "trigger has no keywords and no resources"}
		}
	}
	return nil
}

// DecayIntervalDuration returns the parsed decay interval, or zero when decay
// is disabled. Validate has already rejected malformed values.
func (c *Config) DecayIntervalDuration() time.Duration {
	if c.Memory.DecayInterval == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Memory.DecayInterval)
	if err != nil {
		return 0
	}
	return d
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
