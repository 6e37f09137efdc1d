package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main mnemo configuration
type Config struct {
	// Workspace path containing MEMORY.md and memory/
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`

	// Data directory for the index database and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Memory    MemoryConfig    `json:"memory" mapstructure:"memory"`
	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`
	Search    SearchConfig    `json:"search" mapstructure:"search"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Metrics   MetricsConfig   `json:"metrics" mapstructure:"metrics"`
}

// MemoryConfig holds indexing configuration
type MemoryConfig struct {
	DBPath              string `json:"db_path" mapstructure:"db_path"`
	TokenBudget         int    `json:"token_budget" mapstructure:"token_budget"`
	OverlapTokens       int    `json:"overlap_tokens" mapstructure:"overlap_tokens"`
	RecentMessages      int    `json:"recent_messages" mapstructure:"recent_messages"`
	MaintenanceSchedule string `json:"maintenance_schedule" mapstructure:"maintenance_schedule"`
	DisableWatcher      bool   `json:"disable_watcher" mapstructure:"disable_watcher"`
}

// EmbeddingConfig holds embedding provider configuration
type EmbeddingConfig struct {
	Provider      string `json:"provider" mapstructure:"provider"` // openai, noop, none
	APIKey        string `json:"api_key" mapstructure:"api_key"`
	Model         string `json:"model" mapstructure:"model"`
	FallbackToFTS bool   `json:"fallback_to_fts" mapstructure:"fallback_to_fts"`
}

// SearchConfig holds hybrid search tuning
type SearchConfig struct {
	VectorWeight float64 `json:"vector_weight" mapstructure:"vector_weight"`
	TextWeight   float64 `json:"text_weight" mapstructure:"text_weight"`
	MMR          bool    `json:"mmr" mapstructure:"mmr"`
	MMRLambda    float64 `json:"mmr_lambda" mapstructure:"mmr_lambda"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Memory: MemoryConfig{
			TokenBudget:         250,
			OverlapTokens:       12,
			RecentMessages:      10,
			MaintenanceSchedule: "",
		},
		Embedding: EmbeddingConfig{
			Provider:      "none",
			Model:         "text-embedding-3-small",
			FallbackToFTS: true,
		},
		Search: SearchConfig{
			VectorWeight: 0.7,
			TextWeight:   0.3,
			MMRLambda:    0.7,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.WorkspacePath == "" {
		return fmt.Errorf("workspace_path is required")
	}

	switch c.Embedding.Provider {
	case "", "none", "noop":
	case "openai":
		if c.Embedding.APIKey == "" && !c.Embedding.FallbackToFTS {
			return fmt.Errorf("embedding api_key is required for provider openai without fallback_to_fts")
		}
	default:
		return fmt.Errorf("invalid embedding provider %s (must be: openai, noop, none)", c.Embedding.Provider)
	}

	if c.Memory.TokenBudget <= 0 {
		return fmt.Errorf("memory token_budget must be positive")
	}
	if c.Memory.OverlapTokens < 0 {
		return fmt.Errorf("memory overlap_tokens cannot be negative")
	}
	if c.Search.VectorWeight < 0 || c.Search.TextWeight < 0 {
		return fmt.Errorf("search weights cannot be negative")
	}
	if c.Search.MMRLambda < 0 || c.Search.MMRLambda > 1 {
		return fmt.Errorf("search mmr_lambda must be between 0 and 1, got %f", c.Search.MMRLambda)
	}

	return nil
}
