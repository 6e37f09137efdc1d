package cli

import (
	"fmt"

	"mnemo/internal/config"
	"mnemo/internal/logger"
	"mnemo/pkg/memory"
)

// loadConfig loads and validates the configuration, applying CLI overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openService builds the memory service from config. The caller owns both
// returned closers.
func openService(cfg *config.Config, console bool, watch bool) (*memory.Service, *logger.Logger, error) {
	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   console,
		Pretty:    console,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	memory.ClearLegacyData(cfg.DataDir)

	svc, err := memory.New(memory.Config{
		Workspace:           cfg.WorkspacePath,
		DBPath:              cfg.Memory.DBPath,
		Logger:              log.GetZerolog(),
		EmbeddingProvider:   cfg.Embedding.Provider,
		EmbeddingAPIKey:     cfg.Embedding.APIKey,
		EmbeddingModel:      cfg.Embedding.Model,
		FallbackToFTS:       cfg.Embedding.FallbackToFTS,
		Chunking:            memory.ChunkOptions{TokenBudget: cfg.Memory.TokenBudget, OverlapTokens: cfg.Memory.OverlapTokens},
		RecentMessages:      cfg.Memory.RecentMessages,
		MaintenanceSchedule: cfg.Memory.MaintenanceSchedule,
		DisableWatcher:      !watch || cfg.Memory.DisableWatcher,
	})
	if err != nil {
		log.Close()
		return nil, nil, err
	}
	return svc, log, nil
}
