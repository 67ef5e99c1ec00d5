package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	// 1. Config path: CLI > env > default
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// 2. Config file (defaults if it does not exist)
	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	// 3. Environment
	if env.BaseURL != "" {
		cfg.Server.BaseURL = env.BaseURL
	}

	// 4. CLI flags
	if cli.BaseURL != nil {
		cfg.Server.BaseURL = *cli.BaseURL
	}

	if cli.ChunkSize != nil {
		cfg.Transfers.ChunkSize = *cli.ChunkSize
	}

	if cli.BandwidthLimit != nil {
		cfg.Transfers.BandwidthLimit = *cli.BandwidthLimit
	}

	// 5. Overrides bypass Load's validation, so check the merged result.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	chunk, err := ParseSize(cfg.Transfers.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("config validation: chunk_size: %w", err)
	}

	return &Resolved{
		Config:             *cfg,
		ConfigPath:         cfgPath,
		EncryptionPassword: env.EncryptionPassword,
		ChunkSizeBytes:     chunk,
	}, nil
}
