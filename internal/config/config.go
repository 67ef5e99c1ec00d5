// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for dracoon-go. Values resolve through a
// four-layer override chain: defaults, config file, environment, CLI flags.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Transfers TransfersConfig `toml:"transfers"`
	Crypto    CryptoConfig    `toml:"crypto"`
	Logging   LoggingConfig   `toml:"logging"`
	Network   NetworkConfig   `toml:"network"`
}

// ServerConfig identifies the DRACOON instance and the OAuth client used
// to talk to it. base_url is the instance root without the /api suffix.
type ServerConfig struct {
	BaseURL      string `toml:"base_url"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
}

// TransfersConfig controls upload chunking and bandwidth limits.
// Chunks below 5 MiB are raised to 5 MiB by the transfer engines.
type TransfersConfig struct {
	ChunkSize      string `toml:"chunk_size"`
	BandwidthLimit string `toml:"bandwidth_limit"`
}

// CryptoConfig selects the key pair version used when a new user key pair
// is generated and published.
type CryptoConfig struct {
	KeyPairVersion string `toml:"key_pair_version"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath     string  // --config flag (empty = use default)
	BaseURL        *string // --base-url flag
	ChunkSize      *string // --chunk-size flag
	BandwidthLimit *string // --bandwidth-limit flag
}

// Resolved is the effective configuration after every override layer has
// been applied, together with the values derived from it.
type Resolved struct {
	Config

	// ConfigPath is the file the values were read from. The file may not
	// exist, in which case Config holds defaults.
	ConfigPath string

	// EncryptionPassword comes only from the environment and is never
	// written to disk.
	EncryptionPassword string

	ChunkSizeBytes int64
}
