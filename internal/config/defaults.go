package config

// Default values for configuration options. These are "layer 0" of the
// override chain and work without any config file.
const (
	defaultClientID       = "dracoon_legacy_scripting"
	defaultChunkSize      = "10MiB"
	defaultBandwidthLimit = "0"
	defaultKeyPairVersion = "RSA-4096"
	defaultLogLevel       = "info"
	defaultLogFormat      = "auto"
	defaultConnectTimeout = "10s"
)

// DefaultConfig returns a Config populated with all default values.
// It is the starting point for TOML decoding, so unset fields keep their
// defaults, and the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ClientID: defaultClientID,
		},
		Transfers: TransfersConfig{
			ChunkSize:      defaultChunkSize,
			BandwidthLimit: defaultBandwidthLimit,
		},
		Crypto: CryptoConfig{
			KeyPairVersion: defaultKeyPairVersion,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
		},
	}
}
