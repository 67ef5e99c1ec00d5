package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig             = "DRACOON_GO_CONFIG"
	EnvBaseURL            = "DRACOON_GO_BASE_URL"
	EnvEncryptionPassword = "DRACOON_GO_ENCRYPTION_PASSWORD"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath         string // DRACOON_GO_CONFIG: override config file path
	BaseURL            string // DRACOON_GO_BASE_URL: server base URL
	EncryptionPassword string // DRACOON_GO_ENCRYPTION_PASSWORD: private key password
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:         os.Getenv(EnvConfig),
		BaseURL:            os.Getenv(EnvBaseURL),
		EncryptionPassword: os.Getenv(EnvEncryptionPassword),
	}
}
