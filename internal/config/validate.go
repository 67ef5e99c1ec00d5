package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/tonimelisma/dracoon-go/internal/cryptox"
)

// Validation range constants.
const (
	minChunkBytes     = 5 * mebibyte
	maxChunkBytes     = 5 * gibibyte
	minConnectTimeout = 1 * time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateTransfers(&cfg.Transfers)...)
	errs = append(errs, validateCrypto(&cfg.Crypto)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if s.BaseURL != "" {
		errs = append(errs, validateBaseURL(s.BaseURL)...)
	}

	if s.ClientID == "" {
		errs = append(errs, errors.New("client_id: must not be empty"))
	}

	return errs
}

func validateBaseURL(raw string) []error {
	u, err := url.Parse(raw)
	if err != nil {
		return []error{fmt.Errorf("base_url: %w", err)}
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return []error{fmt.Errorf("base_url: scheme must be https or http, got %q", raw)}
	}

	if u.Host == "" {
		return []error{fmt.Errorf("base_url: missing host in %q", raw)}
	}

	if u.RawQuery != "" || u.Fragment != "" {
		return []error{fmt.Errorf("base_url: must not carry a query or fragment, got %q", raw)}
	}

	return nil
}

func validateTransfers(t *TransfersConfig) []error {
	var errs []error

	errs = append(errs, validateChunkSize(t.ChunkSize)...)

	if _, err := ParseRate(t.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("bandwidth_limit: %w", err))
	}

	return errs
}

func validateChunkSize(s string) []error {
	n, err := ParseSize(s)
	if err != nil {
		return []error{fmt.Errorf("chunk_size: %w", err)}
	}

	if n <= 0 {
		return []error{fmt.Errorf("chunk_size: must be positive, got %q", s)}
	}

	if n > maxChunkBytes {
		return []error{fmt.Errorf("chunk_size: must be at most 5GiB, got %s", s)}
	}

	return nil
}

func validateCrypto(c *CryptoConfig) []error {
	if _, err := cryptox.ParseKeyPairVersion(c.KeyPairVersion); err != nil {
		return []error{fmt.Errorf("key_pair_version: %w", err)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}

func validateNetwork(n *NetworkConfig) []error {
	return validateDurationMin("connect_timeout", n.ConnectTimeout, minConnectTimeout)
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be at least %s, got %s", field, minimum, value)}
	}

	return nil
}

// WarnSmallChunk logs when chunk_size is below the multipart minimum. The
// value is accepted; the transfer engines raise it to 5 MiB.
func WarnSmallChunk(r *Resolved, logger *slog.Logger) {
	if r.ChunkSizeBytes < minChunkBytes {
		logger.Warn("chunk_size below 5MiB; transfers use 5MiB",
			slog.String("chunk_size", r.Transfers.ChunkSize),
		)
	}
}

// ConnectTimeout returns the parsed connect timeout. Resolve has already
// validated the value.
func (r *Resolved) ConnectTimeout() time.Duration {
	d, err := time.ParseDuration(r.Network.ConnectTimeout)
	if err != nil {
		return 0
	}

	return d
}
