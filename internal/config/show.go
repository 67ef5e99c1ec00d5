package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as an annotated summary
// to w. This powers "config show", giving users the effective values after
// every override layer has been applied. Secrets are never printed.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", r.ConfigPath)

	ew.printf("[server]\n")
	ew.printf("  base_url        = %q\n", r.Server.BaseURL)
	ew.printf("  client_id       = %q\n", r.Server.ClientID)
	ew.printf("  client_secret   = %s\n", redacted(r.Server.ClientSecret))
	ew.printf("\n")

	ew.printf("[transfers]\n")
	ew.printf("  chunk_size      = %q\n", r.Transfers.ChunkSize)
	ew.printf("  bandwidth_limit = %q\n", r.Transfers.BandwidthLimit)
	ew.printf("\n")

	ew.printf("[crypto]\n")
	ew.printf("  key_pair_version = %q\n", r.Crypto.KeyPairVersion)
	ew.printf("  # encryption password from %s: %s\n", EnvEncryptionPassword, redacted(r.EncryptionPassword))
	ew.printf("\n")

	ew.printf("[logging]\n")
	ew.printf("  log_level       = %q\n", r.Logging.LogLevel)
	ew.printf("  log_format      = %q\n", r.Logging.LogFormat)
	ew.printf("\n")

	ew.printf("[network]\n")
	ew.printf("  connect_timeout = %q\n", r.Network.ConnectTimeout)

	if r.Network.UserAgent != "" {
		ew.printf("  user_agent      = %q\n", r.Network.UserAgent)
	}

	return ew.err
}

func redacted(s string) string {
	if s == "" {
		return "(not set)"
	}

	return "(set)"
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
