package config

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Server(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr string
	}{
		{"empty allowed", "", ""},
		{"https", "https://dracoon.example.com", ""},
		{"http with port and path", "http://localhost:8080/tenant", ""},
		{"bad scheme", "ftp://dracoon.example.com", "scheme"},
		{"no host", "https://", "missing host"},
		{"query", "https://dracoon.example.com/?x=1", "query"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Server.BaseURL = tt.baseURL

			err := Validate(cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_EmptyClientID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.ClientID = ""

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client_id")
}

func TestValidate_ChunkSize(t *testing.T) {
	tests := []struct {
		value   string
		wantErr bool
	}{
		{"10MiB", false},
		{"1MiB", false}, // accepted, raised by the engines
		{"5GiB", false},
		{"6GiB", true},
		{"0", true},
		{"big", true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Transfers.ChunkSize = tt.value

			err := Validate(cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "chunk_size")
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidate_BandwidthLimit(t *testing.T) {
	cfg := DefaultConfig()

	cfg.Transfers.BandwidthLimit = "5MB/s"
	require.NoError(t, Validate(cfg))

	cfg.Transfers.BandwidthLimit = "fast"
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bandwidth_limit")
}

func TestValidate_KeyPairVersion(t *testing.T) {
	for _, v := range []string{"A", "RSA-4096"} {
		cfg := DefaultConfig()
		cfg.Crypto.KeyPairVersion = v
		assert.NoError(t, Validate(cfg), v)
	}

	cfg := DefaultConfig()
	cfg.Crypto.KeyPairVersion = "RSA-8192"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key_pair_version")
}

func TestValidate_Logging(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.LogLevel = "trace"
	cfg.Logging.LogFormat = "xml"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "log_format")
}

func TestValidate_ConnectTimeout(t *testing.T) {
	cfg := DefaultConfig()

	cfg.Network.ConnectTimeout = "500ms"
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least")

	cfg.Network.ConnectTimeout = "soon"
	err = Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestWarnSmallChunk(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewTextHandler(&buf, nil))

	WarnSmallChunk(&Resolved{ChunkSizeBytes: 10 * mebibyte}, logger)
	assert.Empty(t, buf.String())

	r := &Resolved{ChunkSizeBytes: mebibyte}
	r.Transfers.ChunkSize = "1MiB"
	WarnSmallChunk(r, logger)
	assert.Contains(t, buf.String(), "chunk_size below 5MiB")
}
