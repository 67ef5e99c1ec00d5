// Package testutil provides shared environment helpers for the live-server
// E2E tests. It depends only on stdlib so the E2E suite stays a pure
// black-box consumer of the built binary.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables read by the E2E suite.
const (
	EnvBaseURL         = "DRACOON_E2E_BASE_URL"
	EnvAccessToken     = "DRACOON_E2E_ACCESS_TOKEN"
	EnvRefreshToken    = "DRACOON_E2E_REFRESH_TOKEN"
	EnvRoomID          = "DRACOON_E2E_ROOM_ID"
	EnvEncryptedRoomID = "DRACOON_E2E_ENCRYPTED_ROOM_ID"
	EnvAllowedServers  = "DRACOON_E2E_ALLOWED_SERVERS"
)

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// RequireEnv returns the value of name, crashing the process when unset.
func RequireEnv(name string) string {
	v := os.Getenv(name)
	if v == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", name)
		fmt.Fprintln(os.Stderr, "Set it in .env or as an environment variable.")
		os.Exit(1)
	}

	return v
}

// ValidateAllowlist crashes the process unless baseURL is listed in
// DRACOON_E2E_ALLOWED_SERVERS. The suite uploads real files, so it must
// never run against a server nobody approved for testing.
func ValidateAllowlist(baseURL string) {
	allowlist := RequireEnv(EnvAllowedServers)

	want := strings.TrimSuffix(baseURL, "/")
	for _, a := range strings.Split(allowlist, ",") {
		if strings.TrimSuffix(strings.TrimSpace(a), "/") == want {
			return
		}
	}

	fmt.Fprintf(os.Stderr, "FATAL: %s=%q is not in %s=%q\n", EnvBaseURL, baseURL, EnvAllowedServers, allowlist)
	os.Exit(1)
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}

// IsolateDirs points HOME and the XDG directories at fresh directories
// under root so the suite never touches the developer's real credential.
func IsolateDirs(root string) {
	for _, name := range []string{"HOME", "XDG_CONFIG_HOME", "XDG_DATA_HOME", "XDG_CACHE_HOME"} {
		dir := filepath.Join(root, strings.ToLower(name))

		if err := os.MkdirAll(dir, 0o700); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: creating %s: %v\n", dir, err)
			os.Exit(1)
		}

		os.Setenv(name, dir)
	}
}
