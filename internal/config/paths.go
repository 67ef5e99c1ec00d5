package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Application directory name used across all platforms.
const appName = "dracoon-go"

// File names inside the config and data directories.
const (
	configFileName  = "config.toml"
	tokenFileName   = "token.json"
	journalFileName = "journal.db"
)

// dirKind describes where one class of files lives on each platform.
// macOS keeps config and data together under Application Support.
type dirKind struct {
	xdgEnv   string   // Linux override
	fallback []string // relative to home on Linux and other platforms
}

var (
	configDir = dirKind{xdgEnv: "XDG_CONFIG_HOME", fallback: []string{".config"}}
	dataDir   = dirKind{xdgEnv: "XDG_DATA_HOME", fallback: []string{".local", "share"}}
)

// appDir resolves kind for goos. getenv is os.Getenv outside tests.
func appDir(goos, home string, kind dirKind, getenv func(string) string) string {
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appName)
	case "linux":
		if xdg := getenv(kind.xdgEnv); xdg != "" {
			return filepath.Join(xdg, appName)
		}
	}

	return filepath.Join(append(append([]string{home}, kind.fallback...), appName)...)
}

// filePath joins name onto the platform directory for kind, or returns ""
// when the home directory is unknown.
func filePath(kind dirKind, name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(appDir(runtime.GOOS, home, kind, os.Getenv), name)
}

// DefaultConfigPath returns the full path to the default config file.
// This is used as the fallback when neither DRACOON_GO_CONFIG nor
// --config is specified.
func DefaultConfigPath() string {
	return filePath(configDir, configFileName)
}

// DefaultTokenPath returns the path of the stored OAuth credential.
func DefaultTokenPath() string {
	return filePath(dataDir, tokenFileName)
}

// DefaultJournalPath returns the path of the transfer journal database.
func DefaultJournalPath() string {
	return filePath(dataDir, journalFileName)
}
