package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// configFilePermissions is the standard permission mode for config files.
// Owner read/write, group and others read-only.
const configFilePermissions = 0o644

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o755

// sectionHeaderPrefix starts a TOML table header. Used to detect section
// boundaries in line-based edits.
const sectionHeaderPrefix = "["

// configTemplate is the config file content written on first login. Every
// optional setting is present as a commented-out default. The template is
// written once; later edits are text-level so user changes survive.
const configTemplate = `# dracoon-go configuration

[server]
base_url = %q
# client_id = "dracoon_legacy_scripting"
# client_secret = ""

[transfers]
# Upload and download chunk size. Values below 5MiB are raised to 5MiB.
# chunk_size = "10MiB"
# Aggregate rate limit, e.g. "5MB/s". "0" is unlimited.
# bandwidth_limit = "0"

[crypto]
# Version for newly generated key pairs: "RSA-4096" or "A" (RSA-2048)
# key_pair_version = "RSA-4096"

[logging]
# debug, info, warn, error
# log_level = "info"
# auto, text, json
# log_format = "auto"

[network]
# connect_timeout = "10s"
# user_agent = ""
`

// CreateConfig writes a new config file from the template with base_url
// set. Used on first login when no config file exists. The write is atomic
// and parent directories are created as needed.
func CreateConfig(path, baseURL string) error {
	slog.Info("creating config file",
		"path", path,
		"base_url", baseURL,
	)

	return atomicWriteFile(path, []byte(fmt.Sprintf(configTemplate, baseURL)))
}

// SetKey sets key = value inside [section] of an existing config file.
// An existing key line is replaced; otherwise the key is inserted after the
// section header. A missing section is appended at the end of the file.
//
// Value formatting: booleans ("true"/"false") are written without quotes;
// all other values are written as quoted strings.
func SetKey(path, section, key, value string) error {
	slog.Info("setting config key",
		"path", path,
		"section", section,
		"key", key,
	)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	newLine := fmt.Sprintf("%s = %s", key, formatTOMLValue(value))

	headerLine, sectionStart := findSectionHeader(lines, section)
	if sectionStart < 0 {
		content := string(data)
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}

		content += fmt.Sprintf("\n[%s]\n%s\n", section, newLine)

		return atomicWriteFile(path, []byte(content))
	}

	lines = setKeyInSection(lines, headerLine, sectionStart, key, newLine)

	return atomicWriteFile(path, []byte(strings.Join(lines, "\n")))
}

// findSectionHeader locates the line index of a section header.
// Returns the header line index and the section content start (header + 1).
// Returns -1 for both if the section is not found.
func findSectionHeader(lines []string, section string) (int, int) {
	header := "[" + section + "]"

	for i, line := range lines {
		if strings.TrimSpace(line) == header {
			return i, i + 1
		}
	}

	return -1, -1
}

// findSectionEnd returns the index of the first line after the section's
// own content. Blank lines and comments that precede the next section
// header belong to the next section's preamble.
func findSectionEnd(lines []string, sectionStart int) int {
	nextHeader := len(lines)

	for i := sectionStart; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if strings.HasPrefix(trimmed, sectionHeaderPrefix) {
			nextHeader = i

			break
		}
	}

	end := nextHeader
	for end > sectionStart {
		trimmed := strings.TrimSpace(lines[end-1])
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			end--

			continue
		}

		break
	}

	return end
}

// setKeyInSection either replaces an existing key line or inserts a new
// one after the section header. Commented-out defaults are left alone.
func setKeyInSection(lines []string, headerLine, sectionStart int, key, newLine string) []string {
	sectionEnd := findSectionEnd(lines, sectionStart)
	keyPrefix := key + " "
	keyPrefixEq := key + "="

	for i := headerLine + 1; i < sectionEnd; i++ {
		trimmed := strings.TrimSpace(lines[i])
		if strings.HasPrefix(trimmed, keyPrefix) || strings.HasPrefix(trimmed, keyPrefixEq) {
			lines[i] = newLine

			return lines
		}
	}

	inserted := make([]string, 0, len(lines)+1)
	inserted = append(inserted, lines[:headerLine+1]...)
	inserted = append(inserted, newLine)
	inserted = append(inserted, lines[headerLine+1:]...)

	return inserted
}

// formatTOMLValue formats a value for TOML output. Booleans are written
// bare (true/false); all other values are quoted strings.
func formatTOMLValue(value string) string {
	if value == "true" || value == "false" {
		return value
	}

	return fmt.Sprintf("%q", value)
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it to the target path. This prevents partial writes
// from corrupting the config file on crash. Parent directories are created
// as needed. Files are created with configFilePermissions (0644).
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	// Clean up the temp file on any error path.
	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
