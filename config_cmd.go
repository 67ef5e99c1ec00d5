package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/dracoon-go/internal/config"
)

// configFilePerms matches the mode config.CreateConfig writes.
const configFilePerms = 0o644

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigSetCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		RunE:  runConfigShow,
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <section.key> <value>",
		Short: "Set a value in the config file",
		Long: `Set one key in the config file, creating the file if needed. Comments and
the rest of the file are preserved. Example:

  dracoon-go config set transfers.chunk_size 32MiB`,
		Args: cobra.ExactArgs(2),
		RunE: runConfigSet,
	}
}

// configShowJSON is the JSON output schema; secrets are redacted.
type configShowJSON struct {
	ConfigPath     string        `json:"config_path"`
	Config         config.Config `json:"config"`
	ChunkSizeBytes int64         `json:"chunk_size_bytes"`
	PasswordSet    bool          `json:"encryption_password_set"`
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	if resolvedCfg == nil {
		return fmt.Errorf("no configuration loaded")
	}

	if flagJSON {
		out := configShowJSON{
			ConfigPath:     resolvedCfg.ConfigPath,
			Config:         resolvedCfg.Config,
			ChunkSizeBytes: resolvedCfg.ChunkSizeBytes,
			PasswordSet:    resolvedCfg.EncryptionPassword != "",
		}

		if out.Config.Server.ClientSecret != "" {
			out.Config.Server.ClientSecret = "********"
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	return config.RenderEffective(resolvedCfg, os.Stdout)
}

func runConfigSet(_ *cobra.Command, args []string) error {
	section, key, err := splitConfigKey(args[0])
	if err != nil {
		return err
	}

	path := resolvedCfg.ConfigPath
	if path == "" {
		return fmt.Errorf("cannot determine config file path")
	}

	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		if err := config.CreateConfig(path, resolvedCfg.Server.BaseURL); err != nil {
			return err
		}
	}

	previous, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := config.SetKey(path, section, key, args[1]); err != nil {
		return err
	}

	// Reject values the loader would refuse on the next run.
	if _, err := config.Load(path); err != nil {
		if restoreErr := os.WriteFile(path, previous, configFilePerms); restoreErr != nil {
			return fmt.Errorf("restoring %s: %w (after: %w)", path, restoreErr, err)
		}

		return fmt.Errorf("not setting %s: %w", args[0], err)
	}

	statusf(flagQuiet, "Set %s in %s\n", args[0], path)

	return nil
}

func splitConfigKey(s string) (string, string, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			if i == 0 || i == len(s)-1 {
				break
			}

			return s[:i], s[i+1:], nil
		}
	}

	return "", "", fmt.Errorf("invalid key %q: expected section.key", s)
}
