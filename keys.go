package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/dracoon-go/internal/config"
)

// keys generate flags.
var (
	flagKeysNode  int64
	flagKeysLimit int
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage encryption keys",
	}

	cmd.AddCommand(newKeysListCmd())
	cmd.AddCommand(newKeysSetupCmd())
	cmd.AddCommand(newKeysGenerateCmd())

	return cmd
}

func newKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the key pair versions held by the account",
		Args:  cobra.NoArgs,
		RunE:  runKeysList,
	}
}

func newKeysSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Generate and publish a key pair",
		Long: `Generate a user key pair of the configured version, protect the private
key with the encryption password and publish it to the account.`,
		Args: cobra.NoArgs,
		RunE: runKeysSetup,
	}
}

func newKeysGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Share file keys with users still waiting for them",
		Long: `Wrap the file keys you hold for every user who has access to an encrypted
file but no key for it yet. --node restricts the work to one room, folder
or file; --limit bounds the number of keys wrapped in one run.`,
		Args: cobra.NoArgs,
		RunE: runKeysGenerate,
	}

	cmd.Flags().Int64Var(&flagKeysNode, "node", 0, "only handle files within this node")
	cmd.Flags().IntVar(&flagKeysLimit, "limit", 0, "maximum number of keys to wrap (0 = all)")

	return cmd
}

func requirePassword() error {
	if resolvedCfg.EncryptionPassword == "" {
		return fmt.Errorf("set %s to the encryption password", config.EnvEncryptionPassword)
	}

	return nil
}

func runKeysList(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := cmd.Context()

	session, err := NewSession(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	versions, err := session.Client.KeyPairs.Versions(ctx)
	if err != nil {
		return err
	}

	if flagJSON {
		out := make([]string, 0, len(versions))
		for _, v := range versions {
			out = append(out, string(v))
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	if len(versions) == 0 {
		statusf(flagQuiet, "No key pairs. Run 'dracoon-go keys setup' to create one.\n")
		return nil
	}

	rows := make([][]string, 0, len(versions))
	for _, v := range versions {
		rows = append(rows, []string{string(v)})
	}

	printTable(os.Stdout, []string{"VERSION"}, rows)

	return nil
}

func runKeysSetup(cmd *cobra.Command, _ []string) error {
	if err := requirePassword(); err != nil {
		return err
	}

	logger := buildLogger()
	ctx := shutdownContext(cmd.Context(), logger)

	session, err := NewSession(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	version, err := session.Client.SetupKeyPair(ctx)
	if err != nil {
		return err
	}

	statusf(flagQuiet, "Published key pair %s.\n", version)

	return nil
}

func runKeysGenerate(cmd *cobra.Command, _ []string) error {
	if err := requirePassword(); err != nil {
		return err
	}

	if flagKeysLimit < 0 {
		return errors.New("--limit must not be negative")
	}

	logger := buildLogger()
	ctx := shutdownContext(cmd.Context(), logger)

	session, err := NewSession(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	var nodeID *int64
	if cmd.Flags().Changed("node") {
		if flagKeysNode <= 0 {
			return fmt.Errorf("invalid --node %d", flagKeysNode)
		}

		nodeID = &flagKeysNode
	}

	done, err := session.Client.GenerateMissingFileKeys(ctx, nodeID, flagKeysLimit)
	if err != nil {
		return err
	}

	logger.Info("missing file keys handled", slog.Bool("complete", done))

	if done {
		statusf(flagQuiet, "All missing file keys generated.\n")
	} else {
		statusf(flagQuiet, "Stopped at --limit %d; run again to continue.\n", flagKeysLimit)
	}

	return nil
}
