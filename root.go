package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/dracoon-go/internal/apperr"
	"github.com/tonimelisma/dracoon-go/internal/auth"
	"github.com/tonimelisma/dracoon-go/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Exit codes.
const (
	exitFailure  = 1
	exitCanceled = 130
)

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath     string
	flagBaseURL        string
	flagChunkSize      string
	flagBandwidthLimit string
	flagJSON           bool
	flagVerbose        bool
	flagQuiet          bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
var resolvedCfg *config.Resolved

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dracoon-go",
		Short:   "DRACOON command-line client",
		Long:    "Upload, download and share files on DRACOON, with client-side encryption for encrypted rooms.",
		Version: version,
		// We print errors ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flagConfigPath, "config", "", "config file path")
	pf.StringVar(&flagBaseURL, "base-url", "", "server URL, e.g. https://dracoon.example.com")
	pf.StringVar(&flagChunkSize, "chunk-size", "", "transfer chunk size (e.g. 10MiB)")
	pf.StringVar(&flagBandwidthLimit, "bandwidth-limit", "", "bandwidth limit (e.g. 5MB/s, 0 = unlimited)")
	pf.BoolVar(&flagJSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newKeysCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer
// override chain and stores it in resolvedCfg. Only flags the user set
// override the file.
func loadConfig(cmd *cobra.Command) error {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	if cmd.Flags().Changed("base-url") {
		cli.BaseURL = &flagBaseURL
	}

	if cmd.Flags().Changed("chunk-size") {
		cli.ChunkSize = &flagChunkSize
	}

	if cmd.Flags().Changed("bandwidth-limit") {
		cli.BandwidthLimit = &flagBandwidthLimit
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = resolved

	return nil
}

// buildLogger creates the process logger. The config file sets level and
// format; --verbose and --quiet override the level because CLI flags always
// win.
func buildLogger() *slog.Logger {
	return newLogger(os.Stderr, resolvedCfg, flagVerbose, flagQuiet)
}

func newLogger(w io.Writer, cfg *config.Resolved, verbose, quiet bool) *slog.Logger {
	level := slog.LevelWarn
	format := "auto"

	if cfg != nil {
		switch cfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}

		format = cfg.Logging.LogFormat
	}

	if verbose {
		level = slog.LevelDebug
	}

	if quiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	// auto: text for people, JSON when stderr is redirected to a collector.
	if format == "json" || (format == "auto" && !isTerminal(w)) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// isTerminal reports whether w is a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	exitWithCode(err, exitFailure)
}

func exitWithCode(err error, code int) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	if hint := errorHint(err); hint != "" {
		fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
	}

	os.Exit(code)
}

// errorHint suggests a next step for the common failure classes.
func errorHint(err error) string {
	switch {
	case errors.Is(err, errNotLoggedIn), errors.Is(err, apperr.ErrUnauthorized),
		errors.Is(err, auth.ErrRefreshRejected):
		return "run 'dracoon-go login' to sign in again"
	case errors.Is(err, apperr.ErrInvalidPassword):
		return "check " + config.EnvEncryptionPassword
	case errors.Is(err, apperr.ErrBadFile):
		return "the file failed its integrity check; nothing was written"
	case errors.Is(err, apperr.ErrNetwork):
		return "check the server URL and your connection"
	default:
		return ""
	}
}
