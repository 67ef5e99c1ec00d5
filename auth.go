package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/dracoon-go/internal/auth"
	"github.com/tonimelisma/dracoon-go/internal/config"
	"github.com/tonimelisma/dracoon-go/internal/dracoon"
	"github.com/tonimelisma/dracoon-go/internal/tokenfile"
)

// callbackPath is the server page that displays the authorization code to
// the user.
const callbackPath = "/oauth/callback"

// Login flags.
var (
	flagAccessToken  string
	flagRefreshToken string
	flagAuthCode     string
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate with the server",
		Long: `Authenticate with the server and store the credential.

Without flags, prints an authorization URL and reads the code shown after
signing in. --access-token (optionally with --refresh-token) stores existing
tokens instead.`,
		RunE: runLogin,
	}

	cmd.Flags().StringVar(&flagAccessToken, "access-token", "", "use an existing access token")
	cmd.Flags().StringVar(&flagRefreshToken, "refresh-token", "", "refresh token to store with --access-token")
	cmd.Flags().StringVar(&flagAuthCode, "code", "", "authorization code (skips the prompt)")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored credential",
		RunE:  runLogout,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := shutdownContext(cmd.Context(), logger)

	serverURL := strings.TrimSuffix(resolvedCfg.Server.BaseURL, "/")
	if serverURL == "" {
		return errors.New("no server URL configured: pass --base-url or set it in the config file")
	}

	if flagRefreshToken != "" && flagAccessToken == "" {
		return errors.New("--refresh-token requires --access-token")
	}

	tokenPath := config.DefaultTokenPath()

	cred := auth.Credential{
		Mode:         auth.ModeAuthorizationCode,
		ClientID:     resolvedCfg.Server.ClientID,
		ClientSecret: resolvedCfg.Server.ClientSecret,
	}

	if flagAccessToken != "" {
		cred.Mode = auth.ModeAccessToken
		cred.AccessToken = flagAccessToken

		if flagRefreshToken != "" {
			cred.Mode = auth.ModeAccessAndRefreshToken
			cred.RefreshToken = flagRefreshToken
		}
	}

	logger.Info("login started",
		slog.String("server", serverURL),
		slog.String("mode", cred.Mode.String()),
	)

	// Retrieve and refresh persist through TokenPath.
	client, err := dracoon.New(dracoon.Options{
		ServerURL:      serverURL,
		Credential:     cred,
		UserAgent:      resolvedCfg.Network.UserAgent,
		ConnectTimeout: resolvedCfg.ConnectTimeout(),
		TokenPath:      tokenPath,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	if cred.Mode == auth.ModeAuthorizationCode {
		if err := retrieveWithCode(ctx, cmd.InOrStdin(), client, serverURL); err != nil {
			return err
		}
	}

	settings, err := client.API.GetGeneralSettings(ctx)
	if err != nil {
		return fmt.Errorf("verifying credential: %w", err)
	}

	if cred.Mode != auth.ModeAuthorizationCode {
		if err := saveCredential(tokenPath, serverURL, client.Refresher.State().Credential()); err != nil {
			return err
		}
	}

	if err := rememberServer(resolvedCfg.ConfigPath, serverURL); err != nil {
		return err
	}

	logger.Info("login successful", slog.String("server", serverURL))
	statusf(flagQuiet, "Logged in to %s.\n", serverURL)

	if settings.CryptoEnabled {
		statusf(flagQuiet, "Encryption is enabled; set %s to work with encrypted rooms.\n", config.EnvEncryptionPassword)
	}

	return nil
}

// retrieveWithCode exchanges an authorization code, prompting for it when
// --code was not given.
func retrieveWithCode(ctx context.Context, in io.Reader, client *dracoon.Client, serverURL string) error {
	code := flagAuthCode

	if code == "" {
		client.Refresher.SetRedirectURL(serverURL + callbackPath)

		// The prompt must stay visible under --quiet.
		fmt.Fprintf(os.Stderr, "To sign in, open: %s\n", client.Refresher.AuthCodeURL(uuid.NewString()))
		fmt.Fprint(os.Stderr, "Enter the authorization code: ")

		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading authorization code: %w", err)
		}

		code = strings.TrimSpace(line)
	}

	if code == "" {
		return errors.New("no authorization code given")
	}

	if err := client.Refresher.Retrieve(ctx, code); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	return nil
}

func saveCredential(path, serverURL string, c auth.Credential) error {
	return tokenfile.Save(path, &tokenfile.File{
		Token:     &oauth2.Token{AccessToken: c.AccessToken, RefreshToken: c.RefreshToken},
		Mode:      c.Mode.String(),
		ServerURL: serverURL,
		ClientID:  c.ClientID,
	})
}

// rememberServer writes the server URL to the config file, creating the
// file from the template when it does not exist yet.
func rememberServer(path, serverURL string) error {
	if path == "" {
		return nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.CreateConfig(path, serverURL)
	}

	return config.SetKey(path, "server", "base_url", serverURL)
}

func runLogout(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	tokenPath := config.DefaultTokenPath()

	tf, err := tokenfile.Load(tokenPath)
	if err != nil {
		logger.Warn("stored credential unreadable, removing it", slog.String("error", err.Error()))
	}

	if err := tokenfile.Remove(tokenPath); err != nil {
		return err
	}

	if tf == nil && err == nil {
		statusf(flagQuiet, "Not logged in.\n")
		return nil
	}

	logger.Info("logout successful")
	statusf(flagQuiet, "Logged out.\n")

	return nil
}
