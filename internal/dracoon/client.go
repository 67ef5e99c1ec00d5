// Package dracoon wires the client core together: credential state, the
// authenticating transport, the REST client, key pair cache, file key
// fetcher and generator, and the transfer engines. Build one Client per
// server and account; it is safe for concurrent use.
package dracoon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/dracoon-go/internal/api"
	"github.com/tonimelisma/dracoon-go/internal/auth"
	"github.com/tonimelisma/dracoon-go/internal/cryptox"
	"github.com/tonimelisma/dracoon-go/internal/filekeys"
	"github.com/tonimelisma/dracoon-go/internal/tokenfile"
	"github.com/tonimelisma/dracoon-go/internal/transfer"
)

// APIPath is the REST root below the server URL.
const APIPath = "/api/v4"

const defaultConnectTimeout = 10 * time.Second

// Options configures New.
type Options struct {
	// ServerURL is the instance root, e.g. "https://dracoon.example.com".
	ServerURL  string
	Credential auth.Credential

	// EncryptionPassword unlocks the user's private keys. Empty disables
	// every encrypted operation with apperr.ErrInvalidPassword.
	EncryptionPassword []byte
	KeyPairVersion     cryptox.KeyPairVersion

	ChunkSize      int
	BandwidthLimit string
	UserAgent      string
	ConnectTimeout time.Duration

	// TokenPath, when set, receives every refreshed credential.
	TokenPath string

	// BaseTransport sends all requests. nil means a transport derived from
	// http.DefaultTransport with ConnectTimeout applied.
	BaseTransport http.RoundTripper

	Logger *slog.Logger
}

// Client is the assembled client core.
type Client struct {
	API       *api.Client
	Refresher *auth.Refresher
	KeyPairs  *filekeys.KeyPairStore
	Fetcher   *filekeys.Fetcher
	Generator *filekeys.Generator

	serverURL string
	password  []byte
	version   cryptox.KeyPairVersion
	chunkSize int
	limiter   *transfer.BandwidthLimiter
	logger    *slog.Logger
}

// New builds every collaborator once.
func New(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	serverURL := strings.TrimSuffix(opts.ServerURL, "/")
	if serverURL == "" {
		return nil, fmt.Errorf("dracoon: server url is required")
	}

	base := opts.BaseTransport
	if base == nil {
		base = newBaseTransport(opts.ConnectTimeout)
	}

	refresher := auth.NewRefresher(auth.NewState(opts.Credential), serverURL, &http.Client{Transport: base}, logger)

	if opts.TokenPath != "" {
		refresher.OnChange(persistCredential(opts.TokenPath, serverURL, logger))
	}

	tr, err := auth.NewTransport(base, refresher, serverURL, logger)
	if err != nil {
		return nil, fmt.Errorf("dracoon: %w", err)
	}

	client := api.NewClient(serverURL+APIPath, &http.Client{Transport: tr}, logger, opts.UserAgent)

	limiter, err := transfer.NewBandwidthLimiter(opts.BandwidthLimit, logger)
	if err != nil {
		return nil, fmt.Errorf("dracoon: %w", err)
	}

	keys := filekeys.NewKeyPairStore(client, opts.EncryptionPassword, opts.KeyPairVersion, logger)

	logger.Debug("client assembled",
		slog.String("server", serverURL),
		slog.String("auth_mode", opts.Credential.Mode.String()),
	)

	return &Client{
		API:       client,
		Refresher: refresher,
		KeyPairs:  keys,
		Fetcher:   filekeys.NewFetcher(client, keys, logger),
		Generator: filekeys.NewGenerator(client, keys, logger),
		serverURL: serverURL,
		password:  opts.EncryptionPassword,
		version:   opts.KeyPairVersion,
		chunkSize: opts.ChunkSize,
		limiter:   limiter,
		logger:    logger,
	}, nil
}

// ServerURL returns the instance root the client talks to.
func (c *Client) ServerURL() string {
	return c.serverURL
}

func newBaseTransport(connectTimeout time.Duration) http.RoundTripper {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}

	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext
	t.TLSHandshakeTimeout = connectTimeout

	return t
}

// persistCredential saves each new credential. A failed save is logged;
// the in-memory credential stays valid for this run.
func persistCredential(path, serverURL string, logger *slog.Logger) func(auth.Credential) {
	return func(c auth.Credential) {
		err := tokenfile.Save(path, &tokenfile.File{
			Token:     &oauth2.Token{AccessToken: c.AccessToken, RefreshToken: c.RefreshToken},
			Mode:      c.Mode.String(),
			ServerURL: serverURL,
			ClientID:  c.ClientID,
		})
		if err != nil {
			logger.Warn("persisting refreshed credential failed", slog.String("error", err.Error()))
			return
		}

		logger.Debug("credential persisted", slog.String("path", path))
	}
}

// CredentialFromFile rebuilds a Credential from a saved token file and the
// configured client id and secret.
func CredentialFromFile(tf *tokenfile.File, clientID, clientSecret string) (auth.Credential, error) {
	mode, ok := auth.ParseMode(tf.Mode)
	if !ok {
		return auth.Credential{}, fmt.Errorf("dracoon: token file has unknown mode %q", tf.Mode)
	}

	if tf.ClientID != "" {
		clientID = tf.ClientID
	}

	return auth.Credential{
		Mode:         mode,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AccessToken:  tf.Token.AccessToken,
		RefreshToken: tf.Token.RefreshToken,
	}, nil
}

// SetupKeyPair generates a key pair of the configured version, protects
// it with the encryption password and publishes it to the account.
func (c *Client) SetupKeyPair(ctx context.Context) (cryptox.KeyPairVersion, error) {
	version := c.version
	if version == "" {
		version = cryptox.KeyPairVersions[0]
	}

	has, err := c.KeyPairs.Has(ctx, version)
	if err != nil {
		return "", fmt.Errorf("dracoon: %w", err)
	}

	if has {
		return "", fmt.Errorf("dracoon: account already holds a %s key pair", version)
	}

	kp, err := cryptox.GenerateUserKeyPair(version, c.password)
	if err != nil {
		return "", fmt.Errorf("dracoon: %w", err)
	}

	if err := c.API.SetUserKeyPair(ctx, kp); err != nil {
		return "", fmt.Errorf("dracoon: publishing key pair: %w", err)
	}

	c.KeyPairs.Reset()

	c.logger.Info("key pair published", slog.String("version", string(version)))

	return version, nil
}

// GenerateMissingFileKeys wraps file keys for users still waiting for
// them, optionally limited to one node, handling at most limit pairs
// (0 means no limit). It reports whether nothing is left to do.
func (c *Client) GenerateMissingFileKeys(ctx context.Context, nodeID *int64, limit int) (bool, error) {
	return c.Generator.GenerateMissingFileKeys(ctx, nodeID, limit)
}
