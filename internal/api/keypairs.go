package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/tonimelisma/dracoon-go/internal/cryptox"
)

// GetUserKeyPairs lists every key pair stored for the account.
func (c *Client) GetUserKeyPairs(ctx context.Context) ([]cryptox.UserKeyPair, error) {
	var pairs []cryptox.UserKeyPair
	if err := c.doJSON(ctx, http.MethodGet, "/user/account/keypairs", nil, &pairs); err != nil {
		return nil, fmt.Errorf("api: listing key pairs: %w", err)
	}

	return pairs, nil
}

// GetUserKeyPair fetches the account's key pair of one version.
func (c *Client) GetUserKeyPair(ctx context.Context, version cryptox.KeyPairVersion) (*cryptox.UserKeyPair, error) {
	var kp cryptox.UserKeyPair

	path := "/user/account/keypair?version=" + url.QueryEscape(string(version))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &kp); err != nil {
		return nil, fmt.Errorf("api: getting key pair %q: %w", version, err)
	}

	return &kp, nil
}

// SetUserKeyPair stores a new key pair for the account.
func (c *Client) SetUserKeyPair(ctx context.Context, kp cryptox.UserKeyPair) error {
	if err := c.doJSON(ctx, http.MethodPost, "/user/account/keypair", kp, nil); err != nil {
		return fmt.Errorf("api: setting key pair %q: %w", kp.Version(), err)
	}

	c.logger.Info("key pair stored", slog.String("version", string(kp.Version())))

	return nil
}
