package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tonimelisma/dracoon-go/internal/cryptox"
)

// GetFileKey fetches the caller's wrapped key for a file.
func (c *Client) GetFileKey(ctx context.Context, fileID int64) (*cryptox.EncryptedFileKey, error) {
	var key cryptox.EncryptedFileKey

	path := "/files/" + strconv.FormatInt(fileID, 10) + "/key"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &key); err != nil {
		return nil, fmt.Errorf("api: getting file key for %d: %w", fileID, err)
	}

	return &key, nil
}

// GetMissingFileKeys fetches one page of (user, file) pairs lacking a key.
func (c *Client) GetMissingFileKeys(ctx context.Context, q MissingKeysQuery) (*MissingFileKeys, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(q.Offset, 10))
	params.Set("limit", strconv.FormatInt(q.Limit, 10))

	if q.NodeID != nil {
		params.Set("nodeId", strconv.FormatInt(*q.NodeID, 10))
	}

	var page MissingFileKeys
	if err := c.doJSON(ctx, http.MethodGet, "/files/missing_keys?"+params.Encode(), nil, &page); err != nil {
		return nil, fmt.Errorf("api: getting missing file keys: %w", err)
	}

	c.logger.Debug("fetched missing file keys",
		slog.Int64("offset", q.Offset),
		slog.Int("items", len(page.Items)),
		slog.Int64("total", page.Range.Total),
	)

	return &page, nil
}

// SetFileKeys uploads wrapped file keys in one request.
func (c *Client) SetFileKeys(ctx context.Context, keys []UserFileKey) error {
	if err := c.doJSON(ctx, http.MethodPost, "/files/keys", userFileKeyList{Items: keys}, nil); err != nil {
		return fmt.Errorf("api: setting %d file keys: %w", len(keys), err)
	}

	c.logger.Info("file keys set", slog.Int("count", len(keys)))

	return nil
}
