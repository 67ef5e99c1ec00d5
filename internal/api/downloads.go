package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/tonimelisma/dracoon-go/internal/apperr"
)

// CreateDownloadURL returns a pre-authenticated download URL for a file.
// The URL embeds credentials; callers must not log it.
func (c *Client) CreateDownloadURL(ctx context.Context, fileID int64) (string, error) {
	var tok downloadToken

	path := "/files/" + strconv.FormatInt(fileID, 10) + "/downloads"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &tok); err != nil {
		return "", fmt.Errorf("api: creating download url for %d: %w", fileID, err)
	}

	if tok.DownloadURL == "" {
		return "", fmt.Errorf("api: creating download url for %d: %w: empty url", fileID, apperr.ErrAPI)
	}

	return tok.DownloadURL, nil
}

// DownloadRange fetches bytes [start, end] (inclusive) from a download URL.
func (c *Client) DownloadRange(ctx context.Context, downloadURL string, start, end int64) ([]byte, error) {
	headers := http.Header{}
	headers.Set("Range", "bytes="+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10))

	resp, err := c.Do(ctx, http.MethodGet, downloadURL, nil, headers)
	if err != nil {
		return nil, fmt.Errorf("api: downloading range %d-%d: %w", start, end, err)
	}
	defer resp.Body.Close()

	want := end - start + 1

	data, err := io.ReadAll(io.LimitReader(resp.Body, want+1))
	if err != nil {
		return nil, fmt.Errorf("api: reading range %d-%d: %w: %w", start, end, errNetwork(ctx), err)
	}

	if int64(len(data)) != want {
		return nil, fmt.Errorf("api: range %d-%d returned %d bytes (status %d): %w",
			start, end, len(data), resp.StatusCode, errNetwork(ctx))
	}

	return data, nil
}
