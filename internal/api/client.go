// Package api is the REST client for the storage service. It covers the
// operations consumed by the transfer engines, the file key lifecycle and
// the account key pair endpoints.
//
// Authentication is not handled here: the *http.Client passed to NewClient
// is expected to carry an auth.Transport that attaches bearer tokens.
// The client never retries.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tonimelisma/dracoon-go/internal/apperr"
)

// DefaultUserAgent is sent when NewClient is given an empty user agent.
const DefaultUserAgent = "dracoon-go/0.1"

// requestIDHeader is echoed by the server on every response.
const requestIDHeader = "X-Request-Id"

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 64 << 10

// Client is an HTTP client for the REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
}

// NewClient creates an API client.
// baseURL is the API root, typically "https://host/api/v4".
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger, userAgent string) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		userAgent:  userAgent,
	}
}

// BaseURL returns the API root the client was created with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do executes one HTTP request. path is appended to the base URL unless it
// is already absolute (pre-signed and download URLs). Non-2xx responses are
// closed and returned as *apperr.APIError. Transport failures wrap
// apperr.ErrNetwork, or apperr.ErrNetworkInterrupted when ctx ended, except
// service errors raised inside the transport, which keep their API kind.
// The caller closes the response body on success.
func (c *Client) Do(
	ctx context.Context, method, path string, body io.Reader, headers http.Header,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), body)
	if err != nil {
		return nil, fmt.Errorf("api: creating request: %w", err)
	}

	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The auth transport surfaces a rejected token refresh as a service error.
		if errors.Is(err, apperr.ErrAPI) {
			return nil, fmt.Errorf("api: %s %s: %w", method, redact(path), err)
		}

		return nil, fmt.Errorf("api: %s %s: %w: %w", method, redact(path), errNetwork(ctx), err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		c.logger.Debug("request succeeded",
			slog.String("method", method),
			slog.String("path", redact(path)),
			slog.Int("status", resp.StatusCode),
		)

		return resp, nil
	}

	apiErr := c.readError(resp)

	c.logger.Debug("request rejected",
		slog.String("method", method),
		slog.String("path", redact(path)),
		slog.Int("status", resp.StatusCode),
		slog.String("request_id", apiErr.RequestID),
	)

	return nil, apiErr
}

// errorResponse is the server's JSON error body.
type errorResponse struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	DebugInfo string `json:"debugInfo"`
	ErrorCode int    `json:"errorCode"`
}

func (c *Client) readError(resp *http.Response) *apperr.APIError {
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		raw = []byte("(failed to read response body)")
	}

	msg := strings.TrimSpace(string(raw))
	code := 0

	var er errorResponse
	if json.Unmarshal(raw, &er) == nil && er.Message != "" {
		msg = er.Message
		code = er.ErrorCode

		if er.DebugInfo != "" {
			msg += " (" + er.DebugInfo + ")"
		}
	}

	return apperr.NewAPIError(resp.StatusCode, code, msg, resp.Header.Get(requestIDHeader))
}

// doJSON sends in (if non-nil) as JSON and decodes the response into out
// (if non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var (
		body    io.Reader
		headers http.Header
	)

	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: marshaling %s %s request: %w", method, path, err)
		}

		body = bytes.NewReader(b)
		headers = http.Header{"Content-Type": []string{"application/json"}}
	}

	resp, err := c.Do(ctx, method, path, body, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			return fmt.Errorf("api: draining %s %s response: %w", method, path, err)
		}

		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decoding %s %s response: %w: %w", method, path, errNetwork(ctx), err)
	}

	return nil
}

// errNetwork picks the transport sentinel: interrupted when ctx ended.
func errNetwork(ctx context.Context) error {
	if ctx.Err() != nil {
		return apperr.ErrNetworkInterrupted
	}

	return apperr.ErrNetwork
}

func (c *Client) resolve(path string) string {
	if isAbsolute(path) {
		return path
	}

	return c.baseURL + path
}

func isAbsolute(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

// redact drops the query and most of the path of absolute URLs. Pre-signed
// and download URLs embed credentials and must never be logged.
func redact(path string) string {
	if !isAbsolute(path) {
		return path
	}

	if i := strings.Index(path, "://"); i >= 0 {
		rest := path[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			return path[:i+3] + rest[:j] + "/<redacted>"
		}
	}

	return "<redacted>"
}
