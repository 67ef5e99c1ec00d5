package auth

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// DefaultPublicPrefixes are server paths that never carry a bearer token.
var DefaultPublicPrefixes = []string{
	"/oauth/",
	"/downloads/",
	"/api/v4/auth/",
	"/api/v4/public/",
}

// Transport attaches the bearer token to outgoing requests and recovers
// from one expired token per request.
//
// A request is public, and sent unchanged, when it targets a host other
// than the server (pre-signed object storage URLs) or a public path prefix.
// On a 401 from a request that carried a token, Transport refreshes once
// through Refresher and resends with the current token. The second response
// is returned whatever its status.
type Transport struct {
	// Base sends the requests. nil means http.DefaultTransport.
	Base http.RoundTripper

	refresher      *Refresher
	server         *url.URL
	publicPrefixes []string
	logger         *slog.Logger
}

// NewTransport creates a Transport for serverURL (scheme and host, as given
// to NewRefresher).
func NewTransport(base http.RoundTripper, refresher *Refresher, serverURL string, logger *slog.Logger) (*Transport, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing server url: %w", err)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("auth: server url %q has no host", serverURL)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Transport{
		Base:           base,
		refresher:      refresher,
		server:         u,
		publicPrefixes: DefaultPublicPrefixes,
		logger:         logger,
	}, nil
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.isPublic(req.URL) {
		return t.base().RoundTrip(req)
	}

	cred := t.refresher.State().Credential()
	if cred.AccessToken == "" {
		return t.base().RoundTrip(req)
	}

	resp, err := t.base().RoundTrip(withBearer(req, cred.AccessToken))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	if cred.RefreshToken == "" {
		return resp, nil
	}

	// The body must be replayable before the stale response is dropped.
	retry, err := rewind(req)
	if err != nil {
		t.logger.Warn("cannot resend request after 401", slog.String("error", err.Error()))
		return resp, nil
	}

	t.logger.Debug("access token rejected, refreshing",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
	)

	if err := t.refresher.Refresh(req.Context()); err != nil {
		drain(resp)

		return nil, err
	}

	drain(resp)

	return t.base().RoundTrip(withBearer(retry, t.refresher.State().Credential().AccessToken))
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}

	return http.DefaultTransport
}

func (t *Transport) isPublic(u *url.URL) bool {
	if !strings.EqualFold(u.Host, t.server.Host) {
		return true
	}

	path := strings.TrimPrefix(u.Path, strings.TrimSuffix(t.server.Path, "/"))
	for _, p := range t.publicPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}

	return false
}

// withBearer clones req with the Authorization header set. RoundTrippers
// must not modify the caller's request.
func withBearer(req *http.Request, token string) *http.Request {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+token)

	return r
}

// rewind returns a copy of req with a fresh body.
func rewind(req *http.Request) (*http.Request, error) {
	r := req.Clone(req.Context())

	if req.Body == nil || req.Body == http.NoBody {
		return r, nil
	}

	if req.GetBody == nil {
		return nil, errors.New("auth: request body is not replayable")
	}

	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("auth: replaying request body: %w", err)
	}

	r.Body = body

	return r, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
