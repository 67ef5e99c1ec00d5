package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/dracoon-go/internal/apperr"
)

// SkipWindow is how long the outcome of a refresh attempt is replayed
// instead of contacting the token endpoint again.
const SkipWindow = 15 * time.Second

// OAuth endpoint paths relative to the server root.
const (
	tokenPath     = "/oauth/token"
	authorizePath = "/oauth/authorize"
)

// ErrNoRefreshToken is returned by Refresh when the credential cannot be
// refreshed.
var ErrNoRefreshToken = fmt.Errorf("auth: no refresh token: %w", apperr.ErrUnauthorized)

// ErrRefreshRejected marks a refresh the server answered with an error,
// typically a revoked or expired refresh token. It wraps the *apperr.APIError.
var ErrRefreshRejected = errors.New("auth: refresh token rejected")

// Refresher runs the OAuth refresh_token grant against a State.
//
// Refreshes are single-flight: concurrent callers share one network round
// trip. The outcome of the last attempt, success or failure, is replayed to
// any caller arriving within SkipWindow of it.
type Refresher struct {
	state       *State
	serverURL   string
	redirectURL string
	httpClient  *http.Client
	logger      *slog.Logger

	group singleflight.Group

	mu          sync.Mutex
	lastAttempt time.Time
	lastErr     error

	// onChange is called with every newly installed credential.
	onChange func(Credential)

	// nowFunc returns the current time. Tests override it.
	nowFunc func() time.Time
}

// NewRefresher creates a Refresher for the server at serverURL (scheme and
// host, no API path). httpClient must not route through Transport.
func NewRefresher(state *State, serverURL string, httpClient *http.Client, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Refresher{
		state:      state,
		serverURL:  strings.TrimSuffix(serverURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		nowFunc:    time.Now,
	}
}

// OnChange registers fn to be called after each successful refresh or
// retrieve, typically to persist the new tokens.
func (r *Refresher) OnChange(fn func(Credential)) {
	r.onChange = fn
}

// SetRedirectURL sets the redirect URI sent with authorization requests.
func (r *Refresher) SetRedirectURL(u string) {
	r.redirectURL = u
}

// State returns the credential holder the refresher updates.
func (r *Refresher) State() *State {
	return r.state
}

// Refresh obtains new tokens unless an attempt finished within SkipWindow,
// in which case that attempt's outcome is returned. Errors wrap
// apperr.ErrAPI (rejected by the server) or apperr.ErrNetwork.
func (r *Refresher) Refresh(ctx context.Context) error {
	// The shared call must not die with whichever caller started it.
	shared := context.WithoutCancel(ctx)

	_, err, joined := r.group.Do("refresh", func() (any, error) {
		return nil, r.refreshOnce(shared)
	})

	if joined {
		r.logger.Debug("joined in-flight token refresh")
	}

	return err
}

func (r *Refresher) refreshOnce(ctx context.Context) error {
	if ok, err := r.replay(); ok {
		return err
	}

	cred := r.state.Credential()
	if cred.RefreshToken == "" {
		return ErrNoRefreshToken
	}

	r.logger.Info("refreshing access token")

	src := r.oauthConfig(cred).TokenSource(r.withClient(ctx), &oauth2.Token{RefreshToken: cred.RefreshToken})

	tok, err := src.Token()
	if err != nil {
		err = r.classify(ctx, "refreshing token", err)
		if errors.Is(err, apperr.ErrAPI) {
			err = fmt.Errorf("%w: %w", ErrRefreshRejected, err)
		}
	}

	r.mu.Lock()
	r.lastAttempt = r.nowFunc()
	r.lastErr = err
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("token refresh failed", slog.String("error", err.Error()))
		return err
	}

	next := cred
	next.AccessToken = tok.AccessToken

	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}

	next.Mode = ModeAccessAndRefreshToken

	r.install(next)

	r.logger.Info("access token refreshed", slog.Time("expiry", tok.Expiry))

	return nil
}

// replay returns the cached outcome when the last attempt is recent.
func (r *Refresher) replay() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastAttempt.IsZero() || r.nowFunc().Sub(r.lastAttempt) >= SkipWindow {
		return false, nil
	}

	r.logger.Debug("token refresh skipped, replaying last outcome",
		slog.Bool("failed", r.lastErr != nil),
	)

	return true, r.lastErr
}

// AuthCodeURL returns the URL the user opens to authorize the client.
func (r *Refresher) AuthCodeURL(state string) string {
	return r.oauthConfig(r.state.Credential()).AuthCodeURL(state)
}

// Retrieve exchanges a one-time authorization code for tokens and installs
// them. It is not rate limited.
func (r *Refresher) Retrieve(ctx context.Context, code string) error {
	cred := r.state.Credential()

	r.logger.Info("retrieving tokens with authorization code")

	tok, err := r.oauthConfig(cred).Exchange(r.withClient(ctx), code)
	if err != nil {
		return r.classify(ctx, "exchanging authorization code", err)
	}

	next := cred
	next.AccessToken = tok.AccessToken
	next.RefreshToken = tok.RefreshToken
	next.Mode = ModeAccessToken

	if tok.RefreshToken != "" {
		next.Mode = ModeAccessAndRefreshToken
	}

	r.install(next)

	return nil
}

func (r *Refresher) install(c Credential) {
	r.state.Replace(c)

	if r.onChange != nil {
		r.onChange(c)
	}
}

func (r *Refresher) oauthConfig(cred Credential) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		RedirectURL:  r.redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   r.serverURL + authorizePath,
			TokenURL:  r.serverURL + tokenPath,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

func (r *Refresher) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
}

// classify maps oauth2 failures onto the error taxonomy.
func (r *Refresher) classify(ctx context.Context, op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := http.StatusBadRequest
		if re.Response != nil {
			status = re.Response.StatusCode
		}

		msg := re.ErrorCode
		if re.ErrorDescription != "" {
			msg += ": " + re.ErrorDescription
		}

		if msg == "" {
			msg = strings.TrimSpace(string(re.Body))
		}

		return fmt.Errorf("auth: %s: %w", op, apperr.NewAPIError(status, 0, msg, ""))
	}

	sentinel := apperr.ErrNetwork
	if ctx.Err() != nil {
		sentinel = apperr.ErrNetworkInterrupted
	}

	return fmt.Errorf("auth: %s: %w: %w", op, sentinel, err)
}
