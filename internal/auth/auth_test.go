package auth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/dracoon-go/internal/apperr"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tokenServer is a fake OAuth token endpoint plus one protected resource
// that accepts only the current access token.
type tokenServer struct {
	*httptest.Server
	refreshCalls atomic.Int32
	current      atomic.Value // string
	failRefresh  atomic.Bool
	gate         chan struct{}
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()

	ts := &tokenServer{}
	ts.current.Store("fresh-1")

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		n := ts.refreshCalls.Add(1)

		if ts.gate != nil {
			<-ts.gate
		}

		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client", user)
		assert.Equal(t, "secret", pass)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "refresh-0", r.PostForm.Get("refresh_token"))

		if ts.failRefresh.Load() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant","error_description":"refresh token expired"}`)

			return
		}

		tok := fmt.Sprintf("fresh-%d", n)
		ts.current.Store(tok)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":%q,"refresh_token":"refresh-0","token_type":"bearer","expires_in":28800}`, tok)
	})
	mux.HandleFunc("/api/v4/nodes/1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+ts.current.Load().(string) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		body, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "ok:%s", body)
	})
	mux.HandleFunc("/api/v4/public/software/version", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		fmt.Fprint(w, "public")
	})

	ts.Server = httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return ts
}

func newTestStack(t *testing.T, srv *tokenServer, cred Credential) (*Refresher, *http.Client) {
	t.Helper()

	r := NewRefresher(NewState(cred), srv.URL, srv.Client(), discardLogger())

	tr, err := NewTransport(srv.Client().Transport, r, srv.URL, discardLogger())
	require.NoError(t, err)

	return r, &http.Client{Transport: tr}
}

func staleCredential() Credential {
	return Credential{
		Mode:         ModeAccessAndRefreshToken,
		ClientID:     "client",
		ClientSecret: "secret",
		AccessToken:  "stale",
		RefreshToken: "refresh-0",
	}
}

func get(t *testing.T, c *http.Client, url string) (*http.Response, string) {
	t.Helper()

	resp, err := c.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, string(body)
}

func TestTransport_RefreshesAndRetriesOnce(t *testing.T) {
	srv := newTokenServer(t)
	r, client := newTestStack(t, srv, staleCredential())

	resp, body := get(t, client, srv.URL+"/api/v4/nodes/1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok:", body)
	assert.Equal(t, int32(1), srv.refreshCalls.Load())

	cred := r.State().Credential()
	assert.Equal(t, "fresh-1", cred.AccessToken)
	assert.Equal(t, "client", cred.ClientID)
	assert.Equal(t, "secret", cred.ClientSecret)
}

func TestTransport_ReplaysBodyOnRetry(t *testing.T) {
	srv := newTokenServer(t)
	_, client := newTestStack(t, srv, staleCredential())

	resp, err := client.Post(srv.URL+"/api/v4/nodes/1", "text/plain", strings.NewReader("payload"))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok:payload", string(body))
}

func TestTransport_SecondResponseReturnedAsIs(t *testing.T) {
	srv := newTokenServer(t)
	r, client := newTestStack(t, srv, staleCredential())

	// The refresh succeeds but the server keeps rejecting: no loop.
	r.OnChange(func(Credential) { srv.current.Store("something-else") })

	resp, _ := get(t, client, srv.URL+"/api/v4/nodes/1")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(1), srv.refreshCalls.Load())
}

func TestTransport_NoRefreshToken(t *testing.T) {
	srv := newTokenServer(t)

	cred := staleCredential()
	cred.RefreshToken = ""
	cred.Mode = ModeAccessToken
	_, client := newTestStack(t, srv, cred)

	resp, _ := get(t, client, srv.URL+"/api/v4/nodes/1")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, srv.refreshCalls.Load())
}

func TestTransport_NoAccessTokenSendsUnchanged(t *testing.T) {
	var seen atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	r := NewRefresher(NewState(Credential{Mode: ModeAuthorizationCode}), srv.URL, nil, discardLogger())
	tr, err := NewTransport(nil, r, srv.URL, discardLogger())
	require.NoError(t, err)

	resp, err := (&http.Client{Transport: tr}).Get(srv.URL + "/api/v4/nodes/1")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, seen.Load())
}

func TestTransport_PublicEndpointsSkipToken(t *testing.T) {
	srv := newTokenServer(t)
	_, client := newTestStack(t, srv, staleCredential())

	_, body := get(t, client, srv.URL+"/api/v4/public/software/version")
	assert.Equal(t, "public", body)
}

func TestTransport_ForeignHostIsPublic(t *testing.T) {
	storage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer storage.Close()

	srv := newTokenServer(t)
	_, client := newTestStack(t, srv, staleCredential())

	storageURL := strings.Replace(storage.URL, "127.0.0.1", "localhost", 1)
	resp, err := client.Get(storageURL + "/bucket/part?X-Amz-Signature=x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTransport_RefreshFailureSurfaces(t *testing.T) {
	srv := newTokenServer(t)
	srv.failRefresh.Store(true)
	_, client := newTestStack(t, srv, staleCredential())

	_, err := client.Get(srv.URL + "/api/v4/nodes/1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrAPI)
	assert.ErrorIs(t, err, apperr.ErrBadRequest)
	assert.ErrorIs(t, err, ErrRefreshRejected)
	assert.NotErrorIs(t, err, apperr.ErrNetwork)
}

func TestRefresher_ConcurrentUnauthorizedCollapseToOneRefresh(t *testing.T) {
	srv := newTokenServer(t)
	srv.gate = make(chan struct{})

	_, client := newTestStack(t, srv, staleCredential())

	const n = 20

	var wg sync.WaitGroup

	statuses := make([]int, n)

	for i := range n {
		wg.Add(1)

		go func() {
			defer wg.Done()

			resp, err := client.Get(srv.URL + "/api/v4/nodes/1")
			if !assert.NoError(t, err) {
				return
			}
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}()
	}

	// Let the callers pile up behind the first refresh.
	time.Sleep(100 * time.Millisecond)
	close(srv.gate)
	wg.Wait()

	assert.Equal(t, int32(1), srv.refreshCalls.Load())

	for i, s := range statuses {
		assert.Equal(t, http.StatusOK, s, "request %d", i)
	}
}

func TestRefresher_SkipWindowReplaysFailure(t *testing.T) {
	srv := newTokenServer(t)
	srv.failRefresh.Store(true)

	r, _ := newTestStack(t, srv, staleCredential())

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.nowFunc = func() time.Time { return now }

	err1 := r.Refresh(context.Background())
	require.Error(t, err1)

	now = now.Add(SkipWindow - time.Second)
	err2 := r.Refresh(context.Background())
	assert.Equal(t, err1, err2)
	assert.Equal(t, int32(1), srv.refreshCalls.Load())

	// Window elapsed: the network is consulted again.
	srv.failRefresh.Store(false)
	now = now.Add(2 * time.Second)
	require.NoError(t, r.Refresh(context.Background()))
	assert.Equal(t, int32(2), srv.refreshCalls.Load())
}

func TestRefresher_SkipWindowReplaysSuccess(t *testing.T) {
	srv := newTokenServer(t)
	r, _ := newTestStack(t, srv, staleCredential())

	require.NoError(t, r.Refresh(context.Background()))
	require.NoError(t, r.Refresh(context.Background()))
	assert.Equal(t, int32(1), srv.refreshCalls.Load())
}

func TestRefresher_NoRefreshToken(t *testing.T) {
	r := NewRefresher(NewState(Credential{Mode: ModeAccessToken, AccessToken: "a"}), "http://h", nil, discardLogger())
	assert.ErrorIs(t, r.Refresh(context.Background()), ErrNoRefreshToken)
}

func TestRefresher_OnChange(t *testing.T) {
	srv := newTokenServer(t)
	r, _ := newTestStack(t, srv, staleCredential())

	var got Credential
	r.OnChange(func(c Credential) { got = c })

	require.NoError(t, r.Refresh(context.Background()))
	assert.Equal(t, "fresh-1", got.AccessToken)
	assert.Equal(t, "refresh-0", got.RefreshToken)
	assert.Equal(t, ModeAccessAndRefreshToken, got.Mode)
}

func TestRefresher_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	r := NewRefresher(NewState(staleCredential()), url, nil, discardLogger())
	err := r.Refresh(context.Background())
	assert.ErrorIs(t, err, apperr.ErrNetwork)
}

func TestRetrieve_AuthorizationCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"a1","refresh_token":"r1","token_type":"bearer","expires_in":60}`)
	}))
	defer srv.Close()

	r := NewRefresher(NewState(Credential{Mode: ModeAuthorizationCode, ClientID: "c", ClientSecret: "s"}), srv.URL, nil, discardLogger())
	require.NoError(t, r.Retrieve(context.Background(), "the-code"))

	cred := r.State().Credential()
	assert.Equal(t, ModeAccessAndRefreshToken, cred.Mode)
	assert.Equal(t, "a1", cred.AccessToken)
	assert.Equal(t, "r1", cred.RefreshToken)
	assert.Equal(t, "c", cred.ClientID)
}

func TestAuthCodeURL(t *testing.T) {
	r := NewRefresher(NewState(Credential{ClientID: "cid"}), "https://dracoon.example", nil, discardLogger())
	u := r.AuthCodeURL("st")
	assert.True(t, strings.HasPrefix(u, "https://dracoon.example/oauth/authorize?"))
	assert.Contains(t, u, "client_id=cid")
	assert.Contains(t, u, "state=st")
}

func TestMode_RoundTrip(t *testing.T) {
	for _, m := range []Mode{ModeAuthorizationCode, ModeAccessToken, ModeAccessAndRefreshToken} {
		got, ok := ParseMode(m.String())
		require.True(t, ok)
		assert.Equal(t, m, got)
	}

	_, ok := ParseMode("nope")
	assert.False(t, ok)
}
