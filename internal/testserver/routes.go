package testserver

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const requestIDHeader = "X-Request-Id"

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /oauth/token", s.handleToken)
	mux.HandleFunc("GET /oauth/authorize", s.handleAuthorize)
	mux.HandleFunc("GET /downloads/{token}", s.handleDownload)

	mux.Handle("GET /api/v4/nodes/{id}", s.authed(s.handleGetNode))
	mux.Handle("GET /api/v4/config/info/general", s.authed(s.handleGeneralSettings))

	mux.Handle("POST /api/v4/uploads", s.authed(s.handleCreateUpload))
	mux.Handle("POST /api/v4/uploads/{id}", s.authed(s.handleUploadChunk))
	mux.Handle("PUT /api/v4/uploads/{id}", s.authed(s.handleCompleteUpload))
	mux.Handle("POST /api/v4/uploads/{id}/s3_urls", s.authed(s.handleS3URLs))
	mux.Handle("POST /api/v4/uploads/{id}/s3", s.authed(s.handleCompleteS3))
	mux.Handle("GET /api/v4/uploads/{id}/s3", s.authed(s.handleS3Status))

	mux.Handle("POST /api/v4/files/{id}/downloads", s.authed(s.handleCreateDownload))
	mux.Handle("GET /api/v4/files/{id}/key", s.authed(s.handleGetFileKey))
	mux.Handle("GET /api/v4/files/missing_keys", s.authed(s.handleMissingKeys))
	mux.Handle("POST /api/v4/files/keys", s.authed(s.handleSetFileKeys))

	mux.Handle("GET /api/v4/user/account/keypairs", s.authed(s.handleListKeyPairs))
	mux.Handle("GET /api/v4/user/account/keypair", s.authed(s.handleGetKeyPair))
	mux.Handle("POST /api/v4/user/account/keypair", s.authed(s.handleSetKeyPair))

	return s.logged(mux)
}

// logged records and logs every request and stamps a request id.
func (s *Server) logged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		fault := s.fault
		s.mu.Unlock()

		w.Header().Set(requestIDHeader, newToken(8))

		start := time.Now()

		if fault != nil {
			if status := fault(r); status != 0 {
				writeError(w, status, "injected fault")
				return
			}
		}

		next.ServeHTTP(w, r)

		s.logger.Debug("test server request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

// authed rejects requests without the current bearer token.
func (s *Server) authed(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		want := "Bearer " + s.accessToken
		s.mu.Unlock()

		if r.Header.Get("Authorization") != want {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		h(w, r)
	})
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, oauthError{Error: "invalid_request"})
		return
	}

	grant := r.PostForm.Get("grant_type")

	s.mu.Lock()
	defer s.mu.Unlock()

	s.grants = append(s.grants, grant)

	if !s.clientMatches(r) {
		writeJSON(w, http.StatusUnauthorized, oauthError{Error: "invalid_client"})
		return
	}

	switch grant {
	case "refresh_token":
		if r.PostForm.Get("refresh_token") != s.refreshToken {
			writeJSON(w, http.StatusBadRequest, oauthError{
				Error: "invalid_grant", ErrorDescription: "refresh token expired or revoked",
			})

			return
		}
	case "authorization_code":
		code := r.PostForm.Get("code")
		if !s.authCodes[code] {
			writeJSON(w, http.StatusBadRequest, oauthError{Error: "invalid_grant", ErrorDescription: "unknown code"})
			return
		}

		delete(s.authCodes, code)
	default:
		writeJSON(w, http.StatusBadRequest, oauthError{Error: "unsupported_grant_type"})
		return
	}

	s.rotateTokens()

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  s.accessToken,
		TokenType:    "bearer",
		RefreshToken: s.refreshToken,
		ExpiresIn:    int((8 * time.Hour).Seconds()),
	})
}

// clientMatches checks HTTP Basic client credentials. Requires s.mu.
func (s *Server) clientMatches(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return r.PostForm.Get("client_id") == s.clientID && r.PostForm.Get("client_secret") == s.clientSecret
	}

	// oauth2 form-encodes the credentials before base64.
	id, err1 := url.QueryUnescape(user)
	secret, err2 := url.QueryUnescape(pass)

	return err1 == nil && err2 == nil && id == s.clientID && secret == s.clientSecret
}

// handleAuthorize stands in for the interactive consent page: it issues a
// code at once, redirecting when a redirect_uri was given.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != s.clientID || q.Get("response_type") != "code" {
		writeError(w, http.StatusBadRequest, "invalid authorization request")
		return
	}

	code := s.NewAuthCode()

	if redirect := q.Get("redirect_uri"); redirect != "" {
		u, err := url.Parse(redirect)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid redirect_uri")
			return
		}

		v := u.Query()
		v.Set("code", code)
		v.Set("state", q.Get("state"))
		u.RawQuery = v.Encode()

		http.Redirect(w, r, u.String(), http.StatusFound)

		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "authorization code: %s\n", code)
}

func newToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)

	return hex.EncodeToString(b)
}

// idParam parses the {id} path value.
func idParam(r *http.Request) (int64, bool) {
	var id int64

	_, err := fmt.Sscan(strings.TrimSpace(r.PathValue("id")), &id)

	return id, err == nil
}
