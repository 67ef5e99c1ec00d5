// Package auth holds the client's credential and keeps it valid.
//
// State is the shared, atomically replaced Credential. Transport is an
// http.RoundTripper that attaches the bearer token to every non-public
// request and, on a 401, asks the Refresher for new tokens and resends the
// request exactly once. Refresher performs the OAuth refresh_token grant,
// collapsing concurrent refreshes into one network call.
package auth

import (
	"sync/atomic"
)

// Mode is how the client was authorized.
type Mode int

// Authorization modes.
const (
	// ModeAuthorizationCode: tokens still have to be retrieved with a code.
	ModeAuthorizationCode Mode = iota
	// ModeAccessToken: a bare access token, never refreshed.
	ModeAccessToken
	// ModeAccessAndRefreshToken: access token plus refresh token.
	ModeAccessAndRefreshToken
)

func (m Mode) String() string {
	switch m {
	case ModeAuthorizationCode:
		return "authorization-code"
	case ModeAccessToken:
		return "access-token"
	case ModeAccessAndRefreshToken:
		return "access-and-refresh-token"
	default:
		return "unknown"
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, bool) {
	for _, m := range []Mode{ModeAuthorizationCode, ModeAccessToken, ModeAccessAndRefreshToken} {
		if m.String() == s {
			return m, true
		}
	}

	return 0, false
}

// Credential is an immutable snapshot of the client's authorization.
// Never log it.
type Credential struct {
	Mode         Mode
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
}

// State owns the current Credential. A refresh swaps in a whole new value,
// so readers never observe a half-updated credential.
type State struct {
	cur atomic.Pointer[Credential]
}

// NewState starts with c.
func NewState(c Credential) *State {
	s := &State{}
	s.cur.Store(&c)

	return s
}

// Credential returns the current snapshot.
func (s *State) Credential() Credential {
	return *s.cur.Load()
}

// Replace installs c as the current credential.
func (s *State) Replace(c Credential) {
	s.cur.Store(&c)
}
