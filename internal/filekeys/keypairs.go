// Package filekeys resolves and propagates per-file content keys.
//
// Fetcher turns a node's wrapped key into a PlainFileKey for the current
// user. Generator backfills wrapped keys for users who gained access to
// encrypted files after they were uploaded. Both unlock the user's private
// keys through a KeyPairStore, which fetches and validates each key pair at
// most once per session.
package filekeys

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/dracoon-go/internal/apperr"
	"github.com/tonimelisma/dracoon-go/internal/cryptox"
)

// KeyPairSource fetches the account's key pairs.
type KeyPairSource interface {
	GetUserKeyPairs(ctx context.Context) ([]cryptox.UserKeyPair, error)
}

// KeyPairStore caches the user's key pairs and their unlocked private keys.
// Safe for concurrent use.
type KeyPairStore struct {
	source    KeyPairSource
	password  []byte
	preferred cryptox.KeyPairVersion
	logger    *slog.Logger

	mu       sync.Mutex
	loaded   bool
	pairs    map[cryptox.KeyPairVersion]cryptox.UserKeyPair
	unlocked map[cryptox.KeyPairVersion]*cryptox.UnlockedKey
}

// NewKeyPairStore creates a store. preferred picks the key pair used to wrap
// keys of new uploads; empty means the strongest available.
func NewKeyPairStore(
	source KeyPairSource, password []byte, preferred cryptox.KeyPairVersion, logger *slog.Logger,
) *KeyPairStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &KeyPairStore{
		source:    source,
		password:  password,
		preferred: preferred,
		logger:    logger,
		pairs:     make(map[cryptox.KeyPairVersion]cryptox.UserKeyPair),
		unlocked:  make(map[cryptox.KeyPairVersion]*cryptox.UnlockedKey),
	}
}

// Versions lists the key pair versions the account holds, strongest first.
// Pairs of versions this client does not know are ignored.
func (s *KeyPairStore) Versions(ctx context.Context) ([]cryptox.KeyPairVersion, error) {
	if err := s.load(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []cryptox.KeyPairVersion

	for _, v := range cryptox.KeyPairVersions {
		if _, ok := s.pairs[v]; ok {
			out = append(out, v)
		}
	}

	return out, nil
}

// Has reports whether the account holds a key pair of version v.
func (s *KeyPairStore) Has(ctx context.Context, v cryptox.KeyPairVersion) (bool, error) {
	versions, err := s.Versions(ctx)
	if err != nil {
		return false, err
	}

	return slices.Contains(versions, v), nil
}

func (s *KeyPairStore) load(ctx context.Context) error {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()

	if loaded {
		return nil
	}

	pairs, err := s.source.GetUserKeyPairs(ctx)
	if err != nil {
		return fmt.Errorf("filekeys: listing key pairs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, kp := range pairs {
		if _, err := cryptox.ParseKeyPairVersion(string(kp.Version())); err != nil {
			s.logger.Debug("ignoring key pair of unknown version", slog.String("version", string(kp.Version())))
			continue
		}

		s.pairs[kp.Version()] = kp
	}

	s.loaded = true

	return nil
}

// Reset drops every cached pair and unlocked key, so the next call lists
// the account's key pairs again.
func (s *KeyPairStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loaded = false
	s.pairs = make(map[cryptox.KeyPairVersion]cryptox.UserKeyPair)
	s.unlocked = make(map[cryptox.KeyPairVersion]*cryptox.UnlockedKey)
}

// KeyPair returns the account's key pair of version v. A version the
// account does not hold fails with apperr.ErrInvalidKey.
func (s *KeyPairStore) KeyPair(ctx context.Context, v cryptox.KeyPairVersion) (cryptox.UserKeyPair, error) {
	ok, err := s.Has(ctx, v)
	if err != nil {
		return cryptox.UserKeyPair{}, err
	}

	if !ok {
		return cryptox.UserKeyPair{}, fmt.Errorf("filekeys: no key pair of version %q: %w", v, apperr.ErrInvalidKey)
	}

	s.mu.Lock()
	kp := s.pairs[v]
	s.mu.Unlock()

	return kp, nil
}

// Unlocked returns the validated, unlocked private key of version v. The
// password is checked against the key pair on first use; a mismatch fails
// with apperr.ErrInvalidPassword.
func (s *KeyPairStore) Unlocked(ctx context.Context, v cryptox.KeyPairVersion) (*cryptox.UnlockedKey, error) {
	s.mu.Lock()
	u, ok := s.unlocked[v]
	s.mu.Unlock()

	if ok {
		return u, nil
	}

	kp, err := s.KeyPair(ctx, v)
	if err != nil {
		return nil, err
	}

	u, err = cryptox.UnlockPrivateKey(kp.Private, s.password)
	if err != nil {
		return nil, fmt.Errorf("filekeys: unlocking key pair %q: %w", v, err)
	}

	// A private key that decrypts but does not belong to the public key is
	// reported like a wrong password.
	if err := u.Matches(kp.Public); err != nil {
		return nil, fmt.Errorf("filekeys: validating key pair %q: %w (%v)", v, apperr.ErrInvalidPassword, err)
	}

	s.mu.Lock()
	s.unlocked[v] = u
	s.mu.Unlock()

	s.logger.Debug("key pair unlocked", slog.String("version", string(v)))

	return u, nil
}

// UnlockAll unlocks every held key pair concurrently and returns them keyed
// by version.
func (s *KeyPairStore) UnlockAll(ctx context.Context) (map[cryptox.KeyPairVersion]*cryptox.UnlockedKey, error) {
	versions, err := s.Versions(ctx)
	if err != nil {
		return nil, err
	}

	keys := make([]*cryptox.UnlockedKey, len(versions))

	g, gctx := errgroup.WithContext(ctx)

	for i, v := range versions {
		g.Go(func() error {
			u, err := s.Unlocked(gctx, v)
			if err != nil {
				return err
			}

			keys[i] = u

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[cryptox.KeyPairVersion]*cryptox.UnlockedKey, len(versions))
	for i, v := range versions {
		out[v] = keys[i]
	}

	return out, nil
}

// UploadPublicKey returns the public key new file keys are wrapped for: the
// preferred version when held, otherwise the strongest held version.
func (s *KeyPairStore) UploadPublicKey(ctx context.Context) (cryptox.UserPublicKey, error) {
	versions, err := s.Versions(ctx)
	if err != nil {
		return cryptox.UserPublicKey{}, err
	}

	if len(versions) == 0 {
		return cryptox.UserPublicKey{}, fmt.Errorf("filekeys: account has no key pair: %w", apperr.ErrInvalidKey)
	}

	v := versions[0]
	if s.preferred != "" && slices.Contains(versions, s.preferred) {
		v = s.preferred
	}

	// Validate the password before anything gets encrypted with this pair.
	if _, err := s.Unlocked(ctx, v); err != nil {
		return cryptox.UserPublicKey{}, err
	}

	kp, err := s.KeyPair(ctx, v)
	if err != nil {
		return cryptox.UserPublicKey{}, err
	}

	return kp.Public, nil
}
