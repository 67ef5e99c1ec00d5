package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/dracoon-go/internal/config"
	"github.com/tonimelisma/dracoon-go/internal/cryptox"
	"github.com/tonimelisma/dracoon-go/internal/dracoon"
	"github.com/tonimelisma/dracoon-go/internal/journal"
	"github.com/tonimelisma/dracoon-go/internal/tokenfile"
	"github.com/tonimelisma/dracoon-go/internal/transfer"
)

var errNotLoggedIn = errors.New("not logged in")

// Session holds the assembled client for one server and account, plus the
// transfer journal when it could be opened.
type Session struct {
	Client   *dracoon.Client
	Journal  *journal.Journal
	Resolved *config.Resolved

	logger *slog.Logger
}

// NewSession loads the stored credential and builds a client from the
// resolved config. A journal that cannot be opened is logged and skipped;
// transfers do not depend on it.
func NewSession(ctx context.Context, resolved *config.Resolved, logger *slog.Logger) (*Session, error) {
	tokenPath := config.DefaultTokenPath()
	if tokenPath == "" {
		return nil, errors.New("cannot determine token path")
	}

	tf, err := tokenfile.Load(tokenPath)
	if err != nil {
		return nil, err
	}

	if tf == nil {
		return nil, fmt.Errorf("%w: run 'dracoon-go login' first", errNotLoggedIn)
	}

	serverURL := resolved.Server.BaseURL
	if serverURL == "" {
		serverURL = tf.ServerURL
	}

	if tf.ServerURL != "" && serverURL != tf.ServerURL {
		return nil, fmt.Errorf("%w: stored token belongs to %s, not %s", errNotLoggedIn, tf.ServerURL, serverURL)
	}

	cred, err := dracoon.CredentialFromFile(tf, resolved.Server.ClientID, resolved.Server.ClientSecret)
	if err != nil {
		return nil, err
	}

	version, err := cryptox.ParseKeyPairVersion(resolved.Crypto.KeyPairVersion)
	if err != nil {
		return nil, err
	}

	config.WarnSmallChunk(resolved, logger)

	client, err := dracoon.New(dracoon.Options{
		ServerURL:          serverURL,
		Credential:         cred,
		EncryptionPassword: []byte(resolved.EncryptionPassword),
		KeyPairVersion:     version,
		ChunkSize:          int(resolved.ChunkSizeBytes),
		BandwidthLimit:     resolved.Transfers.BandwidthLimit,
		UserAgent:          resolved.Network.UserAgent,
		ConnectTimeout:     resolved.ConnectTimeout(),
		TokenPath:          tokenPath,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Session{Client: client, Resolved: resolved, logger: logger}

	j, err := journal.Open(ctx, config.DefaultJournalPath(), logger)
	if err != nil {
		logger.Warn("transfer journal unavailable", slog.String("error", err.Error()))
	} else {
		s.Journal = j
	}

	return s, nil
}

// Close releases the journal.
func (s *Session) Close() {
	if s.Journal == nil {
		return
	}

	if err := s.Journal.Close(); err != nil {
		s.logger.Warn("closing transfer journal", slog.String("error", err.Error()))
	}
}

// callbacks returns the runner callbacks for a transfer of name: the
// journal recorder, if any, followed by extra.
func (s *Session) callbacks(name string, extra ...transfer.Callback) []transfer.Callback {
	var cbs []transfer.Callback

	if s.Journal != nil {
		cbs = append(cbs, s.Journal.Recorder(name))
	}

	return append(cbs, extra...)
}
