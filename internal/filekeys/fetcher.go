package filekeys

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/dracoon-go/internal/api"
	"github.com/tonimelisma/dracoon-go/internal/apperr"
	"github.com/tonimelisma/dracoon-go/internal/cryptox"
)

// FileKeySource fetches node metadata and the caller's wrapped file keys.
type FileKeySource interface {
	GetNode(ctx context.Context, nodeID int64) (*api.Node, error)
	GetFileKey(ctx context.Context, fileID int64) (*cryptox.EncryptedFileKey, error)
}

// Fetcher resolves a node's PlainFileKey for the current user.
type Fetcher struct {
	source FileKeySource
	keys   *KeyPairStore
	logger *slog.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(source FileKeySource, keys *KeyPairStore, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Fetcher{source: source, keys: keys, logger: logger}
}

// PlainFileKey returns the decrypted content key of a file, or nil when the
// node is not encrypted.
//
// The wrapped key's version selects the key pair. A version this account
// holds no key pair for fails with apperr.ErrInvalidKey; an unrecognized
// version with apperr.ErrUnknownKeyVersion. A wrong password fails with
// apperr.ErrInvalidPassword.
func (f *Fetcher) PlainFileKey(ctx context.Context, nodeID int64) (*cryptox.PlainFileKey, error) {
	node, err := f.source.GetNode(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("filekeys: %w", err)
	}

	if !node.IsEncrypted {
		return nil, nil //nolint:nilnil // unencrypted nodes have no key
	}

	return f.plainFileKey(ctx, nodeID)
}

// PlainFileKeyOf is PlainFileKey for a node whose metadata the caller
// already holds.
func (f *Fetcher) PlainFileKeyOf(ctx context.Context, node *api.Node) (*cryptox.PlainFileKey, error) {
	if !node.IsEncrypted {
		return nil, nil //nolint:nilnil // unencrypted nodes have no key
	}

	return f.plainFileKey(ctx, node.ID)
}

func (f *Fetcher) plainFileKey(ctx context.Context, fileID int64) (*cryptox.PlainFileKey, error) {
	enc, err := f.source.GetFileKey(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("filekeys: %w", err)
	}

	version, err := enc.Version.KeyPairVersion()
	if err != nil {
		return nil, fmt.Errorf("filekeys: file %d: %w", fileID, err)
	}

	held, err := f.keys.Has(ctx, version)
	if err != nil {
		return nil, err
	}

	if !held {
		return nil, fmt.Errorf("filekeys: file %d is keyed for %q, which this account does not hold: %w",
			fileID, version, apperr.ErrInvalidKey)
	}

	priv, err := f.keys.Unlocked(ctx, version)
	if err != nil {
		return nil, err
	}

	plain, err := priv.DecryptFileKey(*enc)
	if err != nil {
		return nil, fmt.Errorf("filekeys: file %d: %w", fileID, err)
	}

	f.logger.Debug("file key decrypted",
		slog.Int64("file_id", fileID),
		slog.String("version", string(enc.Version)),
	)

	return &plain, nil
}
