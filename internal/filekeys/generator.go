package filekeys

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/tonimelisma/dracoon-go/internal/api"
	"github.com/tonimelisma/dracoon-go/internal/cryptox"
)

// BatchSize is the number of missing (user, file) pairs fetched per round.
const BatchSize = 10

// MissingKeysAPI lists and stores missing file keys.
type MissingKeysAPI interface {
	GetMissingFileKeys(ctx context.Context, q api.MissingKeysQuery) (*api.MissingFileKeys, error)
	SetFileKeys(ctx context.Context, keys []api.UserFileKey) error
}

// Generator wraps existing file keys for users who lack them.
type Generator struct {
	source MissingKeysAPI
	keys   *KeyPairStore
	logger *slog.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(source MissingKeysAPI, keys *KeyPairStore, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Generator{source: source, keys: keys, logger: logger}
}

// GenerateMissingFileKeys processes up to limit missing (user, file) pairs,
// optionally restricted to nodeID, in batches of BatchSize. limit <= 0
// means no limit.
//
// Pairs that cannot be resolved (the caller holds no usable key for the
// file, or the recipient has no public key) are skipped and stay missing on
// the server. The result is true when the listing was exhausted and nothing
// was skipped.
func (g *Generator) GenerateMissingFileKeys(ctx context.Context, nodeID *int64, limit int) (bool, error) {
	if limit <= 0 {
		limit = math.MaxInt
	}

	privs, err := g.keys.UnlockAll(ctx)
	if err != nil {
		return false, err
	}

	var (
		offset    int64
		processed int
		skipped   int
		batches   int
	)

	for processed < limit {
		n := min(BatchSize, limit-processed)

		page, err := g.source.GetMissingFileKeys(ctx, api.MissingKeysQuery{
			Offset: offset,
			Limit:  int64(n),
			NodeID: nodeID,
		})
		if err != nil {
			return false, fmt.Errorf("filekeys: %w", err)
		}

		if len(page.Items) == 0 {
			break
		}

		batches++

		keys, batchSkipped, err := g.wrapBatch(page, privs)
		if err != nil {
			return false, err
		}

		if len(keys) > 0 {
			if err := g.source.SetFileKeys(ctx, keys); err != nil {
				return false, fmt.Errorf("filekeys: %w", err)
			}
		}

		g.logger.Debug("missing file key batch processed",
			slog.Int64("offset", offset),
			slog.Int("fetched", len(page.Items)),
			slog.Int("set", len(keys)),
			slog.Int("skipped", batchSkipped),
		)

		processed += len(page.Items)
		skipped += batchSkipped

		terminal := page.Range.Total <= offset+int64(len(page.Items))

		// Keys that were set drop out of the listing; skipped pairs stay.
		offset += int64(batchSkipped)

		if terminal {
			g.logger.Info("missing file keys generated",
				slog.Int("processed", processed),
				slog.Int("skipped", skipped),
				slog.Int("batches", batches),
			)

			return skipped == 0, nil
		}
	}

	if processed >= limit {
		g.logger.Info("missing file key limit reached",
			slog.Int("processed", processed),
			slog.Int("skipped", skipped),
		)

		return false, nil
	}

	return skipped == 0, nil
}

// wrapBatch decrypts each file's key once and re-wraps it for every user
// in the batch.
func (g *Generator) wrapBatch(
	page *api.MissingFileKeys, privs map[cryptox.KeyPairVersion]*cryptox.UnlockedKey,
) ([]api.UserFileKey, int, error) {
	plains := make(map[int64]cryptox.PlainFileKey)

	defer func() {
		for _, p := range plains {
			p.Wipe()
		}
	}()

	for _, f := range page.Files {
		if _, done := plains[f.ID]; done {
			continue
		}

		v, err := f.FileKeyContainer.Version.KeyPairVersion()
		if err != nil {
			continue
		}

		priv, ok := privs[v]
		if !ok {
			continue
		}

		plain, err := priv.DecryptFileKey(f.FileKeyContainer)
		if err != nil {
			return nil, 0, fmt.Errorf("filekeys: decrypting key of file %d: %w", f.ID, err)
		}

		plains[f.ID] = plain
	}

	publics := make(map[int64][]cryptox.UserPublicKey)
	for _, u := range page.Users {
		publics[u.ID] = append(publics[u.ID], u.PublicKeyContainer)
	}

	var (
		out     []api.UserFileKey
		skipped int
	)

	for _, item := range page.Items {
		plain, ok := plains[item.FileID]
		if !ok {
			g.logger.Debug("no usable key for file, skipping",
				slog.Int64("file_id", item.FileID),
				slog.Int64("user_id", item.UserID),
			)

			skipped++

			continue
		}

		pub, ok := pickPublicKey(publics[item.UserID])
		if !ok {
			g.logger.Debug("recipient has no public key, skipping",
				slog.Int64("file_id", item.FileID),
				slog.Int64("user_id", item.UserID),
			)

			skipped++

			continue
		}

		enc, err := cryptox.EncryptFileKey(plain, pub)
		if err != nil {
			return nil, 0, fmt.Errorf("filekeys: wrapping key of file %d for user %d: %w", item.FileID, item.UserID, err)
		}

		out = append(out, api.UserFileKey{UserID: item.UserID, FileID: item.FileID, FileKey: enc})
	}

	return out, skipped, nil
}

// pickPublicKey prefers the strongest supported version a recipient has.
func pickPublicKey(keys []cryptox.UserPublicKey) (cryptox.UserPublicKey, bool) {
	for _, v := range cryptox.KeyPairVersions {
		for _, k := range keys {
			if k.Version == v {
				return k, true
			}
		}
	}

	return cryptox.UserPublicKey{}, false
}
