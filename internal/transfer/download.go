package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tonimelisma/dracoon-go/internal/api"
	"github.com/tonimelisma/dracoon-go/internal/apperr"
	"github.com/tonimelisma/dracoon-go/internal/cryptox"
)

// DownloadAPI is the slice of the REST client the download engine uses.
type DownloadAPI interface {
	GetNode(ctx context.Context, nodeID int64) (*api.Node, error)
	CreateDownloadURL(ctx context.Context, fileID int64) (string, error)
	DownloadRange(ctx context.Context, downloadURL string, start, end int64) ([]byte, error)
}

// DownloadConfig carries the engine's collaborators. FileKey is required
// for encrypted nodes, including its tag.
type DownloadConfig struct {
	ChunkSize int
	FileKey   *cryptox.PlainFileKey
	Progress  ProgressFunc
	Limiter   *BandwidthLimiter
	Logger    *slog.Logger
}

// Download reads a file's content range by range. Call Start, then Read
// until io.EOF. The byte sequence is not restartable; a Download is
// single-use.
type Download struct {
	id        string
	client    DownloadAPI
	nodeID    int64
	chunkSize int
	fileKey   *cryptox.PlainFileKey
	limiter   *BandwidthLimiter
	logger    *slog.Logger
	progress  *progressThrottle

	ctx    context.Context
	state  State
	node   *api.Node
	url    string
	cipher *cryptox.FileDecryptionCipher
	offset int64
	buf    bytes.Buffer
	err    error
}

// NewDownload creates a download engine for nodeID in state StateInit.
func NewDownload(client DownloadAPI, nodeID int64, cfg DownloadConfig) *Download {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.NewString()

	return &Download{
		id:        id,
		client:    client,
		nodeID:    nodeID,
		chunkSize: clampChunkSize(cfg.ChunkSize),
		fileKey:   cfg.FileKey,
		limiter:   cfg.Limiter,
		logger:    logger.With(slog.String("transfer_id", id)),
		progress:  newProgressThrottle(cfg.Progress),
		state:     StateInit,
	}
}

// ID identifies the transfer in logs and the journal.
func (d *Download) ID() string { return d.id }

// State returns the current lifecycle state.
func (d *Download) State() State { return d.state }

// Node returns the downloaded node's metadata once started.
func (d *Download) Node() *api.Node { return d.node }

// Start resolves the node and obtains a download URL. ctx governs the
// whole download.
func (d *Download) Start(ctx context.Context) error {
	if d.state != StateInit {
		return apperr.IllegalState("transfer: download already started (state %s)", d.state)
	}

	d.ctx = ctx
	d.state = StateStarted

	if err := d.start(); err != nil {
		return d.fail(err)
	}

	return nil
}

func (d *Download) start() error {
	if err := checkpoint(d.ctx); err != nil {
		return err
	}

	node, err := d.client.GetNode(context.WithoutCancel(d.ctx), d.nodeID)
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}

	d.node = node

	if node.IsEncrypted {
		if d.fileKey == nil {
			return fmt.Errorf("transfer: node %d is encrypted but no file key was given: %w",
				d.nodeID, apperr.ErrInvalidKey)
		}

		c, err := cryptox.NewFileDecryptionCipher(*d.fileKey)
		if err != nil {
			return fmt.Errorf("transfer: %w", err)
		}

		d.cipher = c
	}

	if err := checkpoint(d.ctx); err != nil {
		return err
	}

	url, err := d.client.CreateDownloadURL(context.WithoutCancel(d.ctx), d.nodeID)
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}

	d.url = url

	d.logger.Info("download started",
		slog.Int64("node_id", d.nodeID),
		slog.Int64("size", node.Size),
		slog.Bool("encrypted", d.cipher != nil),
	)

	return nil
}

// Read implements io.Reader. Content of an encrypted node is authenticated
// when the final range is read; a tag mismatch fails with
// apperr.ErrBadFile and no byte of the final range is returned.
func (d *Download) Read(p []byte) (int, error) {
	switch d.state {
	case StateStarted, StateWriting:
	case StateCompleted:
		if d.buf.Len() > 0 {
			return d.buf.Read(p)
		}

		return 0, io.EOF
	case StateCanceled, StateFailed:
		return 0, d.err
	default:
		return 0, apperr.IllegalState("transfer: read in state %s", d.state)
	}

	d.state = StateWriting

	for d.buf.Len() == 0 {
		if d.offset >= d.node.Size {
			if err := d.finish(); err != nil {
				return 0, d.fail(err)
			}

			return d.Read(p)
		}

		if err := d.fetch(); err != nil {
			return 0, d.fail(err)
		}
	}

	return d.buf.Read(p)
}

func (d *Download) fetch() error {
	end := min(d.offset+int64(d.chunkSize), d.node.Size) - 1

	if err := checkpoint(d.ctx); err != nil {
		return err
	}

	if err := d.limiter.wait(d.ctx, int(end-d.offset+1)); err != nil {
		return err
	}

	if err := checkpoint(d.ctx); err != nil {
		return err
	}

	data, err := d.client.DownloadRange(context.WithoutCancel(d.ctx), d.url, d.offset, end)
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}

	if d.cipher != nil {
		data, err = d.cipher.ProcessBytes(data)
		if err != nil {
			return fmt.Errorf("transfer: %w", err)
		}
	}

	d.offset += int64(len(data))

	if d.offset >= d.node.Size {
		// Authenticate before releasing the last range.
		if err := d.finish(); err != nil {
			return err
		}
	}

	d.buf.Write(data)
	d.progress.report(d.ctx, d.offset, d.node.Size)

	d.logger.Debug("range downloaded",
		slog.Int64("offset", d.offset),
		slog.Int("length", len(data)),
	)

	return nil
}

func (d *Download) finish() error {
	d.state = StateCompleting

	if d.cipher != nil {
		if err := d.cipher.DoFinal(d.fileKey.Tag); err != nil {
			return fmt.Errorf("transfer: node %d: %w", d.nodeID, err)
		}
	}

	d.state = StateCompleted

	if d.fileKey != nil {
		d.fileKey.Wipe()
	}

	d.logger.Info("download completed", slog.Int64("bytes", d.offset))

	return nil
}

func (d *Download) fail(err error) error {
	state, err := settle(d.ctx, err)
	d.state = state
	d.err = err

	if d.fileKey != nil {
		d.fileKey.Wipe()
	}

	if state == StateCanceled {
		d.logger.Info("download canceled", slog.Int64("bytes", d.offset))
	} else {
		d.logger.Error("download failed", slog.String("error", err.Error()))
	}

	return err
}
