package dracoon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tonimelisma/dracoon-go/internal/apperr"
	"github.com/tonimelisma/dracoon-go/internal/cryptox"
	"github.com/tonimelisma/dracoon-go/internal/transfer"
)

const partialFilePerms = 0o600

// NewUpload prepares an upload engine for req. When the parent is an
// encrypted room a fresh file key is generated and wrapped for the
// caller's upload public key.
func (c *Client) NewUpload(ctx context.Context, req transfer.UploadRequest) (*transfer.Upload, error) {
	cfg := transfer.UploadConfig{
		ChunkSize: c.chunkSize,
		Limiter:   c.limiter,
		Logger:    c.logger,
	}

	parent, err := c.API.GetNode(ctx, req.ParentID)
	if err != nil {
		return nil, fmt.Errorf("dracoon: looking up parent %d: %w", req.ParentID, err)
	}

	if parent.IsEncrypted {
		pub, err := c.KeyPairs.UploadPublicKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("dracoon: %w", err)
		}

		key, err := cryptox.GenerateFileKey()
		if err != nil {
			return nil, fmt.Errorf("dracoon: %w", err)
		}

		cfg.FileKey = &key
		cfg.PublicKey = pub
	}

	return transfer.NewUpload(c.API, req, cfg), nil
}

// NewDownload prepares a download engine for nodeID, fetching and
// unwrapping the file key first when the node is encrypted.
func (c *Client) NewDownload(ctx context.Context, nodeID int64) (*transfer.Download, error) {
	key, err := c.Fetcher.PlainFileKey(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("dracoon: %w", err)
	}

	return transfer.NewDownload(c.API, nodeID, transfer.DownloadConfig{
		ChunkSize: c.chunkSize,
		FileKey:   key,
		Limiter:   c.limiter,
		Logger:    c.logger,
	}), nil
}

// UploadFile uploads the local file at path. req.Name defaults to the
// file's base name and req.Size is taken from the file. callbacks observe
// the runner; cancel ctx to stop the transfer.
func (c *Client) UploadFile(
	ctx context.Context, path string, req transfer.UploadRequest, callbacks ...transfer.Callback,
) (transfer.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return transfer.Result{}, fileError("opening", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return transfer.Result{}, fileError("stat", path, err)
	}

	if info.IsDir() {
		return transfer.Result{}, fmt.Errorf("dracoon: %s is a directory: %w", path, apperr.ErrFileIO)
	}

	if req.Name == "" {
		req.Name = filepath.Base(path)
	}

	req.Size = info.Size()

	up, err := c.NewUpload(ctx, req)
	if err != nil {
		return transfer.Result{}, err
	}

	return c.run(ctx, transfer.UploadTask{Upload: up, Source: f}, callbacks)
}

// DownloadFile downloads nodeID to the local path. Content lands in a
// partial file next to path, renamed into place only after the download
// verified; on any failure the partial file is removed.
func (c *Client) DownloadFile(
	ctx context.Context, nodeID int64, path string, callbacks ...transfer.Callback,
) (transfer.Result, error) {
	dl, err := c.NewDownload(ctx, nodeID)
	if err != nil {
		return transfer.Result{}, err
	}

	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.partial")
	if err != nil {
		return transfer.Result{}, fileError("creating partial file in", dir, err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(partialFilePerms); err != nil {
		return transfer.Result{}, fileError("chmod", tmpPath, err)
	}

	res, err := c.run(ctx, transfer.DownloadTask{Download: dl, Sink: tmp}, callbacks)
	if err != nil {
		return transfer.Result{}, err
	}

	if err := tmp.Close(); err != nil {
		return transfer.Result{}, fileError("closing", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return transfer.Result{}, fileError("renaming partial file to", path, err)
	}

	success = true

	c.logger.Info("download saved",
		slog.Int64("node_id", nodeID),
		slog.String("path", path),
		slog.Int64("bytes", res.Transferred),
	)

	return res, nil
}

// Run starts task on a Runner with callbacks attached and waits for it.
func (c *Client) Run(ctx context.Context, task transfer.Task, callbacks ...transfer.Callback) (transfer.Result, error) {
	return c.run(ctx, task, callbacks)
}

func (c *Client) run(ctx context.Context, task transfer.Task, callbacks []transfer.Callback) (transfer.Result, error) {
	r := transfer.NewRunner(task, c.logger)

	for _, cb := range callbacks {
		r.AddCallback(cb)
	}

	if err := r.Start(ctx); err != nil {
		return transfer.Result{}, err
	}

	return r.Wait()
}

func fileError(op, path string, err error) error {
	sentinel := apperr.ErrFileIO
	if errors.Is(err, os.ErrNotExist) {
		sentinel = apperr.ErrFileNotFound
	}

	return fmt.Errorf("dracoon: %s %s: %w: %w", op, path, sentinel, err)
}
