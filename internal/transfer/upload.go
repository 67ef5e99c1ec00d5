package transfer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/dracoon-go/internal/api"
	"github.com/tonimelisma/dracoon-go/internal/apperr"
	"github.com/tonimelisma/dracoon-go/internal/cryptox"
)

// UploadAPI is the slice of the REST client the upload engine uses.
type UploadAPI interface {
	GetGeneralSettings(ctx context.Context) (*api.GeneralSettings, error)
	CreateUpload(ctx context.Context, req api.CreateUploadRequest) (*api.UploadChannel, error)
	UploadChunk(ctx context.Context, uploadID string, offset int64, chunk []byte) error
	CompleteUpload(ctx context.Context, uploadID string, req api.CompleteUploadRequest) (*api.Node, error)
	GetS3URLs(ctx context.Context, uploadID string, req api.S3URLsRequest) ([]api.PresignedURL, error)
	PutS3Part(ctx context.Context, presignedURL string, chunk []byte) (string, error)
	CompleteS3Upload(ctx context.Context, uploadID string, req api.CompleteS3UploadRequest) error
	GetS3UploadStatus(ctx context.Context, uploadID string) (*api.S3UploadStatus, error)
}

// UploadRequest describes the node an upload creates.
type UploadRequest struct {
	ParentID           int64
	Name               string
	Size               int64 // -1 when unknown
	Classification     *int
	Notes              string
	Expiration         *api.Expiration
	ResolutionStrategy api.ResolutionStrategy
}

// UploadConfig carries the engine's collaborators. FileKey nil means the
// upload is not encrypted; otherwise PublicKey receives the wrapped key and
// the engine wipes FileKey once it reaches a terminal state.
type UploadConfig struct {
	ChunkSize int
	FileKey   *cryptox.PlainFileKey
	PublicKey cryptox.UserPublicKey
	Progress  ProgressFunc
	Limiter   *BandwidthLimiter
	Logger    *slog.Logger
}

const (
	s3PollInitial = 500 * time.Millisecond
	s3PollMax     = 5 * time.Second
)

// Upload streams content into a new node. Call Start, then Write any number
// of times, then Complete. An Upload is single-use.
type Upload struct {
	id        string
	client    UploadAPI
	req       UploadRequest
	chunkSize int
	fileKey   *cryptox.PlainFileKey
	publicKey cryptox.UserPublicKey
	limiter   *BandwidthLimiter
	logger    *slog.Logger
	progress  *progressThrottle

	// sleepFunc waits between S3 status polls.
	sleepFunc func(ctx context.Context, d time.Duration) error

	ctx      context.Context
	state    State
	uploadID string
	s3       bool
	cipher   *cryptox.FileEncryptionCipher
	buf      bytes.Buffer
	offset   int64
	sent     int64
	parts    []api.S3Part
}

// NewUpload creates an upload engine in state StateInit.
func NewUpload(client UploadAPI, req UploadRequest, cfg UploadConfig) *Upload {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if req.ResolutionStrategy == "" {
		req.ResolutionStrategy = api.ResolveAutorename
	}

	req.Name = norm.NFC.String(req.Name)

	id := uuid.NewString()

	return &Upload{
		id:        id,
		client:    client,
		req:       req,
		chunkSize: clampChunkSize(cfg.ChunkSize),
		fileKey:   cfg.FileKey,
		publicKey: cfg.PublicKey,
		limiter:   cfg.Limiter,
		logger:    logger.With(slog.String("transfer_id", id)),
		progress:  newProgressThrottle(cfg.Progress),
		sleepFunc: timeSleep,
		state:     StateInit,
	}
}

// ID identifies the transfer in logs and the journal.
func (u *Upload) ID() string { return u.id }

// State returns the current lifecycle state.
func (u *Upload) State() State { return u.state }

// ChunkSize returns the effective chunk size after clamping.
func (u *Upload) ChunkSize() int { return u.chunkSize }

// Start opens the upload session. ctx governs the whole upload: once it is
// done, the next network call is skipped and the engine ends in
// StateCanceled.
func (u *Upload) Start(ctx context.Context) error {
	if u.state != StateInit {
		return apperr.IllegalState("transfer: upload already started (state %s)", u.state)
	}

	u.ctx = ctx
	u.state = StateStarted

	if err := u.start(); err != nil {
		return u.fail(err)
	}

	return nil
}

func (u *Upload) start() error {
	if err := checkpoint(u.ctx); err != nil {
		return err
	}

	settings, err := u.client.GetGeneralSettings(context.WithoutCancel(u.ctx))
	if err != nil {
		return fmt.Errorf("transfer: reading server settings: %w", err)
	}

	u.s3 = settings.UseS3Storage

	if u.fileKey != nil {
		c, err := cryptox.NewFileEncryptionCipher(*u.fileKey)
		if err != nil {
			return fmt.Errorf("transfer: %w", err)
		}

		u.cipher = c
	}

	if err := checkpoint(u.ctx); err != nil {
		return err
	}

	create := api.CreateUploadRequest{
		ParentID:       u.req.ParentID,
		Name:           u.req.Name,
		Classification: u.req.Classification,
		Notes:          u.req.Notes,
		Expiration:     u.req.Expiration,
		DirectS3Upload: u.s3,
	}

	if u.req.Size >= 0 {
		size := u.req.Size
		create.Size = &size
	}

	ch, err := u.client.CreateUpload(context.WithoutCancel(u.ctx), create)
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}

	u.uploadID = ch.UploadID

	u.logger.Info("upload started",
		slog.String("upload_id", u.uploadID),
		slog.Bool("s3_direct", u.s3),
		slog.Bool("encrypted", u.cipher != nil),
		slog.Int("chunk_size", u.chunkSize),
	)

	return nil
}

// Write buffers p and dispatches every full chunk. It implements io.Writer.
func (u *Upload) Write(p []byte) (int, error) {
	if u.state != StateStarted && u.state != StateWriting {
		return 0, apperr.IllegalState("transfer: write in state %s", u.state)
	}

	u.state = StateWriting
	u.buf.Write(p)

	for u.buf.Len() > u.chunkSize {
		if err := u.dispatch(u.buf.Next(u.chunkSize), false); err != nil {
			return 0, u.fail(err)
		}
	}

	return len(p), nil
}

// Complete flushes the remaining bytes, finalizes the file key and creates
// the node.
func (u *Upload) Complete() (*api.Node, error) {
	if u.state != StateStarted && u.state != StateWriting {
		return nil, apperr.IllegalState("transfer: complete in state %s", u.state)
	}

	u.state = StateCompleting

	node, err := u.complete()
	if err != nil {
		return nil, u.fail(err)
	}

	u.state = StateCompleted

	if u.fileKey != nil {
		u.fileKey.Wipe()
	}

	u.logger.Info("upload completed",
		slog.Int64("node_id", node.ID),
		slog.Int64("bytes", u.sent),
	)

	return node, nil
}

func (u *Upload) complete() (*api.Node, error) {
	if err := u.dispatch(u.buf.Next(u.buf.Len()), true); err != nil {
		return nil, err
	}

	var fileKey *cryptox.EncryptedFileKey

	if u.cipher != nil {
		tag, err := u.cipher.DoFinal()
		if err != nil {
			return nil, fmt.Errorf("transfer: %w", err)
		}

		plain := *u.fileKey
		plain.Tag = tag

		enc, err := cryptox.EncryptFileKey(plain, u.publicKey)
		if err != nil {
			return nil, fmt.Errorf("transfer: %w", err)
		}

		fileKey = &enc
	}

	if u.s3 {
		return u.completeS3(fileKey)
	}

	if err := checkpoint(u.ctx); err != nil {
		return nil, err
	}

	node, err := u.client.CompleteUpload(context.WithoutCancel(u.ctx), u.uploadID, api.CompleteUploadRequest{
		FileName:           u.req.Name,
		ResolutionStrategy: u.req.ResolutionStrategy,
		FileKey:            fileKey,
	})
	if err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}

	return node, nil
}

// dispatch encrypts chunk if needed and sends it on the active path. The
// final chunk is sent only when non-empty, except that an S3 upload always
// carries at least one part.
func (u *Upload) dispatch(chunk []byte, final bool) error {
	if u.cipher != nil && len(chunk) > 0 {
		enc, err := u.cipher.ProcessBytes(chunk)
		if err != nil {
			return fmt.Errorf("transfer: %w", err)
		}

		chunk = enc
	} else {
		chunk = bytes.Clone(chunk)
	}

	if len(chunk) == 0 && !(final && u.s3 && len(u.parts) == 0) {
		return nil
	}

	if err := checkpoint(u.ctx); err != nil {
		return err
	}

	if err := u.limiter.wait(u.ctx, len(chunk)); err != nil {
		return err
	}

	if u.s3 {
		if err := u.sendPart(chunk); err != nil {
			return err
		}
	} else {
		if err := u.checkpointed(func(ctx context.Context) error {
			return u.client.UploadChunk(ctx, u.uploadID, u.offset, chunk)
		}); err != nil {
			return err
		}
	}

	u.offset += int64(len(chunk))
	u.sent += int64(len(chunk))
	u.progress.report(u.ctx, u.sent, u.req.Size)

	return nil
}

func (u *Upload) sendPart(chunk []byte) error {
	partNumber := len(u.parts) + 1

	var urls []api.PresignedURL

	err := u.checkpointed(func(ctx context.Context) error {
		var err error

		urls, err = u.client.GetS3URLs(ctx, u.uploadID, api.S3URLsRequest{
			Size:            int64(len(chunk)),
			FirstPartNumber: partNumber,
			LastPartNumber:  partNumber,
		})

		return err
	})
	if err != nil {
		return err
	}

	var etag string

	err = u.checkpointed(func(ctx context.Context) error {
		var err error
		etag, err = u.client.PutS3Part(ctx, urls[0].URL, chunk)

		return err
	})
	if err != nil {
		return err
	}

	u.parts = append(u.parts, api.S3Part{PartNumber: partNumber, ETag: etag})

	u.logger.Debug("s3 part uploaded",
		slog.Int("part", partNumber),
		slog.Int("length", len(chunk)),
	)

	return nil
}

// completeS3 submits the part list and polls the async completion job.
func (u *Upload) completeS3(fileKey *cryptox.EncryptedFileKey) (*api.Node, error) {
	err := u.checkpointed(func(ctx context.Context) error {
		return u.client.CompleteS3Upload(ctx, u.uploadID, api.CompleteS3UploadRequest{
			FileName:           u.req.Name,
			Parts:              u.parts,
			ResolutionStrategy: u.req.ResolutionStrategy,
			FileKey:            fileKey,
		})
	})
	if err != nil {
		return nil, err
	}

	delay := s3PollInitial

	for {
		var status *api.S3UploadStatus

		err := u.checkpointed(func(ctx context.Context) error {
			var err error
			status, err = u.client.GetS3UploadStatus(ctx, u.uploadID)

			return err
		})
		if err != nil {
			return nil, err
		}

		switch status.Status {
		case api.S3StatusDone:
			if status.Node == nil {
				return nil, fmt.Errorf("transfer: s3 upload %s done without a node: %w", u.uploadID, apperr.ErrAPI)
			}

			return status.Node, nil
		case api.S3StatusError:
			return nil, fmt.Errorf("transfer: s3 upload %s: %w", u.uploadID, s3JobError(status.ErrorDetails))
		}

		u.logger.Debug("s3 upload still in progress",
			slog.String("status", status.Status),
			slog.Duration("next_poll", delay),
		)

		if err := u.sleepFunc(u.ctx, delay); err != nil {
			return nil, apperr.Canceled(err)
		}

		delay = min(delay*2, s3PollMax)
	}
}

// checkpointed checks for cancellation, then runs call detached from it.
func (u *Upload) checkpointed(call func(ctx context.Context) error) error {
	if err := checkpoint(u.ctx); err != nil {
		return err
	}

	if err := call(context.WithoutCancel(u.ctx)); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}

	return nil
}

func (u *Upload) fail(err error) error {
	state, err := settle(u.ctx, err)
	u.state = state

	if u.fileKey != nil {
		u.fileKey.Wipe()
	}

	if state == StateCanceled {
		u.logger.Info("upload canceled", slog.Int64("bytes", u.sent))
	} else {
		u.logger.Error("upload failed", slog.String("error", err.Error()))
	}

	return err
}

func s3JobError(d *api.ErrorDetails) error {
	if d == nil {
		return apperr.NewAPIError(0, 0, "s3 upload failed", "")
	}

	return apperr.NewAPIError(d.Code, d.ErrorCode, d.Message, "")
}
