package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/tonimelisma/dracoon-go/internal/apperr"
)

// CreateUpload opens an upload session and returns its channel.
func (c *Client) CreateUpload(ctx context.Context, req CreateUploadRequest) (*UploadChannel, error) {
	c.logger.Info("creating upload session",
		slog.Int64("parent_id", req.ParentID),
		slog.String("name", req.Name),
		slog.Bool("s3_direct", req.DirectS3Upload),
	)

	var ch UploadChannel
	if err := c.doJSON(ctx, http.MethodPost, "/uploads", req, &ch); err != nil {
		return nil, fmt.Errorf("api: creating upload: %w", err)
	}

	if ch.UploadID == "" {
		return nil, fmt.Errorf("api: creating upload: %w: empty upload id", apperr.ErrAPI)
	}

	return &ch, nil
}

// UploadChunk posts one chunk of a standard upload as a multipart form.
// The Content-Range end is offset+len(chunk), as the server expects.
func (c *Client) UploadChunk(ctx context.Context, uploadID string, offset int64, chunk []byte) error {
	c.logger.Debug("uploading chunk",
		slog.String("upload_id", uploadID),
		slog.Int64("offset", offset),
		slog.Int("length", len(chunk)),
	)

	var form bytes.Buffer

	mw := multipart.NewWriter(&form)

	part, err := mw.CreateFormFile("file", "file")
	if err != nil {
		return fmt.Errorf("api: building chunk form: %w", err)
	}

	if _, err := part.Write(chunk); err != nil {
		return fmt.Errorf("api: building chunk form: %w", err)
	}

	if err := mw.Close(); err != nil {
		return fmt.Errorf("api: building chunk form: %w", err)
	}

	headers := http.Header{}
	headers.Set("Content-Type", mw.FormDataContentType())
	headers.Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", offset, offset+int64(len(chunk))))

	resp, err := c.Do(ctx, http.MethodPost, "/uploads/"+url.PathEscape(uploadID), bytes.NewReader(form.Bytes()), headers)
	if err != nil {
		return fmt.Errorf("api: uploading chunk at offset %d: %w", offset, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("api: draining chunk response: %w", err)
	}

	return nil
}

// CompleteUpload finishes a standard upload and returns the new node.
func (c *Client) CompleteUpload(ctx context.Context, uploadID string, req CompleteUploadRequest) (*Node, error) {
	var node Node
	if err := c.doJSON(ctx, http.MethodPut, "/uploads/"+url.PathEscape(uploadID), req, &node); err != nil {
		return nil, fmt.Errorf("api: completing upload: %w", err)
	}

	c.logger.Info("upload completed",
		slog.Int64("node_id", node.ID),
		slog.String("name", node.Name),
	)

	return &node, nil
}

// GetS3URLs requests pre-signed PUT URLs for a range of part numbers.
func (c *Client) GetS3URLs(ctx context.Context, uploadID string, req S3URLsRequest) ([]PresignedURL, error) {
	var list presignedURLList

	path := "/uploads/" + url.PathEscape(uploadID) + "/s3_urls"
	if err := c.doJSON(ctx, http.MethodPost, path, req, &list); err != nil {
		return nil, fmt.Errorf("api: requesting s3 urls: %w", err)
	}

	want := req.LastPartNumber - req.FirstPartNumber + 1
	if len(list.URLs) != want {
		return nil, fmt.Errorf("api: %w: requested %d s3 urls, got %d", apperr.ErrAPI, want, len(list.URLs))
	}

	return list.URLs, nil
}

// PutS3Part uploads one part to a pre-signed URL and returns its ETag with
// surrounding quotes removed.
func (c *Client) PutS3Part(ctx context.Context, presignedURL string, chunk []byte) (string, error) {
	headers := http.Header{}
	headers.Set("Content-Type", "application/octet-stream")

	resp, err := c.Do(ctx, http.MethodPut, presignedURL, bytes.NewReader(chunk), headers)
	if err != nil {
		return "", fmt.Errorf("api: uploading s3 part: %w", err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return "", fmt.Errorf("api: draining s3 part response: %w", err)
	}

	etag := strings.Trim(resp.Header.Get("ETag"), `"`)
	if etag == "" {
		return "", fmt.Errorf("api: %w: s3 part response has no ETag", apperr.ErrAPI)
	}

	return etag, nil
}

// CompleteS3Upload submits the ordered part list. Completion is
// asynchronous; poll GetS3UploadStatus for the result.
func (c *Client) CompleteS3Upload(ctx context.Context, uploadID string, req CompleteS3UploadRequest) error {
	c.logger.Info("completing s3 upload",
		slog.String("upload_id", uploadID),
		slog.Int("parts", len(req.Parts)),
	)

	path := "/uploads/" + url.PathEscape(uploadID) + "/s3"
	if err := c.doJSON(ctx, http.MethodPost, path, req, nil); err != nil {
		return fmt.Errorf("api: completing s3 upload: %w", err)
	}

	return nil
}

// GetS3UploadStatus reports the async state of an S3-direct upload.
func (c *Client) GetS3UploadStatus(ctx context.Context, uploadID string) (*S3UploadStatus, error) {
	var st S3UploadStatus

	path := "/uploads/" + url.PathEscape(uploadID) + "/s3"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &st); err != nil {
		return nil, fmt.Errorf("api: getting s3 upload status: %w", err)
	}

	return &st, nil
}
