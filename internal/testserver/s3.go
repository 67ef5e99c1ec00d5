package testserver

import (
	"context"
	"crypto/md5" //nolint:gosec // S3 ETags are MD5 digests.
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	s3Bucket        = "dracoon"
	s3Region        = "us-east-1"
	s3AccessKey     = "test-access-key"
	s3SecretKey     = "test-secret-key"
	presignLifetime = 15 * time.Minute
)

type s3Part struct {
	data []byte
	etag string
}

// objectStore is a minimal S3 endpoint accepting pre-signed UploadPart
// requests. It runs on its own listener so part URLs point at a different
// host than the API, as they do in production.
type objectStore struct {
	srv     *httptest.Server
	presign *s3.PresignClient
	logger  *slog.Logger

	mu    sync.Mutex
	parts map[string]map[int]s3Part // upload id -> part number -> part
}

func newObjectStore(logger *slog.Logger) *objectStore {
	o := &objectStore{
		logger: logger,
		parts:  make(map[string]map[int]s3Part),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /{bucket}/{key...}", o.handleUploadPart)
	o.srv = httptest.NewServer(mux)

	client := s3.New(s3.Options{
		Region:       s3Region,
		Credentials:  credentials.NewStaticCredentialsProvider(s3AccessKey, s3SecretKey, ""),
		BaseEndpoint: aws.String(o.srv.URL),
		UsePathStyle: true,
	})
	o.presign = s3.NewPresignClient(client)

	return o
}

func (o *objectStore) URL() string {
	return o.srv.URL
}

func (o *objectStore) Close() {
	o.srv.Close()
}

// presignPart returns a PUT URL for one part of uploadID.
func (o *objectStore) presignPart(ctx context.Context, uploadID string, partNumber int) (string, error) {
	req, err := o.presign.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s3Bucket),
		Key:        aws.String("uploads/" + uploadID),
		PartNumber: aws.Int32(int32(partNumber)), //nolint:gosec // part numbers are at most 10000.
		UploadId:   aws.String(uploadID),
	}, s3.WithPresignExpires(presignLifetime))
	if err != nil {
		return "", fmt.Errorf("testserver: presigning part %d: %w", partNumber, err)
	}

	return req.URL, nil
}

// assemble concatenates the listed parts after checking their ETags.
func (o *objectStore) assemble(uploadID string, parts []partRef) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	stored := o.parts[uploadID]

	var out []byte

	for i, p := range parts {
		if i > 0 && p.number <= parts[i-1].number {
			return nil, fmt.Errorf("parts not in ascending order at %d", p.number)
		}

		sp, ok := stored[p.number]
		if !ok {
			return nil, fmt.Errorf("part %d was never uploaded", p.number)
		}

		if sp.etag != p.etag {
			return nil, fmt.Errorf("part %d etag mismatch", p.number)
		}

		out = append(out, sp.data...)
	}

	return out, nil
}

func (o *objectStore) drop(uploadID string) {
	o.mu.Lock()
	delete(o.parts, uploadID)
	o.mu.Unlock()
}

type partRef struct {
	number int
	etag   string
}

func (o *objectStore) handleUploadPart(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("X-Amz-Signature") == "" {
		http.Error(w, "AccessDenied", http.StatusForbidden)
		return
	}

	uploadID := q.Get("uploadId")

	partNumber, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || uploadID == "" || r.PathValue("bucket") != s3Bucket {
		http.Error(w, "InvalidRequest", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "IncompleteBody", http.StatusBadRequest)
		return
	}

	sum := md5.Sum(data) //nolint:gosec // S3 ETags are MD5 digests.
	etag := hex.EncodeToString(sum[:])

	o.mu.Lock()
	if o.parts[uploadID] == nil {
		o.parts[uploadID] = make(map[int]s3Part)
	}
	o.parts[uploadID][partNumber] = s3Part{data: data, etag: etag}
	o.mu.Unlock()

	o.logger.Debug("s3 part stored",
		slog.String("upload_id", uploadID),
		slog.Int("part", partNumber),
		slog.Int("size", len(data)),
	)

	w.Header().Set("ETag", `"`+etag+`"`)
	w.WriteHeader(http.StatusOK)
}
