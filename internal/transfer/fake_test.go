package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/tonimelisma/dracoon-go/internal/api"
	"github.com/tonimelisma/dracoon-go/internal/apperr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const mib = 1024 * 1024

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + i>>9)
	}

	return b
}

type chunkCall struct {
	offset int64
	data   []byte
}

type rangeCall struct {
	start, end int64
}

// fakeAPI records every call the engines make.
type fakeAPI struct {
	mu sync.Mutex

	settings api.GeneralSettings
	calls    []string

	// upload side
	createReq  *api.CreateUploadRequest
	chunks     []chunkCall
	complete   *api.CompleteUploadRequest
	s3URLReqs  []api.S3URLsRequest
	s3Parts    map[int][]byte
	completeS3 *api.CompleteS3UploadRequest
	statuses   []api.S3UploadStatus
	chunkErr   error

	// download side
	node    api.Node
	content []byte
	ranges  []rangeCall

	// before runs ahead of every call.
	before func(name string)
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{s3Parts: make(map[int][]byte)}
}

func (f *fakeAPI) record(name string) {
	if f.before != nil {
		f.before(name)
	}

	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.calls)
}

func (f *fakeAPI) GetGeneralSettings(context.Context) (*api.GeneralSettings, error) {
	f.record("GetGeneralSettings")

	s := f.settings

	return &s, nil
}

func (f *fakeAPI) CreateUpload(_ context.Context, req api.CreateUploadRequest) (*api.UploadChannel, error) {
	f.record("CreateUpload")

	f.createReq = &req

	return &api.UploadChannel{UploadID: "up-1"}, nil
}

func (f *fakeAPI) UploadChunk(_ context.Context, _ string, offset int64, chunk []byte) error {
	f.record("UploadChunk")

	if f.chunkErr != nil {
		return f.chunkErr
	}

	f.chunks = append(f.chunks, chunkCall{offset: offset, data: append([]byte(nil), chunk...)})

	return nil
}

func (f *fakeAPI) CompleteUpload(_ context.Context, _ string, req api.CompleteUploadRequest) (*api.Node, error) {
	f.record("CompleteUpload")

	f.complete = &req

	return &api.Node{ID: 42, Name: req.FileName, Type: api.NodeTypeFile, IsEncrypted: req.FileKey != nil}, nil
}

func (f *fakeAPI) GetS3URLs(_ context.Context, _ string, req api.S3URLsRequest) ([]api.PresignedURL, error) {
	f.record("GetS3URLs")

	f.s3URLReqs = append(f.s3URLReqs, req)

	return []api.PresignedURL{{
		URL:        fmt.Sprintf("https://s3.example/bucket/key?partNumber=%d", req.FirstPartNumber),
		PartNumber: req.FirstPartNumber,
	}}, nil
}

func (f *fakeAPI) PutS3Part(_ context.Context, url string, chunk []byte) (string, error) {
	f.record("PutS3Part")

	n := len(f.s3Parts) + 1
	f.s3Parts[n] = append([]byte(nil), chunk...)

	return fmt.Sprintf("etag-%d", n), nil
}

func (f *fakeAPI) CompleteS3Upload(_ context.Context, _ string, req api.CompleteS3UploadRequest) error {
	f.record("CompleteS3Upload")

	f.completeS3 = &req

	return nil
}

func (f *fakeAPI) GetS3UploadStatus(context.Context, string) (*api.S3UploadStatus, error) {
	f.record("GetS3UploadStatus")

	if len(f.statuses) == 0 {
		return &api.S3UploadStatus{Status: api.S3StatusDone, Node: &api.Node{ID: 42}}, nil
	}

	s := f.statuses[0]
	f.statuses = f.statuses[1:]

	return &s, nil
}

func (f *fakeAPI) GetNode(_ context.Context, id int64) (*api.Node, error) {
	f.record("GetNode")

	if id != f.node.ID {
		return nil, apperr.NewAPIError(404, 0, "node not found", "")
	}

	n := f.node

	return &n, nil
}

func (f *fakeAPI) CreateDownloadURL(context.Context, int64) (string, error) {
	f.record("CreateDownloadURL")

	return "https://dl.example/downloads/token", nil
}

func (f *fakeAPI) DownloadRange(_ context.Context, _ string, start, end int64) ([]byte, error) {
	f.record("DownloadRange")

	f.ranges = append(f.ranges, rangeCall{start: start, end: end})

	return append([]byte(nil), f.content[start:end+1]...), nil
}

// recordingSleep collects S3 poll delays without sleeping.
type recordingSleep struct {
	delays []time.Duration
	err    error
}

func (s *recordingSleep) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return s.err
}
