package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/dracoon-go/internal/apperr"
	"github.com/tonimelisma/dracoon-go/internal/cryptox"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()

	return NewClient(url, http.DefaultClient, slog.New(slog.NewTextHandler(io.Discard, nil)), "")
}

func TestDo_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/nodes/7", r.URL.Path)
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":7,"parentId":1,"name":"a.txt","type":"file","size":3,"isEncrypted":true}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/api/v4")
	node, err := c.GetNode(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, int64(7), node.ID)
	assert.Equal(t, NodeTypeFile, node.Type)
	assert.True(t, node.IsEncrypted)
}

func TestDo_ErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(requestIDHeader, "req-9")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"code":404,"message":"Node not found","errorCode":-41000}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.GetNode(context.Background(), 1)
	require.Error(t, err)

	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, err, apperr.ErrAPI)

	var apiErr *apperr.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, -41000, apiErr.ErrorCode)
	assert.Equal(t, "Node not found", apiErr.Message)
	assert.Equal(t, "req-9", apiErr.RequestID)
	assert.Equal(t, apperr.CodeNotFound, apiErr.Code())
}

func TestDo_PlainTextErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).GetGeneralSettings(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrServerError)
	assert.Contains(t, err.Error(), "upstream exploded")
}

func TestDo_NoRetry(t *testing.T) {
	var calls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).GetNode(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(t, url).GetNode(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNetwork)
	assert.NotErrorIs(t, err, apperr.ErrNetworkInterrupted)
}

// roundTripperFunc adapts a function to http.RoundTripper.
type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestDo_ServiceErrorFromTransportKeepsAPIKind(t *testing.T) {
	refreshErr := fmt.Errorf("auth: refreshing token: %w",
		apperr.NewAPIError(http.StatusBadRequest, 0, "invalid_grant: refresh token expired or revoked", ""))

	hc := &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return nil, refreshErr
	})}

	c := NewClient("https://dracoon.example/api/v4", hc, slog.New(slog.NewTextHandler(io.Discard, nil)), "")

	_, err := c.GetNode(context.Background(), 1)
	require.Error(t, err)

	assert.ErrorIs(t, err, apperr.ErrAPI)
	assert.NotErrorIs(t, err, apperr.ErrNetwork)
	assert.Equal(t, apperr.KindAPI, apperr.KindOf(err))
}

func TestDo_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(t, srv.URL).GetNode(ctx, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNetworkInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUploadChunk_MultipartAndContentRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/uploads/up-1", r.URL.Path)
		assert.Equal(t, "bytes 10-15/*", r.Header.Get("Content-Range"))

		mr, err := r.MultipartReader()
		require.NoError(t, err)

		part, err := mr.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "file", part.FormName())

		body, err := io.ReadAll(part)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(body))

		_, err = mr.NextPart()
		assert.ErrorIs(t, err, io.EOF)

		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := newTestClient(t, srv.URL).UploadChunk(context.Background(), "up-1", 10, []byte("hello"))
	require.NoError(t, err)
}

func TestPutS3Part_StripsETagQuotes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Header().Set("ETag", `"abc123"`)
	}))
	defer srv.Close()

	c := newTestClient(t, "http://unused.invalid/api/v4")
	etag, err := c.PutS3Part(context.Background(), srv.URL+"/bucket/key?X-Amz-Signature=s", []byte("part"))
	require.NoError(t, err)
	assert.Equal(t, "abc123", etag)
}

func TestPutS3Part_MissingETag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).PutS3Part(context.Background(), srv.URL+"/x", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindAPI, apperr.KindOf(err))
}

func TestGetS3URLs_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req S3URLsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 3, req.FirstPartNumber)
		fmt.Fprint(w, `{"urls":[]}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).GetS3URLs(context.Background(), "u", S3URLsRequest{
		Size: 5, FirstPartNumber: 3, LastPartNumber: 3,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindAPI, apperr.KindOf(err))
}

func TestMalformedResponses_AreAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.CreateUpload(context.Background(), CreateUploadRequest{ParentID: 1, Name: "a"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindAPI, apperr.KindOf(err), "empty upload id")

	_, err = c.CreateDownloadURL(context.Background(), 5)
	require.Error(t, err)
	assert.Equal(t, apperr.KindAPI, apperr.KindOf(err), "empty download url")
}

func TestGetMissingFileKeys_Query(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files/missing_keys", r.URL.Path)
		assert.Equal(t, "20", r.URL.Query().Get("offset"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "42", r.URL.Query().Get("nodeId"))
		fmt.Fprint(w, `{"items":[{"userId":1,"fileId":2}],"users":[],"files":[],"range":{"offset":20,"limit":10,"total":21}}`)
	}))
	defer srv.Close()

	node := int64(42)
	page, err := newTestClient(t, srv.URL).GetMissingFileKeys(context.Background(), MissingKeysQuery{
		Offset: 20, Limit: 10, NodeID: &node,
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(21), page.Range.Total)
}

func TestGetFileKey_Base64Fields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"version":"A","key":"AQID","iv":"BAUG","tag":"BwgJ"}`)
	}))
	defer srv.Close()

	key, err := newTestClient(t, srv.URL).GetFileKey(context.Background(), 5)
	require.NoError(t, err)

	assert.Equal(t, cryptox.FileKeyRSA2048AES256GCM, key.Version)
	assert.Equal(t, []byte{1, 2, 3}, key.Key)
	assert.Equal(t, []byte{4, 5, 6}, key.IV)
	assert.Equal(t, []byte{7, 8, 9}, key.Tag)
}

func TestDownloadRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=2-5", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		fmt.Fprint(w, "cdef")
	}))
	defer srv.Close()

	data, err := newTestClient(t, "http://unused.invalid").DownloadRange(context.Background(), srv.URL+"/downloads/t", 2, 5)
	require.NoError(t, err)
	assert.Equal(t, "cdef", string(data))
}

func TestDownloadRange_ShortBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "cd")
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).DownloadRange(context.Background(), srv.URL+"/downloads/t", 2, 5)
	assert.ErrorIs(t, err, apperr.ErrNetwork)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "/nodes/1", redact("/nodes/1"))
	assert.Equal(t, "https://s3.example/<redacted>", redact("https://s3.example/bucket/key?X-Amz-Signature=secret"))
	assert.False(t, strings.Contains(redact("https://h/downloads/token123"), "token123"))
}

func TestSetFileKeys_Body(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body userFileKeyList
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Items, 2)
		assert.Equal(t, int64(3), body.Items[1].UserID)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := newTestClient(t, srv.URL).SetFileKeys(context.Background(), []UserFileKey{
		{UserID: 2, FileID: 9, FileKey: cryptox.EncryptedFileKey{Version: "A"}},
		{UserID: 3, FileID: 9, FileKey: cryptox.EncryptedFileKey{Version: "A"}},
	})
	require.NoError(t, err)
}

func TestGetGeneralSettings_Decodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/config/info/general", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"useS3Storage":true,"cryptoEnabled":true,"s3TagsEnabled":false,"sharePasswordSmsEnabled":false}`)
	}))
	defer srv.Close()

	gs, err := newTestClient(t, srv.URL).GetGeneralSettings(context.Background())
	require.NoError(t, err)

	assert.True(t, gs.UseS3Storage)
	assert.True(t, gs.CryptoEnabled)
}
