package transfer

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/dracoon-go/internal/api"
	"github.com/tonimelisma/dracoon-go/internal/apperr"
	"github.com/tonimelisma/dracoon-go/internal/cryptox"
)

// encryptedNode stores plain encrypted under a fresh key and returns the
// key with its tag.
func encryptedNode(t *testing.T, f *fakeAPI, plain []byte) *cryptox.PlainFileKey {
	t.Helper()

	key, err := cryptox.GenerateFileKey()
	require.NoError(t, err)

	ciphertext, tag := sealReference(t, key, plain)
	key.Tag = tag

	f.node = api.Node{ID: 9, Name: "secret", Type: api.NodeTypeFile, Size: int64(len(plain)), IsEncrypted: true}
	f.content = ciphertext

	return &key
}

func TestDownload_PlainRanges(t *testing.T) {
	f := newFakeAPI()
	data := pattern(12 * mib)
	f.node = api.Node{ID: 9, Size: int64(len(data))}
	f.content = data

	d := NewDownload(f, 9, DownloadConfig{ChunkSize: 5 * mib, Logger: discardLogger()})
	require.NoError(t, d.Start(context.Background()))

	got, err := io.ReadAll(d)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, StateCompleted, d.State())

	assert.Equal(t, []rangeCall{
		{0, 5*mib - 1},
		{5 * mib, 10*mib - 1},
		{10 * mib, 12*mib - 1},
	}, f.ranges)
}

func TestDownload_EncryptedRoundTrip(t *testing.T) {
	for _, size := range []int{1, 5 * mib, 5*mib + 3, 11 * mib} {
		f := newFakeAPI()
		data := pattern(size)
		key := encryptedNode(t, f, data)

		d := NewDownload(f, 9, DownloadConfig{ChunkSize: 5 * mib, FileKey: key, Logger: discardLogger()})
		require.NoError(t, d.Start(context.Background()))

		var out bytes.Buffer
		_, err := io.Copy(&out, d)
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, data, out.Bytes(), "size %d", size)
		assert.Equal(t, make([]byte, cryptox.FileKeySize), key.Key, "key should be wiped")
	}
}

func TestDownload_TamperedTag(t *testing.T) {
	f := newFakeAPI()
	data := pattern(6 * mib)
	key := encryptedNode(t, f, data)
	key.Tag[3] ^= 0x01

	d := NewDownload(f, 9, DownloadConfig{ChunkSize: 5 * mib, FileKey: key, Logger: discardLogger()})
	require.NoError(t, d.Start(context.Background()))

	got, err := io.ReadAll(d)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrBadFile)
	assert.Equal(t, StateFailed, d.State())

	// Only the first, non-final range is released.
	assert.Len(t, got, 5*mib)

	_, err = d.Read(make([]byte, 10))
	assert.ErrorIs(t, err, apperr.ErrBadFile)
}

func TestDownload_TamperedContent(t *testing.T) {
	f := newFakeAPI()
	key := encryptedNode(t, f, pattern(1000))
	f.content[500] ^= 0xff

	d := NewDownload(f, 9, DownloadConfig{FileKey: key, Logger: discardLogger()})
	require.NoError(t, d.Start(context.Background()))

	got, err := io.ReadAll(d)
	assert.ErrorIs(t, err, apperr.ErrBadFile)
	assert.Empty(t, got)
}

func TestDownload_EmptyFile(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		f := newFakeAPI()
		f.node = api.Node{ID: 9}

		d := NewDownload(f, 9, DownloadConfig{Logger: discardLogger()})
		require.NoError(t, d.Start(context.Background()))

		got, err := io.ReadAll(d)
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Empty(t, f.ranges)
	})

	t.Run("encrypted", func(t *testing.T) {
		f := newFakeAPI()
		key := encryptedNode(t, f, nil)

		d := NewDownload(f, 9, DownloadConfig{FileKey: key, Logger: discardLogger()})
		require.NoError(t, d.Start(context.Background()))

		got, err := io.ReadAll(d)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestDownload_EncryptedWithoutKey(t *testing.T) {
	f := newFakeAPI()
	encryptedNode(t, f, pattern(10))

	d := NewDownload(f, 9, DownloadConfig{Logger: discardLogger()})

	err := d.Start(context.Background())
	assert.ErrorIs(t, err, apperr.ErrInvalidKey)
	assert.Equal(t, StateFailed, d.State())
}

func TestDownload_NodeNotFound(t *testing.T) {
	f := newFakeAPI()
	f.node = api.Node{ID: 1}

	d := NewDownload(f, 2, DownloadConfig{Logger: discardLogger()})

	err := d.Start(context.Background())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDownload_CanceledBetweenRanges(t *testing.T) {
	f := newFakeAPI()
	data := pattern(12 * mib)
	f.node = api.Node{ID: 9, Size: int64(len(data))}
	f.content = data

	ctx, cancel := context.WithCancel(context.Background())

	f.before = func(name string) {
		if name == "DownloadRange" {
			cancel()
		}
	}

	d := NewDownload(f, 9, DownloadConfig{ChunkSize: 5 * mib, Logger: discardLogger()})
	require.NoError(t, d.Start(ctx))

	got, err := io.ReadAll(d)
	assert.ErrorIs(t, err, apperr.ErrCanceled)
	assert.Len(t, got, 5*mib)
	assert.Len(t, f.ranges, 1)
	assert.Equal(t, StateCanceled, d.State())
}

func TestDownload_IllegalStates(t *testing.T) {
	f := newFakeAPI()
	f.node = api.Node{ID: 9, Size: 3}
	f.content = []byte("abc")

	d := NewDownload(f, 9, DownloadConfig{Logger: discardLogger()})

	_, err := d.Read(make([]byte, 1))
	assert.ErrorIs(t, err, apperr.ErrIllegalState)

	require.NoError(t, d.Start(context.Background()))
	assert.ErrorIs(t, d.Start(context.Background()), apperr.ErrIllegalState)

	got, err := io.ReadAll(d)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	n, err := d.Read(make([]byte, 1))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}
