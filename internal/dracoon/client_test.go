package dracoon

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/dracoon-go/internal/api"
	"github.com/tonimelisma/dracoon-go/internal/apperr"
	"github.com/tonimelisma/dracoon-go/internal/auth"
	"github.com/tonimelisma/dracoon-go/internal/cryptox"
	"github.com/tonimelisma/dracoon-go/internal/testserver"
	"github.com/tonimelisma/dracoon-go/internal/tokenfile"
	"github.com/tonimelisma/dracoon-go/internal/transfer"
)

const mib = 1 << 20

var (
	password      = []byte("correct horse")
	otherPassword = []byte("battery staple")

	pairsOnce sync.Once
	ownerPair cryptox.UserKeyPair
	recipPair cryptox.UserKeyPair
)

func testPairs(t *testing.T) (owner, recipient cryptox.UserKeyPair) {
	t.Helper()

	pairsOnce.Do(func() {
		var err error

		ownerPair, err = cryptox.GenerateUserKeyPair(cryptox.KeyPairRSA2048, password)
		require.NoError(t, err)

		recipPair, err = cryptox.GenerateUserKeyPair(cryptox.KeyPairRSA2048, otherPassword)
		require.NoError(t, err)
	})

	return ownerPair, recipPair
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}

	return b
}

type fixture struct {
	srv    *testserver.Server
	client *Client
	dir    string
}

func newFixture(t *testing.T, srvOpts testserver.Options, mutate func(*Options)) *fixture {
	t.Helper()

	srvOpts.Logger = discardLogger()
	srv := testserver.New(srvOpts)
	t.Cleanup(srv.Close)

	access, refresh := srv.Tokens()

	opts := Options{
		ServerURL: srv.URL(),
		Credential: auth.Credential{
			Mode:         auth.ModeAccessAndRefreshToken,
			ClientID:     testserver.DefaultClientID,
			AccessToken:  access,
			RefreshToken: refresh,
		},
		EncryptionPassword: password,
		KeyPairVersion:     cryptox.KeyPairRSA2048,
		ChunkSize:          5 * mib,
		Logger:             discardLogger(),
	}

	if mutate != nil {
		mutate(&opts)
	}

	c, err := New(opts)
	require.NoError(t, err)

	return &fixture{srv: srv, client: c, dir: t.TempDir()}
}

func (f *fixture) writeLocal(t *testing.T, name string, data []byte) string {
	t.Helper()

	p := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o600))

	return p
}

// terminalEvents records the terminal event of each run.
type terminalEvents struct {
	mu     sync.Mutex
	events []transfer.Event
}

func (te *terminalEvents) add(ev transfer.Event) {
	if !ev.Kind.Terminal() {
		return
	}

	te.mu.Lock()
	te.events = append(te.events, ev)
	te.mu.Unlock()
}

func TestNew_RequiresServerURL(t *testing.T) {
	_, err := New(Options{Logger: discardLogger()})
	assert.Error(t, err)
}

func TestNew_RejectsBadBandwidth(t *testing.T) {
	_, err := New(Options{ServerURL: "https://example.com", BandwidthLimit: "fast", Logger: discardLogger()})
	assert.Error(t, err)
}

func TestRoundTrip_Plain(t *testing.T) {
	f := newFixture(t, testserver.Options{}, nil)
	ctx := context.Background()
	room := f.srv.AddRoom("plain", false)

	data := pattern(6*mib + 17)
	src := f.writeLocal(t, "report.bin", data)

	events := &terminalEvents{}

	res, err := f.client.UploadFile(ctx, src, transfer.UploadRequest{ParentID: room}, events.add)
	require.NoError(t, err)
	require.NotNil(t, res.Node)
	assert.Equal(t, "report.bin", res.Node.Name)
	assert.Equal(t, int64(len(data)), res.Transferred)

	stored, ok := f.srv.Content(res.Node.ID)
	require.True(t, ok)
	assert.Equal(t, data, stored)

	dst := filepath.Join(f.dir, "copy.bin")

	_, err = f.client.DownloadFile(ctx, res.Node.ID, dst, events.add)
	require.NoError(t, err)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.Len(t, events.events, 2)
	assert.Equal(t, transfer.EventFinished, events.events[0].Kind)
	assert.Equal(t, transfer.DirectionUpload, events.events[0].Direction)
	assert.Equal(t, transfer.DirectionDownload, events.events[1].Direction)
}

func TestRoundTrip_Encrypted(t *testing.T) {
	owner, _ := testPairs(t)

	for _, s3 := range []bool{false, true} {
		t.Run(map[bool]string{false: "standard", true: "s3"}[s3], func(t *testing.T) {
			f := newFixture(t, testserver.Options{S3: s3}, nil)
			ctx := context.Background()
			f.srv.SetKeyPair(owner)
			room := f.srv.AddRoom("vault", true)

			data := pattern(11*mib + 5)
			src := f.writeLocal(t, "secret.bin", data)

			res, err := f.client.UploadFile(ctx, src, transfer.UploadRequest{ParentID: room})
			require.NoError(t, err)
			require.NotNil(t, res.Node)
			assert.True(t, res.Node.IsEncrypted)

			stored, ok := f.srv.Content(res.Node.ID)
			require.True(t, ok)
			assert.Len(t, stored, len(data))
			assert.NotEqual(t, data, stored, "server must only see ciphertext")

			key, ok := f.srv.FileKey(res.Node.ID, testserver.CurrentUserID)
			require.True(t, ok)
			assert.NotEmpty(t, key.Tag)

			dst := filepath.Join(f.dir, "plain.bin")

			_, err = f.client.DownloadFile(ctx, res.Node.ID, dst)
			require.NoError(t, err)

			got, err := os.ReadFile(dst)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestUpload_S3WaitsForFinishing(t *testing.T) {
	f := newFixture(t, testserver.Options{S3: true}, nil)
	f.srv.SetS3FinishPolls(1)
	room := f.srv.AddRoom("r", false)

	src := f.writeLocal(t, "a.txt", []byte("hello"))

	res, err := f.client.UploadFile(context.Background(), src, transfer.UploadRequest{ParentID: room})
	require.NoError(t, err)

	got, _ := f.srv.Content(res.Node.ID)
	assert.Equal(t, "hello", string(got))
}

func TestUpload_S3JobFailure(t *testing.T) {
	f := newFixture(t, testserver.Options{S3: true}, nil)
	f.srv.FailS3Jobs(&api.ErrorDetails{Code: 507, Message: "quota exceeded"})
	room := f.srv.AddRoom("r", false)

	src := f.writeLocal(t, "a.txt", []byte("hello"))

	_, err := f.client.UploadFile(context.Background(), src, transfer.UploadRequest{ParentID: room})
	assert.ErrorIs(t, err, apperr.ErrAPI)
	assert.Empty(t, f.srv.Children(room))
}

func TestUpload_EncryptedWithoutKeyPair(t *testing.T) {
	f := newFixture(t, testserver.Options{}, nil)
	room := f.srv.AddRoom("vault", true)

	src := f.writeLocal(t, "a.txt", []byte("hello"))

	_, err := f.client.UploadFile(context.Background(), src, transfer.UploadRequest{ParentID: room})
	assert.Error(t, err)
	assert.Empty(t, f.srv.Children(room))
}

func TestUploadFile_MissingLocalFile(t *testing.T) {
	f := newFixture(t, testserver.Options{}, nil)
	room := f.srv.AddRoom("r", false)

	_, err := f.client.UploadFile(context.Background(), filepath.Join(f.dir, "nope"), transfer.UploadRequest{ParentID: room})
	assert.ErrorIs(t, err, apperr.ErrFileNotFound)
}

func TestUploadFile_Directory(t *testing.T) {
	f := newFixture(t, testserver.Options{}, nil)
	room := f.srv.AddRoom("r", false)

	_, err := f.client.UploadFile(context.Background(), f.dir, transfer.UploadRequest{ParentID: room})
	assert.ErrorIs(t, err, apperr.ErrFileIO)
}

func TestUploadFile_NameConflictFails(t *testing.T) {
	f := newFixture(t, testserver.Options{}, nil)
	room := f.srv.AddRoom("r", false)
	f.srv.PutFile(room, "a.txt", []byte("old"), nil)

	src := f.writeLocal(t, "a.txt", []byte("new"))

	_, err := f.client.UploadFile(context.Background(), src, transfer.UploadRequest{
		ParentID:           room,
		ResolutionStrategy: api.ResolveFail,
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestDownloadFile_TamperedContentLeavesNothing(t *testing.T) {
	owner, _ := testPairs(t)
	f := newFixture(t, testserver.Options{}, nil)
	ctx := context.Background()
	f.srv.SetKeyPair(owner)
	room := f.srv.AddRoom("vault", true)

	src := f.writeLocal(t, "a.bin", pattern(1000))

	res, err := f.client.UploadFile(ctx, src, transfer.UploadRequest{ParentID: room})
	require.NoError(t, err)

	stored, _ := f.srv.Content(res.Node.ID)
	key, _ := f.srv.FileKey(res.Node.ID, testserver.CurrentUserID)
	stored[10] ^= 0xff
	tampered := f.srv.PutFile(room, "tampered.bin", stored, &key)

	dst := filepath.Join(f.dir, "out.bin")

	_, err = f.client.DownloadFile(ctx, tampered, dst)
	assert.ErrorIs(t, err, apperr.ErrBadFile)

	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr))

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)

	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".partial")
	}
}

func TestDownloadFile_WrongPassword(t *testing.T) {
	owner, _ := testPairs(t)
	f := newFixture(t, testserver.Options{}, func(o *Options) {
		o.EncryptionPassword = []byte("wrong")
	})
	f.srv.SetKeyPair(owner)
	room := f.srv.AddRoom("vault", true)

	plain, err := cryptox.GenerateFileKey()
	require.NoError(t, err)
	plain.Tag = make([]byte, 16)

	enc, err := cryptox.EncryptFileKey(plain, owner.Public)
	require.NoError(t, err)

	id := f.srv.PutFile(room, "x", []byte("ciphertext"), &enc)

	_, err = f.client.DownloadFile(context.Background(), id, filepath.Join(f.dir, "x"))
	assert.ErrorIs(t, err, apperr.ErrInvalidPassword)
}

func TestRefresh_PersistsTokenFile(t *testing.T) {
	tokenPath := filepath.Join(t.TempDir(), "token.json")

	f := newFixture(t, testserver.Options{}, func(o *Options) {
		o.TokenPath = tokenPath
	})
	room := f.srv.AddRoom("r", false)

	f.srv.ExpireAccessToken()

	_, err := f.client.API.GetNode(context.Background(), room)
	require.NoError(t, err)

	access, refresh := f.srv.Tokens()

	tf, err := tokenfile.Load(tokenPath)
	require.NoError(t, err)
	require.NotNil(t, tf)
	assert.Equal(t, access, tf.Token.AccessToken)
	assert.Equal(t, refresh, tf.Token.RefreshToken)
	assert.Equal(t, auth.ModeAccessAndRefreshToken.String(), tf.Mode)
	assert.Equal(t, f.srv.URL(), tf.ServerURL)

	cred, err := CredentialFromFile(tf, "ignored", "secret")
	require.NoError(t, err)
	assert.Equal(t, testserver.DefaultClientID, cred.ClientID)
	assert.Equal(t, "secret", cred.ClientSecret)
	assert.Equal(t, access, cred.AccessToken)
}

func TestRefresh_RevokedTokenIsAPIError(t *testing.T) {
	tokenPath := filepath.Join(t.TempDir(), "token.json")

	f := newFixture(t, testserver.Options{}, func(o *Options) {
		o.Credential.RefreshToken = "revoked"
		o.TokenPath = tokenPath
	})
	room := f.srv.AddRoom("r", false)

	f.srv.ExpireAccessToken()

	_, err := f.client.API.GetNode(context.Background(), room)
	require.Error(t, err)

	assert.Equal(t, apperr.KindAPI, apperr.KindOf(err))
	assert.NotErrorIs(t, err, apperr.ErrNetwork)

	var apiErr *apperr.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)

	tf, err := tokenfile.Load(tokenPath)
	require.NoError(t, err)
	assert.Nil(t, tf, "a failed refresh stores nothing")
}

func TestCredentialFromFile_UnknownMode(t *testing.T) {
	_, err := CredentialFromFile(&tokenfile.File{Mode: "bogus"}, "id", "")
	assert.Error(t, err)
}

func TestSetupKeyPair(t *testing.T) {
	f := newFixture(t, testserver.Options{}, nil)
	ctx := context.Background()
	room := f.srv.AddRoom("vault", true)

	version, err := f.client.SetupKeyPair(ctx)
	require.NoError(t, err)
	assert.Equal(t, cryptox.KeyPairRSA2048, version)

	_, err = f.client.SetupKeyPair(ctx)
	assert.Error(t, err)

	// The new pair is usable at once.
	src := f.writeLocal(t, "a.txt", []byte("after setup"))

	res, err := f.client.UploadFile(ctx, src, transfer.UploadRequest{ParentID: room})
	require.NoError(t, err)

	dst := filepath.Join(f.dir, "b.txt")
	_, err = f.client.DownloadFile(ctx, res.Node.ID, dst)
	require.NoError(t, err)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "after setup", string(got))
}

func TestGenerateMissingFileKeys(t *testing.T) {
	owner, recipient := testPairs(t)
	f := newFixture(t, testserver.Options{}, nil)
	ctx := context.Background()
	f.srv.SetKeyPair(owner)
	room := f.srv.AddRoom("vault", true)

	var ids []int64

	for _, name := range []string{"a", "b", "c"} {
		src := f.writeLocal(t, name, []byte("content "+name))

		res, err := f.client.UploadFile(ctx, src, transfer.UploadRequest{ParentID: room})
		require.NoError(t, err)

		ids = append(ids, res.Node.ID)
	}

	pub := recipient.Public
	f.srv.AddMember(room, 2, &pub)

	done, err := f.client.GenerateMissingFileKeys(ctx, &room, 0)
	require.NoError(t, err)
	assert.True(t, done)

	for _, id := range ids {
		enc, ok := f.srv.FileKey(id, 2)
		require.True(t, ok, "file %d", id)

		got, err := cryptox.DecryptFileKey(enc, recipient.Private, otherPassword)
		require.NoError(t, err)

		want, err := f.client.Fetcher.PlainFileKey(ctx, id)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(want.Key, got.Key))
		assert.True(t, bytes.Equal(want.Tag, got.Tag))
	}

	// Nothing left on a second pass.
	done, err = f.client.GenerateMissingFileKeys(ctx, nil, 0)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestGenerateMissingFileKeys_Limit(t *testing.T) {
	owner, recipient := testPairs(t)
	f := newFixture(t, testserver.Options{}, nil)
	ctx := context.Background()
	f.srv.SetKeyPair(owner)
	room := f.srv.AddRoom("vault", true)

	for _, name := range []string{"a", "b"} {
		src := f.writeLocal(t, name, []byte(name))
		_, err := f.client.UploadFile(ctx, src, transfer.UploadRequest{ParentID: room})
		require.NoError(t, err)
	}

	pub := recipient.Public
	f.srv.AddMember(room, 2, &pub)

	done, err := f.client.GenerateMissingFileKeys(ctx, nil, 1)
	require.NoError(t, err)
	assert.False(t, done)

	done, err = f.client.GenerateMissingFileKeys(ctx, nil, 0)
	require.NoError(t, err)
	assert.True(t, done)
}
