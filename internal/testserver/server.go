// Package testserver is an in-process fake of the storage service's REST
// API, OAuth endpoints, download links and S3 object store. It keeps all
// state in memory and never inspects encrypted content, so round trips
// through it exercise the client exactly as a real zero-knowledge server
// would. Package tests use it directly; cmd/mockserver serves it on a port.
package testserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tonimelisma/dracoon-go/internal/api"
	"github.com/tonimelisma/dracoon-go/internal/cryptox"
)

// CurrentUserID is the id of the account the tokens belong to.
const CurrentUserID int64 = 1

// Default OAuth client registered with the server.
const (
	DefaultClientID     = "dracoon_legacy_scripting"
	DefaultClientSecret = ""
)

// Options configures New.
type Options struct {
	ClientID     string
	ClientSecret string

	// S3 makes the server announce S3 storage, switching uploads to
	// pre-signed part URLs.
	S3 bool

	// Listener, if set, serves the API instead of a random loopback port.
	// The server takes ownership of it.
	Listener net.Listener

	Logger *slog.Logger
}

// FaultFunc inspects a request before it is handled and returns a status
// code to fail it with, or 0 to let it through.
type FaultFunc func(r *http.Request) int

type node struct {
	api.Node
	content  []byte
	fileKeys map[int64]cryptox.EncryptedFileKey // by user id
	members  []int64                            // rooms only
}

type user struct {
	id        int64
	publicKey *cryptox.UserPublicKey
}

// Server is the fake service.
type Server struct {
	api *httptest.Server
	s3  *objectStore

	clientID     string
	clientSecret string
	logger       *slog.Logger

	mu           sync.Mutex
	nextID       int64
	nodes        map[int64]*node
	users        map[int64]*user
	keyPairs     map[cryptox.KeyPairVersion]cryptox.UserKeyPair
	uploads      map[string]*upload
	downloads    map[string]int64 // token -> node id
	accessToken  string
	refreshToken string
	authCodes    map[string]bool
	codeSeq      int
	tokenSeq     int
	grants       []string
	requests     []string
	useS3        bool
	finishPolls  int
	s3JobError   *api.ErrorDetails
	fault        FaultFunc
}

// New starts a server. Close it when done.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clientID := opts.ClientID
	if clientID == "" {
		clientID = DefaultClientID
	}

	s := &Server{
		clientID:     clientID,
		clientSecret: opts.ClientSecret,
		logger:       logger,
		nextID:       100,
		nodes:        make(map[int64]*node),
		users:        map[int64]*user{CurrentUserID: {id: CurrentUserID}},
		keyPairs:     make(map[cryptox.KeyPairVersion]cryptox.UserKeyPair),
		uploads:      make(map[string]*upload),
		downloads:    make(map[string]int64),
		authCodes:    make(map[string]bool),
		useS3:        opts.S3,
	}

	s.rotateTokens()

	s.s3 = newObjectStore(logger)
	if opts.Listener != nil {
		s.api = httptest.NewUnstartedServer(s.routes())
		s.api.Listener.Close()
		s.api.Listener = opts.Listener
		s.api.Start()
	} else {
		s.api = httptest.NewServer(s.routes())
	}

	logger.Info("test server started",
		slog.String("url", s.api.URL),
		slog.String("s3_url", s.s3.URL()),
		slog.Bool("s3", opts.S3),
	)

	return s
}

// URL is the server root (no API path).
func (s *Server) URL() string {
	return s.api.URL
}

// Close stops both listeners.
func (s *Server) Close() {
	s.api.Close()
	s.s3.Close()
}

// Tokens returns the currently valid access and refresh tokens.
func (s *Server) Tokens() (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.accessToken, s.refreshToken
}

// ExpireAccessToken invalidates the current access token. The refresh
// token stays valid.
func (s *Server) ExpireAccessToken() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessToken = fmt.Sprintf("expired-%d", s.tokenSeq)
}

// NewAuthCode registers a one-time authorization code.
func (s *Server) NewAuthCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.codeSeq++
	code := fmt.Sprintf("code-%d", s.codeSeq)
	s.authCodes[code] = true

	return code
}

// SetS3 switches S3 storage on or off.
func (s *Server) SetS3(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.useS3 = enabled
}

// SetS3FinishPolls makes S3 completion report "finishing" for n status
// polls before "done".
func (s *Server) SetS3FinishPolls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.finishPolls = n
}

// FailS3Jobs makes every S3 completion end in status "error" with d.
func (s *Server) FailS3Jobs(d *api.ErrorDetails) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.s3JobError = d
}

// SetFault installs fn for every API request; nil removes it.
func (s *Server) SetFault(fn FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fault = fn
}

// Requests lists "METHOD path" for every request served so far, the
// token endpoint included.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.requests...)
}

// Grants lists the grant_type of every token request.
func (s *Server) Grants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.grants...)
}

// AddRoom creates a top-level room and returns its id.
func (s *Server) AddRoom(name string, encrypted bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.addNode(0, name, api.NodeTypeRoom, encrypted)
	n.members = []int64{CurrentUserID}

	return n.ID
}

// AddFolder creates a folder under parentID, inheriting its encryption.
func (s *Server) AddFolder(parentID int64, name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent := s.nodes[parentID]

	return s.addNode(parentID, name, api.NodeTypeFolder, parent != nil && parent.IsEncrypted).ID
}

// AddMember grants userID access to a room. pub nil models a user who
// has not set up encryption yet.
func (s *Server) AddMember(roomID, userID int64, pub *cryptox.UserPublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[userID] = &user{id: userID, publicKey: pub}

	if room, ok := s.nodes[roomID]; ok {
		room.members = append(room.members, userID)
	}
}

// PutFile stores a file directly, bypassing the upload API. key, if set,
// is the current user's wrapped file key.
func (s *Server) PutFile(parentID int64, name string, content []byte, key *cryptox.EncryptedFileKey) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent := s.nodes[parentID]
	n := s.addNode(parentID, name, api.NodeTypeFile, parent != nil && parent.IsEncrypted)
	n.content = append([]byte(nil), content...)
	n.Size = int64(len(content))

	if key != nil {
		n.fileKeys[CurrentUserID] = *key
	}

	return n.ID
}

// SetKeyPair stores kp as the current user's key pair.
func (s *Server) SetKeyPair(kp cryptox.UserKeyPair) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keyPairs[kp.Version()] = kp

	pub := kp.Public
	s.users[CurrentUserID].publicKey = &pub
}

// Node returns a copy of a node's metadata.
func (s *Server) Node(id int64) (api.Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return api.Node{}, false
	}

	return n.Node, true
}

// Children lists the nodes directly under parentID, ordered by id.
func (s *Server) Children(parentID int64) []api.Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []api.Node

	for _, n := range s.nodes {
		if n.ParentID == parentID && n.Type != api.NodeTypeRoom {
			out = append(out, n.Node)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Content returns the stored bytes of a file, ciphertext for encrypted
// files.
func (s *Server) Content(id int64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok || n.Type != api.NodeTypeFile {
		return nil, false
	}

	return append([]byte(nil), n.content...), true
}

// FileKey returns the wrapped key userID holds for a file.
func (s *Server) FileKey(fileID, userID int64) (cryptox.EncryptedFileKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[fileID]
	if !ok {
		return cryptox.EncryptedFileKey{}, false
	}

	k, ok := n.fileKeys[userID]

	return k, ok
}

// addNode requires s.mu.
func (s *Server) addNode(parentID int64, name string, typ api.NodeType, encrypted bool) *node {
	s.nextID++

	n := &node{
		Node: api.Node{
			ID:          s.nextID,
			ParentID:    parentID,
			Name:        name,
			Type:        typ,
			IsEncrypted: encrypted,
			CreatedAt:   time.Now().UTC().Truncate(time.Second),
		},
		fileKeys: make(map[int64]cryptox.EncryptedFileKey),
	}

	s.nodes[n.ID] = n

	return n
}

// rotateTokens requires s.mu or exclusive access.
func (s *Server) rotateTokens() {
	s.tokenSeq++
	s.accessToken = "at-" + strconv.Itoa(s.tokenSeq)
	s.refreshToken = "rt-" + strconv.Itoa(s.tokenSeq)
}

// errorBody is the service's JSON error shape.
type errorBody struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	DebugInfo string `json:"debugInfo,omitempty"`
	ErrorCode int    `json:"errorCode,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Code: status, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}

	return nil
}
