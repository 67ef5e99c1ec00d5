package testserver

import (
	"bytes"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/tonimelisma/dracoon-go/internal/api"
	"github.com/tonimelisma/dracoon-go/internal/cryptox"
)

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}

	n, ok := s.Node(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Node not found")
		return
	}

	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleGeneralSettings(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	settings := api.GeneralSettings{UseS3Storage: s.useS3, CryptoEnabled: true}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleCreateDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok || n.Type != api.NodeTypeFile {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}

	token := newToken(16)
	s.downloads[token] = id

	writeJSON(w, http.StatusOK, map[string]string{"downloadUrl": s.api.URL + "/downloads/" + token})
}

// handleDownload serves stored bytes, honoring Range. Download links carry
// their own authorization, so no bearer token is checked.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()

	var (
		content []byte
		name    string
		found   bool
	)

	if id, ok := s.downloads[r.PathValue("token")]; ok {
		if n, ok := s.nodes[id]; ok {
			content, name, found = n.content, n.Name, true
		}
	}

	s.mu.Unlock()

	if !found {
		writeError(w, http.StatusNotFound, "Download link not found")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(content))
}

func (s *Server) handleGetFileKey(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}

	key, ok := s.FileKey(id, CurrentUserID)
	if !ok {
		writeError(w, http.StatusNotFound, "File key not found")
		return
	}

	writeJSON(w, http.StatusOK, key)
}

// handleMissingKeys lists (user, file) pairs where a room member with a
// public key lacks the key of an encrypted file the caller can read. Items
// are ordered by file id, then user id.
func (s *Server) handleMissingKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	offset, err1 := strconv.ParseInt(q.Get("offset"), 10, 64)
	limit, err2 := strconv.ParseInt(q.Get("limit"), 10, 64)

	if err1 != nil || err2 != nil || offset < 0 || limit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid offset or limit")
		return
	}

	var filter *int64

	if raw := q.Get("nodeId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid nodeId")
			return
		}

		filter = &id
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.missingPairs(filter)
	total := int64(len(all))

	end := min(offset+limit, total)
	offset = min(offset, total)
	items := all[offset:end]

	page := api.MissingFileKeys{
		Items: items,
		Users: []api.UserIDPublicKey{},
		Files: []api.FileIDFileKey{},
		Range: api.Range{Offset: offset, Limit: limit, Total: total},
	}

	seenUsers := make(map[int64]bool)
	seenFiles := make(map[int64]bool)

	for _, it := range items {
		if !seenUsers[it.UserID] {
			seenUsers[it.UserID] = true
			page.Users = append(page.Users, api.UserIDPublicKey{
				ID:                 it.UserID,
				PublicKeyContainer: *s.users[it.UserID].publicKey,
			})
		}

		if !seenFiles[it.FileID] {
			seenFiles[it.FileID] = true
			page.Files = append(page.Files, api.FileIDFileKey{
				ID:               it.FileID,
				FileKeyContainer: s.nodes[it.FileID].fileKeys[CurrentUserID],
			})
		}
	}

	writeJSON(w, http.StatusOK, page)
}

// missingPairs requires s.mu.
func (s *Server) missingPairs(filter *int64) []api.UserFileIDPair {
	var out []api.UserFileIDPair

	for _, n := range s.nodes {
		if n.Type != api.NodeTypeFile || !n.IsEncrypted {
			continue
		}

		if _, ok := n.fileKeys[CurrentUserID]; !ok {
			continue
		}

		if filter != nil && !s.isWithin(n, *filter) {
			continue
		}

		room := s.roomOf(n)
		if room == nil {
			continue
		}

		for _, uid := range room.members {
			u := s.users[uid]
			if u == nil || u.publicKey == nil {
				continue
			}

			if _, ok := n.fileKeys[uid]; ok {
				continue
			}

			out = append(out, api.UserFileIDPair{UserID: uid, FileID: n.ID})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].FileID != out[j].FileID {
			return out[i].FileID < out[j].FileID
		}

		return out[i].UserID < out[j].UserID
	})

	return out
}

// roomOf walks up to the enclosing room. Requires s.mu.
func (s *Server) roomOf(n *node) *node {
	for cur := n; cur != nil; cur = s.nodes[cur.ParentID] {
		if cur.Type == api.NodeTypeRoom {
			return cur
		}
	}

	return nil
}

// isWithin reports whether n is id or lies below it. Requires s.mu.
func (s *Server) isWithin(n *node, id int64) bool {
	for cur := n; cur != nil; cur = s.nodes[cur.ParentID] {
		if cur.ID == id {
			return true
		}
	}

	return false
}

func (s *Server) handleSetFileKeys(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Items []api.UserFileKey `json:"items"`
	}

	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, it := range body.Items {
		n, ok := s.nodes[it.FileID]
		if !ok || n.Type != api.NodeTypeFile || !n.IsEncrypted {
			writeError(w, http.StatusBadRequest, "file "+strconv.FormatInt(it.FileID, 10)+" is not an encrypted file")
			return
		}

		if _, ok := s.users[it.UserID]; !ok {
			writeError(w, http.StatusBadRequest, "unknown user "+strconv.FormatInt(it.UserID, 10))
			return
		}
	}

	for _, it := range body.Items {
		s.nodes[it.FileID].fileKeys[it.UserID] = it.FileKey
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListKeyPairs(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()

	pairs := make([]cryptox.UserKeyPair, 0, len(s.keyPairs))
	for _, kp := range s.keyPairs {
		pairs = append(pairs, kp)
	}

	s.mu.Unlock()

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Version() < pairs[j].Version() })

	writeJSON(w, http.StatusOK, pairs)
}

func (s *Server) handleGetKeyPair(w http.ResponseWriter, r *http.Request) {
	version := cryptox.KeyPairVersion(r.URL.Query().Get("version"))

	s.mu.Lock()
	kp, ok := s.keyPairs[version]
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "Key pair not found")
		return
	}

	writeJSON(w, http.StatusOK, kp)
}

func (s *Server) handleSetKeyPair(w http.ResponseWriter, r *http.Request) {
	var kp cryptox.UserKeyPair
	if err := decodeJSON(r, &kp); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if kp.Public.Version == "" || kp.Public.Version != kp.Private.Version {
		writeError(w, http.StatusBadRequest, "key pair versions missing or mismatched")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keyPairs[kp.Version()]; exists {
		writeError(w, http.StatusConflict, "Key pair already set")
		return
	}

	s.keyPairs[kp.Version()] = kp

	pub := kp.Public
	s.users[CurrentUserID].publicKey = &pub

	w.WriteHeader(http.StatusNoContent)
}
