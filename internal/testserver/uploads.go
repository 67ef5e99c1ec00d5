package testserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/tonimelisma/dracoon-go/internal/api"
	"github.com/tonimelisma/dracoon-go/internal/cryptox"
)

const maxChunkMemory = 64 << 20

var errNameConflict = errors.New("a node with this name already exists")

type upload struct {
	id       string
	parentID int64
	name     string
	s3       bool
	data     []byte

	// S3 completion state.
	completed   bool
	pollsLeft   int
	completeReq api.CompleteS3UploadRequest
	content     []byte
	result      *api.Node
	jobErr      *api.ErrorDetails
}

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	var req api.CreateUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.nodes[req.ParentID]
	if !ok || parent.Type == api.NodeTypeFile {
		writeError(w, http.StatusNotFound, "Parent node not found")
		return
	}

	if req.Name == "" || strings.ContainsAny(req.Name, `/\`) {
		writeError(w, http.StatusBadRequest, "Invalid file name")
		return
	}

	if req.DirectS3Upload && !s.useS3 {
		writeError(w, http.StatusBadRequest, "S3 direct upload is not available")
		return
	}

	up := &upload{
		id:       newToken(16),
		parentID: req.ParentID,
		name:     req.Name,
		s3:       req.DirectS3Upload,
	}
	s.uploads[up.id] = up

	writeJSON(w, http.StatusCreated, api.UploadChannel{
		UploadID:  up.id,
		UploadURL: s.api.URL + "/api/v4/uploads/" + up.id,
	})
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	start, err := parseContentRange(r.Header.Get("Content-Range"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := r.ParseMultipartForm(maxChunkMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	f, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file part")
		return
	}
	defer f.Close()

	chunk, err := io.ReadAll(f)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading file part")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	up, ok := s.uploads[r.PathValue("id")]
	if !ok || up.s3 {
		writeError(w, http.StatusNotFound, "Upload not found")
		return
	}

	if start != int64(len(up.data)) {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("chunk starts at %d, expected %d", start, len(up.data)))

		return
	}

	up.data = append(up.data, chunk...)

	writeJSON(w, http.StatusCreated, nil)
}

func (s *Server) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	var req api.CompleteUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := r.PathValue("id")

	up, ok := s.uploads[id]
	if !ok || up.s3 {
		writeError(w, http.StatusNotFound, "Upload not found")
		return
	}

	name := up.name
	if req.FileName != "" {
		name = req.FileName
	}

	n, status, err := s.finalize(up.parentID, name, req.ResolutionStrategy, req.FileKey, up.data)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	delete(s.uploads, id)

	writeJSON(w, http.StatusCreated, n.Node)
}

func (s *Server) handleS3URLs(w http.ResponseWriter, r *http.Request) {
	var req api.S3URLsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	up, ok := s.uploads[r.PathValue("id")]
	s.mu.Unlock()

	if !ok || !up.s3 {
		writeError(w, http.StatusNotFound, "Upload not found")
		return
	}

	if req.FirstPartNumber < 1 || req.LastPartNumber < req.FirstPartNumber || req.LastPartNumber > 10_000 {
		writeError(w, http.StatusBadRequest, "invalid part number range")
		return
	}

	urls := make([]api.PresignedURL, 0, req.LastPartNumber-req.FirstPartNumber+1)

	for p := req.FirstPartNumber; p <= req.LastPartNumber; p++ {
		u, err := s.s3.presignPart(r.Context(), up.id, p)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		urls = append(urls, api.PresignedURL{URL: u, PartNumber: p})
	}

	writeJSON(w, http.StatusCreated, map[string]any{"urls": urls})
}

func (s *Server) handleCompleteS3(w http.ResponseWriter, r *http.Request) {
	var req api.CompleteS3UploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	up, ok := s.uploads[r.PathValue("id")]
	if !ok || !up.s3 {
		writeError(w, http.StatusNotFound, "Upload not found")
		return
	}

	if up.completed {
		writeError(w, http.StatusBadRequest, "Upload already completed")
		return
	}

	refs := make([]partRef, len(req.Parts))
	for i, p := range req.Parts {
		refs[i] = partRef{number: p.PartNumber, etag: p.ETag}
	}

	content, err := s.s3.assemble(up.id, refs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	up.completed = true
	up.completeReq = req
	up.content = content
	up.pollsLeft = s.finishPolls
	up.jobErr = s.s3JobError

	s.s3.drop(up.id)

	writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleS3Status(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	up, ok := s.uploads[r.PathValue("id")]
	if !ok || !up.s3 {
		writeError(w, http.StatusNotFound, "Upload not found")
		return
	}

	switch {
	case !up.completed:
		writeJSON(w, http.StatusOK, api.S3UploadStatus{Status: api.S3StatusTransfer})
		return
	case up.pollsLeft > 0:
		up.pollsLeft--
		writeJSON(w, http.StatusOK, api.S3UploadStatus{Status: api.S3StatusFinishing})

		return
	}

	if up.jobErr == nil && up.result == nil {
		name := up.name
		if up.completeReq.FileName != "" {
			name = up.completeReq.FileName
		}

		n, status, err := s.finalize(up.parentID, name, up.completeReq.ResolutionStrategy,
			up.completeReq.FileKey, up.content)
		if err != nil {
			up.jobErr = &api.ErrorDetails{Code: status, Message: err.Error()}
		} else {
			up.result = &n.Node
			up.content = nil
		}
	}

	if up.jobErr != nil {
		writeJSON(w, http.StatusOK, api.S3UploadStatus{Status: api.S3StatusError, ErrorDetails: up.jobErr})
		return
	}

	writeJSON(w, http.StatusOK, api.S3UploadStatus{Status: api.S3StatusDone, Node: up.result})
}

// finalize stores content as a file under parentID. It returns the status
// to reply with on error. Requires s.mu.
func (s *Server) finalize(
	parentID int64, name string, strategy api.ResolutionStrategy, key *cryptox.EncryptedFileKey, content []byte,
) (*node, int, error) {
	parent, ok := s.nodes[parentID]
	if !ok {
		return nil, http.StatusNotFound, errors.New("parent node not found")
	}

	if parent.IsEncrypted && key == nil {
		return nil, http.StatusBadRequest, errors.New("file key required for encrypted rooms")
	}

	if !parent.IsEncrypted && key != nil {
		return nil, http.StatusBadRequest, errors.New("file key not allowed in unencrypted rooms")
	}

	existing := s.childNamed(parentID, name)

	switch {
	case existing == nil:
	case strategy == api.ResolveFail:
		return nil, http.StatusConflict, errNameConflict
	case strategy == api.ResolveOverwrite:
		delete(s.nodes, existing.ID)
	default:
		name = s.freeName(parentID, name)
	}

	n := s.addNode(parentID, name, api.NodeTypeFile, parent.IsEncrypted)
	n.content = content
	n.Size = int64(len(content))

	if key != nil {
		n.fileKeys[CurrentUserID] = *key
	}

	return n, http.StatusCreated, nil
}

// childNamed requires s.mu.
func (s *Server) childNamed(parentID int64, name string) *node {
	for _, n := range s.nodes {
		if n.ParentID == parentID && n.Type != api.NodeTypeRoom && n.Name == name {
			return n
		}
	}

	return nil
}

// freeName appends " (n)" before the extension until the name is unused.
// Requires s.mu.
func (s *Server) freeName(parentID int64, name string) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for i := 1; ; i++ {
		candidate := base + " (" + strconv.Itoa(i) + ")" + ext
		if s.childNamed(parentID, candidate) == nil {
			return candidate
		}
	}
}

// parseContentRange returns the start offset of "bytes a-b/*".
func parseContentRange(h string) (int64, error) {
	spec, ok := strings.CutPrefix(h, "bytes ")
	if !ok {
		return 0, fmt.Errorf("invalid Content-Range %q", h)
	}

	startStr, _, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, fmt.Errorf("invalid Content-Range %q", h)
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", h)
	}

	return start, nil
}
