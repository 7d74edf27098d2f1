package rest

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tripwire/provenance/internal/provenance"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	engine         Engine
	uploadDir      string
	maxUploadBytes int64
}

// NewServer creates a new Server. uploadDir is where incoming files are
// staged before their hash is computed and the case/version rows are
// created; maxUploadBytes caps the size of a single accepted upload.
func NewServer(engine Engine, uploadDir string, maxUploadBytes int64) *Server {
	return &Server{engine: engine, uploadDir: uploadDir, maxUploadBytes: maxUploadBytes}
}

// handleHealthz responds to GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleUpload responds to POST /api/v1/files.
//
// The request must be multipart/form-data with a "file" part. The uploaded
// bytes are staged under a random 16-hex-prefixed name in uploadDir, hashed
// with SHA-256, and registered as a new case/version/CREATE-event via the
// engine. Returns HTTP 201 with the resulting case, version, and event.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be multipart/form-data within the size limit")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing required multipart field 'file'")
		return
	}
	defer file.Close()

	storedPath, size, fileHash, err := s.stageUpload(file, header.Filename)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to stage uploaded file")
		return
	}

	requestID := middleware.GetReqID(r.Context())
	clientIP := clientIPOf(r)

	result, err := s.engine.RegisterUploadAsNewVersion(r.Context(), header.Filename, storedPath, fileHash, size, requestID, &clientIP, userAgentOf(r))
	if err != nil {
		if errors.Is(err, provenance.ErrInputInvalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to register upload")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(result)
}

// handleVerify responds to POST /api/v1/verify.
//
// The request must be multipart/form-data with a "file" part, an optional
// "case_id" field, and a "filename" field naming the case to verify against
// when case_id is absent. The candidate file is staged to a temporary path
// for hashing and discarded once the engine has read it.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be multipart/form-data within the size limit")
		return
	}

	filename := r.FormValue("filename")

	var caseID *int64
	if raw := r.FormValue("case_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'case_id' must be an integer")
			return
		}
		caseID = &id
	}

	if filename == "" && caseID == nil {
		writeError(w, http.StatusBadRequest, "one of 'filename' or 'case_id' is required")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing required multipart field 'file'")
		return
	}
	defer file.Close()

	stagedPath, _, _, err := s.stageUpload(file, "verify-candidate")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to stage candidate file")
		return
	}
	defer os.Remove(stagedPath)

	requestID := middleware.GetReqID(r.Context())
	clientIP := clientIPOf(r)

	result, err := s.engine.VerifyFileAgainstProvenance(r.Context(), stagedPath, filename, caseID, requestID, &clientIP, userAgentOf(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to verify candidate file")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result)
}

// handleGetCase responds to GET /api/v1/cases/{id}.
func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'id' must be an integer")
		return
	}

	c, err := s.engine.GetCase(r.Context(), id)
	if err != nil {
		if errors.Is(err, provenance.ErrMissingHistory) {
			writeError(w, http.StatusNotFound, "no such case")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to fetch case")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(c)
}

// handleListCases responds to GET /api/v1/cases.
//
// Supported query parameters:
//
//	limit – maximum number of results (default 100, max 1000)
func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if parsed > 1000 {
			parsed = 1000
		}
		limit = parsed
	}

	cases, err := s.engine.ListRecentCases(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list cases")
		return
	}
	if cases == nil {
		cases = []provenance.Case{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(cases)
}

// handleListEvents responds to GET /api/v1/cases/{id}/events.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'id' must be an integer")
		return
	}

	events, err := s.engine.ListProvenanceEvents(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []provenance.ProvenanceEvent{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(events)
}

// handleValidateChain responds to GET /api/v1/cases/{id}/validate.
func (s *Server) handleValidateChain(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'id' must be an integer")
		return
	}

	result, err := s.engine.ValidateCaseChain(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to validate chain")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result)
}

// stageUpload copies src into a freshly created file under uploadDir, named
// with a random 16-hex prefix followed by the original filename, and returns
// its path, size, and SHA-256 hex digest computed in the same pass.
func (s *Server) stageUpload(src io.Reader, filename string) (storedPath string, size int64, fileHash string, err error) {
	if err := os.MkdirAll(s.uploadDir, 0o700); err != nil {
		return "", 0, "", err
	}

	prefix, err := randomHexPrefix()
	if err != nil {
		return "", 0, "", err
	}
	storedPath = filepath.Join(s.uploadDir, prefix+"-"+filepath.Base(filename))

	dst, err := os.OpenFile(storedPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", 0, "", err
	}
	defer dst.Close()

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(dst, hasher), src)
	if err != nil {
		return "", 0, "", err
	}

	return storedPath, n, hex.EncodeToString(hasher.Sum(nil)), nil
}

// randomHexPrefix returns a random 16-character lowercase hex string,
// mirroring the upload staging convention of prefixing random bytes to the
// original filename to avoid collisions.
func randomHexPrefix() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// clientIPOf returns the request's remote address. middleware.RealIP (wired
// ahead of this handler in the router) rewrites r.RemoteAddr from
// X-Forwarded-For/X-Real-IP when present, so this is already the
// best-effort client IP.
func clientIPOf(r *http.Request) string {
	return r.RemoteAddr
}

func userAgentOf(r *http.Request) *string {
	ua := r.UserAgent()
	if ua == "" {
		return nil
	}
	return &ua
}
