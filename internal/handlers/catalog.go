package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/vader-pepe/octo-potato/internal/models"
)

// CatalogHandler serves listing, verification, deletion and directory
// requests
type CatalogHandler struct {
	store  Store
	logger logrus.FieldLogger
}

// NewCatalogHandler creates a new catalog handler
func NewCatalogHandler(store Store, logger logrus.FieldLogger) *CatalogHandler {
	return &CatalogHandler{store: store, logger: logger}
}

// VerifyResponse reports a successful verification
type VerifyResponse struct {
	FileID        string `json:"file_id"`
	BytesVerified int64  `json:"bytes_verified"`
}

// DeleteResponse lists the blobs a deletion left on the endpoint
type DeleteResponse struct {
	FileID           string   `json:"file_id"`
	OrphanedLocators []string `json:"orphaned_locators"`
}

// PurgeResponse lists the pending files that were aborted
type PurgeResponse struct {
	Purged []*models.File `json:"purged"`
}

type moveFileRequest struct {
	DirectoryID string `json:"directory_id"`
}

type createDirectoryRequest struct {
	Name     string `json:"name"`
	ParentID string `json:"parent_id"`
}

type moveDirectoryRequest struct {
	ParentID string `json:"parent_id"`
}

// ListFiles handles GET /files[?directory_id=id]
func (ch *CatalogHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := ch.store.List(r.Context(), r.URL.Query().Get("directory_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if files == nil {
		files = []*models.File{}
	}
	writeJSON(w, http.StatusOK, files)
}

// VerifyFile handles GET /files/{file_id}/verify
func (ch *CatalogHandler) VerifyFile(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["file_id"]
	verified, err := ch.store.Verify(r.Context(), fileID)
	if err != nil {
		ch.logger.WithError(err).WithField("file_id", fileID).Warn("verification failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{FileID: fileID, BytesVerified: verified})
}

// DeleteFile handles DELETE /files/{file_id}
func (ch *CatalogHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["file_id"]
	locators, err := ch.store.Delete(r.Context(), fileID)
	if err != nil {
		writeError(w, err)
		return
	}
	if locators == nil {
		locators = []string{}
	}
	writeJSON(w, http.StatusOK, DeleteResponse{FileID: fileID, OrphanedLocators: locators})
}

// MoveFile handles PUT /files/{file_id}/directory
func (ch *CatalogHandler) MoveFile(w http.ResponseWriter, r *http.Request) {
	var req moveFileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := ch.store.MoveFile(r.Context(), mux.Vars(r)["file_id"], req.DirectoryID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateDirectory handles POST /directories
func (ch *CatalogHandler) CreateDirectory(w http.ResponseWriter, r *http.Request) {
	var req createDirectoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	dir, err := ch.store.CreateDirectory(r.Context(), req.Name, req.ParentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dir)
}

// ListDirectories handles GET /directories[?parent_id=id]
func (ch *CatalogHandler) ListDirectories(w http.ResponseWriter, r *http.Request) {
	dirs, err := ch.store.ListDirectories(r.Context(), r.URL.Query().Get("parent_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if dirs == nil {
		dirs = []*models.Directory{}
	}
	writeJSON(w, http.StatusOK, dirs)
}

// MoveDirectory handles PUT /directories/{directory_id}/parent
func (ch *CatalogHandler) MoveDirectory(w http.ResponseWriter, r *http.Request) {
	var req moveDirectoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := ch.store.MoveDirectory(r.Context(), mux.Vars(r)["directory_id"], req.ParentID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PurgePending handles POST /maintenance/purge[?older_than=duration]
func (ch *CatalogHandler) PurgePending(w http.ResponseWriter, r *http.Request) {
	olderThan := time.Hour
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			writeError(w, fmt.Errorf("%w: invalid older_than %q", models.ErrInvalidArgument, raw))
			return
		}
		olderThan = parsed
	}

	purged, err := ch.store.PurgePending(r.Context(), olderThan)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PurgeResponse{Purged: purged})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, fmt.Errorf("%w: malformed request body: %v", models.ErrInvalidArgument, err))
		return false
	}
	return true
}
