package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/marmos91/deuce/pkg/api/response"
	"github.com/marmos91/deuce/pkg/apierror"
	"github.com/marmos91/deuce/pkg/files"
)

// fileBlockRow is the JSON shape of one row of a file's block tiling.
type fileBlockRow struct {
	BlockID string `json:"block_id"`
	Offset  int64  `json:"offset"`
	Size    int64  `json:"size"`
}

// FileHandler serves spec.md §6's /v1.0/vaults/{vault}/files routes.
type FileHandler struct {
	files           *files.Service
	defaultPageSize int
	maxPageSize     int
}

// NewFileHandler constructs a FileHandler.
func NewFileHandler(svc *files.Service, defaultPageSize, maxPageSize int) *FileHandler {
	return &FileHandler{files: svc, defaultPageSize: defaultPageSize, maxPageSize: maxPageSize}
}

// Create handles POST /v1.0/vaults/{vault}/files: creates a fresh,
// unfinalized file with a server-generated file ID and echoes its location.
func (h *FileHandler) Create(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vault")
	fileID := uuid.NewString()

	if err := h.files.Create(r.Context(), vaultID, fileID); err != nil {
		apierror.Write(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1.0/vaults/%s/files/%s", vaultID, fileID))
	response.JSON(w, http.StatusCreated, map[string]string{"file_id": fileID})
}

// List handles GET /v1.0/vaults/{vault}/files: lists finalized files by
// default; ?finalized=false lists every file regardless of state.
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vault")
	finalizedOnly := r.URL.Query().Get("finalized") != "false"
	marker, limit := paginationParams(r, h.defaultPageSize, h.maxPageSize)

	ids, err := h.files.List(r.Context(), vaultID, finalizedOnly, marker, limit+1)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	page, next := splitPage(ids, limit)
	response.SetNextBatchHeader(w, r, next, limit)
	response.JSON(w, http.StatusOK, page)
}

// Get handles GET /v1.0/vaults/{vault}/files/{file}: streams a finalized
// file's bytes.
func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vault")
	fileID := chi.URLParam(r, "file")

	body, size, err := h.files.Stream(r.Context(), vaultID, fileID)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = writeAll(w, body)
}

// assignmentEntry is one [block_id, offset] pair of an assign-blocks body.
type assignmentEntry [2]json.RawMessage

// Post handles POST /v1.0/vaults/{vault}/files/{file}: an empty body with
// X-File-Length finalizes the file; any non-empty body is an assignment
// (spec.md §6).
func (h *FileHandler) Post(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vault")
	fileID := chi.URLParam(r, "file")

	lengthHeader := r.Header.Get("X-File-Length")
	body, err := io.ReadAll(io.LimitReader(r.Body, 1))
	if err != nil {
		apierror.Write(w, apierror.BadRequest("failed to read request body"))
		return
	}

	if len(body) == 0 {
		if lengthHeader == "" {
			apierror.Write(w, apierror.BadRequest("empty body requires X-File-Length to finalize"))
			return
		}
		declaredSize, err := strconv.ParseInt(lengthHeader, 10, 64)
		if err != nil || declaredSize < 0 {
			apierror.Write(w, apierror.BadRequest("invalid X-File-Length header"))
			return
		}
		if err := h.files.Finalize(r.Context(), vaultID, fileID, declaredSize); err != nil {
			apierror.Write(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	h.assign(w, r, vaultID, fileID, io.MultiReader(bytes.NewReader(body), r.Body))
}

// Blocks handles POST /v1.0/vaults/{vault}/files/{file}/blocks: explicit
// block assignment, distinct from the dual-purpose route above.
func (h *FileHandler) Blocks(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vault")
	fileID := chi.URLParam(r, "file")
	h.assign(w, r, vaultID, fileID, r.Body)
}

func (h *FileHandler) assign(w http.ResponseWriter, r *http.Request, vaultID, fileID string, body io.Reader) {
	var raw []assignmentEntry
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		apierror.Write(w, apierror.BadRequest("malformed assignment body: "+err.Error()))
		return
	}

	assignments := make([]files.Assignment, len(raw))
	for i, entry := range raw {
		var blockID string
		var offset int64
		if err := json.Unmarshal(entry[0], &blockID); err != nil {
			apierror.Write(w, apierror.BadRequest("malformed block id at index "+strconv.Itoa(i)))
			return
		}
		if err := json.Unmarshal(entry[1], &offset); err != nil {
			apierror.Write(w, apierror.BadRequest("malformed offset at index "+strconv.Itoa(i)))
			return
		}
		assignments[i] = files.Assignment{BlockID: blockID, Offset: offset}
	}

	if err := h.files.AssignBlocks(r.Context(), vaultID, fileID, assignments); err != nil {
		apierror.Write(w, err)
		return
	}
	response.NoContent(w)
}

// ListBlocks handles GET /v1.0/vaults/{vault}/files/{file}/blocks.
func (h *FileHandler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vault")
	fileID := chi.URLParam(r, "file")
	marker, limit := paginationParams(r, h.defaultPageSize, h.maxPageSize)

	rows, err := h.files.ListBlocks(r.Context(), vaultID, fileID, marker, limit+1)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	page := rows
	nextMarker := ""
	if len(rows) > limit {
		page = rows[:limit]
		nextMarker = rows[limit].BlockID
	}
	response.SetNextBatchHeader(w, r, nextMarker, limit)

	out := make([]fileBlockRow, len(page))
	for i, row := range page {
		out[i] = fileBlockRow{BlockID: row.BlockID, Offset: row.Offset, Size: row.Size}
	}
	response.JSON(w, http.StatusOK, out)
}

// Delete handles DELETE /v1.0/vaults/{vault}/files/{file}.
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vault")
	fileID := chi.URLParam(r, "file")
	if err := h.files.Delete(r.Context(), vaultID, fileID); err != nil {
		apierror.Write(w, err)
		return
	}
	response.NoContent(w)
}
