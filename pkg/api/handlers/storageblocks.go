package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/deuce/pkg/api/response"
	"github.com/marmos91/deuce/pkg/apierror"
	"github.com/marmos91/deuce/pkg/storageblocks"
)

// StorageBlockHandler serves spec.md §6's /v1.0/vaults/{vault}/storage/blocks routes.
type StorageBlockHandler struct {
	storage         *storageblocks.Service
	defaultPageSize int
	maxPageSize     int
}

// NewStorageBlockHandler constructs a StorageBlockHandler.
func NewStorageBlockHandler(svc *storageblocks.Service, defaultPageSize, maxPageSize int) *StorageBlockHandler {
	return &StorageBlockHandler{storage: svc, defaultPageSize: defaultPageSize, maxPageSize: maxPageSize}
}

// List handles GET /v1.0/vaults/{vault}/storage/blocks.
func (h *StorageBlockHandler) List(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vault")
	marker, limit := paginationParams(r, h.defaultPageSize, h.maxPageSize)

	ids, err := h.storage.List(r.Context(), vaultID, marker, limit+1)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	page, next := splitPage(ids, limit)
	response.SetNextBatchHeader(w, r, next, limit)
	response.JSON(w, http.StatusOK, page)
}

func setHeaders(w http.ResponseWriter, info storageblocks.Info) {
	blockID := info.MetadataID
	response.SetBlockHeaders(w, blockID, info.StorageID, info.RefCount, info.RefModified)
	response.SetStorageBlockHeaders(w, info.Orphan, info.Size)
}

// Head handles HEAD /v1.0/vaults/{vault}/storage/blocks/{storage}.
func (h *StorageBlockHandler) Head(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vault")
	storageID := chi.URLParam(r, "storage")

	info, err := h.storage.Head(r.Context(), vaultID, storageID)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	setHeaders(w, info)
	response.NoContent(w)
}

// Get handles GET /v1.0/vaults/{vault}/storage/blocks/{storage}.
func (h *StorageBlockHandler) Get(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vault")
	storageID := chi.URLParam(r, "storage")

	body, info, err := h.storage.Get(r.Context(), vaultID, storageID)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	defer body.Close()

	setHeaders(w, info)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = writeAll(w, body)
}

// Delete handles DELETE /v1.0/vaults/{vault}/storage/blocks/{storage}.
func (h *StorageBlockHandler) Delete(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vault")
	storageID := chi.URLParam(r, "storage")
	if err := h.storage.Delete(r.Context(), vaultID, storageID); err != nil {
		apierror.Write(w, err)
		return
	}
	response.NoContent(w)
}

// Put handles PUT /v1.0/vaults/{vault}/storage/blocks/{storage}: always
// refused, redirecting the client to the content-addressed block route.
func (h *StorageBlockHandler) Put(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vault")
	storageID := chi.URLParam(r, "storage")
	apierror.Write(w, h.storage.Put(vaultID, storageID))
}
