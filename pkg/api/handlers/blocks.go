package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/deuce/pkg/api/response"
	"github.com/marmos91/deuce/pkg/apierror"
	"github.com/marmos91/deuce/pkg/batchcodec"
	"github.com/marmos91/deuce/pkg/blocks"
)

// blockInfo is the JSON shape a block descriptor is reported in, used both
// for single and batch responses.
type blockInfo struct {
	BlockID     string `json:"block_id"`
	StorageID   string `json:"storage_id"`
	Size        int64  `json:"size"`
	RefCount    int64  `json:"ref_count"`
	RefModified int64  `json:"ref_modified"`
}

func toBlockInfo(info blocks.Info) blockInfo {
	return blockInfo{
		BlockID: info.BlockID, StorageID: info.StorageID, Size: info.Size,
		RefCount: info.RefCount, RefModified: info.RefModified,
	}
}

// BlockHandler serves spec.md §6's /v1.0/vaults/{vault}/blocks routes.
type BlockHandler struct {
	blocks          *blocks.Service
	defaultPageSize int
	maxPageSize     int
	maxBatchBlocks  int
}

// NewBlockHandler constructs a BlockHandler.
func NewBlockHandler(svc *blocks.Service, defaultPageSize, maxPageSize, maxBatchBlocks int) *BlockHandler {
	return &BlockHandler{blocks: svc, defaultPageSize: defaultPageSize, maxPageSize: maxPageSize, maxBatchBlocks: maxBatchBlocks}
}

// List handles GET /v1.0/vaults/{vault}/blocks.
func (h *BlockHandler) List(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vault")
	marker, limit := paginationParams(r, h.defaultPageSize, h.maxPageSize)
	ids, err := h.blocks.List(r.Context(), vaultID, marker, limit+1)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	page, next := splitPage(ids, limit)
	response.SetNextBatchHeader(w, r, next, limit)
	response.JSON(w, http.StatusOK, page)
}

// Put handles PUT /v1.0/vaults/{vault}/blocks/{block}: a single
// content-addressed block upload.
func (h *BlockHandler) Put(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vault")
	blockID := chi.URLParam(r, "block")

	info, err := h.blocks.Put(r.Context(), vaultID, blockID, r.ContentLength, r.Body)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	response.SetBlockHeaders(w, info.BlockID, info.StorageID, info.RefCount, info.RefModified)
	w.WriteHeader(http.StatusCreated)
}

// Batch handles POST /v1.0/vaults/{vault}/blocks: a batch upload of the
// self-describing binary map format decoded by pkg/batchcodec.
func (h *BlockHandler) Batch(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vault")

	entries, err := batchcodec.Decode(r.Body, h.maxBatchBlocks)
	if err != nil {
		if err == batchcodec.ErrNotAMap {
			apierror.Write(w, apierror.BadRequest("batch upload body must be a map, not an array"))
			return
		}
		if err == batchcodec.ErrTooManyEntries {
			apierror.Write(w, apierror.BadRequest("batch exceeds the maximum number of blocks per upload"))
			return
		}
		apierror.Write(w, apierror.BadRequest("malformed batch upload body: "+err.Error()))
		return
	}

	batch := make([]blocks.BatchEntry, len(entries))
	for i, e := range entries {
		batch[i] = blocks.BatchEntry{BlockID: e.BlockID, Body: e.Body}
	}

	results, err := h.blocks.PutBatch(r.Context(), vaultID, batch)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	out := make([]blockInfo, len(results))
	for i, info := range results {
		out[i] = toBlockInfo(info)
	}
	response.JSON(w, http.StatusCreated, out)
}

// Head handles HEAD /v1.0/vaults/{vault}/blocks/{block}.
func (h *BlockHandler) Head(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vault")
	blockID := chi.URLParam(r, "block")

	info, err := h.blocks.Head(r.Context(), vaultID, blockID)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	response.SetBlockHeaders(w, info.BlockID, info.StorageID, info.RefCount, info.RefModified)
	response.NoContent(w)
}

// Get handles GET /v1.0/vaults/{vault}/blocks/{block}.
func (h *BlockHandler) Get(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vault")
	blockID := chi.URLParam(r, "block")

	body, info, err := h.blocks.Get(r.Context(), vaultID, blockID)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	defer body.Close()

	response.SetBlockHeaders(w, info.BlockID, info.StorageID, info.RefCount, info.RefModified)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = writeAll(w, body)
}

// Delete handles DELETE /v1.0/vaults/{vault}/blocks/{block}.
func (h *BlockHandler) Delete(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vault")
	blockID := chi.URLParam(r, "block")

	if err := h.blocks.Delete(r.Context(), vaultID, blockID); err != nil {
		apierror.Write(w, err)
		return
	}
	response.NoContent(w)
}
