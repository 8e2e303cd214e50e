package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/deuce/pkg/api/response"
	"github.com/marmos91/deuce/pkg/apierror"
	"github.com/marmos91/deuce/pkg/vault"
)

// VaultHandler serves spec.md §6's /v1.0/vaults routes.
type VaultHandler struct {
	vaults          *vault.Service
	defaultPageSize int
	maxPageSize     int
}

// NewVaultHandler constructs a VaultHandler.
func NewVaultHandler(vaults *vault.Service, defaultPageSize, maxPageSize int) *VaultHandler {
	return &VaultHandler{vaults: vaults, defaultPageSize: defaultPageSize, maxPageSize: maxPageSize}
}

// List handles GET /v1.0/vaults.
func (h *VaultHandler) List(w http.ResponseWriter, r *http.Request) {
	marker, limit := paginationParams(r, h.defaultPageSize, h.maxPageSize)
	ids, err := h.vaults.List(r.Context(), marker, limit+1)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	page, next := splitPage(ids, limit)
	response.SetNextBatchHeader(w, r, next, limit)
	response.JSON(w, http.StatusOK, page)
}

// Create handles PUT /v1.0/vaults/{vault}.
func (h *VaultHandler) Create(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vault")
	if err := h.vaults.Create(r.Context(), vaultID); err != nil {
		apierror.Write(w, err)
		return
	}
	response.NoContent(w)
}

// Head handles HEAD /v1.0/vaults/{vault}.
func (h *VaultHandler) Head(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vault")
	exists, err := h.vaults.Exists(r.Context(), vaultID)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	if !exists {
		apierror.Write(w, apierror.NotFound("vault "+vaultID+" not found"))
		return
	}
	response.NoContent(w)
}

// Get handles GET /v1.0/vaults/{vault}: returns merged vault statistics.
func (h *VaultHandler) Get(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vault")
	stats, err := h.vaults.Stats(r.Context(), vaultID)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	response.JSON(w, http.StatusOK, stats)
}

// Delete handles DELETE /v1.0/vaults/{vault}.
func (h *VaultHandler) Delete(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vault")
	if err := h.vaults.Delete(r.Context(), vaultID); err != nil {
		apierror.Write(w, err)
		return
	}
	response.NoContent(w)
}
