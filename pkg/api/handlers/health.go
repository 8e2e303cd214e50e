package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/marmos91/deuce/pkg/api/response"
)

// HealthCheckTimeout bounds how long a backend Health() call may take
// before a readiness probe reports it unhealthy.
const HealthCheckTimeout = 5 * time.Second

// Pinger is satisfied by both metadata.Backend and block.Backend.
type Pinger interface {
	Health(ctx context.Context) (string, error)
}

// HealthHandler serves the diagnostic routes of spec.md §6: ping and
// health. Neither requires X-Project-Id.
type HealthHandler struct {
	Metadata Pinger
	Blocks   Pinger
}

// NewHealthHandler constructs a HealthHandler over the process's backends.
func NewHealthHandler(metadataBackend, blockBackend Pinger) *HealthHandler {
	return &HealthHandler{Metadata: metadataBackend, Blocks: blockBackend}
}

// Ping handles GET /v1.0/ping: a bare liveness probe, always 204.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /v1.0/health: reports the metadata and storage
// backends' own health strings as a JSON array (spec.md §6). Returns 503 if
// either backend is unreachable.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), HealthCheckTimeout)
	defer cancel()

	metaStatus, metaErr := h.Metadata.Health(ctx)
	blockStatus, blockErr := h.Blocks.Health(ctx)

	if metaErr != nil {
		metaStatus = "unhealthy: " + metaErr.Error()
	}
	if blockErr != nil {
		blockStatus = "unhealthy: " + blockErr.Error()
	}

	report := []string{metaStatus, blockStatus}

	if metaErr != nil || blockErr != nil {
		response.JSON(w, http.StatusServiceUnavailable, report)
		return
	}
	response.JSON(w, http.StatusOK, report)
}
