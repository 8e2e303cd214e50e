// Package handlers implements the HTTP handlers of Deuce's vault, block,
// file, and storage-block routes, dispatching to the pkg/vault, pkg/blocks,
// pkg/files, and pkg/storageblocks services.
package handlers

import (
	"io"
	"net/http"
	"strconv"
)

// paginationParams parses marker/limit query parameters, clamping limit to
// [1, maxPageSize] and defaulting to defaultPageSize when absent.
func paginationParams(r *http.Request, defaultPageSize, maxPageSize int) (marker string, limit int) {
	marker = r.URL.Query().Get("marker")
	limit = defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return marker, limit
}

// splitPage implements the fetch-limit+1/pop-last-as-marker pagination
// protocol of spec.md §6. ids must have been fetched with a limit of
// limit+1.
func splitPage(ids []string, limit int) (page []string, nextMarker string) {
	if len(ids) > limit {
		return ids[:limit], ids[limit]
	}
	return ids, ""
}

// writeAll streams src to w, a thin name for io.Copy kept local to avoid an
// unqualified io import at every call site.
func writeAll(w io.Writer, src io.Reader) (int64, error) {
	return io.Copy(w, src)
}
