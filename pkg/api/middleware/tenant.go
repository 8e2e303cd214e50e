// Package middleware provides the HTTP middleware of Deuce's API: tenant
// extraction and request logging sit in front of every domain route.
package middleware

import (
	"net/http"

	"github.com/marmos91/deuce/pkg/apierror"
	"github.com/marmos91/deuce/pkg/requestcontext"
)

// ProjectIDHeader is the header every non-diagnostic route requires
// (spec.md §6).
const ProjectIDHeader = "X-Project-Id"

// Tenant extracts the caller's project ID from ProjectIDHeader and attaches
// a fresh requestcontext.RequestContext to the request, carrying a newly
// generated transaction ID that is echoed back as Transaction-Id on every
// response. Requests without the header are rejected before reaching any
// handler.
func Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		projectID := r.Header.Get(ProjectIDHeader)
		if projectID == "" {
			apierror.Write(w, apierror.Unauthorized("missing "+ProjectIDHeader+" header"))
			return
		}

		rc := requestcontext.New(projectID)
		w.Header().Set("Transaction-Id", rc.TransactionID)
		next.ServeHTTP(w, r.WithContext(requestcontext.WithContext(r.Context(), rc)))
	})
}
