// Package requestcontext carries the per-request identity and start time that
// flow from the HTTP boundary down through every service call.
package requestcontext

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type contextKey struct{}

var key = contextKey{}

// RequestContext carries the project ID, transaction ID, and start time of a
// single inbound request. It is the explicit replacement for the
// module-level mutable singletons of the source system (spec.md §9 DESIGN
// NOTES).
type RequestContext struct {
	ProjectID     string
	TransactionID string
	StartedAt     time.Time
}

// New builds a RequestContext for projectID, generating a fresh transaction
// ID.
func New(projectID string) *RequestContext {
	return &RequestContext{
		ProjectID:     projectID,
		TransactionID: uuid.NewString(),
		StartedAt:     time.Now(),
	}
}

// WithContext attaches rc to ctx.
func WithContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, key, rc)
}

// FromContext retrieves the RequestContext previously attached to ctx, or
// nil if none is present.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(key).(*RequestContext)
	return rc
}

// Elapsed returns the time since the request started.
func (rc *RequestContext) Elapsed() time.Duration {
	if rc == nil || rc.StartedAt.IsZero() {
		return 0
	}
	return time.Since(rc.StartedAt)
}
