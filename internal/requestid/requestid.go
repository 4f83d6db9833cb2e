// Package requestid tags each API request with an identifier that follows
// it through logs. Streams can run for minutes, so the id is what ties a
// long-lived SSE connection back to the request that opened it.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

const maxLen = 64

// New mints a random UUID v4 request ID.
func New() string {
	return uuid.NewString()
}

// Normalize returns id when it is safe to echo into logs and headers, or a
// freshly minted id otherwise. Inbound ids are untrusted: anything overlong
// or outside [A-Za-z0-9._-] is discarded.
func Normalize(id string) string {
	if id == "" || len(id) > maxLen {
		return New()
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return New()
		}
	}
	return id
}

// WithRequestID returns a copy of ctx with the request ID attached.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the request ID from ctx. Returns "" if absent.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
