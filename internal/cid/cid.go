// Package cid carries a per-request correlation id on context, HTTP headers,
// and trace spans so a collaboration session can be followed across the
// client, the server, and the tracing backend.
package cid

import "context"

// ContextKey is the type used for storing the CID in context to avoid
// collisions.
type ContextKey struct{}

// HeaderName is the HTTP header used to propagate the correlation id.
// Incoming requests that already carry it keep their value; the server only
// generates a fresh KSUID when the header is absent.
const HeaderName = "X-PP-CID"

// AttributeName is the span attribute key used to attach the CID to spans.
const AttributeName = "pp.cid"

// WithCID returns a new context containing the provided correlation id.
func WithCID(ctx context.Context, cid string) context.Context {
	return context.WithValue(ctx, ContextKey{}, cid)
}

// CIDFromContext extracts the correlation id from context, if present.
func CIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ContextKey{}).(string); ok {
		return v
	}
	return ""
}

// AddHeaderFromContext adds the correlation header to the provided headers
// map if the context contains a CID. Used on outgoing client dials.
func AddHeaderFromContext(headers map[string][]string, ctx context.Context) {
	if headers == nil {
		return
	}
	if cid := CIDFromContext(ctx); cid != "" {
		headers[HeaderName] = []string{cid}
	}
}
