package testutil

import (
	"net/http"
	"time"

	"reliance/pkg/requestcontext"
)

// WithPrincipal marks the request as authenticated by principal.
// This simulates what the auth middleware would do for authenticated requests.
func WithPrincipal(req *http.Request, principal string) *http.Request {
	return req.WithContext(requestcontext.WithPrincipal(req.Context(), principal))
}

// WithRequestID sets the correlation ID normally assigned by middleware.
func WithRequestID(req *http.Request, requestID string) *http.Request {
	return req.WithContext(requestcontext.WithRequestID(req.Context(), requestID))
}

// WithRequestTime pins the request time read by services.
func WithRequestTime(req *http.Request, now time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), now))
}
