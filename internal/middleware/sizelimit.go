package middleware

import (
	"net/http"
)

// Default request limits. Bid requests are small; anything larger is abuse.
const (
	DefaultMaxBodySize  int64 = 512 * 1024
	DefaultMaxURLLength       = 8192
)

// SizeLimiter rejects oversized requests before they are decoded
type SizeLimiter struct {
	maxBody int64
	maxURL  int
}

// NewSizeLimiter creates a size limiter. Non-positive limits use the defaults.
func NewSizeLimiter(maxBody int64, maxURL int) *SizeLimiter {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}
	if maxURL <= 0 {
		maxURL = DefaultMaxURLLength
	}
	return &SizeLimiter{maxBody: maxBody, maxURL: maxURL}
}

// Middleware returns the size limiting middleware handler
func (sl *SizeLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.URL.String()) > sl.maxURL {
			http.Error(w, `{"error":"URL too long"}`, http.StatusRequestURITooLong)
			return
		}
		if r.ContentLength > sl.maxBody {
			http.Error(w, `{"error":"request body too large"}`, http.StatusRequestEntityTooLarge)
			return
		}
		// Chunked bodies are cut off while being read
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, sl.maxBody)
		}
		next.ServeHTTP(w, r)
	})
}
