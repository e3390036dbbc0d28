// Package middleware provides HTTP middleware for the exchange
package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string // empty allows every origin
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int // preflight cache in seconds
}

// DefaultCORSConfig lets publisher pages on any origin fetch ads
func DefaultCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept", "X-Request-ID"},
		MaxAge:         86400,
	}
}

// CORS provides Cross-Origin Resource Sharing middleware for the ad
// serving and tracking routes
type CORS struct {
	config *CORSConfig
}

// NewCORS creates a new CORS middleware
func NewCORS(config *CORSConfig) *CORS {
	if config == nil {
		config = DefaultCORSConfig()
	}
	return &CORS{config: config}
}

// Middleware returns the CORS middleware handler
func (c *CORS) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		w.Header().Add("Vary", "Origin")

		if c.allowed(origin) {
			if origin != "" && len(c.config.AllowedOrigins) > 0 {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			} else {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}
		}

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(c.config.AllowedMethods, ", "))
			if r.Header.Get("Access-Control-Request-Headers") != "" {
				w.Header().Set("Access-Control-Allow-Headers", strings.Join(c.config.AllowedHeaders, ", "))
			}
			if c.config.MaxAge > 0 {
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(c.config.MaxAge))
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allowed matches exact origins and "*.example.com" subdomain patterns
func (c *CORS) allowed(origin string) bool {
	if len(c.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range c.config.AllowedOrigins {
		switch {
		case allowed == "*", allowed == origin:
			return true
		case strings.HasPrefix(allowed, "*.") && strings.HasSuffix(origin, allowed[1:]):
			return true
		}
	}
	return false
}
