package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORSMiddleware_Preflight(t *testing.T) {
	handler := NewCORS(nil).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for preflight request")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/rtb/bid", nil)
	req.Header.Set("Origin", "https://publisher.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected status 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected wildcard origin, got %q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Headers"); got == "" {
		t.Error("expected Allow-Headers header")
	}
	if got := rr.Header().Get("Access-Control-Max-Age"); got != "86400" {
		t.Errorf("expected Max-Age 86400, got %q", got)
	}
}

func TestCORSMiddleware_AllowedOrigins(t *testing.T) {
	cors := NewCORS(&CORSConfig{AllowedOrigins: []string{"https://news.example", "*.blog.example"}})
	handler := cors.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		origin string
		want   string
	}{
		{"https://news.example", "https://news.example"},
		{"https://a.blog.example", "https://a.blog.example"},
		{"https://evil.example", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/serve?zone=1", nil)
		req.Header.Set("Origin", tt.origin)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("%s: expected handler to run, got %d", tt.origin, rr.Code)
		}
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Errorf("%s: expected Allow-Origin %q, got %q", tt.origin, tt.want, got)
		}
	}
}
