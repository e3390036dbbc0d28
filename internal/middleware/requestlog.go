package middleware

import (
	"net/http"

	"github.com/gofrs/uuid"

	"github.com/StreetsDigital/thenexusengine/adx/pkg/logger"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

// RequestLog assigns every request an id, stores it in the request context
// and logs completion with status and duration
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.Must(uuid.NewV4()).String()
		}
		w.Header().Set(RequestIDHeader, requestID)

		reqLog := logger.NewRequestLogger(requestID, r.Method, r.URL.Path)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(logger.WithRequestID(r.Context(), requestID)))
		reqLog.LogComplete(sw.status)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
