// Package endpoints provides HTTP endpoint handlers
package endpoints

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/StreetsDigital/thenexusengine/adx/internal/exchange"
	"github.com/StreetsDigital/thenexusengine/adx/internal/storage"
	"github.com/StreetsDigital/thenexusengine/adx/pkg/logger"
)

// Auctioneer runs auctions
type Auctioneer interface {
	RunAuction(ctx context.Context, req *exchange.AuctionRequest) (*exchange.AuctionResponse, error)
}

// TrackingRecorder appends tracking events
type TrackingRecorder interface {
	RecordTrackingEvent(ctx context.Context, ev storage.TrackingEvent)
}

// StatusFor maps an auction error to the HTTP status of the bid-request
// boundary. Fraud verdicts look like an ordinary no-content answer.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, exchange.ErrMalformedRequest), errors.Is(err, exchange.ErrSchemaViolation):
		return http.StatusBadRequest
	case errors.Is(err, exchange.ErrEndpointUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, exchange.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, exchange.ErrFraudBlocked):
		return http.StatusNoContent
	}
	return http.StatusInternalServerError
}

// ClientFromRequest describes the caller of r. Forwarding headers are only
// believed when trustProxy is set; they are always passed on for the fraud
// proxy check.
func ClientFromRequest(r *http.Request, trustProxy bool) exchange.Client {
	return exchange.Client{
		IP:        ClientIP(r, trustProxy),
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
		Headers:   r.Header,
	}
}

// ClientIP returns the address of the client that sent r
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return addr.Unmap().String()
			}
		}
		if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
			return addr.Unmap().String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap().String()
	}
	return host
}

// writeJSON writes v with the given status
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log := logger.HTTP()
		log.Warn().Err(err).Msg("failed to write response")
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
