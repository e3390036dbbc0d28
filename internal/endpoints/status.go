package endpoints

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/StreetsDigital/thenexusengine/adx/internal/registry"
)

// EndpointLister reports registered endpoints and their statistics
type EndpointLister interface {
	Summaries() []registry.Summary
}

// StatusHandler handles /status requests
type StatusHandler struct {
	endpoints EndpointLister
}

// NewStatusHandler creates a new status handler. endpoints may be nil.
func NewStatusHandler(endpoints EndpointLister) *StatusHandler {
	return &StatusHandler{endpoints: endpoints}
}

// Handle serves GET /status
func (h *StatusHandler) Handle(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.endpoints != nil {
		body["endpoints"] = h.endpoints.Summaries()
	}
	writeJSON(w, http.StatusOK, body)
}
