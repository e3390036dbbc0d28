package endpoints

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/StreetsDigital/thenexusengine/adx/internal/adapters/ortb"
	"github.com/StreetsDigital/thenexusengine/adx/internal/exchange"
	"github.com/StreetsDigital/thenexusengine/adx/internal/registry"
	"github.com/StreetsDigital/thenexusengine/adx/pkg/logger"
)

// KeyResolver authenticates inbound callers by their endpoint key
type KeyResolver interface {
	ByKey(key string) (*registry.Endpoint, bool)
}

// BidHandler handles server-to-server bid requests from inbound endpoints
type BidHandler struct {
	exchange   Auctioneer
	keys       KeyResolver
	trustProxy bool
}

// NewBidHandler creates a new bid handler
func NewBidHandler(ex Auctioneer, keys KeyResolver, trustProxy bool) *BidHandler {
	return &BidHandler{exchange: ex, keys: keys, trustProxy: trustProxy}
}

// Handle serves POST /rtb/bid?key=. Form posts carry the key in the "key"
// field and the bid request in the "request" field.
func (h *BidHandler) Handle(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	log := logger.FromContext(r.Context())

	var raw []byte
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		raw = []byte(r.PostFormValue("request"))
	} else {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		raw = body
	}

	caller, err := h.authenticate(r)
	if err != nil {
		writeError(w, err.Error(), StatusFor(err))
		return
	}

	result, err := h.exchange.RunAuction(r.Context(), &exchange.AuctionRequest{
		Raw:    raw,
		Client: ClientFromRequest(r, h.trustProxy),
		Caller: caller,
	})
	if err != nil {
		status := StatusFor(err)
		switch status {
		case http.StatusNoContent:
			w.WriteHeader(status)
		case http.StatusInternalServerError:
			log.Error().Err(err).Str("caller", caller.ID).Msg("auction failed")
			writeError(w, "internal server error", status)
		default:
			writeError(w, err.Error(), status)
		}
		return
	}

	w.Header().Set("X-OpenRTB-Version", ortb.DefaultProtocolVersion)
	writeJSON(w, http.StatusOK, result.BidResponse)
}

func (h *BidHandler) authenticate(r *http.Request) (*registry.Endpoint, error) {
	key := r.URL.Query().Get("key")
	if key == "" {
		key = r.PostFormValue("key")
	}
	if key == "" {
		return nil, fmt.Errorf("%w: missing endpoint key", exchange.ErrEndpointUnauthorized)
	}

	ep, ok := h.keys.ByKey(key)
	if !ok || ep.Direction != registry.DirectionInbound || !ep.IsActive() {
		return nil, exchange.ErrEndpointUnauthorized
	}
	return ep, nil
}
