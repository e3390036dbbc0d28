package endpoints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/StreetsDigital/thenexusengine/adx/internal/exchange"
	"github.com/StreetsDigital/thenexusengine/adx/internal/storage"
	"github.com/StreetsDigital/thenexusengine/adx/pkg/logger"
)

// Ad response formats
const (
	FormatJSON   = "json"
	FormatHTML   = "html"
	FormatJS     = "js"
	FormatIframe = "iframe"
	FormatAsync  = "async"
	FormatJSONP  = "jsonp"
)

var callbackPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$.]{0,63}$`)

// ZoneFetcher resolves ad zones
type ZoneFetcher interface {
	FetchZone(ctx context.Context, id string) (*storage.Zone, error)
}

// ServeConfig holds ad serving configuration
type ServeConfig struct {
	TMax       time.Duration
	Currency   string
	TrackURL   string // base of the tracking route; no impression pixel when empty
	TrustProxy bool
}

// ServeHandler handles publisher ad requests. It never answers with an
// error status: every failure degrades to the format's no-ad signal.
type ServeHandler struct {
	exchange Auctioneer
	zones    ZoneFetcher
	config   ServeConfig
}

// NewServeHandler creates a new ad serving handler
func NewServeHandler(ex Auctioneer, zones ZoneFetcher, config ServeConfig) *ServeHandler {
	return &ServeHandler{exchange: ex, zones: zones, config: config}
}

type serveResponse struct {
	AuctionID string `json:"auction_id"`
	*exchange.Ad
}

// Handle serves GET|POST /serve?zone=&format=&callback=
func (h *ServeHandler) Handle(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	format := strings.ToLower(r.FormValue("format"))
	if format == "" {
		format = FormatJSON
	}
	callback := r.FormValue("callback")
	if !callbackPattern.MatchString(callback) {
		callback = "callback"
	}

	auctionID, ad := h.auction(r)
	if ad == nil {
		writeNoAd(w, format, callback)
		return
	}

	markup := ad.Markup
	if !ad.Fallback {
		markup += h.impressionPixel(r.FormValue("zone"), ad)
	}

	w.Header().Set("Cache-Control", "no-store")
	switch format {
	case FormatHTML:
		writeBody(w, "text/html; charset=utf-8", markup)
	case FormatIframe:
		writeBody(w, "text/html; charset=utf-8",
			`<!DOCTYPE html><html><head><meta charset="utf-8"><style>html,body{margin:0;padding:0;overflow:hidden}</style></head><body>`+markup+`</body></html>`)
	case FormatAsync:
		writeBody(w, "text/html; charset=utf-8",
			fmt.Sprintf(`<div class="adx-ad" data-zone="%s" style="width:%dpx;height:%dpx">%s</div>`, html.EscapeString(r.FormValue("zone")), ad.Width, ad.Height, markup))
	case FormatJS:
		quoted, _ := json.Marshal(markup)
		writeBody(w, "application/javascript; charset=utf-8", "document.write("+string(quoted)+");")
	case FormatJSONP:
		served := *ad
		served.Markup = markup
		body, _ := json.Marshal(serveResponse{AuctionID: auctionID, Ad: &served})
		writeBody(w, "application/javascript; charset=utf-8", callback+"("+string(body)+");")
	default:
		served := *ad
		served.Markup = markup
		writeJSON(w, http.StatusOK, serveResponse{AuctionID: auctionID, Ad: &served})
	}
}

// auction resolves the zone and runs the auction. A nil ad means no ad.
func (h *ServeHandler) auction(r *http.Request) (string, *exchange.Ad) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	zoneID := r.FormValue("zone")
	if zoneID == "" {
		log.Debug().Msg("ad request without zone")
		return "", nil
	}

	zone, err := h.zones.FetchZone(ctx, zoneID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Error().Err(err).Str("zone", zoneID).Msg("zone lookup failed")
		}
		return "", nil
	}

	client := ClientFromRequest(r, h.config.TrustProxy)
	result, err := h.exchange.RunAuction(ctx, &exchange.AuctionRequest{
		BidRequest: exchange.RequestFromZone(zone, client, h.config.TMax, h.config.Currency),
		Client:     client,
		Zone:       zone,
	})
	if err != nil {
		log.Info().Err(err).Str("zone", zoneID).Msg("ad request not served")
		return "", nil
	}
	return result.AuctionID, result.Ad
}

// impressionPixel points the browser at the tracking route once the ad renders
func (h *ServeHandler) impressionPixel(zoneID string, ad *exchange.Ad) string {
	if h.config.TrackURL == "" {
		return ""
	}
	q := url.Values{}
	q.Set("zone", zoneID)
	if ad.CampaignID != "" {
		q.Set("campaign", ad.CampaignID)
	}
	// Prices are CPM; one impression earns a thousandth
	q.Set("rev", strconv.FormatFloat(ad.Price/1000, 'f', -1, 64))

	src := strings.TrimRight(h.config.TrackURL, "/") + "/" + string(storage.EventImpression) + "?" + q.Encode()
	return `<img src="` + html.EscapeString(src) + `" width="1" height="1" alt="" style="display:none">`
}

func writeNoAd(w http.ResponseWriter, format, callback string) {
	w.Header().Set("Cache-Control", "no-store")
	switch format {
	case FormatHTML, FormatIframe, FormatAsync:
		writeBody(w, "text/html; charset=utf-8", "<!-- no ad -->")
	case FormatJS:
		writeBody(w, "application/javascript; charset=utf-8", "/* no ad */")
	case FormatJSONP:
		writeBody(w, "application/javascript; charset=utf-8", callback+"(null);")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeBody(w http.ResponseWriter, contentType, body string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}
