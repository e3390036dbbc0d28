package endpoints

import (
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/StreetsDigital/thenexusengine/adx/internal/openrtb"
	"github.com/StreetsDigital/thenexusengine/adx/internal/storage"
)

// transparentGIF is a 1x1 transparent pixel
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// TrackHandler records impressions, clicks and conversions
type TrackHandler struct {
	recorder   TrackingRecorder
	trustProxy bool
	now        func() time.Time
}

// NewTrackHandler creates a new tracking handler
func NewTrackHandler(recorder TrackingRecorder, trustProxy bool) *TrackHandler {
	return &TrackHandler{recorder: recorder, trustProxy: trustProxy, now: time.Now}
}

// Handle serves GET /track/:type?zone=&site=&campaign=&user=&rev=&url=.
// Clicks with an http(s) url are redirected there; everything else gets a pixel.
func (h *TrackHandler) Handle(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	eventType := storage.TrackingEventType(ps.ByName("type"))
	if !eventType.Valid() {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	ip := ClientIP(r, h.trustProxy)
	ev := storage.TrackingEvent{
		Type:       eventType,
		ZoneID:     q.Get("zone"),
		SiteID:     q.Get("site"),
		CampaignID: q.Get("campaign"),
		UserID:     q.Get("user"),
		IP:         ip,
		Revenue:    parseAmount(q.Get("rev")),
	}
	if ev.UserID == "" {
		ev.UserID = openrtb.AnonymousUserID(ip, r.UserAgent(), h.now())
	}
	h.recorder.RecordTrackingEvent(r.Context(), ev)

	if eventType == storage.EventClick {
		if target, ok := redirectTarget(q.Get("url")); ok {
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(transparentGIF)
}

// parseAmount accepts non-negative finite amounts, anything else is zero
func parseAmount(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func redirectTarget(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", false
	}
	return u.String(), true
}
