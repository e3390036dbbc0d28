package endpoints

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/StreetsDigital/thenexusengine/adx/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/adx/internal/middleware"
)

// Handlers are the routes the exchange serves
type Handlers struct {
	Serve   *ServeHandler
	Bid     *BidHandler
	Track   *TrackHandler
	Status  *StatusHandler
	Metrics http.Handler // prometheus exposition, optional
}

// RouterConfig holds cross-cutting HTTP settings
type RouterConfig struct {
	MaxBodySize  int64
	MaxURLLength int
	CORS         *middleware.CORSConfig
}

// NewRouter wires the handlers into an httprouter and wraps it with request
// logging, metrics and size limits. Browser-facing routes also get CORS.
func NewRouter(h Handlers, m *metrics.Metrics, cfg RouterConfig) http.Handler {
	router := httprouter.New()
	cors := middleware.NewCORS(cfg.CORS)

	browser := func(handle httprouter.Handle) httprouter.Handle {
		return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			cors.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, ps)
			})).ServeHTTP(w, r)
		}
	}

	if h.Serve != nil {
		router.GET("/serve", browser(h.Serve.Handle))
		router.POST("/serve", browser(h.Serve.Handle))
		router.OPTIONS("/serve", browser(h.Serve.Handle))
	}
	if h.Track != nil {
		router.GET("/track/:type", browser(h.Track.Handle))
	}
	if h.Bid != nil {
		router.POST("/rtb/bid", h.Bid.Handle)
	}
	if h.Status != nil {
		router.GET("/status", h.Status.Handle)
	}
	if h.Metrics != nil {
		router.Handler(http.MethodGet, "/metrics", h.Metrics)
	}

	var handler http.Handler = router
	handler = middleware.NewSizeLimiter(cfg.MaxBodySize, cfg.MaxURLLength).Middleware(handler)
	handler = m.Middleware(handler)
	return middleware.RequestLog(handler)
}
