package endpoints

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/StreetsDigital/thenexusengine/adx/internal/events"
	"github.com/StreetsDigital/thenexusengine/adx/internal/exchange"
	"github.com/StreetsDigital/thenexusengine/adx/internal/openrtb"
	"github.com/StreetsDigital/thenexusengine/adx/internal/registry"
	"github.com/StreetsDigital/thenexusengine/adx/internal/storage"
	"github.com/StreetsDigital/thenexusengine/adx/internal/storage/memory"
)

// mockExchange answers every auction with a fixed result
type mockExchange struct {
	mu       sync.Mutex
	requests []*exchange.AuctionRequest
	response *exchange.AuctionResponse
	err      error
}

func (m *mockExchange) RunAuction(_ context.Context, req *exchange.AuctionRequest) (*exchange.AuctionResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return m.response, m.err
}

func (m *mockExchange) last() *exchange.AuctionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

type keyTable map[string]*registry.Endpoint

func (k keyTable) ByKey(key string) (*registry.Endpoint, bool) {
	ep, ok := k[key]
	return ep, ok
}

type trackingCapture struct {
	events []storage.TrackingEvent
}

func (c *trackingCapture) RecordTrackingEvent(_ context.Context, ev storage.TrackingEvent) {
	c.events = append(c.events, ev)
}

func testRouter(ex Auctioneer, zones ZoneFetcher, keys KeyResolver, tracker TrackingRecorder) http.Handler {
	return NewRouter(Handlers{
		Serve:  NewServeHandler(ex, zones, ServeConfig{TMax: 200 * time.Millisecond, Currency: "USD", TrackURL: "https://adx.example/track"}),
		Bid:    NewBidHandler(ex, keys, false),
		Track:  NewTrackHandler(tracker, false),
		Status: NewStatusHandler(nil),
	}, nil, RouterConfig{})
}

func servedAd() *exchange.AuctionResponse {
	return &exchange.AuctionResponse{
		AuctionID: "auc-1",
		State:     exchange.StateCompleted,
		Ad:        &exchange.Ad{Markup: "<b>ad</b>", Width: 300, Height: 250, Price: 2, CampaignID: "c1"},
	}
}

func zoneStore() *memory.Store {
	store := memory.New()
	store.PutZone(storage.Zone{ID: "z1", SiteID: "s1", PublisherID: "p1", Width: 300, Height: 250, FloorPrice: 0.1})
	return store
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("decode: %w", exchange.ErrMalformedRequest), http.StatusBadRequest},
		{exchange.ErrSchemaViolation, http.StatusBadRequest},
		{exchange.ErrEndpointUnauthorized, http.StatusUnauthorized},
		{exchange.ErrRateLimited, http.StatusTooManyRequests},
		{fmt.Errorf("%w: bot", exchange.ErrFraudBlocked), http.StatusNoContent},
		{exchange.ErrInternal, http.StatusInternalServerError},
		{fmt.Errorf("anything else"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/serve", nil)
	req.RemoteAddr = "198.51.100.4:5123"
	req.Header.Set("X-Forwarded-For", "203.0.113.50, 10.0.0.1")

	if got := ClientIP(req, false); got != "198.51.100.4" {
		t.Errorf("expected remote address when proxies are not trusted, got %s", got)
	}
	if got := ClientIP(req, true); got != "203.0.113.50" {
		t.Errorf("expected first forwarded address, got %s", got)
	}

	req.Header.Set("X-Forwarded-For", "garbage")
	req.Header.Set("X-Real-IP", "203.0.113.51")
	if got := ClientIP(req, true); got != "203.0.113.51" {
		t.Errorf("expected X-Real-IP fallback, got %s", got)
	}
}

func TestServe_Formats(t *testing.T) {
	ex := &mockExchange{response: servedAd()}
	router := testRouter(ex, zoneStore(), keyTable{}, &trackingCapture{})

	tests := []struct {
		format      string
		contentType string
		contains    string
	}{
		{"json", "application/json", `"auction_id":"auc-1"`},
		{"html", "text/html; charset=utf-8", "<b>ad</b>"},
		{"iframe", "text/html; charset=utf-8", "<body><b>ad</b>"},
		{"async", "text/html; charset=utf-8", `data-zone="z1"`},
		{"js", "application/javascript; charset=utf-8", "document.write("},
		{"jsonp", "application/javascript; charset=utf-8", `render({"auction_id":"auc-1"`},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/serve?zone=z1&callback=render&format="+tt.format, nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != tt.contentType {
				t.Errorf("expected content type %q, got %q", tt.contentType, ct)
			}
			if !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("expected body to contain %q, got %s", tt.contains, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), "track/impression") {
				t.Error("expected impression pixel")
			}
		})
	}

	last := ex.last()
	if last.Zone == nil || last.Zone.ID != "z1" {
		t.Fatalf("expected zone passed to auction, got %+v", last.Zone)
	}
	if last.BidRequest.Imp[0].BidFloor != 0.1 {
		t.Errorf("expected zone floor on impression, got %v", last.BidRequest.Imp[0].BidFloor)
	}
}

func TestServe_NoAd(t *testing.T) {
	tests := []struct {
		name   string
		ex     *mockExchange
		query  string
		status int
		body   string
	}{
		{"json without winner", &mockExchange{response: &exchange.AuctionResponse{}}, "zone=z1", http.StatusNoContent, ""},
		{"html without winner", &mockExchange{response: &exchange.AuctionResponse{}}, "zone=z1&format=html", http.StatusOK, "<!-- no ad -->"},
		{"iframe on fraud", &mockExchange{err: exchange.ErrFraudBlocked}, "zone=z1&format=iframe", http.StatusOK, "<!-- no ad -->"},
		{"js on rate limit", &mockExchange{err: exchange.ErrRateLimited}, "zone=z1&format=js", http.StatusOK, "/* no ad */"},
		{"jsonp unknown zone", &mockExchange{response: servedAd()}, "zone=nope&format=jsonp&callback=cb", http.StatusOK, "cb(null);"},
		{"jsonp hostile callback", &mockExchange{response: &exchange.AuctionResponse{}}, "zone=z1&format=jsonp&callback=alert(1)", http.StatusOK, "callback(null);"},
		{"missing zone", &mockExchange{response: servedAd()}, "format=async", http.StatusOK, "<!-- no ad -->"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := testRouter(tt.ex, zoneStore(), keyTable{}, &trackingCapture{})
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/serve?"+tt.query, nil))

			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rec.Code)
			}
			if rec.Body.String() != tt.body {
				t.Errorf("expected body %q, got %q", tt.body, rec.Body.String())
			}
		})
	}
}

func TestServe_FallbackHasNoPixel(t *testing.T) {
	ex := &mockExchange{response: &exchange.AuctionResponse{Ad: &exchange.Ad{Markup: "<i>house</i>", Fallback: true}}}
	router := testRouter(ex, zoneStore(), keyTable{}, &trackingCapture{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/serve?zone=z1&format=html", nil))

	if rec.Body.String() != "<i>house</i>" {
		t.Errorf("expected bare fallback markup, got %q", rec.Body.String())
	}
}

func TestBid(t *testing.T) {
	inbound := &registry.Endpoint{ID: "dsp", Direction: registry.DirectionInbound, Status: registry.StatusActive}
	outbound := &registry.Endpoint{ID: "ssp", Direction: registry.DirectionOutbound, Status: registry.StatusActive}
	paused := &registry.Endpoint{ID: "old", Direction: registry.DirectionInbound, Status: registry.StatusInactive}
	keys := keyTable{"good": inbound, "wrong-way": outbound, "paused": paused}

	noBid := openrtb.EncodeBidResponse(&openrtb.BidRequest{ID: "r1"}, nil, openrtb.NoBidUnknown, "USD")
	body := `{"id":"r1","imp":[{"id":"1","banner":{"w":300,"h":250}}]}`

	tests := []struct {
		name   string
		key    string
		ex     *mockExchange
		status int
	}{
		{"no bid is ok", "good", &mockExchange{response: &exchange.AuctionResponse{BidResponse: noBid}}, http.StatusOK},
		{"missing key", "", &mockExchange{}, http.StatusUnauthorized},
		{"unknown key", "bad", &mockExchange{}, http.StatusUnauthorized},
		{"outbound key", "wrong-way", &mockExchange{}, http.StatusUnauthorized},
		{"inactive caller", "paused", &mockExchange{}, http.StatusUnauthorized},
		{"malformed", "good", &mockExchange{response: &exchange.AuctionResponse{}, err: exchange.ErrMalformedRequest}, http.StatusBadRequest},
		{"rate limited", "good", &mockExchange{response: &exchange.AuctionResponse{}, err: exchange.ErrRateLimited}, http.StatusTooManyRequests},
		{"fraud", "good", &mockExchange{response: &exchange.AuctionResponse{}, err: exchange.ErrFraudBlocked}, http.StatusNoContent},
		{"internal", "good", &mockExchange{response: &exchange.AuctionResponse{}, err: exchange.ErrInternal}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := testRouter(tt.ex, zoneStore(), keys, &trackingCapture{})
			req := httptest.NewRequest(http.MethodPost, "/rtb/bid?key="+tt.key, strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d (%s)", tt.status, rec.Code, rec.Body.String())
			}
			if tt.status == http.StatusUnauthorized && tt.ex.last() != nil {
				t.Error("unauthorized callers must not reach the auction")
			}
			if tt.status == http.StatusOK {
				var resp openrtb.BidResponse
				if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
					t.Fatalf("invalid response body: %v", err)
				}
				if resp.ID != "r1" || resp.NBR == nil {
					t.Errorf("expected no-bid echoing the request id, got %+v", resp)
				}
				if got := tt.ex.last(); got.Caller != inbound || string(got.Raw) != body {
					t.Errorf("expected caller and raw body passed through, got %+v", got)
				}
			}
		})
	}
}

func TestBid_FormPost(t *testing.T) {
	inbound := &registry.Endpoint{ID: "dsp", Direction: registry.DirectionInbound, Status: registry.StatusActive}
	ex := &mockExchange{response: &exchange.AuctionResponse{BidResponse: &openrtb.BidResponse{ID: "r1", SeatBid: []openrtb.SeatBid{}}}}
	router := testRouter(ex, zoneStore(), keyTable{"k": inbound}, &trackingCapture{})

	form := url.Values{"key": {"k"}, "request": {`{"id":"r1","imp":[{"id":"1"}]}`}}
	req := httptest.NewRequest(http.MethodPost, "/rtb/bid", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := string(ex.last().Raw); got != form.Get("request") {
		t.Errorf("expected request field as body, got %q", got)
	}
}

func TestTrack(t *testing.T) {
	tracker := &trackingCapture{}
	router := testRouter(&mockExchange{}, zoneStore(), keyTable{}, tracker)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/track/impression?zone=z1&campaign=c1&rev=0.002", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/gif" {
		t.Fatalf("expected pixel, got %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !bytes.Equal(rec.Body.Bytes(), transparentGIF) {
		t.Error("expected transparent gif body")
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/track/click?zone=z1&url=https%3A%2F%2Fadv.example%2Flanding", nil))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "https://adv.example/landing" {
		t.Errorf("expected redirect to landing page, got %d %q", rec.Code, rec.Header().Get("Location"))
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/track/click?url=javascript:alert(1)&rev=-4", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected pixel for unsafe redirect, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/track/hover", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown event type, got %d", rec.Code)
	}

	if len(tracker.events) != 3 {
		t.Fatalf("expected 3 tracking events, got %d", len(tracker.events))
	}
	imp := tracker.events[0]
	if imp.Type != storage.EventImpression || imp.ZoneID != "z1" || imp.CampaignID != "c1" || imp.Revenue != 0.002 {
		t.Errorf("unexpected impression event %+v", imp)
	}
	if imp.UserID == "" {
		t.Error("expected anonymous user id")
	}
	if tracker.events[2].Revenue != 0 {
		t.Errorf("expected negative revenue rejected, got %v", tracker.events[2].Revenue)
	}
}

func TestTrack_CostDerivedFromRevenue(t *testing.T) {
	store := memory.New()
	recorder := events.NewRecorder(store, nil, nil)
	router := testRouter(&mockExchange{}, zoneStore(), keyTable{}, recorder)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/track/impression?zone=z1&rev=1&cost=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected pixel, got %d", rec.Code)
	}
	if err := recorder.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	evs := store.TrackingEvents()
	if len(evs) != 1 {
		t.Fatalf("expected 1 tracking event, got %d", len(evs))
	}
	if evs[0].Revenue != 1 || evs[0].Cost != 0.8 {
		t.Errorf("expected revenue 1 and cost 0.8, got %v and %v", evs[0].Revenue, evs[0].Cost)
	}
}

func TestStatusHandler(t *testing.T) {
	reg := registry.New(nil, time.Minute)
	reg.Register(registry.Endpoint{ID: "ssp", Direction: registry.DirectionOutbound, Status: registry.StatusActive})
	router := NewRouter(Handlers{Status: NewStatusHandler(reg)}, nil, RouterConfig{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Status    string             `json:"status"`
		Timestamp string             `json:"timestamp"`
		Endpoints []registry.Summary `json:"endpoints"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid status body: %v", err)
	}
	if body.Status != "ok" || body.Timestamp == "" {
		t.Errorf("unexpected status %+v", body)
	}
	if len(body.Endpoints) != 1 || body.Endpoints[0].ID != "ssp" {
		t.Errorf("expected registered endpoint listed, got %+v", body.Endpoints)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}
}

func TestRouter_BodyLimit(t *testing.T) {
	ex := &mockExchange{}
	router := NewRouter(Handlers{Bid: NewBidHandler(ex, keyTable{}, false)}, nil, RouterConfig{MaxBodySize: 16})

	req := httptest.NewRequest(http.MethodPost, "/rtb/bid?key=k", strings.NewReader(strings.Repeat("x", 64)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}
