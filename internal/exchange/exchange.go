// Package exchange implements the auction engine
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid"

	"github.com/StreetsDigital/thenexusengine/adx/internal/adapters"
	"github.com/StreetsDigital/thenexusengine/adx/internal/fraud"
	"github.com/StreetsDigital/thenexusengine/adx/internal/geo"
	"github.com/StreetsDigital/thenexusengine/adx/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/adx/internal/openrtb"
	"github.com/StreetsDigital/thenexusengine/adx/internal/ratelimit"
	"github.com/StreetsDigital/thenexusengine/adx/internal/registry"
	"github.com/StreetsDigital/thenexusengine/adx/internal/storage"
	"github.com/StreetsDigital/thenexusengine/adx/internal/targeting"
	"github.com/StreetsDigital/thenexusengine/adx/pkg/logger"
)

// Screener judges whether traffic is fraudulent
type Screener interface {
	Score(ctx context.Context, sample fraud.Sample) fraud.Result
}

// OutcomeRecorder receives the RTB log of each auction
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, entries ...storage.RTBLog)
}

// Exchange orchestrates the auction process
type Exchange struct {
	registry   *registry.Registry
	campaigns  CampaignFetcher
	httpClient adapters.HTTPClient
	limiter    ratelimit.Limiter
	scorer     Screener
	locator    geo.Locator
	recorder   OutcomeRecorder
	metrics    *metrics.Metrics
	config     *Config
	now        func() time.Time

	notices sync.WaitGroup
}

// Config holds exchange configuration
type Config struct {
	Strategy               Strategy
	DefaultTMax            time.Duration // used when a request carries no tmax
	DefaultEndpointTimeout time.Duration // used when an endpoint declares no timeout
	DefaultQPS             int           // per client IP when the caller declares no QPS limit
	RateWindow             time.Duration
	GeoTimeout             time.Duration
	WinNoticeTimeout       time.Duration
	FloorMultiplier        float64
	DefaultCurrency        string
	FallbackMarkup         string // house ad for zones without their own
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Strategy:               StrategyHybrid,
		DefaultTMax:            500 * time.Millisecond,
		DefaultEndpointTimeout: 300 * time.Millisecond,
		DefaultQPS:             100,
		RateWindow:             time.Second,
		GeoTimeout:             50 * time.Millisecond,
		WinNoticeTimeout:       2 * time.Second,
		FloorMultiplier:        DefaultFloorMultiplier,
		DefaultCurrency:        "USD",
	}
}

// New creates a new exchange. The optional collaborators are attached with
// the Set methods before the exchange serves traffic.
func New(reg *registry.Registry, campaigns CampaignFetcher, config *Config) *Exchange {
	if config == nil {
		config = DefaultConfig()
	}

	return &Exchange{
		registry:   reg,
		campaigns:  campaigns,
		httpClient: adapters.NewHTTPClient(config.DefaultTMax + config.WinNoticeTimeout),
		config:     config,
		now:        time.Now,
	}
}

// SetHTTPClient replaces the outbound HTTP client
func (e *Exchange) SetHTTPClient(c adapters.HTTPClient) { e.httpClient = c }

// SetLimiter attaches the rate limiter
func (e *Exchange) SetLimiter(l ratelimit.Limiter) { e.limiter = l }

// SetScorer attaches the fraud scorer
func (e *Exchange) SetScorer(s Screener) { e.scorer = s }

// SetLocator attaches the geo lookup
func (e *Exchange) SetLocator(l geo.Locator) { e.locator = l }

// SetRecorder attaches the outcome log
func (e *Exchange) SetRecorder(r OutcomeRecorder) { e.recorder = r }

// SetMetrics attaches metrics
func (e *Exchange) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// Config returns the exchange configuration
func (e *Exchange) Config() *Config { return e.config }

// Close waits for outstanding win notices
func (e *Exchange) Close() error {
	e.notices.Wait()
	return nil
}

// AuctionRequest contains auction parameters
type AuctionRequest struct {
	Raw        []byte              // decoded when BidRequest is nil
	BidRequest *openrtb.BidRequest // owned by the auction from here on
	Client     Client
	Caller     *registry.Endpoint
	Zone       *storage.Zone
	Strategy   Strategy // overrides the configured strategy when set
}

// AuctionResponse contains auction results
type AuctionResponse struct {
	AuctionID string

	// State is the last state reached. StateAborted with a nil error means
	// every endpoint timed out: BidResponse is still a valid no-bid and Ad
	// may hold the zone fallback.
	State       State
	BidResponse *openrtb.BidResponse
	Winners     []Candidate
	Ad          *Ad // nil when nothing, not even a fallback, can be shown
	Source      string
	Results     []*EndpointResult
	Duration    time.Duration
}

// Ad is what the publisher page renders
type Ad struct {
	Markup     string  `json:"markup"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Price      float64 `json:"price,omitempty"`
	CampaignID string  `json:"campaign_id,omitempty"`
	CreativeID string  `json:"creative_id,omitempty"`
	EndpointID string  `json:"endpoint_id,omitempty"`
	Fallback   bool    `json:"fallback,omitempty"`
}

// RunAuction runs one auction. Gate failures return the error together with
// an aborted response; an auction without a winner is not an error and
// yields a no-bid BidResponse.
func (e *Exchange) RunAuction(ctx context.Context, req *AuctionRequest) (*AuctionResponse, error) {
	start := e.now()
	response := &AuctionResponse{State: StateReceived}

	abort := func(status string, err error) (*AuctionResponse, error) {
		response.State = StateAborted
		response.Duration = e.now().Sub(start)
		e.metrics.RecordAuction(status, "", response.Duration)
		return response, err
	}

	bidReq := req.BidRequest
	if bidReq == nil {
		decoded, err := openrtb.DecodeBidRequest(req.Raw)
		if err != nil {
			return abort("invalid", err)
		}
		bidReq = decoded
	} else if err := openrtb.ValidateBidRequest(bidReq); err != nil {
		return abort("invalid", err)
	}

	a := &Auction{
		ID:      newID(),
		Request: bidReq,
		Client:  req.Client,
		Caller:  req.Caller,
		Zone:    req.Zone,
		TMax:    e.config.DefaultTMax,
	}
	if bidReq.TMax > 0 {
		a.TMax = time.Duration(bidReq.TMax) * time.Millisecond
	}
	response.AuctionID = a.ID
	ctx = logger.WithAuctionID(ctx, a.ID)
	log := logger.Auction(a.ID)

	response.State = StateGated
	if err := e.gate(ctx, a); err != nil {
		log.Info().Err(err).Str("ip", a.Client.IP).Msg("auction rejected at gate")
		status := "fraud_blocked"
		if errors.Is(err, ErrRateLimited) {
			status = "rate_limited"
		}
		return abort(status, err)
	}

	response.State = StateSourcing
	e.buildContext(ctx, a)
	source := e.sourceFor(e.strategyFor(req))
	response.Source = source.Name()

	response.State = StateCollecting
	candidates := source.Collect(ctx, a)
	response.Results = a.Results()

	if len(candidates) == 0 && allTimedOut(response.Results) {
		response.State = StateAborted
		response.BidResponse = openrtb.EncodeBidResponse(bidReq, nil, openrtb.NoBidTechnicalError, e.config.DefaultCurrency)
		response.Ad = e.fallbackAd(a)
		e.finish(ctx, a, response, start)
		return response, nil
	}

	response.State = StateSelecting
	response.Winners = SelectWinners(a, candidates)

	response.State = StateNotifying
	for _, w := range response.Winners {
		if w.Bid.NURL != "" {
			e.notifyWin(a, w)
		}
	}

	response.BidResponse = e.buildBidResponse(a, response.Winners, response.Results)
	response.Ad = e.adFor(a, response.Winners)
	response.State = StateCompleted
	e.finish(ctx, a, response, start)
	return response, nil
}

// gate runs the rate limiter and the fraud scorer
func (e *Exchange) gate(ctx context.Context, a *Auction) error {
	if e.limiter != nil {
		id, limit := "ip:"+a.Client.IP, e.config.DefaultQPS
		if a.Caller != nil {
			id = "in:" + a.Caller.ID + ":" + a.Client.IP
			if a.Caller.QPSLimit > 0 {
				limit = a.Caller.QPSLimit
			}
		}
		if !e.limiter.Allow(ctx, id, limit, e.config.RateWindow) {
			e.metrics.RecordRateLimited("client")
			return ErrRateLimited
		}
	}

	if e.scorer != nil {
		result := e.scorer.Score(ctx, fraudSample(a))
		if result.IsFraud {
			e.metrics.RecordFraud(result.Types)
			return fmt.Errorf("%w: confidence %.2f (%s)", ErrFraudBlocked, result.Confidence, strings.Join(result.Types, ","))
		}
	}
	return nil
}

// fraudSample describes the end user. Browser traffic is scored on the HTTP
// client itself; inbound bid requests come from a partner's server, so the
// user is taken from the request's device and site and the partner's
// connection headers are left out.
func fraudSample(a *Auction) fraud.Sample {
	sample := fraud.Sample{Country: a.Request.Country()}
	if a.Zone != nil {
		sample.ZoneID = a.Zone.ID
		sample.SiteID = a.Zone.SiteID
	}
	dev, site := a.Request.Device, a.Request.Site

	if a.Caller != nil {
		if dev != nil {
			sample.IP = dev.IP
			sample.UserAgent = dev.UA
		}
		if site != nil {
			sample.Referer = site.Page
		}
		return sample
	}

	sample.IP = a.Client.IP
	sample.UserAgent = a.Client.UserAgent
	sample.Referer = a.Client.Referer
	sample.Headers = a.Client.Headers
	if sample.UserAgent == "" && dev != nil {
		sample.UserAgent = dev.UA
	}
	if sample.IP == "" && dev != nil {
		sample.IP = dev.IP
	}
	return sample
}

// buildContext fills device, geo and user of the request. The geo lookup is
// bounded by its own timeout and skipped when the request already has a country.
func (e *Exchange) buildContext(ctx context.Context, a *Auction) {
	req := a.Request
	if req.Device == nil {
		req.Device = &openrtb.Device{}
	}
	dev := req.Device
	if dev.IP == "" {
		dev.IP = a.Client.IP
	}
	if dev.UA == "" {
		dev.UA = a.Client.UserAgent
	}
	if dev.DeviceType == 0 {
		dev.DeviceType = targeting.DeviceTypeFromUA(dev.UA)
	}

	var geoResult <-chan *geo.Info
	if req.Country() == "" && e.locator != nil {
		geoResult = geo.LookupAsync(ctx, e.locator, dev.IP, e.config.GeoTimeout)
	}

	if req.User == nil {
		req.User = &openrtb.User{}
	}
	if req.User.ID == "" {
		req.User.ID = openrtb.AnonymousUserID(dev.IP, dev.UA, e.now())
	}

	if geoResult != nil {
		if info := <-geoResult; info != nil {
			if dev.Geo == nil {
				dev.Geo = &openrtb.Geo{}
			}
			dev.Geo.Country = info.Country
			dev.Geo.Region = info.Region
			dev.Geo.City = info.City
			dev.Geo.ZIP = info.Zip
			dev.Geo.Lat = info.Lat
			dev.Geo.Lon = info.Lon
		}
	}

	if req.TMax == 0 {
		req.TMax = int(a.TMax / time.Millisecond)
	}
	a.Targeting = targeting.ContextFromRequest(req)
}

func (e *Exchange) strategyFor(req *AuctionRequest) Strategy {
	if req.Strategy != "" {
		return req.Strategy
	}
	if req.Zone != nil && req.Zone.Sourcing != "" {
		if st, err := ParseStrategy(req.Zone.Sourcing); err == nil && st != "" {
			return st
		}
	}
	if e.config.Strategy != "" {
		return e.config.Strategy
	}
	return StrategyHybrid
}

func (e *Exchange) sourceFor(strategy Strategy) Source {
	internal := NewInternalSource(e.campaigns, e.config.FloorMultiplier)
	external := NewExternalSource(e.registry, e.httpClient, e.limiter, e.metrics, e.config.DefaultEndpointTimeout)

	switch {
	case strategy == StrategyInternal:
		return internal
	case strategy == StrategyExternal:
		return external
	case e.campaigns == nil:
		return external
	}
	return NewCompositeSource(internal, external)
}

// SelectWinners picks, per impression, the highest bid strictly above every
// floor that applies to it. Ties go to the candidate seen first, so candidate
// order is the tie-break order.
func SelectWinners(a *Auction, candidates []Candidate) []Candidate {
	best := make(map[string]int, len(a.Request.Imp))
	for i := range candidates {
		c := &candidates[i]
		if !a.viable(c) {
			continue
		}
		if j, ok := best[c.Bid.ImpID]; ok && c.Bid.Price <= candidates[j].Bid.Price {
			continue
		}
		best[c.Bid.ImpID] = i
	}

	winners := make([]Candidate, 0, len(best))
	for _, imp := range a.Request.Imp {
		if i, ok := best[imp.ID]; ok {
			winners = append(winners, candidates[i])
		}
	}
	return winners
}

func (e *Exchange) macros(a *Auction, w Candidate) openrtb.AuctionMacros {
	return openrtb.AuctionMacros{
		AuctionID: a.Request.ID,
		BidID:     w.Bid.ID,
		ImpID:     w.Bid.ImpID,
		SeatID:    w.Seat,
		Currency:  e.config.DefaultCurrency,
		Price:     w.Bid.Price,
	}
}

// notifyWin fires the win notice in the background. Failures are logged and
// never reach the caller.
func (e *Exchange) notifyWin(a *Auction, w Candidate) {
	noticeURL := openrtb.ApplyAuctionMacros(w.Bid.NURL, e.macros(a, w))
	requestID := a.Request.ID

	e.notices.Add(1)
	go func() {
		defer e.notices.Done()

		ctx, cancel := context.WithTimeout(context.Background(), e.config.WinNoticeTimeout)
		defer cancel()

		start := time.Now()
		resp, err := e.httpClient.Do(ctx, &adapters.RequestData{Method: http.MethodGet, URI: noticeURL}, e.config.WinNoticeTimeout)

		entry := storage.RTBLog{
			RequestID:    requestID,
			EndpointID:   w.EndpointID,
			RequestType:  storage.RTBWinNotice,
			Status:       storage.RTBSuccess,
			ResponseTime: time.Since(start),
			BidPrice:     w.Bid.Price,
			WinPrice:     w.Bid.Price,
		}
		log := logger.Endpoint(w.EndpointID)
		if err != nil {
			entry.Status = storage.RTBError
			if adapters.IsTimeout(err) {
				entry.Status = storage.RTBTimeout
			}
			entry.Error = err.Error()
			log.Warn().Err(err).Str("request_id", requestID).Msg("win notice failed")
		} else {
			log.Debug().Str("request_id", requestID).Int("status", resp.StatusCode).Msg("win notice sent")
		}

		e.metrics.RecordWinNotice(err == nil)
		if e.recorder != nil {
			e.recorder.RecordOutcome(ctx, entry)
		}
	}()
}

func (e *Exchange) buildBidResponse(a *Auction, winners []Candidate, results []*EndpointResult) *openrtb.BidResponse {
	var seats []openrtb.SeatBid
	seatIndex := make(map[string]int)
	for _, w := range winners {
		bid := w.Bid
		bid.AdM = openrtb.ApplyAuctionMacros(bid.AdM, e.macros(a, w))
		// The exchange sends the win notice itself
		bid.NURL = ""

		seat := w.Seat
		if seat == "" {
			seat = w.Source
		}
		i, ok := seatIndex[seat]
		if !ok {
			i = len(seats)
			seatIndex[seat] = i
			seats = append(seats, openrtb.SeatBid{Seat: seat})
		}
		seats[i].Bid = append(seats[i].Bid, bid)
	}

	reason := openrtb.NoBidUnknown
	if len(results) > 0 && allFailed(results) {
		reason = openrtb.NoBidTechnicalError
	}
	resp := openrtb.EncodeBidResponse(a.Request, seats, reason, e.config.DefaultCurrency)
	if resp.HasBids() {
		resp.BidID = a.ID
	}
	return resp
}

// adFor renders the winner of the first impression, else the fallback
func (e *Exchange) adFor(a *Auction, winners []Candidate) *Ad {
	imp := &a.Request.Imp[0]
	for _, w := range winners {
		if w.Bid.ImpID != imp.ID {
			continue
		}
		width, height := w.Bid.W, w.Bid.H
		if width == 0 || height == 0 {
			width, height = imp.Size()
		}
		return &Ad{
			Markup:     openrtb.ApplyAuctionMacros(w.Bid.AdM, e.macros(a, w)),
			Width:      width,
			Height:     height,
			Price:      w.Bid.Price,
			CampaignID: w.CampaignID,
			CreativeID: w.Bid.CRID,
			EndpointID: w.EndpointID,
		}
	}
	return e.fallbackAd(a)
}

func (e *Exchange) fallbackAd(a *Auction) *Ad {
	markup := e.config.FallbackMarkup
	if a.Zone != nil && a.Zone.FallbackMarkup != "" {
		markup = a.Zone.FallbackMarkup
	}
	if markup == "" {
		return nil
	}
	width, height := a.Request.Imp[0].Size()
	return &Ad{Markup: markup, Width: width, Height: height, Fallback: true}
}

// finish appends the auction's RTB log and records metrics
func (e *Exchange) finish(ctx context.Context, a *Auction, response *AuctionResponse, start time.Time) {
	response.Duration = e.now().Sub(start)

	now := e.now()
	entries := make([]storage.RTBLog, 0, len(response.Results)+1)
	for _, r := range response.Results {
		entry := storage.RTBLog{
			RequestID:    a.Request.ID,
			EndpointID:   r.EndpointID,
			RequestType:  storage.RTBBidResponse,
			Status:       r.Status,
			ResponseTime: r.Latency,
			BidPrice:     r.BidPrice,
			CreatedAt:    now,
		}
		if r.Err != nil {
			entry.Error = r.Err.Error()
		}
		entries = append(entries, entry)
	}

	if a.Caller != nil {
		entry := storage.RTBLog{
			RequestID:    a.Request.ID,
			EndpointID:   a.Caller.ID,
			RequestType:  storage.RTBBidRequest,
			Status:       storage.RTBNoBid,
			ResponseTime: response.Duration,
			CreatedAt:    now,
		}
		for _, w := range response.Winners {
			entry.Status = storage.RTBSuccess
			entry.BidPrice = max(entry.BidPrice, w.Bid.Price)
		}
		entries = append(entries, entry)
	}

	if e.recorder != nil && len(entries) > 0 {
		e.recorder.RecordOutcome(ctx, entries...)
	}

	status := "no_bid"
	if len(response.Winners) > 0 {
		status = "won"
	} else if response.State == StateAborted {
		status = "timeout"
	}
	e.metrics.RecordAuction(status, response.Source, response.Duration)

	log := logger.Auction(a.ID)
	log.Debug().
		Str("request_id", a.Request.ID).
		Str("state", response.State.String()).
		Str("source", response.Source).
		Int("winners", len(response.Winners)).
		Dur("duration", response.Duration).
		Msg("auction finished")
}

func allTimedOut(results []*EndpointResult) bool {
	external := 0
	for _, r := range results {
		if r.EndpointID == "" {
			if r.Status == storage.RTBSuccess {
				return false
			}
			continue
		}
		external++
		if r.Status != storage.RTBTimeout {
			return false
		}
	}
	return external > 0
}

func allFailed(results []*EndpointResult) bool {
	for _, r := range results {
		if r.Status == storage.RTBSuccess || r.Status == storage.RTBNoBid {
			return false
		}
	}
	return true
}

func newID() string {
	id, err := uuid.NewV4()
	if err != nil {
		return fmt.Sprintf("auction-%d", time.Now().UnixNano())
	}
	return id.String()
}
