package exchange

import (
	"net/http"
	"sync"
	"time"

	"github.com/StreetsDigital/thenexusengine/adx/internal/openrtb"
	"github.com/StreetsDigital/thenexusengine/adx/internal/registry"
	"github.com/StreetsDigital/thenexusengine/adx/internal/storage"
	"github.com/StreetsDigital/thenexusengine/adx/internal/targeting"
)

// Client describes who sent the request
type Client struct {
	IP        string
	UserAgent string
	Referer   string
	Headers   http.Header
}

// Candidate is one bid competing in an auction
type Candidate struct {
	Bid        openrtb.Bid
	Seat       string
	Source     string  // internal or external
	EndpointID string  // empty for internal inventory
	CampaignID string  // empty for external demand
	Floor      float64 // floor the source itself required, on top of the impression floor
}

// EndpointResult is the outcome of one endpoint interaction
type EndpointResult struct {
	EndpointID string
	Status     storage.RTBStatus
	Latency    time.Duration
	Bids       int
	BidPrice   float64 // highest bid returned
	Err        error
}

// Auction is the working data of one auction. It is owned by a single
// RunAuction call; sources running concurrently report results through it.
type Auction struct {
	ID        string
	Request   *openrtb.BidRequest
	Client    Client
	Caller    *registry.Endpoint // inbound endpoint, nil for publisher traffic
	Zone      *storage.Zone
	Targeting targeting.Context
	TMax      time.Duration

	mu      sync.Mutex
	results []*EndpointResult
}

// Floor is the baseline floor of imp: its own bid floor, raised by the
// calling endpoint's floor
func (a *Auction) Floor(imp *openrtb.Imp) float64 {
	floor := imp.BidFloor
	if a.Caller != nil && a.Caller.FloorPrice > floor {
		floor = a.Caller.FloorPrice
	}
	return floor
}

// Imp returns the impression with the given id
func (a *Auction) Imp(id string) (*openrtb.Imp, bool) {
	for i := range a.Request.Imp {
		if a.Request.Imp[i].ID == id {
			return &a.Request.Imp[i], true
		}
	}
	return nil, false
}

// viable reports whether c clears every floor that applies to it. Floors are
// exclusive: a bid equal to the floor does not qualify.
func (a *Auction) viable(c *Candidate) bool {
	imp, ok := a.Imp(c.Bid.ImpID)
	if !ok {
		return false
	}
	floor := a.Floor(imp)
	if c.Floor > floor {
		floor = c.Floor
	}
	return c.Bid.Price > floor
}

func (a *Auction) addResult(r *EndpointResult) {
	a.mu.Lock()
	a.results = append(a.results, r)
	a.mu.Unlock()
}

// Results returns the endpoint interactions recorded so far
func (a *Auction) Results() []*EndpointResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*EndpointResult(nil), a.results...)
}
