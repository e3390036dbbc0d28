// Package storage defines the records the exchange reads and appends, and the
// Store contract the storage layer must satisfy. Schema ownership is external.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/StreetsDigital/thenexusengine/adx/internal/registry"
)

// ErrNotFound is returned when a looked-up record does not exist
var ErrNotFound = errors.New("not found")

// CampaignStatus is the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// BidType is how a campaign is billed
type BidType string

const (
	BidCPM BidType = "cpm"
	BidCPC BidType = "cpc"
	BidCPA BidType = "cpa"
)

// Targeting restricts where a campaign may serve. Empty lists are open.
type Targeting struct {
	Countries   []string `json:"countries,omitempty"`
	DeviceTypes []int    `json:"device_types,omitempty"`
}

// Creative is one ad of a campaign
type Creative struct {
	ID       string `json:"id"`
	Format   string `json:"format"` // banner, video, native, html
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Markup   string `json:"markup"`
	ClickURL string `json:"click_url,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Campaign is an internal demand candidate
type Campaign struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	BidAmount float64        `json:"bid_amount"`
	BidType   BidType        `json:"bid_type"`
	Budget    float64        `json:"budget"`
	Spent     float64        `json:"spent"`
	Targeting Targeting      `json:"targeting"`
	Creatives []Creative     `json:"creatives"`
	Status    CampaignStatus `json:"status"`
}

// BudgetExhausted reports whether a capped campaign has spent its budget
func (c *Campaign) BudgetExhausted() bool {
	return c.Budget > 0 && c.Spent >= c.Budget
}

// Eligible reports whether the campaign may bid at floor
func (c *Campaign) Eligible(floor float64) bool {
	return c.Status == CampaignActive && c.BidAmount >= floor && !c.BudgetExhausted()
}

// CreativeFor picks the first creative matching the requested size. A zero
// size matches any creative.
func (c *Campaign) CreativeFor(w, h int) (*Creative, bool) {
	for i := range c.Creatives {
		cr := &c.Creatives[i]
		if w == 0 || h == 0 || (cr.Width == w && cr.Height == h) {
			return cr, true
		}
	}
	return nil, false
}

// Zone is a publisher placement that ad requests name
type Zone struct {
	ID             string  `json:"id"`
	SiteID         string  `json:"site_id"`
	PublisherID    string  `json:"publisher_id"`
	Domain         string  `json:"domain,omitempty"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Format         string  `json:"format"`
	FloorPrice     float64 `json:"floor_price"`
	FallbackMarkup string  `json:"fallback_markup,omitempty"`
	Sourcing       string  `json:"sourcing,omitempty"` // overrides the deployment strategy when set
}

// FraudEvent records one triggered fraud check
type FraudEvent struct {
	IP         string          `json:"ip"`
	UserAgent  string          `json:"user_agent"`
	Referer    string          `json:"referer"`
	Country    string          `json:"country"`
	FraudType  string          `json:"fraud_type"`
	Confidence float64         `json:"confidence"`
	ZoneID     string          `json:"zone_id"`
	SiteID     string          `json:"site_id"`
	Blocked    bool            `json:"blocked"`
	Context    json.RawMessage `json:"context,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// TrackingEventType names an ad interaction
type TrackingEventType string

const (
	EventImpression TrackingEventType = "impression"
	EventClick      TrackingEventType = "click"
	EventConversion TrackingEventType = "conversion"
)

// Valid reports whether t is a known event type
func (t TrackingEventType) Valid() bool {
	switch t {
	case EventImpression, EventClick, EventConversion:
		return true
	}
	return false
}

// TrackingEvent is an immutable billing ledger row
type TrackingEvent struct {
	ID         string            `json:"id"`
	Type       TrackingEventType `json:"type"`
	ZoneID     string            `json:"zone_id"`
	SiteID     string            `json:"site_id"`
	UserID     string            `json:"user_id"`
	CampaignID string            `json:"campaign_id,omitempty"`
	IP         string            `json:"ip,omitempty"`
	Revenue    float64           `json:"revenue"`
	Cost       float64           `json:"cost"`
	CreatedAt  time.Time         `json:"created_at"`
}

// RTBRequestType is the phase of an endpoint interaction
type RTBRequestType string

const (
	RTBBidRequest  RTBRequestType = "bid_request"
	RTBBidResponse RTBRequestType = "bid_response"
	RTBWinNotice   RTBRequestType = "win_notice"
)

// RTBStatus is the outcome of an endpoint interaction
type RTBStatus string

const (
	RTBSuccess RTBStatus = "success"
	RTBNoBid   RTBStatus = "no_bid"
	RTBTimeout RTBStatus = "timeout"
	RTBError   RTBStatus = "error"
)

// RTBLog is one endpoint interaction. EndpointID is empty for internal inventory.
type RTBLog struct {
	RequestID    string         `json:"request_id"`
	EndpointID   string         `json:"endpoint_id,omitempty"`
	RequestType  RTBRequestType `json:"request_type"`
	Status       RTBStatus      `json:"status"`
	ResponseTime time.Duration  `json:"response_time"`
	BidPrice     float64        `json:"bid_price,omitempty"`
	WinPrice     float64        `json:"win_price,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// BlacklistType selects how a blacklist rule matches
type BlacklistType string

const (
	BlacklistIP        BlacklistType = "ip"
	BlacklistIPRange   BlacklistType = "ip_range"
	BlacklistUserAgent BlacklistType = "user_agent"
	BlacklistReferer   BlacklistType = "referer"
)

// BlacklistRule is an active blacklist entry
type BlacklistRule struct {
	Type   BlacklistType `json:"type"`
	Value  string        `json:"value"`
	Reason string        `json:"reason,omitempty"`
}

// Store is every storage operation the exchange core requires
type Store interface {
	FetchEligibleCampaigns(ctx context.Context, floor float64) ([]Campaign, error)
	FetchActiveEndpoints(ctx context.Context, direction registry.Direction) ([]registry.Endpoint, error)
	FetchBlacklist(ctx context.Context) ([]BlacklistRule, error)
	FetchZone(ctx context.Context, id string) (*Zone, error)
	CountRecentEvents(ctx context.Context, ip string, window time.Duration) (int, error)

	InsertFraudEvent(ctx context.Context, ev FraudEvent) error
	InsertRTBLog(ctx context.Context, entry RTBLog) error
	InsertTrackingEvent(ctx context.Context, ev TrackingEvent) error

	// Batch appends used by the buffered event writer
	InsertRTBLogs(ctx context.Context, entries []RTBLog) error
	InsertTrackingEvents(ctx context.Context, evs []TrackingEvent) error
}
