package openrtb

import "encoding/json"

// BidResponse represents an OpenRTB 2.5 bid response
type BidResponse struct {
	ID         string          `json:"id"`
	SeatBid    []SeatBid       `json:"seatbid"`
	BidID      string          `json:"bidid,omitempty"`
	Cur        string          `json:"cur,omitempty"`
	CustomData string          `json:"customdata,omitempty"`
	NBR        *NoBidReason    `json:"nbr,omitempty"` // No-bid reason code
	Ext        json.RawMessage `json:"ext,omitempty"`
}

// SeatBid represents a seat bid
type SeatBid struct {
	Bid   []Bid           `json:"bid"`
	Seat  string          `json:"seat,omitempty"`
	Group int             `json:"group,omitempty"`
	Ext   json.RawMessage `json:"ext,omitempty"`
}

// Bid represents a bid
type Bid struct {
	ID      string          `json:"id"`
	ImpID   string          `json:"impid"`
	Price   float64         `json:"price"`
	NURL    string          `json:"nurl,omitempty"`
	BURL    string          `json:"burl,omitempty"`
	LURL    string          `json:"lurl,omitempty"`
	AdM     string          `json:"adm,omitempty"`
	AdID    string          `json:"adid,omitempty"`
	ADomain []string        `json:"adomain,omitempty"`
	IURL    string          `json:"iurl,omitempty"`
	CID     string          `json:"cid,omitempty"`
	CRID    string          `json:"crid,omitempty"`
	Cat     []string        `json:"cat,omitempty"`
	DealID  string          `json:"dealid,omitempty"`
	W       int             `json:"w,omitempty"`
	H       int             `json:"h,omitempty"`
	Exp     int             `json:"exp,omitempty"`
	Ext     json.RawMessage `json:"ext,omitempty"`
}

// NoBidReason represents no-bid reason codes (NBR)
type NoBidReason int

const (
	NoBidUnknown           NoBidReason = 0
	NoBidTechnicalError    NoBidReason = 1
	NoBidInvalidRequest    NoBidReason = 2
	NoBidKnownWebSpider    NoBidReason = 3
	NoBidSuspectedNonHuman NoBidReason = 4
	NoBidCloudDataCenter   NoBidReason = 5
	NoBidUnsupportedDevice NoBidReason = 6
	NoBidBlockedPublisher  NoBidReason = 7
	NoBidUnmatchedUser     NoBidReason = 8
	NoBidDailyReaderCapMet NoBidReason = 9
	NoBidDailyDomainCapMet NoBidReason = 10
)

// Ptr returns a pointer to the reason, for use in BidResponse.NBR
func (r NoBidReason) Ptr() *NoBidReason {
	return &r
}

// HasBids reports whether the response carries at least one bid
func (r *BidResponse) HasBids() bool {
	for _, sb := range r.SeatBid {
		if len(sb.Bid) > 0 {
			return true
		}
	}
	return false
}

// BidResponseExt carries exchange-specific response extensions
type BidResponseExt struct {
	ResponseTimeMillis map[string]int                `json:"responsetimemillis,omitempty"`
	Errors             map[string][]ExtBidderMessage `json:"errors,omitempty"`
	TMaxRequest        int                           `json:"tmaxrequest,omitempty"`
}

// ExtBidderMessage represents an endpoint message
type ExtBidderMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
