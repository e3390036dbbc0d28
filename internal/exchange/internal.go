package exchange

import (
	"context"
	"fmt"
	"html"
	"math"
	"time"

	"github.com/gofrs/uuid"

	"github.com/StreetsDigital/thenexusengine/adx/internal/openrtb"
	"github.com/StreetsDigital/thenexusengine/adx/internal/storage"
	"github.com/StreetsDigital/thenexusengine/adx/internal/targeting"
	"github.com/StreetsDigital/thenexusengine/adx/pkg/logger"
)

// DefaultFloorMultiplier caps internal prices at this multiple of the floor
const DefaultFloorMultiplier = 1.5

// CampaignFetcher provides campaigns able to bid at a floor, highest bid first
type CampaignFetcher interface {
	FetchEligibleCampaigns(ctx context.Context, floor float64) ([]storage.Campaign, error)
}

// InternalSource serves from the exchange's own campaign inventory
type InternalSource struct {
	campaigns  CampaignFetcher
	multiplier float64
}

// NewInternalSource creates an internal source. A multiplier <= 0 uses
// DefaultFloorMultiplier.
func NewInternalSource(campaigns CampaignFetcher, multiplier float64) *InternalSource {
	if multiplier <= 0 {
		multiplier = DefaultFloorMultiplier
	}
	return &InternalSource{campaigns: campaigns, multiplier: multiplier}
}

// Name implements Source
func (s *InternalSource) Name() string {
	return string(StrategyInternal)
}

// InternalPrice is the price an internal campaign offers at floor: its bid,
// capped at floor*multiplier, to four decimals. Without a floor the bid
// itself is offered.
func InternalPrice(bid, floor, multiplier float64) float64 {
	price := bid
	if floor > 0 {
		price = math.Min(bid, floor*multiplier)
	}
	return math.Round(price*1e4) / 1e4
}

// Collect implements Source. For every impression the first campaign, in
// descending bid order, that is active, funded, at or above the floor,
// targeted at the request and has a fitting creative is offered.
func (s *InternalSource) Collect(ctx context.Context, a *Auction) []Candidate {
	if s.campaigns == nil {
		return nil
	}
	start := time.Now()
	result := &EndpointResult{Status: storage.RTBNoBid}
	defer func() {
		result.Latency = time.Since(start)
		a.addResult(result)
	}()

	minFloor := math.MaxFloat64
	for i := range a.Request.Imp {
		minFloor = math.Min(minFloor, a.Floor(&a.Request.Imp[i]))
	}

	campaigns, err := s.campaigns.FetchEligibleCampaigns(ctx, minFloor)
	if err != nil {
		result.Status = storage.RTBError
		result.Err = fmt.Errorf("fetching campaigns: %w", err)
		log := logger.Auction(a.ID)
		log.Error().Err(err).Msg("internal inventory unavailable")
		return nil
	}

	var candidates []Candidate
	for i := range a.Request.Imp {
		imp := &a.Request.Imp[i]
		floor := a.Floor(imp)
		w, h := imp.Size()

		for j := range campaigns {
			c := &campaigns[j]
			if !c.Eligible(floor) || !targeting.Matches(c, a.Targeting) {
				continue
			}
			cr, ok := c.CreativeFor(w, h)
			if !ok {
				continue
			}
			candidates = append(candidates, s.candidate(imp, c, cr, floor))
			break
		}
	}

	for _, c := range candidates {
		result.Bids++
		result.BidPrice = math.Max(result.BidPrice, c.Bid.Price)
	}
	if result.Bids > 0 {
		result.Status = storage.RTBSuccess
	}
	return candidates
}

func (s *InternalSource) candidate(imp *openrtb.Imp, c *storage.Campaign, cr *storage.Creative, floor float64) Candidate {
	bidID := c.ID + "-" + imp.ID
	if id, err := uuid.NewV4(); err == nil {
		bidID = id.String()
	}

	w, h := cr.Width, cr.Height
	if w == 0 || h == 0 {
		w, h = imp.Size()
	}

	return Candidate{
		Bid: openrtb.Bid{
			ID:    bidID,
			ImpID: imp.ID,
			Price: InternalPrice(c.BidAmount, floor, s.multiplier),
			AdM:   creativeMarkup(cr, w, h),
			CID:   c.ID,
			CRID:  cr.ID,
			W:     w,
			H:     h,
		},
		Source:     string(StrategyInternal),
		CampaignID: c.ID,
	}
}

// creativeMarkup returns the creative's own markup, or a minimal linked
// image when it only carries an image
func creativeMarkup(cr *storage.Creative, w, h int) string {
	if cr.Markup != "" || cr.ImageURL == "" {
		return cr.Markup
	}
	img := fmt.Sprintf(`<img src="%s" width="%d" height="%d" alt="" style="border:0">`,
		html.EscapeString(cr.ImageURL), w, h)
	if cr.ClickURL == "" {
		return img
	}
	return fmt.Sprintf(`<a href="%s" target="_blank" rel="noopener">%s</a>`, html.EscapeString(cr.ClickURL), img)
}
