package exchange

import (
	"time"

	"github.com/StreetsDigital/thenexusengine/adx/internal/openrtb"
	"github.com/StreetsDigital/thenexusengine/adx/internal/storage"
)

// RequestFromZone builds the bid request for an ad request against zone
func RequestFromZone(zone *storage.Zone, client Client, tmax time.Duration, currency string) *openrtb.BidRequest {
	imp := openrtb.Imp{
		ID:       "1",
		TagID:    zone.ID,
		BidFloor: zone.FloorPrice,
	}
	if currency != "" {
		imp.BidFloorCur = currency
	}

	switch openrtb.MediaType(zone.Format) {
	case openrtb.MediaTypeVideo:
		imp.Video = &openrtb.Video{Mimes: []string{"video/mp4"}, W: zone.Width, H: zone.Height}
	case openrtb.MediaTypeNative:
		imp.Native = &openrtb.Native{Request: `{"ver":"1.2","assets":[]}`, Ver: "1.2"}
	default:
		imp.Banner = &openrtb.Banner{W: zone.Width, H: zone.Height}
		if zone.Width > 0 && zone.Height > 0 {
			imp.Banner.Format = []openrtb.Format{{W: zone.Width, H: zone.Height}}
		}
	}

	req := &openrtb.BidRequest{
		ID:  newID(),
		Imp: []openrtb.Imp{imp},
		Site: &openrtb.Site{
			ID:        zone.SiteID,
			Domain:    zone.Domain,
			Page:      client.Referer,
			Publisher: &openrtb.Publisher{ID: zone.PublisherID},
		},
		Device: &openrtb.Device{
			UA: client.UserAgent,
			IP: client.IP,
		},
		AT:   1,
		TMax: int(tmax / time.Millisecond),
	}
	if currency != "" {
		req.Cur = []string{currency}
	}
	return req
}
