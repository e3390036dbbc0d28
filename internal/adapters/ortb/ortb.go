// Package ortb builds OpenRTB requests for configured endpoints and parses
// their responses. One adapter serves every endpoint; behaviour differences
// come from the endpoint configuration, not from code per partner.
package ortb

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/StreetsDigital/thenexusengine/adx/internal/adapters"
	"github.com/StreetsDigital/thenexusengine/adx/internal/openrtb"
	"github.com/StreetsDigital/thenexusengine/adx/internal/registry"
)

// DefaultProtocolVersion is sent when an endpoint declares none
const DefaultProtocolVersion = "2.5"

// Adapter speaks OpenRTB to one endpoint
type Adapter struct {
	endpoint *registry.Endpoint
}

// New creates an adapter for ep
func New(ep *registry.Endpoint) *Adapter {
	return &Adapter{endpoint: ep}
}

// MakeRequest builds the HTTP request carrying req. The request is copied;
// the endpoint floor raises impression floors and the endpoint timeout caps tmax.
func (a *Adapter) MakeRequest(req *openrtb.BidRequest) (*adapters.RequestData, error) {
	out := a.transformRequest(req)

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	method := a.endpoint.Method
	if method == "" {
		method = http.MethodPost
	}

	return &adapters.RequestData{
		Method:  method,
		URI:     a.endpoint.URL,
		Body:    body,
		Headers: a.buildHeaders(),
	}, nil
}

// MakeBids validates the endpoint response and returns its seat bids. A 204
// or an empty seatbid array is a no-bid and returns no seats and no error.
// Bids for unknown impressions or with non-positive prices are dropped.
func (a *Adapter) MakeBids(req *openrtb.BidRequest, resp *adapters.ResponseData) ([]openrtb.SeatBid, error) {
	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("%w: unexpected status %d from %s", openrtb.ErrInvalidResponse, resp.StatusCode, a.endpoint.ID)
	}

	bidResp, err := openrtb.ParseBidResponse(resp.Body, req.ID)
	if err != nil {
		return nil, err
	}

	imps := make(map[string]struct{}, len(req.Imp))
	for _, imp := range req.Imp {
		imps[imp.ID] = struct{}{}
	}

	seats := make([]openrtb.SeatBid, 0, len(bidResp.SeatBid))
	for _, sb := range bidResp.SeatBid {
		kept := sb.Bid[:0:0]
		for _, bid := range sb.Bid {
			if _, ok := imps[bid.ImpID]; !ok || bid.Price <= 0 {
				continue
			}
			kept = append(kept, bid)
		}
		if len(kept) == 0 {
			continue
		}
		if sb.Seat == "" {
			sb.Seat = a.endpoint.ID
		}
		sb.Bid = kept
		seats = append(seats, sb)
	}
	return seats, nil
}

func (a *Adapter) transformRequest(req *openrtb.BidRequest) *openrtb.BidRequest {
	out := req.Clone()

	if a.endpoint.FloorPrice > 0 {
		for i := range out.Imp {
			if out.Imp[i].BidFloor < a.endpoint.FloorPrice {
				out.Imp[i].BidFloor = a.endpoint.FloorPrice
			}
		}
	}

	if ms := a.endpoint.TimeoutMS; ms > 0 && (out.TMax == 0 || out.TMax > ms) {
		out.TMax = ms
	}

	return out
}

func (a *Adapter) buildHeaders() http.Header {
	headers := http.Header{}

	headers.Set("Content-Type", "application/json;charset=utf-8")
	headers.Set("Accept", "application/json")

	version := a.endpoint.ProtocolVersion
	if version == "" {
		version = DefaultProtocolVersion
	}
	headers.Set("X-OpenRTB-Version", version)

	registry.CredentialsFor(a.endpoint).Apply(headers)

	for k, v := range a.endpoint.Headers {
		headers.Set(k, v)
	}

	return headers
}
