package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/StreetsDigital/thenexusengine/adx/internal/adapters"
	"github.com/StreetsDigital/thenexusengine/adx/internal/adapters/ortb"
	"github.com/StreetsDigital/thenexusengine/adx/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/adx/internal/openrtb"
	"github.com/StreetsDigital/thenexusengine/adx/internal/ratelimit"
	"github.com/StreetsDigital/thenexusengine/adx/internal/registry"
	"github.com/StreetsDigital/thenexusengine/adx/internal/storage"
	"github.com/StreetsDigital/thenexusengine/adx/pkg/logger"
)

// ExternalSource fans a request out to every eligible outbound endpoint
type ExternalSource struct {
	registry       *registry.Registry
	client         adapters.HTTPClient
	limiter        ratelimit.Limiter
	metrics        *metrics.Metrics
	defaultTimeout time.Duration
}

// NewExternalSource creates an external source. limiter and m may be nil.
// defaultTimeout applies to endpoints that declare no timeout.
func NewExternalSource(reg *registry.Registry, client adapters.HTTPClient, limiter ratelimit.Limiter, m *metrics.Metrics, defaultTimeout time.Duration) *ExternalSource {
	return &ExternalSource{
		registry:       reg,
		client:         client,
		limiter:        limiter,
		metrics:        m,
		defaultTimeout: defaultTimeout,
	}
}

// Name implements Source
func (s *ExternalSource) Name() string {
	return string(StrategyExternal)
}

type endpointReply struct {
	index  int
	seats  []openrtb.SeatBid
	result *EndpointResult
}

// Collect implements Source. All calls start together. Collection ends when
// every endpoint has answered or the auction deadline passes, whichever is
// first; endpoints still outstanding at the deadline are cancelled and
// count as timed out. Candidates are returned in endpoint order.
func (s *ExternalSource) Collect(ctx context.Context, a *Auction) []Candidate {
	eligible := s.eligible(ctx, a)
	if len(eligible) == 0 {
		return nil
	}

	var longest time.Duration
	for _, ep := range eligible {
		longest = max(longest, s.timeout(ep))
	}
	deadline := longest
	if a.TMax > 0 {
		deadline = min(a.TMax, longest)
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	replies := make(chan endpointReply, len(eligible))
	for i, ep := range eligible {
		go func(i int, ep *registry.Endpoint) {
			seats, result := s.callEndpoint(ctx, a, ep)
			replies <- endpointReply{index: i, seats: seats, result: result}
		}(i, ep)
	}

	collected := make([]*endpointReply, len(eligible))
	pending := len(eligible)
wait:
	for pending > 0 {
		select {
		case r := <-replies:
			collected[r.index] = &r
			pending--
		case <-ctx.Done():
			break wait
		}
	}
	// Replies that landed together with the deadline still count
drain:
	for pending > 0 {
		select {
		case r := <-replies:
			collected[r.index] = &r
			pending--
		default:
			break drain
		}
	}

	var candidates []Candidate
	for i, ep := range eligible {
		r := collected[i]
		if r == nil {
			s.finish(a, ep, &EndpointResult{
				EndpointID: ep.ID,
				Status:     storage.RTBTimeout,
				Latency:    time.Since(start),
				Err:        fmt.Errorf("%w: %s: auction deadline %v passed", ErrEndpointTimeout, ep.ID, deadline),
			})
			continue
		}
		s.finish(a, ep, r.result)
		for _, sb := range r.seats {
			for _, bid := range sb.Bid {
				candidates = append(candidates, Candidate{
					Bid:        bid,
					Seat:       sb.Seat,
					Source:     string(StrategyExternal),
					EndpointID: ep.ID,
					Floor:      ep.FloorPrice,
				})
			}
		}
	}
	return candidates
}

// eligible lists outbound endpoints that trade the first impression's format
// and size, accept the request's country and are within their own QPS
func (s *ExternalSource) eligible(ctx context.Context, a *Auction) []*registry.Endpoint {
	imp := &a.Request.Imp[0]
	w, h := imp.Size()

	all := s.registry.ListEligible(registry.DirectionOutbound, imp.MediaType())
	eligible := all[:0:0]
	for _, ep := range all {
		if !ep.SupportsSize(w, h) || !ep.AllowsCountry(a.Targeting.Country) {
			continue
		}
		if s.limiter != nil && ep.QPSLimit > 0 && !s.limiter.Allow(ctx, "out:"+ep.ID, ep.QPSLimit, time.Second) {
			s.metrics.RecordRateLimited("endpoint")
			log := logger.Endpoint(ep.ID)
			log.Debug().Str("auction_id", a.ID).Msg("endpoint over qps limit, skipped")
			continue
		}
		eligible = append(eligible, ep)
	}
	return eligible
}

func (s *ExternalSource) timeout(ep *registry.Endpoint) time.Duration {
	if t := ep.Timeout(); t > 0 {
		return t
	}
	return s.defaultTimeout
}

// callEndpoint performs one bid request. It never fails the auction; the
// outcome is described by the returned result.
func (s *ExternalSource) callEndpoint(ctx context.Context, a *Auction, ep *registry.Endpoint) ([]openrtb.SeatBid, *EndpointResult) {
	start := time.Now()
	result := &EndpointResult{EndpointID: ep.ID, Status: storage.RTBError}
	adapter := ortb.New(ep)

	reqData, err := adapter.MakeRequest(a.Request)
	if err != nil {
		result.Err = err
		result.Latency = time.Since(start)
		return nil, result
	}

	resp, err := s.client.Do(ctx, reqData, s.timeout(ep))
	result.Latency = time.Since(start)
	if err != nil {
		if adapters.IsTimeout(err) {
			result.Status = storage.RTBTimeout
			result.Err = fmt.Errorf("%w: %s: %v", ErrEndpointTimeout, ep.ID, err)
		} else {
			result.Err = fmt.Errorf("calling %s: %w", ep.ID, err)
		}
		return nil, result
	}

	seats, err := adapter.MakeBids(a.Request, resp)
	if err != nil {
		result.Err = err
		return nil, result
	}

	result.Status = storage.RTBNoBid
	for _, sb := range seats {
		for _, bid := range sb.Bid {
			result.Bids++
			result.BidPrice = math.Max(result.BidPrice, bid.Price)
			s.metrics.RecordBid(ep.ID, bid.Price)
		}
	}
	if result.Bids > 0 {
		result.Status = storage.RTBSuccess
	}
	return seats, result
}

func (s *ExternalSource) finish(a *Auction, ep *registry.Endpoint, r *EndpointResult) {
	ok := r.Status == storage.RTBSuccess || r.Status == storage.RTBNoBid
	s.registry.RecordResult(ep.ID, r.Latency, ok)
	s.metrics.RecordEndpointRequest(ep.ID, r.Latency, errorType(r), r.Status == storage.RTBTimeout)
	a.addResult(r)

	log := logger.Endpoint(ep.ID)
	if r.Err != nil {
		log.Warn().Err(r.Err).Str("auction_id", a.ID).Str("status", string(r.Status)).Dur("latency", r.Latency).Msg("endpoint contribution discarded")
		return
	}
	log.Debug().Str("auction_id", a.ID).Str("status", string(r.Status)).Int("bids", r.Bids).Dur("latency", r.Latency).Msg("endpoint responded")
}

func errorType(r *EndpointResult) string {
	switch {
	case r.Status != storage.RTBError:
		return ""
	case errors.Is(r.Err, openrtb.ErrInvalidResponse):
		return "invalid_response"
	case errors.Is(r.Err, adapters.ErrResponseTooLarge):
		return "response_too_large"
	}
	return "transport"
}
