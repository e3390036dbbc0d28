// Package memory is an in-process Store used by tests and single-node demos
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/StreetsDigital/thenexusengine/adx/internal/registry"
	"github.com/StreetsDigital/thenexusengine/adx/internal/storage"
)

// Store keeps configuration in maps and events in append-only slices
type Store struct {
	mu        sync.RWMutex
	campaigns map[string]storage.Campaign
	endpoints map[string]registry.Endpoint
	zones     map[string]storage.Zone
	blacklist []storage.BlacklistRule

	fraudEvents    []storage.FraudEvent
	rtbLogs        []storage.RTBLog
	trackingEvents []storage.TrackingEvent

	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		campaigns: make(map[string]storage.Campaign),
		endpoints: make(map[string]registry.Endpoint),
		zones:     make(map[string]storage.Zone),
		now:       time.Now,
	}
}

// SetClock overrides the time source used for event timestamps and windows
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// PutCampaign adds or replaces a campaign
func (s *Store) PutCampaign(c storage.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = c
}

// PutEndpoint adds or replaces an endpoint
func (s *Store) PutEndpoint(ep registry.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep.ID] = ep
}

// PutZone adds or replaces a zone
func (s *Store) PutZone(z storage.Zone) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zones[z.ID] = z
}

// AddBlacklistRule appends an active blacklist rule
func (s *Store) AddBlacklistRule(rule storage.BlacklistRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blacklist = append(s.blacklist, rule)
}

// FetchEligibleCampaigns returns active, funded campaigns bidding at least
// floor, highest bid first
func (s *Store) FetchEligibleCampaigns(_ context.Context, floor float64) ([]storage.Campaign, error) {
	s.mu.RLock()
	result := make([]storage.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		if c.Eligible(floor) {
			result = append(result, c)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].BidAmount != result[j].BidAmount {
			return result[i].BidAmount > result[j].BidAmount
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// FetchActiveEndpoints returns non-inactive endpoints of one direction
func (s *Store) FetchActiveEndpoints(_ context.Context, direction registry.Direction) ([]registry.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]registry.Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		if ep.Direction == direction && ep.Status != registry.StatusInactive {
			result = append(result, ep)
		}
	}
	return result, nil
}

// FetchBlacklist returns a copy of the blacklist
func (s *Store) FetchBlacklist(_ context.Context) ([]storage.BlacklistRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]storage.BlacklistRule(nil), s.blacklist...), nil
}

// FetchZone looks up a zone by id
func (s *Store) FetchZone(_ context.Context, id string) (*storage.Zone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	z, ok := s.zones[id]
	if !ok {
		return nil, fmt.Errorf("zone %s: %w", id, storage.ErrNotFound)
	}
	return &z, nil
}

// CountRecentEvents counts tracking and fraud events from ip within window
func (s *Store) CountRecentEvents(_ context.Context, ip string, window time.Duration) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	since := s.now().Add(-window)
	count := 0
	for _, ev := range s.trackingEvents {
		if ev.IP == ip && ev.CreatedAt.After(since) {
			count++
		}
	}
	for _, ev := range s.fraudEvents {
		if ev.IP == ip && ev.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

// InsertFraudEvent appends a fraud event
func (s *Store) InsertFraudEvent(_ context.Context, ev storage.FraudEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	s.fraudEvents = append(s.fraudEvents, ev)
	return nil
}

// InsertRTBLog appends an RTB log entry
func (s *Store) InsertRTBLog(ctx context.Context, entry storage.RTBLog) error {
	return s.InsertRTBLogs(ctx, []storage.RTBLog{entry})
}

// InsertRTBLogs appends RTB log entries
func (s *Store) InsertRTBLogs(_ context.Context, entries []storage.RTBLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now()
		}
		s.rtbLogs = append(s.rtbLogs, e)
	}
	return nil
}

// InsertTrackingEvent appends a tracking event. Identical events are kept as
// separate rows.
func (s *Store) InsertTrackingEvent(ctx context.Context, ev storage.TrackingEvent) error {
	return s.InsertTrackingEvents(ctx, []storage.TrackingEvent{ev})
}

// InsertTrackingEvents appends tracking events
func (s *Store) InsertTrackingEvents(_ context.Context, evs []storage.TrackingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range evs {
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = s.now()
		}
		s.trackingEvents = append(s.trackingEvents, ev)
	}
	return nil
}

// FraudEvents returns a copy of the recorded fraud events
func (s *Store) FraudEvents() []storage.FraudEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]storage.FraudEvent(nil), s.fraudEvents...)
}

// RTBLogs returns a copy of the recorded RTB log
func (s *Store) RTBLogs() []storage.RTBLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]storage.RTBLog(nil), s.rtbLogs...)
}

// TrackingEvents returns a copy of the tracking ledger
func (s *Store) TrackingEvents() []storage.TrackingEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]storage.TrackingEvent(nil), s.trackingEvents...)
}

// Revenue sums revenue and cost of events created in [from, to). Events are
// summed in insertion order so the result is stable for a given ledger.
func (s *Store) Revenue(from, to time.Time) (revenue, cost float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ev := range s.trackingEvents {
		if ev.CreatedAt.Before(from) || !ev.CreatedAt.Before(to) {
			continue
		}
		revenue += ev.Revenue
		cost += ev.Cost
	}
	return revenue, cost
}
