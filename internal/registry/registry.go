package registry

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/StreetsDigital/thenexusengine/adx/internal/openrtb"
	"github.com/StreetsDigital/thenexusengine/adx/pkg/logger"
)

// Loader fetches endpoint configuration from the storage layer
type Loader interface {
	FetchActiveEndpoints(ctx context.Context, direction Direction) ([]Endpoint, error)
}

type entry struct {
	endpoint *Endpoint
	stats    *Stats
}

// Registry manages endpoint configuration with periodic refresh from a Loader
type Registry struct {
	mu            sync.RWMutex
	entries       map[string]*entry
	loader        Loader
	refreshPeriod time.Duration
	stopChan      chan struct{}
	stopOnce      sync.Once
	onUpdate      func(*Endpoint) // Callback when an endpoint is added or changed
}

// New creates a registry. loader may be nil for statically registered endpoints.
func New(loader Loader, refreshPeriod time.Duration) *Registry {
	if refreshPeriod <= 0 {
		refreshPeriod = time.Minute
	}
	return &Registry{
		entries:       make(map[string]*entry),
		loader:        loader,
		refreshPeriod: refreshPeriod,
		stopChan:      make(chan struct{}),
	}
}

// SetUpdateCallback sets a function called for every endpoint loaded by Refresh
func (r *Registry) SetUpdateCallback(fn func(*Endpoint)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUpdate = fn
}

// Start performs the initial load and begins the background refresh goroutine
func (r *Registry) Start(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		return fmt.Errorf("initial load failed: %w", err)
	}

	go r.refreshLoop(ctx)

	return nil
}

// Stop stops the background refresh
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
}

func (r *Registry) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(r.refreshPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				logger.Log.Warn().Err(err).Msg("Failed to refresh endpoints")
			}
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Refresh reloads both directions from the loader. Endpoints that are no
// longer returned are kept but marked inactive, so historical logs can still
// resolve them.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.loader == nil {
		return nil
	}

	var loaded []Endpoint
	for _, dir := range []Direction{DirectionOutbound, DirectionInbound} {
		eps, err := r.loader.FetchActiveEndpoints(ctx, dir)
		if err != nil {
			return fmt.Errorf("failed to load %s endpoints: %w", dir, err)
		}
		loaded = append(loaded, eps...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(loaded))
	for i := range loaded {
		ep := loaded[i]
		seen[ep.ID] = true
		r.upsertLocked(&ep)
		if r.onUpdate != nil {
			r.onUpdate(&ep)
		}
	}

	for id, e := range r.entries {
		if !seen[id] && e.endpoint.Status != StatusInactive {
			ep := *e.endpoint
			ep.Status = StatusInactive
			e.endpoint = &ep
			log := logger.Endpoint(id)
			log.Info().Msg("endpoint no longer configured, marked inactive")
		}
	}

	return nil
}

// Register adds or replaces an endpoint, keeping its statistics
func (r *Registry) Register(ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertLocked(&ep)
}

func (r *Registry) upsertLocked(ep *Endpoint) {
	if e, ok := r.entries[ep.ID]; ok {
		e.endpoint = ep
		return
	}
	r.entries[ep.ID] = &entry{endpoint: ep, stats: &Stats{}}
}

// Get retrieves an endpoint by id
func (r *Registry) Get(id string) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.endpoint, true
}

// Count returns the number of known endpoints, active or not
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ListEligible returns active endpoints of the given direction that trade
// format, ordered by id. The order is the auction tie-break order.
func (r *Registry) ListEligible(direction Direction, format openrtb.MediaType) []*Endpoint {
	r.mu.RLock()
	result := make([]*Endpoint, 0, len(r.entries))
	for _, e := range r.entries {
		ep := e.endpoint
		if ep.Direction != direction || !ep.IsActive() || !ep.SupportsFormat(format) {
			continue
		}
		result = append(result, ep)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// ByKey resolves an inbound endpoint from the key it presents. Inactive
// endpoints never authenticate.
func (r *Registry) ByKey(key string) (*Endpoint, bool) {
	if key == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *Endpoint
	for _, e := range r.entries {
		ep := e.endpoint
		if ep.Direction != DirectionInbound || ep.Key == "" {
			continue
		}
		// Compare every key so timing does not reveal which prefix matched
		if subtle.ConstantTimeCompare([]byte(ep.Key), []byte(key)) == 1 {
			found = ep
		}
	}
	if found == nil || found.Status == StatusInactive {
		return nil, false
	}
	return found, true
}

// CredentialsFor renders the auth header of an endpoint
func (r *Registry) CredentialsFor(ep *Endpoint) AuthHeader {
	return CredentialsFor(ep)
}

// RecordResult updates the rolling statistics of an endpoint
func (r *Registry) RecordResult(id string, latency time.Duration, ok bool) {
	r.mu.RLock()
	e, found := r.entries[id]
	r.mu.RUnlock()
	if found {
		e.stats.Record(latency, ok)
	}
}

// Stats returns a snapshot of an endpoint's statistics
func (r *Registry) Stats(id string) (StatsSnapshot, bool) {
	r.mu.RLock()
	e, found := r.entries[id]
	r.mu.RUnlock()
	if !found {
		return StatsSnapshot{}, false
	}
	return e.stats.Snapshot(), true
}

// Summary is the status-page view of one endpoint
type Summary struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Direction Direction     `json:"direction"`
	Status    Status        `json:"status"`
	Stats     StatsSnapshot `json:"stats"`
}

// Summaries returns all endpoints with their statistics, ordered by id
func (r *Registry) Summaries() []Summary {
	r.mu.RLock()
	result := make([]Summary, 0, len(r.entries))
	for id, e := range r.entries {
		result = append(result, Summary{
			ID:        id,
			Name:      e.endpoint.Name,
			Direction: e.endpoint.Direction,
			Status:    e.endpoint.Status,
			Stats:     e.stats.Snapshot(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
