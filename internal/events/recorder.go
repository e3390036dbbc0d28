// Package events is the append-only outcome log of the exchange. Entries are
// buffered in memory and written to the store in batches by a background
// worker; recording never blocks an auction.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gofrs/uuid"

	"github.com/StreetsDigital/thenexusengine/adx/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/adx/internal/storage"
	"github.com/StreetsDigital/thenexusengine/adx/pkg/logger"
)

// PublisherShare is the fraction of revenue paid out to the publisher
const PublisherShare = 0.8

// Sink receives flushed batches
type Sink interface {
	InsertRTBLogs(ctx context.Context, entries []storage.RTBLog) error
	InsertTrackingEvents(ctx context.Context, evs []storage.TrackingEvent) error
}

// Config configures the recorder
type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
	Clock         clock.Clock
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		BufferSize:    1000,
		BatchSize:     100,
		FlushInterval: time.Second,
		WriteTimeout:  5 * time.Second,
		Clock:         clock.New(),
	}
}

type item struct {
	log   *storage.RTBLog
	event *storage.TrackingEvent
}

// Recorder buffers outcomes and tracking events for batched writes
type Recorder struct {
	sink    Sink
	config  *Config
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan item
	ticker *clock.Ticker
	wg     sync.WaitGroup

	dropped atomic.Uint64
}

// NewRecorder starts a recorder writing to sink. m may be nil.
func NewRecorder(sink Sink, config *Config, m *metrics.Metrics) *Recorder {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.Clock == nil {
		config.Clock = defaults.Clock
	}

	r := &Recorder{
		sink:    sink,
		config:  config,
		metrics: m,
		queue:   make(chan item, config.BufferSize),
		ticker:  config.Clock.Ticker(config.FlushInterval),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// RecordOutcome appends RTB log entries
func (r *Recorder) RecordOutcome(ctx context.Context, entries ...storage.RTBLog) {
	now := r.config.Clock.Now()
	for i := range entries {
		entry := entries[i]
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		r.enqueue(ctx, item{log: &entry})
	}
}

// RecordTrackingEvent appends a tracking event. The publisher cost is always
// derived from revenue here; any cost set by the caller is overwritten.
func (r *Recorder) RecordTrackingEvent(ctx context.Context, ev storage.TrackingEvent) {
	if ev.ID == "" {
		if id, err := uuid.NewV4(); err == nil {
			ev.ID = id.String()
		}
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.config.Clock.Now()
	}
	ev.Cost = ev.Revenue * PublisherShare
	if r.enqueue(ctx, item{event: &ev}) {
		r.metrics.RecordTrackingEvent(string(ev.Type))
	}
}

// Dropped returns the number of entries lost to a full buffer or a closed recorder
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Close stops accepting entries and writes everything still buffered
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

func (r *Recorder) enqueue(ctx context.Context, it item) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.closed {
		select {
		case r.queue <- it:
			return true
		default:
		}
	}

	r.dropped.Add(1)
	r.metrics.RecordEventDropped()
	log := logger.FromContext(ctx)
	log.Warn().Bool("closed", r.closed).Msg("event buffer full, dropping entry")
	return false
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	defer r.ticker.Stop()

	var b batch
	for {
		select {
		case it, ok := <-r.queue:
			if !ok {
				r.flush(&b)
				return
			}
			b.add(it)
			if b.len() >= r.config.BatchSize {
				r.flush(&b)
			}

		case <-r.ticker.C:
			r.drain(&b)
			r.flush(&b)
		}
	}
}

// drain moves whatever is already queued into b without blocking
func (r *Recorder) drain(b *batch) {
	for b.len() < r.config.BatchSize {
		select {
		case it, ok := <-r.queue:
			if !ok {
				return
			}
			b.add(it)
		default:
			return
		}
	}
}

func (r *Recorder) flush(b *batch) {
	if b.len() == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
	defer cancel()

	log := logger.Storage()
	if len(b.logs) > 0 {
		if err := r.sink.InsertRTBLogs(ctx, b.logs); err != nil {
			log.Error().Err(err).Int("count", len(b.logs)).Msg("failed to write rtb logs")
		}
	}
	if len(b.events) > 0 {
		if err := r.sink.InsertTrackingEvents(ctx, b.events); err != nil {
			log.Error().Err(err).Int("count", len(b.events)).Msg("failed to write tracking events")
		}
	}
	log.Debug().Int("rtb_logs", len(b.logs)).Int("tracking_events", len(b.events)).Msg("flushed events")

	*b = batch{}
}

type batch struct {
	logs   []storage.RTBLog
	events []storage.TrackingEvent
}

func (b *batch) add(it item) {
	if it.log != nil {
		b.logs = append(b.logs, *it.log)
	}
	if it.event != nil {
		b.events = append(b.events, *it.event)
	}
}

func (b *batch) len() int {
	return len(b.logs) + len(b.events)
}
