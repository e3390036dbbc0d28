// Package fraud scores traffic samples against independent rule checks.
package fraud

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/StreetsDigital/thenexusengine/adx/internal/storage"
	"github.com/StreetsDigital/thenexusengine/adx/pkg/logger"
)

// DefaultThreshold is the confidence at which a sample is judged fraudulent
const DefaultThreshold = 0.7

// History answers how many requests an IP made recently
type History interface {
	CountRecentEvents(ctx context.Context, ip string, window time.Duration) (int, error)
}

// Observer is implemented by histories that must be told about every request
type Observer interface {
	Observe(ctx context.Context, ip string) error
}

// BlacklistSource provides the active blacklist rules
type BlacklistSource interface {
	FetchBlacklist(ctx context.Context) ([]storage.BlacklistRule, error)
}

// EventSink persists fraud events
type EventSink interface {
	InsertFraudEvent(ctx context.Context, ev storage.FraudEvent) error
}

// Sample is the traffic being scored
type Sample struct {
	IP        string      `json:"ip"`
	UserAgent string      `json:"user_agent"`
	Referer   string      `json:"referer,omitempty"`
	Country   string      `json:"country,omitempty"`
	ZoneID    string      `json:"zone_id,omitempty"`
	SiteID    string      `json:"site_id,omitempty"`
	Headers   http.Header `json:"headers,omitempty"`
}

// Result is the aggregate verdict. Confidence is the maximum of the triggered
// checks, not their sum.
type Result struct {
	IsFraud    bool
	Confidence float64
	Reasons    []string
	Types      []string
}

// Config holds scorer configuration
type Config struct {
	Threshold     float64       // Verdict threshold (default 0.7)
	BlacklistTTL  time.Duration // How long fetched blacklist rules are reused
	MinuteLimit   int           // Requests per IP per minute before the suspicious check fires
	HourLimit     int           // Requests per IP per hour before the frequency check fires
	IgnoreHeaders []string      // Proxy headers added by trusted infrastructure
}

// DefaultConfig returns the default scorer configuration
func DefaultConfig() Config {
	return Config{
		Threshold:    DefaultThreshold,
		BlacklistTTL: time.Minute,
		MinuteLimit:  100,
		HourLimit:    1000,
	}
}

// Scorer runs the fraud checks. It is safe for concurrent use.
type Scorer struct {
	cfg       Config
	history   History
	blacklist *blacklistCache
	sink      EventSink
	ignored   map[string]bool
	now       func() time.Time
}

// NewScorer creates a scorer. Any collaborator may be nil, which disables
// the checks that depend on it.
func NewScorer(cfg Config, history History, blacklist BlacklistSource, sink EventSink) *Scorer {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.BlacklistTTL <= 0 {
		cfg.BlacklistTTL = def.BlacklistTTL
	}
	if cfg.MinuteLimit <= 0 {
		cfg.MinuteLimit = def.MinuteLimit
	}
	if cfg.HourLimit <= 0 {
		cfg.HourLimit = def.HourLimit
	}

	ignored := make(map[string]bool, len(cfg.IgnoreHeaders))
	for _, h := range cfg.IgnoreHeaders {
		ignored[http.CanonicalHeaderKey(h)] = true
	}

	return &Scorer{
		cfg:       cfg,
		history:   history,
		blacklist: &blacklistCache{source: blacklist, ttl: cfg.BlacklistTTL, now: time.Now},
		sink:      sink,
		ignored:   ignored,
		now:       time.Now,
	}
}

// Threshold returns the verdict threshold in use
func (s *Scorer) Threshold() float64 {
	return s.cfg.Threshold
}

// ReloadBlacklist forces the next Score to refetch blacklist rules
func (s *Scorer) ReloadBlacklist() {
	s.blacklist.invalidate()
}

// Score evaluates the sample. When the verdict is fraud, one FraudEvent per
// triggered check is written to the sink.
func (s *Scorer) Score(ctx context.Context, sample Sample) Result {
	if obs, ok := s.history.(Observer); ok && sample.IP != "" {
		if err := obs.Observe(ctx, sample.IP); err != nil {
			log := logger.Fraud()
			log.Warn().Err(err).Str("ip", sample.IP).Msg("failed to record request history")
		}
	}

	checks := []CheckResult{
		s.checkBlacklist(ctx, sample),
		checkBot(sample),
		s.checkProxy(sample),
		s.checkSuspicious(ctx, sample),
		s.checkFrequency(ctx, sample),
	}

	var (
		result    Result
		triggered []CheckResult
	)
	for _, c := range checks {
		if !c.IsFraud {
			continue
		}
		triggered = append(triggered, c)
		result.Reasons = append(result.Reasons, c.Reason)
		result.Types = append(result.Types, c.Type)
		if c.Confidence > result.Confidence {
			result.Confidence = c.Confidence
		}
	}
	result.IsFraud = result.Confidence >= s.cfg.Threshold

	if result.IsFraud {
		log := logger.Fraud()
		log.Info().
			Str("ip", sample.IP).
			Float64("confidence", result.Confidence).
			Strs("types", result.Types).
			Msg("fraud detected")
		s.record(ctx, sample, triggered)
	}

	return result
}

func (s *Scorer) record(ctx context.Context, sample Sample, triggered []CheckResult) {
	if s.sink == nil {
		return
	}

	snapshot, err := json.Marshal(sample)
	if err != nil {
		snapshot = nil
	}
	now := s.now()

	for _, c := range triggered {
		ev := storage.FraudEvent{
			IP:         sample.IP,
			UserAgent:  sample.UserAgent,
			Referer:    sample.Referer,
			Country:    sample.Country,
			FraudType:  c.Type,
			Confidence: c.Confidence,
			ZoneID:     sample.ZoneID,
			SiteID:     sample.SiteID,
			Blocked:    true,
			Context:    snapshot,
			CreatedAt:  now,
		}
		if err := s.sink.InsertFraudEvent(ctx, ev); err != nil {
			log := logger.Fraud()
			log.Error().Err(err).Str("type", c.Type).Msg("failed to record fraud event")
		}
	}
}
