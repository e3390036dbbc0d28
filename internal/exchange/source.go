package exchange

import (
	"context"
	"fmt"
	"strings"
)

// Strategy selects where demand comes from
type Strategy string

const (
	StrategyInternal Strategy = "internal"
	StrategyExternal Strategy = "external"
	StrategyHybrid   Strategy = "hybrid"
)

// ParseStrategy parses a strategy name. The empty string is accepted and
// means the deployment default.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case "", StrategyInternal, StrategyExternal, StrategyHybrid:
		return st, nil
	}
	return "", fmt.Errorf("unknown sourcing strategy %q", s)
}

// Source produces the candidates of an auction
type Source interface {
	Name() string
	Collect(ctx context.Context, a *Auction) []Candidate
}

// CompositeSource asks its sources in order and stops at the first one that
// produces a candidate able to win
type CompositeSource struct {
	sources []Source
}

// NewCompositeSource chains sources
func NewCompositeSource(sources ...Source) *CompositeSource {
	return &CompositeSource{sources: sources}
}

// Name implements Source
func (c *CompositeSource) Name() string {
	return string(StrategyHybrid)
}

// Collect implements Source
func (c *CompositeSource) Collect(ctx context.Context, a *Auction) []Candidate {
	for _, s := range c.sources {
		candidates := s.Collect(ctx, a)
		for i := range candidates {
			if a.viable(&candidates[i]) {
				return candidates
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}
