// Package terrain answers ground elevation queries for the status engine.
package terrain

import (
	"context"

	"balloon_tracker/internal/metrics"
)

// Source is one elevation backend. ok is false whenever the backend cannot
// answer, whatever the reason.
type Source interface {
	Name() string
	GroundElevation(ctx context.Context, lat, lon float64) (float64, bool)
}

// Chain queries sources in order and returns the first answer.
type Chain struct {
	sources []Source
	metrics *metrics.Collector
}

// NewChain builds a chain over the non-nil sources.
func NewChain(m *metrics.Collector, sources ...Source) *Chain {
	c := &Chain{metrics: m}
	for _, s := range sources {
		if s != nil {
			c.sources = append(c.sources, s)
		}
	}
	return c
}

// Len reports how many sources are configured.
func (c *Chain) Len() int { return len(c.sources) }

func (c *Chain) GroundElevation(ctx context.Context, lat, lon float64) (float64, bool) {
	for _, s := range c.sources {
		if g, ok := s.GroundElevation(ctx, lat, lon); ok {
			c.metrics.TerrainLookup(s.Name(), "hit")
			return g, true
		}
		c.metrics.TerrainLookup(s.Name(), "miss")
	}
	return 0, false
}
