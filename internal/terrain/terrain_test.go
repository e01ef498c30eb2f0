package terrain

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"balloon_tracker/internal/metrics"
)

type fixed struct {
	name string
	g    float64
	ok   bool
	hits int
}

func (f *fixed) Name() string { return f.name }

func (f *fixed) GroundElevation(context.Context, float64, float64) (float64, bool) {
	f.hits++
	return f.g, f.ok
}

func TestChain(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	down := &fixed{name: "srtm"}
	up := &fixed{name: "http", g: 120, ok: true}
	c := NewChain(m, down, nil, up)

	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
	g, ok := c.GroundElevation(context.Background(), 1, 2)
	if !ok || g != 120 {
		t.Fatalf("GroundElevation() = %v, %v", g, ok)
	}
	if down.hits != 1 || up.hits != 1 {
		t.Errorf("hits = %d, %d", down.hits, up.hits)
	}
	if got := testutil.ToFloat64(m.TerrainLookups.WithLabelValues("srtm", "miss")); got != 1 {
		t.Errorf("srtm miss = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TerrainLookups.WithLabelValues("http", "hit")); got != 1 {
		t.Errorf("http hit = %v, want 1", got)
	}
}

func TestEmptyChain(t *testing.T) {
	if _, ok := NewChain(nil).GroundElevation(context.Background(), 0, 0); ok {
		t.Error("empty chain answered")
	}
}
