// Package metrics holds the Prometheus collectors for ingest, terrain and
// the CoT publisher.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ingest outcome labels.
const (
	ResultApplied   = "applied"
	ResultNoise     = "noise"
	ResultDuplicate = "duplicate"
	ResultStale     = "stale"
	ResultError     = "error"
)

// Collector bundles every metric the tracker exports. A nil *Collector is
// valid and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	IngestResults   *prometheus.CounterVec
	DecodeErrors    prometheus.Counter
	EventsSent      *prometheus.CounterVec
	Connects        prometheus.Counter
	TransportErrors prometheus.Counter
	TickDuration    prometheus.Histogram
	TerrainLookups  *prometheus.CounterVec
	LedgerPruned    *prometheus.CounterVec
	ArchiveRows     *prometheus.CounterVec
}

// New registers the collectors on reg, or on the default registry when reg
// is nil. Re-registering on the same registry reuses the existing vectors.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.IngestResults, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_ingest_total",
		Help: "Inbound observations by outcome.",
	}, []string{"result"})); err != nil {
		return nil, err
	}
	if c.DecodeErrors, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_decode_errors_total",
		Help: "Payloads that could not be decoded from their transport encoding.",
	})); err != nil {
		return nil, err
	}
	if c.EventsSent, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cot_events_sent_total",
		Help: "CoT events written to the TAK connection, by marker type.",
	}, []string{"marker"})); err != nil {
		return nil, err
	}
	if c.Connects, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cot_connects_total",
		Help: "Successful TLS connections to the TAK endpoint.",
	})); err != nil {
		return nil, err
	}
	if c.TransportErrors, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cot_transport_errors_total",
		Help: "Dial or write failures on the TAK connection.",
	})); err != nil {
		return nil, err
	}
	if c.TickDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cot_tick_duration_seconds",
		Help:    "Time spent publishing one tick.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})); err != nil {
		return nil, err
	}
	if c.TerrainLookups, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "terrain_lookups_total",
		Help: "Ground elevation lookups by source and result.",
	}, []string{"source", "result"})); err != nil {
		return nil, err
	}
	if c.LedgerPruned, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_ledger_pruned_total",
		Help: "Idempotency ledger rows removed by the janitor.",
	}, []string{"ledger"})); err != nil {
		return nil, err
	}
	if c.ArchiveRows, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_archive_rows_total",
		Help: "Observation history rows written or dropped.",
	}, []string{"result"})); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	g := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		g = c.gatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (c *Collector) Ingest(result string) {
	if c == nil {
		return
	}
	c.IngestResults.WithLabelValues(result).Inc()
}

func (c *Collector) DecodeError() {
	if c == nil {
		return
	}
	c.DecodeErrors.Inc()
}

func (c *Collector) EventSent(marker string) {
	if c == nil {
		return
	}
	c.EventsSent.WithLabelValues(marker).Inc()
}

func (c *Collector) Connected() {
	if c == nil {
		return
	}
	c.Connects.Inc()
}

func (c *Collector) TransportError() {
	if c == nil {
		return
	}
	c.TransportErrors.Inc()
}

func (c *Collector) ObserveTick(seconds float64) {
	if c == nil {
		return
	}
	c.TickDuration.Observe(seconds)
}

func (c *Collector) TerrainLookup(source, result string) {
	if c == nil {
		return
	}
	c.TerrainLookups.WithLabelValues(source, result).Inc()
}

func (c *Collector) Pruned(ledger string, n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.LedgerPruned.WithLabelValues(ledger).Add(float64(n))
}

func (c *Collector) Archived(result string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.ArchiveRows.WithLabelValues(result).Add(float64(n))
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		var zero T
		return zero, err
	}
	return c, nil
}
