package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"balloon_tracker/internal/clock"
	"balloon_tracker/internal/logging"
	"balloon_tracker/internal/metrics"
	"balloon_tracker/internal/payload"
	"balloon_tracker/internal/state"
)

// BatchInserter persists archive batches.
type BatchInserter interface {
	InsertBatch(ctx context.Context, records []ArchiveRecord) error
}

// ArchiveWriterConfig tunes buffering.
type ArchiveWriterConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

func (c *ArchiveWriterConfig) setDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
}

// ArchiveWriter buffers applied observations and writes them in batches.
// Archive never blocks the ingest path; records are dropped when the buffer
// is full.
type ArchiveWriter struct {
	cfg     ArchiveWriterConfig
	dst     BatchInserter
	ch      chan ArchiveRecord
	clock   clock.Clock
	metrics *metrics.Collector
	log     zerolog.Logger
}

// NewArchiveWriter builds a writer flushing to dst.
func NewArchiveWriter(cfg ArchiveWriterConfig, dst BatchInserter, clk clock.Clock, m *metrics.Collector) *ArchiveWriter {
	cfg.setDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	return &ArchiveWriter{
		cfg:     cfg,
		dst:     dst,
		ch:      make(chan ArchiveRecord, cfg.BufferSize),
		clock:   clk,
		metrics: m,
		log:     logging.With("archive"),
	}
}

// Archive queues an applied observation.
func (w *ArchiveWriter) Archive(obs payload.Observation, res state.Result) {
	rec := ArchiveRecord{
		ID:            uuid.New(),
		DeviceID:      obs.DeviceID,
		ObservedAt:    obs.LastPositionUTC.UTC(),
		Lat:           obs.Lat,
		Lon:           obs.Lon,
		AltM:          obs.AltM,
		TempK:         obs.TempK,
		PressureHPa:   obs.PressureHPa,
		Raw:           obs.Raw,
		CorrelationID: obs.CorrelationID,
		ReceivedAt:    w.clock.Now().UTC(),
	}
	if res.State != nil {
		rec.Status = string(res.State.Status)
		rec.Questionable = res.State.Questionable
		rec.ObservedAt = res.State.LastPositionUTC
	}
	select {
	case w.ch <- rec:
	default:
		w.metrics.Archived("dropped", 1)
		w.log.Warn().Str("device_id", obs.DeviceID).Msg("archive buffer full, dropping observation")
	}
}

// Pending returns the number of queued records.
func (w *ArchiveWriter) Pending() int {
	return len(w.ch)
}

// Serve drains the buffer until ctx is cancelled, then flushes what remains.
func (w *ArchiveWriter) Serve(ctx context.Context) error {
	batch := make([]ArchiveRecord, 0, w.cfg.BatchSize)
	tick := w.clock.After(w.cfg.FlushInterval)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case rec := <-w.ch:
					batch = append(batch, rec)
				default:
					w.flush(context.WithoutCancel(ctx), batch)
					return ctx.Err()
				}
			}
		case rec := <-w.ch:
			batch = append(batch, rec)
			if len(batch) >= w.cfg.BatchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-tick:
			w.flush(ctx, batch)
			batch = batch[:0]
			tick = w.clock.After(w.cfg.FlushInterval)
		}
	}
}

func (w *ArchiveWriter) flush(ctx context.Context, batch []ArchiveRecord) {
	if len(batch) == 0 {
		return
	}
	if err := w.dst.InsertBatch(ctx, batch); err != nil {
		w.metrics.Archived("error", len(batch))
		w.log.Error().Err(err).Int("rows", len(batch)).Msg("archive flush failed")
		return
	}
	w.metrics.Archived("written", len(batch))
	w.log.Debug().Int("rows", len(batch)).Msg("archive flushed")
}

func (w *ArchiveWriter) String() string { return "archive-writer" }
