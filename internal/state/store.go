package state

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"balloon_tracker/internal/clock"
	"balloon_tracker/internal/logging"
	"balloon_tracker/internal/payload"
	"balloon_tracker/internal/status"
)

// ErrNoDeviceID rejects observations that cannot be keyed.
var ErrNoDeviceID = errors.New("observation has no device_id")

// Store is the single writer of device state. Writes for one device are
// serialised; different devices proceed in parallel.
type Store struct {
	repo   Repository
	engine *status.Engine
	clock  clock.Clock
	locks  *keyLock
	log    zerolog.Logger

	onStatusChange func(deviceID string, from, to status.Status)
}

// NewStore wires a store over repo. engine derives the status persisted on
// each accepted write.
func NewStore(repo Repository, engine *status.Engine, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	if engine == nil {
		engine = status.NewEngine(nil, clk)
	}
	return &Store{
		repo:   repo,
		engine: engine,
		clock:  clk,
		locks:  newKeyLock(),
		log:    logging.With("store"),
	}
}

// OnStatusChange sets a callback fired after a committed write changes a
// device's status.
func (s *Store) OnStatusChange(fn func(deviceID string, from, to status.Status)) {
	s.onStatusChange = fn
}

// Record applies an observation. Filtered frames, ledger hits and
// out-of-order timestamps are successful no-ops.
func (s *Store) Record(ctx context.Context, obs payload.Observation) (Result, error) {
	switch payload.Classify(obs.Raw) {
	case payload.FrameEmpty:
		return Result{Outcome: Empty}, nil
	case payload.FrameNoise:
		return Result{Outcome: Noise}, nil
	case payload.FrameForeign:
		return Result{Outcome: Foreign}, nil
	}
	if obs.DeviceID == "" {
		return Result{}, ErrNoDeviceID
	}

	now := s.clock.Now()
	if obs.LastPositionUTC.IsZero() {
		obs.LastPositionUTC = now
	}
	obs.LastPositionUTC = obs.LastPositionUTC.UTC().Truncate(time.Microsecond)

	unlock := s.locks.Lock(obs.DeviceID)
	defer unlock()

	seen, err := s.repo.Seen(ctx, obs.CorrelationID, obs.DeviceID, obs.Raw)
	if err != nil {
		return Result{}, err
	}
	if seen {
		s.log.Debug().Str("device_id", obs.DeviceID).Str("correlation_id", obs.CorrelationID).Msg("duplicate payload ignored")
		return Result{Outcome: Duplicate}, nil
	}

	prior, err := s.repo.Get(ctx, obs.DeviceID)
	if err != nil {
		return Result{}, err
	}
	if prior != nil && !prior.LastPositionUTC.IsZero() && !obs.LastPositionUTC.After(prior.LastPositionUTC) {
		s.log.Debug().Str("device_id", obs.DeviceID).
			Time("incoming", obs.LastPositionUTC).Time("stored", prior.LastPositionUTC).
			Msg("stale observation ignored")
		return Result{Outcome: Stale}, nil
	}

	next, carried := Merge(prior, obs)

	derived := s.engine.Derive(ctx, status.Input{
		Current:         next.Status,
		Lat:             next.Lat,
		Lon:             next.Lon,
		AltM:            next.AltM,
		LastPositionUTC: next.LastPositionUTC,
		FlightStarted:   next.FlightStarted,
	})
	from := next.Status
	next.Status = derived.Status
	next.FlightStarted = next.FlightStarted || derived.FlightStarted

	incomingAlt := 0.0
	if obs.AltM != nil {
		incomingAlt = *obs.AltM
	}
	next.MaxAltM = math.Max(next.MaxAltM, incomingAlt)
	next.MessageCount++
	if next.FirstSeenUTC.IsZero() {
		next.FirstSeenUTC = now
	}

	ok, err := s.repo.Commit(ctx, &next, obs.CorrelationID, now)
	if err != nil {
		return Result{}, fmt.Errorf("commit %s: %w", obs.DeviceID, err)
	}
	if !ok {
		return Result{Outcome: Stale}, nil
	}

	ev := s.log.Info().Str("device_id", next.DeviceID).Str("status", string(next.Status)).
		Uint64("message_count", next.MessageCount)
	if next.AltM != nil {
		ev = ev.Float64("alt_m", *next.AltM)
	}
	if len(carried) > 0 {
		ev = ev.Strs("carried", carried)
	}
	ev.Msg("observation recorded")

	if from != next.Status && s.onStatusChange != nil {
		s.onStatusChange(next.DeviceID, from, next.Status)
	}
	return Result{Applied: true, Outcome: Applied, State: &next, Carried: carried}, nil
}

// Get returns a device's latest state, or nil when unknown.
func (s *Store) Get(ctx context.Context, deviceID string) (*DeviceState, error) {
	return s.repo.Get(ctx, deviceID)
}

// List returns every device ordered by device_id.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*DeviceState, error) {
	return s.repo.List(ctx, opts)
}

// SetMetadata stores operator-assigned metadata for a device.
func (s *Store) SetMetadata(ctx context.Context, deviceID string, md Metadata) error {
	if deviceID == "" {
		return ErrNoDeviceID
	}
	unlock := s.locks.Lock(deviceID)
	defer unlock()
	return s.repo.SetMetadata(ctx, deviceID, md)
}

// Terminate marks a device TERMINATED. Later observations keep updating its
// position but never change its status again.
func (s *Store) Terminate(ctx context.Context, deviceID string) error {
	return s.setOperatorStatus(ctx, deviceID, status.Terminated)
}

// MarkProduction marks a device PRODUCTION, an operator-owned status that
// derivation never overrides.
func (s *Store) MarkProduction(ctx context.Context, deviceID string) error {
	return s.setOperatorStatus(ctx, deviceID, status.Production)
}

func (s *Store) setOperatorStatus(ctx context.Context, deviceID string, to status.Status) error {
	unlock := s.locks.Lock(deviceID)
	defer unlock()

	prior, err := s.repo.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	if prior == nil {
		return ErrNotFound
	}
	if err := s.repo.SetStatus(ctx, deviceID, to); err != nil {
		return err
	}
	s.log.Warn().Str("device_id", deviceID).Str("from", string(prior.Status)).Str("to", string(to)).Msg("operator status set")
	if prior.Status != to && s.onStatusChange != nil {
		s.onStatusChange(deviceID, prior.Status, to)
	}
	return nil
}

// RefreshStatuses re-derives every LANDED device, whose status changes with
// silence alone, and persists the result. It returns how many devices
// changed status.
func (s *Store) RefreshStatuses(ctx context.Context) (int, error) {
	devices, err := s.repo.List(ctx, ListOptions{})
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, ds := range devices {
		if ds.Status != status.Landed {
			continue
		}
		ok, err := s.refresh(ctx, ds.DeviceID)
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

func (s *Store) refresh(ctx context.Context, deviceID string) (bool, error) {
	unlock := s.locks.Lock(deviceID)
	defer unlock()

	cur, err := s.repo.Get(ctx, deviceID)
	if err != nil || cur == nil || cur.Status != status.Landed {
		return false, err
	}
	derived := s.engine.Derive(ctx, status.Input{
		Current:         cur.Status,
		Lat:             cur.Lat,
		Lon:             cur.Lon,
		AltM:            cur.AltM,
		LastPositionUTC: cur.LastPositionUTC,
		FlightStarted:   cur.FlightStarted,
	})
	if derived.Status == cur.Status {
		return false, nil
	}
	if err := s.repo.SetStatus(ctx, deviceID, derived.Status); err != nil {
		return false, err
	}
	s.log.Info().Str("device_id", deviceID).Str("from", string(cur.Status)).
		Str("to", string(derived.Status)).Time("last_position_utc", cur.LastPositionUTC).
		Msg("status refreshed")
	if s.onStatusChange != nil {
		s.onStatusChange(deviceID, cur.Status, derived.Status)
	}
	return true, nil
}

// PruneLedger removes ledger entries older than retention and caps each
// ledger at maxRows.
func (s *Store) PruneLedger(ctx context.Context, retention time.Duration, maxRows int) (PruneResult, error) {
	cutoff := time.Time{}
	if retention > 0 {
		cutoff = s.clock.Now().Add(-retention)
	}
	return s.repo.PruneLedger(ctx, cutoff, maxRows)
}

// Stats returns repository row counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	return s.repo.Stats(ctx)
}
