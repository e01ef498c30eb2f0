package state

import (
	"context"
	"errors"
	"time"

	"balloon_tracker/internal/status"
)

// ErrNotFound is returned by mutations addressed to an unknown device.
var ErrNotFound = errors.New("device not found")

// Repository is the persistence behind a Store. Implementations must make
// Commit atomic and must refuse to move last_position_utc backwards.
type Repository interface {
	Get(ctx context.Context, deviceID string) (*DeviceState, error)
	List(ctx context.Context, opts ListOptions) ([]*DeviceState, error)
	Seen(ctx context.Context, correlationID, deviceID, raw string) (bool, error)
	Commit(ctx context.Context, ds *DeviceState, correlationID string, at time.Time) (bool, error)
	SetMetadata(ctx context.Context, deviceID string, md Metadata) error
	SetStatus(ctx context.Context, deviceID string, s status.Status) error
	PruneLedger(ctx context.Context, cutoff time.Time, maxRows int) (PruneResult, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Stats counts stored rows.
type Stats struct {
	Devices           int64 `json:"devices"`
	CorrelationLedger int64 `json:"correlation_ledger"`
	DeviceLedger      int64 `json:"device_ledger"`
}
