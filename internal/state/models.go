package state

import (
	"time"

	"balloon_tracker/internal/status"
)

// DeviceState is the authoritative latest record for one device.
type DeviceState struct {
	DeviceID     string        `json:"device_id"`
	Lat          *float64      `json:"lat"`
	Lon          *float64      `json:"lon"`
	AltM         *float64      `json:"alt_m"`
	AltFt        *float64      `json:"alt_ft"`
	TempK        *float64      `json:"temp_k"`
	PressureHPa  *float64      `json:"pressure_hpa"`
	UTCTime      string        `json:"utc_time"`
	LocalDate    string        `json:"local_date"`
	LocalTime    string        `json:"local_time"`
	Raw          string        `json:"raw"`
	Status       status.Status `json:"status"`
	Questionable bool          `json:"questionable_data"`

	MaxAltM         float64   `json:"max_alt_m"`
	MessageCount    uint64    `json:"message_count"`
	FirstSeenUTC    time.Time `json:"first_seen_utc"`
	LastPositionUTC time.Time `json:"last_position_utc"`
	FlightStarted   bool      `json:"flight_started"`

	Callsign    string `json:"callsign,omitempty"`
	SRNum       *int   `json:"sr_num,omitempty"`
	BalloonType string `json:"balloon_type,omitempty"`
}

// Metadata is operator-assigned device information that telemetry never
// overwrites.
type Metadata struct {
	Callsign    string `json:"callsign,omitempty"`
	SRNum       *int   `json:"sr_num,omitempty" validate:"omitempty,min=0,max=99"`
	BalloonType string `json:"balloon_type,omitempty"`
}

// ListOptions filters List results.
type ListOptions struct {
	// ExcludeStatus drops rows whose status matches any entry.
	ExcludeStatus []status.Status
}

// Outcome explains a Record result.
type Outcome string

const (
	Applied   Outcome = "applied"
	Noise     Outcome = "noise"
	Foreign   Outcome = "foreign"
	Empty     Outcome = "empty"
	Duplicate Outcome = "duplicate"
	Stale     Outcome = "stale"
)

// Result is returned by Store.Record.
type Result struct {
	Applied bool
	Outcome Outcome
	State   *DeviceState // the committed row when Applied.
	Carried []string
}

// PruneResult counts ledger rows removed by one pass.
type PruneResult struct {
	Correlation int64
	DeviceRaw   int64
}

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000Z"

func formatTS(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(tsLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
