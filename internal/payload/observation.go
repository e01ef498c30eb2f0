// Package payload decodes the fixed 25-byte balloon telemetry frame.
package payload

import "time"

// Observation is one decoded inbound message. Optional numeric fields are
// nil when the frame was short or the value was out of range.
type Observation struct {
	DeviceID      string   `json:"device_id"`
	Burn          *uint8   `json:"burn,omitempty"`
	Lat           *float64 `json:"lat,omitempty"`
	Lon           *float64 `json:"lon,omitempty"`
	AltM          *float64 `json:"alt_m,omitempty"`
	AltFt         *float64 `json:"alt_ft,omitempty"`
	TempK         *float64 `json:"temp_k,omitempty"`
	TempC         *float64 `json:"temp_c,omitempty"`
	PressureHPa   *float64 `json:"pressure_hpa,omitempty"`
	UTCTime       string   `json:"utc_time,omitempty"`
	LocalDate     string   `json:"local_date,omitempty"`
	LocalTime     string   `json:"local_time,omitempty"`
	Raw           string   `json:"raw"`
	CorrelationID string   `json:"correlation_id,omitempty"`

	LastPositionUTC time.Time `json:"last_position_utc"`
}

// HasPosition reports whether both coordinates are present and in range.
func (o *Observation) HasPosition() bool {
	return ValidLatLon(o.Lat, o.Lon)
}

// ValidLatLon reports whether lat and lon are present and within bounds.
func ValidLatLon(lat, lon *float64) bool {
	if lat == nil || lon == nil {
		return false
	}
	return *lat >= -90 && *lat <= 90 && *lon >= -180 && *lon <= 180
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
