package state

import (
	"reflect"
	"testing"

	"balloon_tracker/internal/payload"
	"balloon_tracker/internal/status"
)

func f64(v float64) *float64 { return &v }

func TestMerge(t *testing.T) {
	prior := &DeviceState{
		DeviceID:      "dev-1",
		Lat:           f64(45),
		Lon:           f64(-93),
		AltM:          f64(1000),
		AltFt:         f64(3280.84),
		TempK:         f64(250),
		PressureHPa:   f64(900),
		Status:        status.Airborne,
		MaxAltM:       2000,
		MessageCount:  4,
		FlightStarted: true,
		Callsign:      "HAWK",
	}

	tests := []struct {
		name        string
		prior       *DeviceState
		obs         payload.Observation
		wantCarried []string
		wantLat     *float64
	}{
		{
			name:    "complete observation carries nothing",
			prior:   prior,
			obs:     payload.Observation{DeviceID: "dev-1", Lat: f64(46), Lon: f64(-94), AltM: f64(1), AltFt: f64(3.28), TempK: f64(1), PressureHPa: f64(1)},
			wantLat: f64(46),
		},
		{
			name:        "short frame carries sensors and position",
			prior:       prior,
			obs:         payload.Observation{DeviceID: "dev-1", Raw: "02"},
			wantCarried: []string{"alt_m", "alt_ft", "temp_k", "pressure_hpa", "lat", "lon"},
			wantLat:     f64(45),
		},
		{
			name:        "half a position is replaced",
			prior:       prior,
			obs:         payload.Observation{DeviceID: "dev-1", Lat: f64(10), AltM: f64(1), AltFt: f64(1), TempK: f64(1), PressureHPa: f64(1)},
			wantCarried: []string{"lat", "lon"},
			wantLat:     f64(45),
		},
		{
			name:    "no prior leaves gaps",
			prior:   nil,
			obs:     payload.Observation{DeviceID: "dev-1", Lon: f64(10)},
			wantLat: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, carried := Merge(tt.prior, tt.obs)
			if !reflect.DeepEqual(carried, tt.wantCarried) {
				t.Errorf("carried = %v, want %v", carried, tt.wantCarried)
			}
			if got.Questionable != (len(tt.wantCarried) > 0) {
				t.Errorf("questionable = %v", got.Questionable)
			}
			switch {
			case tt.wantLat == nil && got.Lat != nil:
				t.Errorf("lat = %v, want nil", *got.Lat)
			case tt.wantLat != nil && (got.Lat == nil || *got.Lat != *tt.wantLat):
				t.Errorf("lat = %v, want %v", got.Lat, *tt.wantLat)
			}
			if tt.wantLat == nil && got.Lon != nil {
				t.Errorf("lon = %v, want nil when position incomplete", *got.Lon)
			}
			if tt.prior != nil {
				if got.MessageCount != tt.prior.MessageCount || got.Callsign != tt.prior.Callsign || !got.FlightStarted {
					t.Errorf("lifecycle fields not copied: %+v", got)
				}
			}
		})
	}
}

func TestMergeDoesNotAliasPrior(t *testing.T) {
	prior := &DeviceState{AltM: f64(1000), Lat: f64(1), Lon: f64(2)}
	got, _ := Merge(prior, payload.Observation{})
	*got.AltM = 5
	*got.Lat = 5
	if *prior.AltM != 1000 || *prior.Lat != 1 {
		t.Error("Merge result shares pointers with prior")
	}
}
