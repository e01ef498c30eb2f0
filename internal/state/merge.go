package state

import "balloon_tracker/internal/payload"

// Merge builds the next device row from prior and an incoming observation.
// Sensor fields missing from the observation keep their prior value, and an
// invalid position keeps the prior valid position. The names of carried
// fields are returned and mark the row as questionable. Lifecycle fields
// (status, counters, latch) are copied from prior for the caller to update.
func Merge(prior *DeviceState, obs payload.Observation) (DeviceState, []string) {
	next := DeviceState{
		DeviceID:        obs.DeviceID,
		Lat:             obs.Lat,
		Lon:             obs.Lon,
		AltM:            obs.AltM,
		AltFt:           obs.AltFt,
		TempK:           obs.TempK,
		PressureHPa:     obs.PressureHPa,
		UTCTime:         obs.UTCTime,
		LocalDate:       obs.LocalDate,
		LocalTime:       obs.LocalTime,
		Raw:             obs.Raw,
		LastPositionUTC: obs.LastPositionUTC,
	}
	if prior == nil {
		prior = &DeviceState{}
	} else {
		next.Status = prior.Status
		next.MaxAltM = prior.MaxAltM
		next.MessageCount = prior.MessageCount
		next.FirstSeenUTC = prior.FirstSeenUTC
		next.FlightStarted = prior.FlightStarted
		next.Callsign = prior.Callsign
		next.SRNum = prior.SRNum
		next.BalloonType = prior.BalloonType
	}

	var carried []string
	sticky := []struct {
		name string
		dst  **float64
		src  *float64
	}{
		{"alt_m", &next.AltM, prior.AltM},
		{"alt_ft", &next.AltFt, prior.AltFt},
		{"temp_k", &next.TempK, prior.TempK},
		{"pressure_hpa", &next.PressureHPa, prior.PressureHPa},
	}
	for _, f := range sticky {
		if *f.dst == nil && f.src != nil {
			v := *f.src
			*f.dst = &v
			carried = append(carried, f.name)
		}
	}

	if !payload.ValidLatLon(next.Lat, next.Lon) {
		if payload.ValidLatLon(prior.Lat, prior.Lon) {
			lat, lon := *prior.Lat, *prior.Lon
			next.Lat, next.Lon = &lat, &lon
			carried = append(carried, "lat", "lon")
		} else {
			next.Lat, next.Lon = nil, nil
		}
	}

	next.Questionable = len(carried) > 0
	return next, carried
}
