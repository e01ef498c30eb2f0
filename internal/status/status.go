// Package status derives a balloon's flight lifecycle status from its
// latest position, the terrain beneath it and how long ago it reported.
package status

import (
	"context"
	"math"
	"strings"
	"time"

	"balloon_tracker/internal/clock"
)

// Status is the visual lifecycle state of a device.
type Status string

const (
	Preflight  Status = "PREFLIGHT"
	Airborne   Status = "AIRBORNE"
	Landed     Status = "LANDED"
	Abandoned  Status = "ABANDONED"
	Terminated Status = "TERMINATED"
	Production Status = "PRODUCTION"
)

// Parse normalises a stored status string. Unknown values yield "".
func Parse(s string) Status {
	switch v := Status(strings.ToUpper(strings.TrimSpace(s))); v {
	case Preflight, Airborne, Landed, Abandoned, Terminated, Production:
		return v
	default:
		return ""
	}
}

const (
	// AirborneAGL is the height above ground at which a device counts as flying.
	AirborneAGL = 100.0
	// AbandonAfter is how long a landed device may stay silent before it is
	// considered abandoned.
	AbandonAfter = 24 * time.Hour
)

// Terrain reports ground elevation in metres above sea level. ok is false
// when no elevation is known for the point.
type Terrain interface {
	GroundElevation(ctx context.Context, lat, lon float64) (meters float64, ok bool)
}

// Input is the device state the engine needs.
type Input struct {
	Current         Status
	Lat, Lon        *float64
	AltM            *float64
	LastPositionUTC time.Time // zero means never positioned.
	FlightStarted   bool
}

// Result is the derived status plus the terrain figures used to reach it.
type Result struct {
	Status        Status
	FlightStarted bool
	GroundM       *float64
	AGLM          *float64
}

// Engine evaluates the lifecycle rules.
type Engine struct {
	terrain Terrain
	clock   clock.Clock
}

// NewEngine returns an engine. terrain may be nil, in which case every
// evaluation takes the age and latch path.
func NewEngine(terrain Terrain, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{terrain: terrain, clock: clk}
}

// Derive computes the status for in. It has no side effects; the caller
// persists FlightStarted.
func (e *Engine) Derive(ctx context.Context, in Input) Result {
	res := Result{FlightStarted: in.FlightStarted}
	if in.Current == Terminated || in.Current == Production {
		res.Status = in.Current
		return res
	}

	if e.terrain != nil && in.AltM != nil && in.Lat != nil && in.Lon != nil {
		if g, ok := e.terrain.GroundElevation(ctx, *in.Lat, *in.Lon); ok {
			agl := math.Max(0, *in.AltM-g)
			res.GroundM, res.AGLM = &g, &agl
			if agl >= AirborneAGL {
				res.Status = Airborne
				res.FlightStarted = true
				return res
			}
		}
	}

	switch {
	case !in.FlightStarted:
		res.Status = Preflight
	case e.age(in.LastPositionUTC) >= AbandonAfter:
		res.Status = Abandoned
	default:
		res.Status = Landed
	}
	return res
}

// age treats a missing timestamp as infinitely old.
func (e *Engine) age(t time.Time) time.Duration {
	if t.IsZero() {
		return time.Duration(math.MaxInt64)
	}
	d := e.clock.Now().Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

// Color is the display colour name CoT clients use for a status.
func Color(s Status) string {
	switch s {
	case Airborne:
		return "Cyan"
	case Terminated:
		return "Red"
	case Landed:
		return "Brown"
	case Abandoned:
		return "Black"
	case Production:
		return "Magenta"
	default:
		return "Green"
	}
}

var argb = map[string]int32{
	"Black":   -16777216,
	"Red":     -65536,
	"Green":   -16711936,
	"Cyan":    -16711681,
	"Brown":   -12042869,
	"Yellow":  -256,
	"White":   -1,
	"Blue":    -16776961,
	"Magenta": -65281,
}

// ARGB returns the signed Android colour int for a colour name, white when
// unknown.
func ARGB(color string) int32 {
	if v, ok := argb[color]; ok {
		return v
	}
	return -1
}
