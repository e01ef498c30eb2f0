package payload

import (
	"math"
	"sync"
	"time"

	"github.com/ringsaturn/tzf"
)

// ZoneFinder maps a coordinate to an IANA zone name, or "" when unknown.
type ZoneFinder interface {
	TimezoneName(lat, lon float64) string
}

// TZFinder resolves zones from the polygon data embedded in tzf.
type TZFinder struct {
	finder tzf.F

	mu    sync.Mutex
	zones map[string]*time.Location
}

// NewTZFinder loads the default tzf dataset.
func NewTZFinder() (*TZFinder, error) {
	f, err := tzf.NewDefaultFinder()
	if err != nil {
		return nil, err
	}
	return &TZFinder{finder: f, zones: make(map[string]*time.Location)}, nil
}

func (t *TZFinder) TimezoneName(lat, lon float64) string {
	return t.finder.GetTimezoneName(lon, lat)
}

func (t *TZFinder) location(name string) *time.Location {
	t.mu.Lock()
	defer t.mu.Unlock()
	if loc, ok := t.zones[name]; ok {
		return loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		loc = nil
	}
	t.zones[name] = loc
	return loc
}

type locationCache interface {
	location(name string) *time.Location
}

// localize converts utc to the device's local time: named zone first, then
// a whole-hour offset from the longitude band, then UTC.
func (d *Decoder) localize(utc time.Time, lat, lon *float64) time.Time {
	if d.zones != nil && lat != nil && lon != nil {
		if name := d.zones.TimezoneName(*lat, *lon); name != "" {
			var loc *time.Location
			if c, ok := d.zones.(locationCache); ok {
				loc = c.location(name)
			} else if l, err := time.LoadLocation(name); err == nil {
				loc = l
			}
			if loc != nil {
				return utc.In(loc)
			}
		}
	}
	if lon != nil {
		return utc.In(time.FixedZone("", LongitudeOffsetHours(*lon)*3600))
	}
	return utc
}

// LongitudeOffsetHours approximates a UTC offset as round(lon/15), falling
// back to 0 outside the real-world range of -12..+14.
func LongitudeOffsetHours(lon float64) int {
	h := int(math.RoundToEven(lon / 15))
	if h < -12 || h > 14 {
		return 0
	}
	return h
}
