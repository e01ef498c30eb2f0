package payload

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// FrameSize is the only supported payload layout length.
const FrameSize = 25

// DefaultAltitudeOffsetM is subtracted from raw/100 so that flight software
// can encode altitudes below sea level as an unsigned value.
const DefaultAltitudeOffsetM = 200.0

const feetPerMeter = 3.28084

var (
	ErrEmptyPayload  = errors.New("payload is empty")
	ErrInvalidHex    = errors.New("invalid hex payload")
	ErrInvalidBase64 = errors.New("invalid base64 payload")
)

// Decoder turns raw frames into observations.
type Decoder struct {
	altOffset float64
	zones     ZoneFinder
	now       func() time.Time
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithAltitudeOffset sets the value subtracted from raw/100 metres. Zero
// selects the plain raw/100 formula.
func WithAltitudeOffset(m float64) Option {
	return func(d *Decoder) { d.altOffset = m }
}

// WithZoneFinder enables named-timezone local time resolution.
func WithZoneFinder(z ZoneFinder) Option {
	return func(d *Decoder) { d.zones = z }
}

// WithNow sets the clock used to anchor the frame's time of day to a date.
func WithNow(now func() time.Time) Option {
	return func(d *Decoder) { d.now = now }
}

// NewDecoder returns a decoder using the offset altitude formula and the
// longitude-band local time fallback.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		altOffset: DefaultAltitudeOffsetM,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode reads a frame. Input beyond FrameSize bytes is ignored; shorter
// input yields an observation carrying only Raw.
func (d *Decoder) Decode(b []byte) Observation {
	if len(b) > FrameSize {
		b = b[:FrameSize]
	}
	obs := Observation{Raw: hex.EncodeToString(b)}
	if len(b) < FrameSize {
		return obs
	}

	burn := b[0]
	obs.Burn = &burn

	timeRaw := binary.BigEndian.Uint32(b[1:5])
	latRaw := binary.BigEndian.Uint32(b[5:9])
	lonRaw := binary.BigEndian.Uint32(b[9:13])
	altRaw := binary.BigEndian.Uint32(b[13:17])
	tempRaw := binary.BigEndian.Uint32(b[17:21])
	presRaw := binary.BigEndian.Uint32(b[21:25])

	if lat := round(float64(latRaw)/1e5-90, 6); lat >= -90 && lat <= 90 {
		obs.Lat = &lat
	}
	if lon := round(float64(lonRaw)/1e5-180, 6); lon >= -180 && lon <= 180 {
		obs.Lon = &lon
	}

	alt := round(float64(altRaw)/100-d.altOffset, 1)
	altFt := round(alt*feetPerMeter, 2)
	obs.AltM, obs.AltFt = &alt, &altFt

	tempK := round(float64(tempRaw)/100, 2)
	tempC := round(tempK-273.15, 2)
	obs.TempK, obs.TempC = &tempK, &tempC

	pres := round(float64(presRaw)/100, 2)
	obs.PressureHPa = &pres

	if h, m, s, ok := timeOfDay(timeRaw); ok {
		obs.UTCTime = fmt.Sprintf("%02d:%02d:%02d", h, m, s)
		today := d.now().UTC()
		utc := time.Date(today.Year(), today.Month(), today.Day(), h, m, s, 0, time.UTC)
		local := d.localize(utc, obs.Lat, obs.Lon)
		obs.LocalDate = local.Format("02 Jan 06")
		obs.LocalTime = local.Format("15:04:05")
	}
	return obs
}

// DecodeHex decodes a hex string, tolerating a 0x prefix and an odd digit
// count.
func (d *Decoder) DecodeHex(s string) (Observation, error) {
	clean := strings.TrimSpace(s)
	if len(clean) >= 2 && strings.EqualFold(clean[:2], "0x") {
		clean = clean[2:]
	}
	if clean == "" {
		return Observation{}, ErrEmptyPayload
	}
	if len(clean)%2 != 0 {
		clean = "0" + clean
	}
	b, err := hex.DecodeString(clean)
	if err != nil {
		return Observation{}, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	return d.Decode(b), nil
}

// DecodeBase64 decodes a padded or unpadded standard base64 string.
func (d *Decoder) DecodeBase64(s string) (Observation, error) {
	clean := strings.TrimSpace(s)
	if clean == "" {
		return Observation{}, ErrEmptyPayload
	}
	b, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		var rawErr error
		if b, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(clean, "=")); rawErr != nil {
			return Observation{}, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
		}
	}
	return d.Decode(b), nil
}

// DecodeString decodes s according to encoding: "hex", "base64"/"b64", or
// anything else to auto-detect.
func (d *Decoder) DecodeString(s, encoding string) (Observation, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "hex", "hexstring":
		return d.DecodeHex(s)
	case "b64", "base64":
		return d.DecodeBase64(s)
	}
	if LooksHex(s) {
		return d.DecodeHex(s)
	}
	return d.DecodeBase64(s)
}

// LooksHex reports whether s is an even-length hex string, optionally 0x
// prefixed.
func LooksHex(s string) bool {
	t := strings.ToLower(strings.TrimSpace(s))
	t = strings.TrimPrefix(t, "0x")
	if t == "" || len(t)%2 != 0 {
		return false
	}
	for _, c := range t {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// timeOfDay unpacks HHMMSS00 decimal digits.
func timeOfDay(raw uint32) (h, m, s int, ok bool) {
	digits := fmt.Sprintf("%08d", raw)
	digits = digits[len(digits)-8:]
	h, _ = strconv.Atoi(digits[0:2])
	m, _ = strconv.Atoi(digits[2:4])
	s, _ = strconv.Atoi(digits[4:6])
	if h > 23 || m > 59 || s > 59 {
		return 0, 0, 0, false
	}
	return h, m, s, true
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
