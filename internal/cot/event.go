// Package cot encodes device state as Cursor-on-Target events and streams
// them to a TAK server over mutually authenticated TLS.
package cot

import (
	"encoding/xml"
	"fmt"
	"math"
	"strings"
	"time"

	"balloon_tracker/internal/payload"
	"balloon_tracker/internal/state"
	"balloon_tracker/internal/status"
)

const (
	DefaultMarkerType = "b-m-p-s"
	DefaultDualType   = "a-f-G-U-C"
	DefaultCallsign   = "SR00"

	// DefaultStaleAfter keeps markers on screen across a few missed ticks.
	DefaultStaleAfter = 15 * time.Minute

	timeLayout   = "2006-01-02T15:04:05Z"
	reportLayout = "02 Jan 06 15:04"
	feetPerMeter = 3.28084
	how          = "h-g-i-g-o"
)

// Event is the CoT <event> element.
type Event struct {
	XMLName xml.Name `xml:"event"`
	Version string   `xml:"version,attr"`
	Type    string   `xml:"type,attr"`
	UID     string   `xml:"uid,attr"`
	Time    string   `xml:"time,attr"`
	Start   string   `xml:"start,attr"`
	Stale   string   `xml:"stale,attr"`
	How     string   `xml:"how,attr"`
	Point   Point    `xml:"point"`
	Detail  Detail   `xml:"detail"`
}

type Point struct {
	Lat string `xml:"lat,attr"`
	Lon string `xml:"lon,attr"`
	Hae string `xml:"hae,attr"`
	CE  string `xml:"ce,attr"`
	LE  string `xml:"le,attr"`
}

type Detail struct {
	Contact      Contact   `xml:"contact"`
	Remarks      string    `xml:"remarks"`
	Color        string    `xml:"color,omitempty"`
	StrokeColor  *int32    `xml:"strokeColor,omitempty"`
	FillColor    *int32    `xml:"fillColor,omitempty"`
	StrokeWeight *int      `xml:"strokeWeight,omitempty"`
	UserIcon     *UserIcon `xml:"usericon,omitempty"`
	Group        *Group    `xml:"__group,omitempty"`
}

type Contact struct {
	Callsign string `xml:"callsign,attr"`
}

type UserIcon struct {
	IconsetPath string `xml:"iconsetpath,attr"`
	Icon        string `xml:"icon,attr"`
}

type Group struct {
	Name string `xml:"name,attr"`
	Role string `xml:"role,attr,omitempty"`
}

// EventOptions control how events are rendered.
type EventOptions struct {
	UIDSalt        string
	StaleAfter     time.Duration
	CallsignStatic string
	IconsetPath    string
	IconFile       string
	GroupName      string
	GroupRole      string
}

// IsMilStd reports whether a marker type is a MIL-STD-2525 atom.
func IsMilStd(markerType string) bool {
	return strings.HasPrefix(markerType, "a-")
}

// UID is the stable event id for a device under a marker type.
func UID(deviceID, markerType, salt string) string {
	uid := deviceID
	if IsMilStd(markerType) {
		uid += "-ms"
	}
	if salt != "" {
		uid += "-" + salt
	}
	return uid
}

// Callsign picks SR## from sr_num, then the stored callsign, then fallback.
func Callsign(ds *state.DeviceState, fallback string) string {
	if fallback == "" {
		fallback = DefaultCallsign
	}
	if ds.SRNum != nil {
		return fmt.Sprintf("SR%02d", *ds.SRNum)
	}
	if cs := strings.TrimSpace(ds.Callsign); cs != "" {
		return cs
	}
	return fallback
}

// BuildEvent renders one device. ok is false when the device has no valid
// position.
func BuildEvent(ds *state.DeviceState, markerType string, displayStatus status.Status, now time.Time, opts EventOptions) (*Event, bool) {
	if ds == nil || ds.DeviceID == "" || !payload.ValidLatLon(ds.Lat, ds.Lon) {
		return nil, false
	}
	if markerType == "" {
		markerType = DefaultMarkerType
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	lat, lon := *ds.Lat, *ds.Lon
	alt := 0.0
	if ds.AltM != nil && *ds.AltM > 0 {
		alt = *ds.AltM
	}
	now = now.UTC()
	milStd := IsMilStd(markerType)

	accuracy := "9999999"
	if milStd {
		accuracy = "20"
	}

	ev := &Event{
		Version: "2.0",
		Type:    markerType,
		UID:     UID(ds.DeviceID, markerType, opts.UIDSalt),
		Time:    now.Format(timeLayout),
		Start:   now.Format(timeLayout),
		Stale:   now.Add(opts.StaleAfter).Format(timeLayout),
		How:     how,
		Point: Point{
			Lat: fmt.Sprintf("%.6f", lat),
			Lon: fmt.Sprintf("%.6f", lon),
			Hae: fmt.Sprintf("%.1f", alt),
			CE:  accuracy,
			LE:  accuracy,
		},
		Detail: Detail{
			Contact: Contact{Callsign: Callsign(ds, opts.CallsignStatic)},
			Remarks: remarks(ds, displayStatus, lat, lon, alt, now),
		},
	}

	if !milStd {
		color := status.Color(displayStatus)
		argb := status.ARGB(color)
		weight := 2
		ev.Detail.Color = color
		ev.Detail.StrokeColor = &argb
		ev.Detail.FillColor = &argb
		ev.Detail.StrokeWeight = &weight
	}
	if opts.IconsetPath != "" && opts.IconFile != "" {
		ev.Detail.UserIcon = &UserIcon{IconsetPath: opts.IconsetPath, Icon: opts.IconFile}
	}
	if opts.GroupName != "" {
		ev.Detail.Group = &Group{Name: opts.GroupName, Role: opts.GroupRole}
	}
	return ev, true
}

func remarks(ds *state.DeviceState, s status.Status, lat, lon, alt float64, now time.Time) string {
	last := ds.LastPositionUTC
	if last.IsZero() {
		last = now
	}
	lines := []string{
		"Status: " + string(s),
		"Last report: " + last.UTC().Format(reportLayout) + " UTC",
		fmt.Sprintf("Altitude: %d ft", int(math.Round(alt*feetPerMeter))),
		fmt.Sprintf("Latitude: %.4f", lat),
		fmt.Sprintf("Longitude: %.4f", lon),
		"Balloon type: " + ds.BalloonType,
		fmt.Sprintf("Max Altitude: %d ft MSL", int(math.Round(ds.MaxAltM*feetPerMeter))),
	}
	return strings.Join(lines, "\n")
}

// Marshal encodes ev as a single newline-terminated line.
func (ev *Event) Marshal() ([]byte, error) {
	b, err := xml.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal cot event %s: %w", ev.UID, err)
	}
	return append(b, '\n'), nil
}
