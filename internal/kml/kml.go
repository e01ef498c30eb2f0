// Package kml renders device positions and tracks as KML 2.2 documents for
// Google Earth and other mapping tools.
package kml

import (
	"encoding/xml"
	"fmt"
	"slices"
	"strconv"
	"time"

	"balloon_tracker/internal/payload"
	"balloon_tracker/internal/state"
	"balloon_tracker/internal/status"
	"balloon_tracker/internal/storage"
)

const namespace = "http://www.opengis.net/kml/2.2"

// KML is the root element of a KML document.
type KML struct {
	XMLName   xml.Name `xml:"kml"`
	Namespace string   `xml:"xmlns,attr"`
	Document  Document `xml:"Document"`
}

// Document contains the document metadata and features.
type Document struct {
	Name        string      `xml:"name"`
	Description string      `xml:"description,omitempty"`
	Styles      []Style     `xml:"Style,omitempty"`
	Placemarks  []Placemark `xml:"Placemark"`
}

// Style defines the visual appearance of features.
type Style struct {
	ID        string     `xml:"id,attr"`
	IconStyle *IconStyle `xml:"IconStyle,omitempty"`
	LineStyle *LineStyle `xml:"LineStyle,omitempty"`
}

type IconStyle struct {
	Color string  `xml:"color,omitempty"`
	Scale float64 `xml:"scale,omitempty"`
	Icon  Icon    `xml:"Icon"`
}

type LineStyle struct {
	Color string  `xml:"color,omitempty"`
	Width float64 `xml:"width,omitempty"`
}

type Icon struct {
	Href string `xml:"href"`
}

// Placemark is a point or a line with metadata.
type Placemark struct {
	Name         string        `xml:"name"`
	Description  string        `xml:"description,omitempty"`
	StyleURL     string        `xml:"styleUrl,omitempty"`
	Point        *Point        `xml:"Point,omitempty"`
	LineString   *LineString   `xml:"LineString,omitempty"`
	ExtendedData *ExtendedData `xml:"ExtendedData,omitempty"`
}

// Point coordinates are lon,lat,alt.
type Point struct {
	AltitudeMode string `xml:"altitudeMode,omitempty"`
	Coordinates  string `xml:"coordinates"`
}

type LineString struct {
	Tessellate   int    `xml:"tessellate,omitempty"`
	AltitudeMode string `xml:"altitudeMode,omitempty"`
	Coordinates  string `xml:"coordinates"`
}

type ExtendedData struct {
	Data []Data `xml:"Data"`
}

type Data struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

// Marshal renders k with an XML declaration.
func (k KML) Marshal() ([]byte, error) {
	b, err := xml.MarshalIndent(k, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), b...), nil
}

// ColorFor converts a status colour to KML's aabbggrr hex.
func ColorFor(s status.Status) string {
	v := uint32(status.ARGB(status.Color(s)))
	a, r, g, b := v>>24, (v>>16)&0xff, (v>>8)&0xff, v&0xff
	return fmt.Sprintf("%02x%02x%02x%02x", a, b, g, r)
}

var allStatuses = []status.Status{
	status.Preflight, status.Airborne, status.Landed,
	status.Abandoned, status.Terminated, status.Production,
}

func statusStyles() []Style {
	styles := make([]Style, 0, len(allStatuses))
	for _, s := range allStatuses {
		styles = append(styles, Style{
			ID: "status-" + string(s),
			IconStyle: &IconStyle{
				Color: ColorFor(s),
				Scale: 1.1,
				Icon:  Icon{Href: "http://maps.google.com/mapfiles/kml/shapes/airports.png"},
			},
		})
	}
	return styles
}

func coord(lat, lon, alt float64) string {
	return strconv.FormatFloat(lon, 'f', 6, 64) + "," +
		strconv.FormatFloat(lat, 'f', 6, 64) + "," +
		strconv.FormatFloat(alt, 'f', 1, 64)
}

// Devices places every positioned device at its latest fix, styled by status.
func Devices(devices []*state.DeviceState, now time.Time) KML {
	placemarks := make([]Placemark, 0, len(devices))
	for _, ds := range devices {
		if !payload.ValidLatLon(ds.Lat, ds.Lon) {
			continue
		}
		alt := 0.0
		if ds.AltM != nil && *ds.AltM > 0 {
			alt = *ds.AltM
		}
		name := ds.DeviceID
		if ds.Callsign != "" {
			name = ds.Callsign
		}
		placemarks = append(placemarks, Placemark{
			Name: name,
			Description: fmt.Sprintf("Status: %s\nLast report: %s\nAltitude: %.0f m\nMax altitude: %.0f m",
				ds.Status, ds.LastPositionUTC.Format("2006-01-02 15:04:05 UTC"), alt, ds.MaxAltM),
			StyleURL: "#status-" + string(ds.Status),
			Point:    &Point{AltitudeMode: "absolute", Coordinates: coord(*ds.Lat, *ds.Lon, alt)},
			ExtendedData: &ExtendedData{Data: []Data{
				{Name: "device_id", Value: ds.DeviceID},
				{Name: "status", Value: string(ds.Status)},
				{Name: "last_position_utc", Value: ds.LastPositionUTC.Format(time.RFC3339)},
				{Name: "message_count", Value: strconv.FormatUint(ds.MessageCount, 10)},
			}},
		})
	}

	return KML{
		Namespace: namespace,
		Document: Document{
			Name:        "Balloon positions",
			Description: fmt.Sprintf("Latest device positions. Generated %s.", now.UTC().Format("2006-01-02 15:04:05 UTC")),
			Styles:      statusStyles(),
			Placemarks:  placemarks,
		},
	}
}

// Track draws a device's archived fixes, oldest first, as one line.
// records may arrive in any order.
func Track(deviceID string, records []storage.ArchiveRecord, now time.Time) KML {
	sorted := make([]storage.ArchiveRecord, 0, len(records))
	for _, r := range records {
		if payload.ValidLatLon(r.Lat, r.Lon) {
			sorted = append(sorted, r)
		}
	}
	slices.SortStableFunc(sorted, func(a, b storage.ArchiveRecord) int {
		return a.ObservedAt.Compare(b.ObservedAt)
	})

	doc := Document{
		Name:        "Track " + deviceID,
		Description: fmt.Sprintf("%d fixes. Generated %s.", len(sorted), now.UTC().Format("2006-01-02 15:04:05 UTC")),
		Styles: []Style{{
			ID:        "track",
			LineStyle: &LineStyle{Color: ColorFor(status.Airborne), Width: 3},
		}},
	}
	if len(sorted) == 0 {
		return KML{Namespace: namespace, Document: doc}
	}

	var coords []byte
	for i, r := range sorted {
		if i > 0 {
			coords = append(coords, ' ')
		}
		alt := 0.0
		if r.AltM != nil && *r.AltM > 0 {
			alt = *r.AltM
		}
		coords = append(coords, coord(*r.Lat, *r.Lon, alt)...)
	}
	first, last := sorted[0], sorted[len(sorted)-1]
	doc.Placemarks = []Placemark{{
		Name: deviceID,
		Description: fmt.Sprintf("From %s to %s",
			first.ObservedAt.Format("2006-01-02 15:04:05 UTC"), last.ObservedAt.Format("2006-01-02 15:04:05 UTC")),
		StyleURL:   "#track",
		LineString: &LineString{Tessellate: 1, AltitudeMode: "absolute", Coordinates: string(coords)},
	}}
	return KML{Namespace: namespace, Document: doc}
}

