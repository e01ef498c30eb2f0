package kml

import (
	"strings"
	"testing"
	"time"

	"balloon_tracker/internal/payload"
	"balloon_tracker/internal/state"
	"balloon_tracker/internal/status"
	"balloon_tracker/internal/storage"
)

var t0 = time.Date(2025, 10, 14, 12, 0, 0, 0, time.UTC)

func TestColorFor(t *testing.T) {
	tests := []struct {
		status status.Status
		want   string
	}{
		{status.Airborne, "ffffff00"},   // cyan
		{status.Terminated, "ff0000ff"}, // red
		{status.Preflight, "ff00ff00"},  // green
		{status.Abandoned, "ff000000"},  // black
	}
	for _, tt := range tests {
		if got := ColorFor(tt.status); got != tt.want {
			t.Errorf("ColorFor(%s) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestDevices(t *testing.T) {
	devices := []*state.DeviceState{
		{DeviceID: "a", Lat: payload.Float(45), Lon: payload.Float(-93.5), AltM: payload.Float(1234.5), Status: status.Airborne, Callsign: "SR01", LastPositionUTC: t0, MessageCount: 3},
		{DeviceID: "b", Lat: nil, Lon: payload.Float(10), Status: status.Preflight},
		{DeviceID: "c", Lat: payload.Float(10), Lon: payload.Float(20), AltM: payload.Float(-5), Status: status.Landed, LastPositionUTC: t0},
	}
	doc := Devices(devices, t0)

	if len(doc.Document.Placemarks) != 2 {
		t.Fatalf("placemarks = %d, want 2", len(doc.Document.Placemarks))
	}
	a := doc.Document.Placemarks[0]
	if a.Name != "SR01" || a.StyleURL != "#status-AIRBORNE" {
		t.Errorf("a = %+v", a)
	}
	if a.Point == nil || a.Point.Coordinates != "-93.500000,45.000000,1234.5" {
		t.Errorf("a coordinates = %+v", a.Point)
	}
	c := doc.Document.Placemarks[1]
	if c.Name != "c" || c.Point.Coordinates != "20.000000,10.000000,0.0" {
		t.Errorf("c = %+v", c.Point)
	}
	if len(doc.Document.Styles) != 6 {
		t.Errorf("styles = %d, want one per status", len(doc.Document.Styles))
	}

	out, err := doc.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for _, want := range []string{`<?xml`, `xmlns="http://www.opengis.net/kml/2.2"`, `<Style id="status-AIRBORNE">`, `<color>ffffff00</color>`} {
		if !strings.Contains(string(out), want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestTrack(t *testing.T) {
	records := []storage.ArchiveRecord{
		{ObservedAt: t0.Add(2 * time.Minute), Lat: payload.Float(45.2), Lon: payload.Float(-93.2), AltM: payload.Float(2000)},
		{ObservedAt: t0, Lat: payload.Float(45), Lon: payload.Float(-93), AltM: payload.Float(1000)},
		{ObservedAt: t0.Add(time.Minute), AltM: payload.Float(1500)},
	}
	doc := Track("dev-1", records, t0)
	if len(doc.Document.Placemarks) != 1 {
		t.Fatalf("placemarks = %d", len(doc.Document.Placemarks))
	}
	line := doc.Document.Placemarks[0].LineString
	if line == nil {
		t.Fatal("missing LineString")
	}
	want := "-93.000000,45.000000,1000.0 -93.200000,45.200000,2000.0"
	if line.Coordinates != want {
		t.Errorf("coordinates = %q, want %q", line.Coordinates, want)
	}
	if !strings.HasPrefix(doc.Document.Description, "2 fixes") {
		t.Errorf("description = %q", doc.Document.Description)
	}

	empty := Track("dev-2", nil, t0)
	if len(empty.Document.Placemarks) != 0 {
		t.Errorf("empty track has placemarks")
	}
}
