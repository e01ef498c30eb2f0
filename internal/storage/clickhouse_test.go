package storage

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"

	"balloon_tracker/internal/payload"
)

func setupTestClickHouse(t *testing.T) *Archive {
	t.Helper()

	host := os.Getenv("CLICKHOUSE_TEST_HOST")
	if host == "" {
		return nil
	}
	port, _ := strconv.Atoi(os.Getenv("CLICKHOUSE_TEST_PORT"))
	if port == 0 {
		port = 9000
	}
	database := os.Getenv("CLICKHOUSE_TEST_DB")
	if database == "" {
		database = "default"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a, err := OpenClickHouse(ctx, ClickHouseConfig{
		Host:     host,
		Port:     port,
		Database: database,
		User:     os.Getenv("CLICKHOUSE_TEST_USER"),
		Password: os.Getenv("CLICKHOUSE_TEST_PASSWORD"),
	})
	if err != nil {
		t.Logf("clickhouse unavailable: %v", err)
		return nil
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func observation(device, raw string, at time.Time, lat, lon, alt *float64) payload.Observation {
	return payload.Observation{
		DeviceID:        device,
		Lat:             lat,
		Lon:             lon,
		AltM:            alt,
		Raw:             raw,
		LastPositionUTC: at,
	}
}

func TestArchiveInsertAndHistory(t *testing.T) {
	a := setupTestClickHouse(t)
	if a == nil {
		t.Skip("No ClickHouse connection available")
	}
	ctx := context.Background()
	id := testDevice()

	records := []ArchiveRecord{
		{ID: uuid.New(), DeviceID: id, ObservedAt: t0, Lat: f64(45), Lon: f64(-93), Raw: "02aa", Status: "PREFLIGHT", ReceivedAt: t0},
		{ID: uuid.New(), DeviceID: id, ObservedAt: t0.Add(time.Minute), AltM: f64(900), Raw: "02bb", Status: "AIRBORNE", Questionable: true, ReceivedAt: t0},
	}
	if err := a.InsertBatch(ctx, records); err != nil {
		t.Fatalf("InsertBatch() error = %v", err)
	}

	got, err := a.History(ctx, HistoryQuery{DeviceID: id, Since: t0.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("History() returned %d rows, want 2", len(got))
	}
	if got[0].Raw != "02bb" || !got[0].Questionable || got[0].Lat != nil {
		t.Errorf("newest row = %+v", got[0])
	}
	if got[1].Lat == nil || *got[1].Lat != 45 {
		t.Errorf("oldest row lat = %v", got[1].Lat)
	}

	stats, err := a.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Rows < 2 {
		t.Errorf("Stats().Rows = %d, want >= 2", stats.Rows)
	}
}
