// Package storage holds the server-backed persistence: a PostgreSQL device
// repository for shared deployments and a ClickHouse observation archive.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// ArchiveRecord is one applied observation in the history table.
type ArchiveRecord struct {
	ID            uuid.UUID `json:"id"`
	DeviceID      string    `json:"device_id"`
	ObservedAt    time.Time `json:"observed_at"`
	Lat           *float64  `json:"lat,omitempty"`
	Lon           *float64  `json:"lon,omitempty"`
	AltM          *float64  `json:"alt_m,omitempty"`
	TempK         *float64  `json:"temp_k,omitempty"`
	PressureHPa   *float64  `json:"pressure_hpa,omitempty"`
	Raw           string    `json:"raw"`
	Status        string    `json:"status"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Questionable  bool      `json:"questionable_data"`
	ReceivedAt    time.Time `json:"received_at"`
}

// HistoryQuery selects archived observations for one device.
type HistoryQuery struct {
	DeviceID string
	Since    time.Time
	Limit    int
}

// Archive is the append-only observation history in ClickHouse.
type Archive struct {
	conn driver.Conn
}

// OpenClickHouse opens a connection to ClickHouse and creates the schema.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*Archive, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	a := &Archive{conn: conn}
	if err := a.CreateSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return a, nil
}

// Close closes the ClickHouse connection.
func (a *Archive) Close() error {
	return a.conn.Close()
}

// CreateSchema creates the observations table.
func (a *Archive) CreateSchema(ctx context.Context) error {
	q := `CREATE TABLE IF NOT EXISTS observations (
		id              UUID,
		device_id       LowCardinality(String),
		observed_at     DateTime64(6, 'UTC'),
		lat             Nullable(Float64),
		lon             Nullable(Float64),
		alt_m           Nullable(Float64),
		temp_k          Nullable(Float64),
		pressure_hpa    Nullable(Float64),
		raw             String,
		status          LowCardinality(String),
		correlation_id  String,
		questionable    Bool,
		received_at     DateTime64(3, 'UTC') DEFAULT now64(3)
	)
	ENGINE = MergeTree()
	PARTITION BY toYYYYMM(observed_at)
	ORDER BY (device_id, observed_at, id)
	SETTINGS index_granularity = 8192`

	if err := a.conn.Exec(ctx, q); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// InsertBatch writes records in one batch.
func (a *Archive) InsertBatch(ctx context.Context, records []ArchiveRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := a.conn.PrepareBatch(ctx, `INSERT INTO observations (
		id, device_id, observed_at, lat, lon, alt_m, temp_k, pressure_hpa,
		raw, status, correlation_id, questionable, received_at
	)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range records {
		if err := batch.Append(
			r.ID, r.DeviceID, r.ObservedAt, r.Lat, r.Lon, r.AltM, r.TempK, r.PressureHPa,
			r.Raw, r.Status, r.CorrelationID, r.Questionable, r.ReceivedAt,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// History returns a device's archived observations, newest first.
func (a *Archive) History(ctx context.Context, q HistoryQuery) ([]ArchiveRecord, error) {
	limit := q.Limit
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}

	rows, err := a.conn.Query(ctx, `
		SELECT id, device_id, observed_at, lat, lon, alt_m, temp_k, pressure_hpa,
		       raw, status, correlation_id, questionable, received_at
		FROM observations
		WHERE device_id = ? AND observed_at >= ?
		ORDER BY observed_at DESC
		LIMIT ?
	`, q.DeviceID, q.Since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []ArchiveRecord
	for rows.Next() {
		var r ArchiveRecord
		if err := rows.Scan(
			&r.ID, &r.DeviceID, &r.ObservedAt, &r.Lat, &r.Lon, &r.AltM, &r.TempK, &r.PressureHPa,
			&r.Raw, &r.Status, &r.CorrelationID, &r.Questionable, &r.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

// ArchiveStats summarises the archive.
type ArchiveStats struct {
	Rows    uint64 `json:"rows"`
	Devices uint64 `json:"devices"`
}

// Stats returns archive row and device counts.
func (a *Archive) Stats(ctx context.Context) (ArchiveStats, error) {
	var s ArchiveStats
	if err := a.conn.QueryRow(ctx, `SELECT count(), uniqExact(device_id) FROM observations`).Scan(&s.Rows, &s.Devices); err != nil {
		return s, fmt.Errorf("archive stats: %w", err)
	}
	return s, nil
}
