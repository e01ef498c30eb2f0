package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"balloon_tracker/internal/state"
	"balloon_tracker/internal/status"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}

// PostgresRepository stores device state in PostgreSQL for deployments that
// run more than one ingest process.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

var _ state.Repository = (*PostgresRepository)(nil)

// OpenPostgres opens a connection pool and creates the schema.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, sslMode)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	r := &PostgresRepository{pool: pool}
	if err := r.CreateSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// Close closes the connection pool.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateSchema creates the device and ledger tables.
func (r *PostgresRepository) CreateSchema(ctx context.Context) error {
	schema := `
	-- Latest state per device
	CREATE TABLE IF NOT EXISTS device_latest (
		device_id         TEXT PRIMARY KEY,
		lat               DOUBLE PRECISION,
		lon               DOUBLE PRECISION,
		alt_m             DOUBLE PRECISION,
		alt_ft            DOUBLE PRECISION,
		temp_k            DOUBLE PRECISION,
		pressure_hpa      DOUBLE PRECISION,
		utc_time          TEXT,
		local_date        TEXT,
		local_time        TEXT,
		raw               TEXT,
		status            TEXT,
		questionable_data BOOLEAN NOT NULL DEFAULT FALSE,
		max_alt_m         DOUBLE PRECISION NOT NULL DEFAULT 0,
		message_count     BIGINT NOT NULL DEFAULT 0,
		first_seen_utc    TIMESTAMPTZ,
		last_position_utc TIMESTAMPTZ,
		flight_started    BOOLEAN NOT NULL DEFAULT FALSE,
		callsign          TEXT,
		sr_num            INTEGER,
		balloon_type      TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_device_latest_status ON device_latest(status);

	-- Idempotency ledgers
	CREATE TABLE IF NOT EXISTS seen_correlation (
		correlation_id TEXT NOT NULL,
		raw            TEXT NOT NULL,
		seen_at        TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (correlation_id, raw)
	);

	CREATE INDEX IF NOT EXISTS idx_seen_correlation_at ON seen_correlation(seen_at);

	CREATE TABLE IF NOT EXISTS seen_device_raw (
		device_id TEXT NOT NULL,
		raw       TEXT NOT NULL,
		seen_at   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (device_id, raw)
	);

	CREATE INDEX IF NOT EXISTS idx_seen_device_raw_at ON seen_device_raw(seen_at);
	`

	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

const pgDeviceColumns = `device_id, lat, lon, alt_m, alt_ft, temp_k, pressure_hpa,
	utc_time, local_date, local_time, raw, status, questionable_data,
	max_alt_m, message_count, first_seen_utc, last_position_utc, flight_started,
	callsign, sr_num, balloon_type`

func scanPGDevice(row pgx.Row) (*state.DeviceState, error) {
	var (
		ds                                 state.DeviceState
		utcTime, localDate, localTime, raw *string
		st, callsign, balloonType          *string
		firstSeen, lastPos                 *time.Time
		srNum                              *int32
		count                              int64
	)
	err := row.Scan(
		&ds.DeviceID, &ds.Lat, &ds.Lon, &ds.AltM, &ds.AltFt, &ds.TempK, &ds.PressureHPa,
		&utcTime, &localDate, &localTime, &raw, &st, &ds.Questionable,
		&ds.MaxAltM, &count, &firstSeen, &lastPos, &ds.FlightStarted,
		&callsign, &srNum, &balloonType,
	)
	if err != nil {
		return nil, err
	}
	ds.UTCTime = deref(utcTime)
	ds.LocalDate = deref(localDate)
	ds.LocalTime = deref(localTime)
	ds.Raw = deref(raw)
	ds.Status = status.Parse(deref(st))
	ds.Callsign = deref(callsign)
	ds.BalloonType = deref(balloonType)
	ds.MessageCount = uint64(count)
	if firstSeen != nil {
		ds.FirstSeenUTC = firstSeen.UTC()
	}
	if lastPos != nil {
		ds.LastPositionUTC = lastPos.UTC()
	}
	if srNum != nil {
		n := int(*srNum)
		ds.SRNum = &n
	}
	return &ds, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func textArg(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timeArg(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Get returns a device, or nil when unknown.
func (r *PostgresRepository) Get(ctx context.Context, deviceID string) (*state.DeviceState, error) {
	ds, err := scanPGDevice(r.pool.QueryRow(ctx,
		`SELECT `+pgDeviceColumns+` FROM device_latest WHERE device_id = $1`, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return ds, nil
}

// List returns devices ordered by device_id.
func (r *PostgresRepository) List(ctx context.Context, opts state.ListOptions) ([]*state.DeviceState, error) {
	query := `SELECT ` + pgDeviceColumns + ` FROM device_latest`
	var args []any
	if len(opts.ExcludeStatus) > 0 {
		excluded := make([]string, len(opts.ExcludeStatus))
		for i, s := range opts.ExcludeStatus {
			excluded[i] = string(s)
		}
		query += ` WHERE NOT (COALESCE(status, '') = ANY($1))`
		args = append(args, excluded)
	}
	query += ` ORDER BY device_id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var result []*state.DeviceState
	for rows.Next() {
		ds, err := scanPGDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		result = append(result, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return result, nil
}

// Seen reports whether either ledger already holds the payload.
func (r *PostgresRepository) Seen(ctx context.Context, correlationID, deviceID, raw string) (bool, error) {
	var seen bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM seen_correlation WHERE $1 <> '' AND correlation_id = $1 AND raw = $3)
		    OR EXISTS (SELECT 1 FROM seen_device_raw WHERE device_id = $2 AND raw = $3)
	`, correlationID, deviceID, raw).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("check ledger: %w", err)
	}
	return seen, nil
}

// Commit applies the guarded upsert and ledger inserts in one transaction.
func (r *PostgresRepository) Commit(ctx context.Context, ds *state.DeviceState, correlationID string, at time.Time) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO device_latest (device_id, lat, lon, alt_m, alt_ft, temp_k, pressure_hpa,
		                           utc_time, local_date, local_time, raw, status, questionable_data,
		                           max_alt_m, message_count, first_seen_utc, last_position_utc, flight_started)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (device_id) DO UPDATE SET
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			alt_m = EXCLUDED.alt_m,
			alt_ft = EXCLUDED.alt_ft,
			temp_k = EXCLUDED.temp_k,
			pressure_hpa = EXCLUDED.pressure_hpa,
			utc_time = EXCLUDED.utc_time,
			local_date = EXCLUDED.local_date,
			local_time = EXCLUDED.local_time,
			raw = EXCLUDED.raw,
			status = EXCLUDED.status,
			questionable_data = EXCLUDED.questionable_data,
			max_alt_m = GREATEST(device_latest.max_alt_m, EXCLUDED.max_alt_m),
			message_count = EXCLUDED.message_count,
			first_seen_utc = COALESCE(device_latest.first_seen_utc, EXCLUDED.first_seen_utc),
			last_position_utc = EXCLUDED.last_position_utc,
			flight_started = device_latest.flight_started OR EXCLUDED.flight_started
		WHERE device_latest.last_position_utc IS NULL
		   OR EXCLUDED.last_position_utc > device_latest.last_position_utc
	`,
		ds.DeviceID, ds.Lat, ds.Lon, ds.AltM, ds.AltFt, ds.TempK, ds.PressureHPa,
		textArg(ds.UTCTime), textArg(ds.LocalDate), textArg(ds.LocalTime), ds.Raw,
		string(ds.Status), ds.Questionable,
		ds.MaxAltM, int64(ds.MessageCount), timeArg(ds.FirstSeenUTC), timeArg(ds.LastPositionUTC),
		ds.FlightStarted,
	)
	if err != nil {
		return false, fmt.Errorf("upsert device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if correlationID != "" {
		if _, err := tx.Exec(ctx, `
			INSERT INTO seen_correlation (correlation_id, raw, seen_at) VALUES ($1, $2, $3)
			ON CONFLICT (correlation_id, raw) DO NOTHING
		`, correlationID, ds.Raw, at); err != nil {
			return false, fmt.Errorf("record correlation ledger: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO seen_device_raw (device_id, raw, seen_at) VALUES ($1, $2, $3)
		ON CONFLICT (device_id, raw) DO NOTHING
	`, ds.DeviceID, ds.Raw, at); err != nil {
		return false, fmt.Errorf("record device ledger: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// SetMetadata stores operator metadata, creating a placeholder row if needed.
func (r *PostgresRepository) SetMetadata(ctx context.Context, deviceID string, md state.Metadata) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO device_latest (device_id, callsign, sr_num, balloon_type)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id) DO UPDATE SET
			callsign = EXCLUDED.callsign,
			sr_num = EXCLUDED.sr_num,
			balloon_type = EXCLUDED.balloon_type
	`, deviceID, textArg(md.Callsign), md.SRNum, textArg(md.BalloonType))
	if err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	return nil
}

// SetStatus overwrites the stored status of an existing device.
func (r *PostgresRepository) SetStatus(ctx context.Context, deviceID string, s status.Status) error {
	tag, err := r.pool.Exec(ctx, `UPDATE device_latest SET status = $1 WHERE device_id = $2`, string(s), deviceID)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return state.ErrNotFound
	}
	return nil
}

// PruneLedger drops rows older than cutoff and caps each ledger at maxRows.
func (r *PostgresRepository) PruneLedger(ctx context.Context, cutoff time.Time, maxRows int) (state.PruneResult, error) {
	var pr state.PruneResult
	var err error
	if pr.Correlation, err = r.prune(ctx, "seen_correlation", cutoff, maxRows); err != nil {
		return pr, err
	}
	if pr.DeviceRaw, err = r.prune(ctx, "seen_device_raw", cutoff, maxRows); err != nil {
		return pr, err
	}
	return pr, nil
}

func (r *PostgresRepository) prune(ctx context.Context, table string, cutoff time.Time, maxRows int) (int64, error) {
	var total int64
	if !cutoff.IsZero() {
		tag, err := r.pool.Exec(ctx, `DELETE FROM `+table+` WHERE seen_at < $1`, cutoff)
		if err != nil {
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	if maxRows > 0 {
		tag, err := r.pool.Exec(ctx, strings.ReplaceAll(`
			DELETE FROM T WHERE ctid IN (
				SELECT ctid FROM T ORDER BY seen_at DESC OFFSET $1
			)`, "T", table), maxRows)
		if err != nil {
			return total, fmt.Errorf("cap %s: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// Stats returns row counts.
func (r *PostgresRepository) Stats(ctx context.Context) (state.Stats, error) {
	var s state.Stats
	err := r.pool.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM device_latest),
		       (SELECT COUNT(*) FROM seen_correlation),
		       (SELECT COUNT(*) FROM seen_device_raw)
	`).Scan(&s.Devices, &s.CorrelationLedger, &s.DeviceLedger)
	if err != nil {
		return s, fmt.Errorf("stats: %w", err)
	}
	return s, nil
}
