package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"balloon_tracker/internal/status"
)

// SQLiteRepository persists device state in an embedded SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path. An empty path or
// ":memory:" uses an in-memory database.
func OpenSQLite(path string) (*SQLiteRepository, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps :memory: databases coherent and serialises writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

const deviceColumns = `device_id, lat, lon, alt_m, alt_ft, temp_k, pressure_hpa,
	utc_time, local_date, local_time, raw, status, questionable_data,
	max_alt_m, message_count, first_seen_utc, last_position_utc, flight_started,
	callsign, sr_num, balloon_type`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*DeviceState, error) {
	var (
		ds                                  DeviceState
		lat, lon, altM, altFt, tempK, presH sql.NullFloat64
		utcTime, localDate, localTime, raw  sql.NullString
		st, firstSeen, lastPos              sql.NullString
		callsign, balloonType               sql.NullString
		srNum                               sql.NullInt64
		questionable, started               int
		count                               int64
	)
	err := row.Scan(
		&ds.DeviceID, &lat, &lon, &altM, &altFt, &tempK, &presH,
		&utcTime, &localDate, &localTime, &raw, &st, &questionable,
		&ds.MaxAltM, &count, &firstSeen, &lastPos, &started,
		&callsign, &srNum, &balloonType,
	)
	if err != nil {
		return nil, err
	}

	ds.Lat = nullFloat(lat)
	ds.Lon = nullFloat(lon)
	ds.AltM = nullFloat(altM)
	ds.AltFt = nullFloat(altFt)
	ds.TempK = nullFloat(tempK)
	ds.PressureHPa = nullFloat(presH)
	ds.UTCTime = utcTime.String
	ds.LocalDate = localDate.String
	ds.LocalTime = localTime.String
	ds.Raw = raw.String
	ds.Status = status.Parse(st.String)
	ds.Questionable = questionable != 0
	ds.MessageCount = uint64(count)
	ds.FirstSeenUTC = parseTS(firstSeen.String)
	ds.LastPositionUTC = parseTS(lastPos.String)
	ds.FlightStarted = started != 0
	ds.Callsign = callsign.String
	ds.BalloonType = balloonType.String
	if srNum.Valid {
		n := int(srNum.Int64)
		ds.SRNum = &n
	}
	return &ds, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func floatArg(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Get returns the device row, or nil when the device is unknown.
func (r *SQLiteRepository) Get(ctx context.Context, deviceID string) (*DeviceState, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM device_latest WHERE device_id = ?`, deviceID)
	ds, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return ds, nil
}

// List returns all devices ordered by device_id.
func (r *SQLiteRepository) List(ctx context.Context, opts ListOptions) ([]*DeviceState, error) {
	query := `SELECT ` + deviceColumns + ` FROM device_latest`
	var args []any
	if len(opts.ExcludeStatus) > 0 {
		marks := make([]string, len(opts.ExcludeStatus))
		for i, s := range opts.ExcludeStatus {
			marks[i] = "?"
			args = append(args, string(s))
		}
		query += ` WHERE COALESCE(status, '') NOT IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY device_id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*DeviceState
	for rows.Next() {
		ds, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		result = append(result, ds)
	}
	return result, rows.Err()
}

// Seen reports whether the ledger already holds (correlationID, raw) or
// (deviceID, raw).
func (r *SQLiteRepository) Seen(ctx context.Context, correlationID, deviceID, raw string) (bool, error) {
	var one int
	if correlationID != "" {
		err := r.db.QueryRowContext(ctx,
			`SELECT 1 FROM seen_correlation WHERE correlation_id = ? AND raw = ?`,
			correlationID, raw).Scan(&one)
		if err == nil {
			return true, nil
		}
		if err != sql.ErrNoRows {
			return false, fmt.Errorf("check correlation ledger: %w", err)
		}
	}
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM seen_device_raw WHERE device_id = ? AND raw = ?`,
		deviceID, raw).Scan(&one)
	if err == nil {
		return true, nil
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("check device ledger: %w", err)
	}
	return false, nil
}

// Commit upserts ds and records the ledger entries in one transaction. It
// returns false, leaving everything untouched, when the stored row already
// has a last_position_utc at or after ds.LastPositionUTC.
func (r *SQLiteRepository) Commit(ctx context.Context, ds *DeviceState, correlationID string, at time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO device_latest (device_id, lat, lon, alt_m, alt_ft, temp_k, pressure_hpa,
		                           utc_time, local_date, local_time, raw, status, questionable_data,
		                           max_alt_m, message_count, first_seen_utc, last_position_utc, flight_started)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			lat = excluded.lat,
			lon = excluded.lon,
			alt_m = excluded.alt_m,
			alt_ft = excluded.alt_ft,
			temp_k = excluded.temp_k,
			pressure_hpa = excluded.pressure_hpa,
			utc_time = excluded.utc_time,
			local_date = excluded.local_date,
			local_time = excluded.local_time,
			raw = excluded.raw,
			status = excluded.status,
			questionable_data = excluded.questionable_data,
			max_alt_m = MAX(device_latest.max_alt_m, excluded.max_alt_m),
			message_count = excluded.message_count,
			first_seen_utc = COALESCE(device_latest.first_seen_utc, excluded.first_seen_utc),
			last_position_utc = excluded.last_position_utc,
			flight_started = MAX(device_latest.flight_started, excluded.flight_started)
		WHERE device_latest.last_position_utc IS NULL
		   OR excluded.last_position_utc > device_latest.last_position_utc
	`,
		ds.DeviceID, floatArg(ds.Lat), floatArg(ds.Lon), floatArg(ds.AltM), floatArg(ds.AltFt),
		floatArg(ds.TempK), floatArg(ds.PressureHPa),
		nullString(ds.UTCTime), nullString(ds.LocalDate), nullString(ds.LocalTime), ds.Raw,
		string(ds.Status), boolInt(ds.Questionable),
		ds.MaxAltM, int64(ds.MessageCount), formatTS(ds.FirstSeenUTC), formatTS(ds.LastPositionUTC),
		boolInt(ds.FlightStarted),
	)
	if err != nil {
		return false, fmt.Errorf("upsert device: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}

	seenAt := formatTS(at)
	if correlationID != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO seen_correlation (correlation_id, raw, seen_at) VALUES (?, ?, ?)
			ON CONFLICT(correlation_id, raw) DO NOTHING
		`, correlationID, ds.Raw, seenAt); err != nil {
			return false, fmt.Errorf("record correlation ledger: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO seen_device_raw (device_id, raw, seen_at) VALUES (?, ?, ?)
		ON CONFLICT(device_id, raw) DO NOTHING
	`, ds.DeviceID, ds.Raw, seenAt); err != nil {
		return false, fmt.Errorf("record device ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// SetMetadata stores operator metadata, creating a placeholder row for a
// device that has not reported yet.
func (r *SQLiteRepository) SetMetadata(ctx context.Context, deviceID string, md Metadata) error {
	var sr any
	if md.SRNum != nil {
		sr = *md.SRNum
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_latest (device_id, callsign, sr_num, balloon_type)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			callsign = excluded.callsign,
			sr_num = excluded.sr_num,
			balloon_type = excluded.balloon_type
	`, deviceID, nullString(md.Callsign), sr, nullString(md.BalloonType))
	if err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	return nil
}

// SetStatus overwrites the stored status of an existing device.
func (r *SQLiteRepository) SetStatus(ctx context.Context, deviceID string, s status.Status) error {
	res, err := r.db.ExecContext(ctx, `UPDATE device_latest SET status = ? WHERE device_id = ?`, string(s), deviceID)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneLedger drops ledger rows older than cutoff, then trims each ledger to
// its newest maxRows entries. maxRows <= 0 disables the size cap.
func (r *SQLiteRepository) PruneLedger(ctx context.Context, cutoff time.Time, maxRows int) (PruneResult, error) {
	var pr PruneResult
	var err error
	if pr.Correlation, err = r.prune(ctx, "seen_correlation", cutoff, maxRows); err != nil {
		return pr, err
	}
	if pr.DeviceRaw, err = r.prune(ctx, "seen_device_raw", cutoff, maxRows); err != nil {
		return pr, err
	}
	return pr, nil
}

func (r *SQLiteRepository) prune(ctx context.Context, table string, cutoff time.Time, maxRows int) (int64, error) {
	var total int64
	res, err := r.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE seen_at < ?`, formatTS(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	total += n

	if maxRows > 0 {
		res, err = r.db.ExecContext(ctx, `
			DELETE FROM `+table+` WHERE rowid IN (
				SELECT rowid FROM `+table+` ORDER BY seen_at DESC LIMIT -1 OFFSET ?
			)`, maxRows)
		if err != nil {
			return total, fmt.Errorf("cap %s: %w", table, err)
		}
		n, _ = res.RowsAffected()
		total += n
	}
	return total, nil
}

// Stats returns row counts for the device and ledger tables.
func (r *SQLiteRepository) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM device_latest),
		       (SELECT COUNT(*) FROM seen_correlation),
		       (SELECT COUNT(*) FROM seen_device_raw)
	`).Scan(&s.Devices, &s.CorrelationLedger, &s.DeviceLedger)
	if err != nil {
		return s, fmt.Errorf("stats: %w", err)
	}
	return s, nil
}
