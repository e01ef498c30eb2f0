// Package state owns the per-device latest-state record, its idempotency
// ledger and the ordering rules applied on every write.
package state

// schema contains the SQLite table definitions for device state.
const schema = `
-- Latest state per device.
CREATE TABLE IF NOT EXISTS device_latest (
	device_id         TEXT PRIMARY KEY,
	lat               REAL,
	lon               REAL,
	alt_m             REAL,
	alt_ft            REAL,
	temp_k            REAL,
	pressure_hpa      REAL,
	utc_time          TEXT,
	local_date        TEXT,
	local_time        TEXT,
	raw               TEXT,
	status            TEXT,
	questionable_data INTEGER NOT NULL DEFAULT 0,
	max_alt_m         REAL NOT NULL DEFAULT 0,
	message_count     INTEGER NOT NULL DEFAULT 0,
	first_seen_utc    TEXT,
	last_position_utc TEXT,
	flight_started    INTEGER NOT NULL DEFAULT 0,
	callsign          TEXT,
	sr_num            INTEGER,
	balloon_type      TEXT
);

CREATE INDEX IF NOT EXISTS idx_device_latest_status ON device_latest(status);

-- Idempotency ledger: accepted (correlation_id, raw) pairs.
CREATE TABLE IF NOT EXISTS seen_correlation (
	correlation_id TEXT NOT NULL,
	raw            TEXT NOT NULL,
	seen_at        TEXT NOT NULL,
	PRIMARY KEY (correlation_id, raw)
);

CREATE INDEX IF NOT EXISTS idx_seen_correlation_at ON seen_correlation(seen_at);

-- Idempotency ledger: accepted (device_id, raw) pairs.
CREATE TABLE IF NOT EXISTS seen_device_raw (
	device_id TEXT NOT NULL,
	raw       TEXT NOT NULL,
	seen_at   TEXT NOT NULL,
	PRIMARY KEY (device_id, raw)
);

CREATE INDEX IF NOT EXISTS idx_seen_device_raw_at ON seen_device_raw(seen_at);
`
