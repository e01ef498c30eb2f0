// Package config loads tracker configuration from defaults, an optional YAML
// file and the environment.
package config

import (
	"time"

	"balloon_tracker/internal/cot"
	"balloon_tracker/internal/ingest"
	"balloon_tracker/internal/logging"
	"balloon_tracker/internal/payload"
	"balloon_tracker/internal/storage"
	"balloon_tracker/internal/terrain"
	"balloon_tracker/internal/tlsmaterial"
)

// Config is the full process configuration.
type Config struct {
	Log        LogConfig        `koanf:"log"`
	Store      StoreConfig      `koanf:"store"`
	Postgres   PostgresConfig   `koanf:"postgres"`
	ClickHouse ClickHouseConfig `koanf:"clickhouse"`
	NATS       NATSConfig       `koanf:"nats"`
	HTTP       HTTPConfig       `koanf:"http"`
	Decoder    DecoderConfig    `koanf:"decoder"`
	Terrain    TerrainConfig    `koanf:"terrain"`
	CoT        CoTConfig        `koanf:"cot"`
	TLS        TLSConfig        `koanf:"tls"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

type StoreConfig struct {
	Backend         string        `koanf:"backend" validate:"oneof=sqlite postgres"`
	SQLitePath      string        `koanf:"sqlite_path"`
	LedgerRetention time.Duration `koanf:"ledger_retention" validate:"min=0"`
	LedgerMaxRows   int           `koanf:"ledger_max_rows" validate:"min=0"`
	PruneInterval   time.Duration `koanf:"prune_interval" validate:"min=0"`
}

type PostgresConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port" validate:"min=1,max=65535"`
	Database string `koanf:"database"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	SSLMode  string `koanf:"sslmode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
}

type ClickHouseConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Host          string        `koanf:"host"`
	Port          int           `koanf:"port" validate:"min=1,max=65535"`
	Database      string        `koanf:"database"`
	User          string        `koanf:"user"`
	Password      string        `koanf:"password"`
	BatchSize     int           `koanf:"batch_size" validate:"min=1"`
	BufferSize    int           `koanf:"buffer_size" validate:"min=1"`
	FlushInterval time.Duration `koanf:"flush_interval" validate:"min=0"`
}

type NATSConfig struct {
	Enabled    bool   `koanf:"enabled"`
	URL        string `koanf:"url"`
	Subject    string `koanf:"subject"`
	QueueGroup string `koanf:"queue_group"`
}

type HTTPConfig struct {
	Enabled        bool          `koanf:"enabled"`
	Addr           string        `koanf:"addr"`
	RequestTimeout time.Duration `koanf:"request_timeout" validate:"min=0"`
	AuthEnabled    bool          `koanf:"auth_enabled"`
	APIKeys        []string      `koanf:"api_keys"`
}

type DecoderConfig struct {
	AltitudeOffsetM float64 `koanf:"altitude_offset_m"`
}

type TerrainConfig struct {
	SRTMDir          string        `koanf:"srtm_dir"`
	HTTPURL          string        `koanf:"http_url" validate:"omitempty,url"`
	HTTPRPS          float64       `koanf:"http_rps" validate:"min=0"`
	HTTPTimeout      time.Duration `koanf:"http_timeout" validate:"min=0"`
	BreakerFailures  uint32        `koanf:"breaker_failures"`
	BreakerOpenDelay time.Duration `koanf:"breaker_open_delay" validate:"min=0"`
}

// CoTConfig keeps the legacy units of the environment names it maps from:
// the publish interval in seconds and the stale horizon in minutes.
type CoTConfig struct {
	Enabled         bool   `koanf:"enabled"`
	URL             string `koanf:"url"`
	IntervalSec     int    `koanf:"interval_sec" validate:"min=1"`
	BackoffSec      int    `koanf:"backoff_sec" validate:"min=1"`
	WriteTimeoutSec int    `koanf:"write_timeout_sec" validate:"min=1"`
	MaxFailures     int    `koanf:"max_failures" validate:"min=0"`
	MarkerType      string `koanf:"marker_type" validate:"required"`
	DualMarker      bool   `koanf:"dual_marker"`
	DualType        string `koanf:"dual_type"`
	UIDSalt         string `koanf:"uid_salt"`
	StatusFilter    string `koanf:"status_filter" validate:"oneof=all not_abandoned"`
	StaleMinutes    int    `koanf:"stale_minutes" validate:"min=1"`
	CallsignStatic  string `koanf:"callsign_static"`
	IconsetPath     string `koanf:"iconset_path"`
	IconFile        string `koanf:"icon_file"`
	GroupName       string `koanf:"group_name"`
	GroupRole       string `koanf:"group_role"`
}

type TLSConfig struct {
	CAPath            string `koanf:"ca_path"`
	CertPath          string `koanf:"cert_path"`
	KeyPath           string `koanf:"key_path"`
	P12Path           string `koanf:"p12_path"`
	P12Password       string `koanf:"p12_password"`
	ServerName        string `koanf:"server_name"`
	SkipHostnameCheck bool   `koanf:"skip_hostname_check"`
}

func defaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Backend:         storage.BackendSQLite,
			SQLitePath:      "tracker.db",
			LedgerRetention: 7 * 24 * time.Hour,
			LedgerMaxRows:   200000,
			PruneInterval:   10 * time.Minute,
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "balloon_state",
			User:     "balloon",
			Password: "balloon",
			SSLMode:  "disable",
		},
		ClickHouse: ClickHouseConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          9000,
			Database:      "balloon",
			User:          "default",
			BatchSize:     500,
			BufferSize:    10000,
			FlushInterval: 5 * time.Second,
		},
		NATS: NATSConfig{
			Enabled:    false,
			URL:        "nats://127.0.0.1:4222",
			Subject:    "tracker.observations",
			QueueGroup: "balloon-tracker",
		},
		HTTP: HTTPConfig{
			Enabled:        true,
			Addr:           ":8080",
			RequestTimeout: 30 * time.Second,
		},
		Decoder: DecoderConfig{
			AltitudeOffsetM: payload.DefaultAltitudeOffsetM,
		},
		Terrain: TerrainConfig{
			HTTPRPS:          5,
			HTTPTimeout:      5 * time.Second,
			BreakerFailures:  5,
			BreakerOpenDelay: time.Minute,
		},
		CoT: CoTConfig{
			Enabled:         false,
			IntervalSec:     60,
			BackoffSec:      5,
			WriteTimeoutSec: 30,
			MarkerType:      cot.DefaultMarkerType,
			DualType:        cot.DefaultDualType,
			StatusFilter:    cot.FilterAll,
			StaleMinutes:    int(cot.DefaultStaleAfter / time.Minute),
			CallsignStatic:  cot.DefaultCallsign,
		},
	}
}

// Logging converts the log section.
func (c *Config) Logging() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = c.Log.Level
	lc.Format = c.Log.Format
	lc.Caller = c.Log.Caller
	return lc
}

// Storage converts the store, postgres and clickhouse sections.
func (c *Config) Storage() storage.Config {
	return storage.Config{
		Backend:    c.Store.Backend,
		SQLitePath: c.Store.SQLitePath,
		Postgres: storage.PostgresConfig{
			Host:     c.Postgres.Host,
			Port:     c.Postgres.Port,
			Database: c.Postgres.Database,
			User:     c.Postgres.User,
			Password: c.Postgres.Password,
			SSLMode:  c.Postgres.SSLMode,
		},
		ClickHouse: storage.ClickHouseConfig{
			Host:     c.ClickHouse.Host,
			Port:     c.ClickHouse.Port,
			Database: c.ClickHouse.Database,
			User:     c.ClickHouse.User,
			Password: c.ClickHouse.Password,
		},
		Archive: c.ClickHouse.Enabled,
	}
}

// ArchiveWriter converts the clickhouse buffering settings.
func (c *Config) ArchiveWriter() storage.ArchiveWriterConfig {
	return storage.ArchiveWriterConfig{
		BufferSize:    c.ClickHouse.BufferSize,
		BatchSize:     c.ClickHouse.BatchSize,
		FlushInterval: c.ClickHouse.FlushInterval,
	}
}

// NATSSource converts the nats section.
func (c *Config) NATSSource() ingest.NATSConfig {
	return ingest.NATSConfig{
		URL:        c.NATS.URL,
		Subject:    c.NATS.Subject,
		QueueGroup: c.NATS.QueueGroup,
	}
}

// TerrainHTTP converts the terrain HTTP settings.
func (c *Config) TerrainHTTP() terrain.HTTPConfig {
	return terrain.HTTPConfig{
		URL:              c.Terrain.HTTPURL,
		RequestsPerSec:   c.Terrain.HTTPRPS,
		Timeout:          c.Terrain.HTTPTimeout,
		BreakerFailures:  c.Terrain.BreakerFailures,
		BreakerOpenDelay: c.Terrain.BreakerOpenDelay,
	}
}

// Publisher converts the cot section.
func (c *Config) Publisher() cot.Config {
	return cot.Config{
		Interval:     time.Duration(c.CoT.IntervalSec) * time.Second,
		Backoff:      time.Duration(c.CoT.BackoffSec) * time.Second,
		WriteTimeout: time.Duration(c.CoT.WriteTimeoutSec) * time.Second,
		MaxFailures:  c.CoT.MaxFailures,
		MarkerType:   c.CoT.MarkerType,
		DualMarker:   c.CoT.DualMarker,
		DualType:     c.CoT.DualType,
		StatusFilter: c.CoT.StatusFilter,
		Event: cot.EventOptions{
			UIDSalt:        c.CoT.UIDSalt,
			StaleAfter:     time.Duration(c.CoT.StaleMinutes) * time.Minute,
			CallsignStatic: c.CoT.CallsignStatic,
			IconsetPath:    c.CoT.IconsetPath,
			IconFile:       c.CoT.IconFile,
			GroupName:      c.CoT.GroupName,
			GroupRole:      c.CoT.GroupRole,
		},
	}
}

// TLSSource converts the tls section.
func (c *Config) TLSSource() tlsmaterial.Source {
	return tlsmaterial.Source{
		CAPath:      c.TLS.CAPath,
		CertPath:    c.TLS.CertPath,
		KeyPath:     c.TLS.KeyPath,
		P12Path:     c.TLS.P12Path,
		P12Password: c.TLS.P12Password,
	}
}
