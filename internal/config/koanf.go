package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, in order.
var DefaultConfigPaths = []string{
	"balloon-tracker.yaml",
	"balloon-tracker.yml",
	"/etc/balloon-tracker/config.yaml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load layers defaults, the config file and the environment, then
// validates the result. An explicit path must exist; with no path the
// default locations are searched.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

var sliceConfigPaths = []string{
	"http.api_keys",
}

// processSliceFields splits comma-separated env values for slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		var parts []string
		for _, p := range strings.Split(strVal, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings maps environment names, including those used by earlier
// deployments, onto config paths. Unmapped variables are ignored.
var envMappings = map[string]string{
	"log_level":  "log.level",
	"log_format": "log.format",
	"log_caller": "log.caller",

	"store_backend":         "store.backend",
	"store_sqlite_path":     "store.sqlite_path",
	"sqlite_path":           "store.sqlite_path",
	"ledger_retention":      "store.ledger_retention",
	"ledger_max_rows":       "store.ledger_max_rows",
	"ledger_prune_interval": "store.prune_interval",

	"postgres_host":     "postgres.host",
	"postgres_port":     "postgres.port",
	"postgres_db":       "postgres.database",
	"postgres_user":     "postgres.user",
	"postgres_password": "postgres.password",
	"postgres_sslmode":  "postgres.sslmode",

	"clickhouse_enabled":        "clickhouse.enabled",
	"clickhouse_host":           "clickhouse.host",
	"clickhouse_port":           "clickhouse.port",
	"clickhouse_db":             "clickhouse.database",
	"clickhouse_user":           "clickhouse.user",
	"clickhouse_password":       "clickhouse.password",
	"clickhouse_batch_size":     "clickhouse.batch_size",
	"clickhouse_buffer_size":    "clickhouse.buffer_size",
	"clickhouse_flush_interval": "clickhouse.flush_interval",

	"nats_enabled":     "nats.enabled",
	"nats_url":         "nats.url",
	"nats_subject":     "nats.subject",
	"nats_queue_group": "nats.queue_group",

	"http_enabled":         "http.enabled",
	"http_addr":            "http.addr",
	"http_request_timeout": "http.request_timeout",
	"api_auth_enabled":     "http.auth_enabled",
	"api_keys":             "http.api_keys",

	"altitude_offset_m": "decoder.altitude_offset_m",

	"srtm_cache_dir":             "terrain.srtm_dir",
	"terrain_http_url":           "terrain.http_url",
	"terrain_http_rps":           "terrain.http_rps",
	"terrain_http_timeout":       "terrain.http_timeout",
	"terrain_breaker_failures":   "terrain.breaker_failures",
	"terrain_breaker_open_delay": "terrain.breaker_open_delay",

	"cot_enabled":              "cot.enabled",
	"cot_url":                  "cot.url",
	"cot_publish_interval_sec": "cot.interval_sec",
	"cot_backoff_sec":          "cot.backoff_sec",
	"cot_write_timeout_sec":    "cot.write_timeout_sec",
	"cot_max_failures":         "cot.max_failures",
	"cot_marker_type":          "cot.marker_type",
	"cot_dual_marker":          "cot.dual_marker",
	"cot_dual_type":            "cot.dual_type",
	"cot_uid_salt":             "cot.uid_salt",
	"cot_status_filter":        "cot.status_filter",
	"cot_stale_minutes":        "cot.stale_minutes",
	"cot_callsign_static":      "cot.callsign_static",
	"cot_iconset_path":         "cot.iconset_path",
	"cot_icon_file":            "cot.icon_file",
	"cot_group_name":           "cot.group_name",
	"cot_group_role":           "cot.group_role",

	"pytak_tls_ca_cert":             "tls.ca_path",
	"pytak_tls_client_cert":         "tls.cert_path",
	"pytak_tls_client_key":          "tls.key_path",
	"pytak_tls_client_p12":          "tls.p12_path",
	"pytak_tls_client_password":     "tls.p12_password",
	"pytak_tls_server_name":         "tls.server_name",
	"pytak_tls_dont_check_hostname": "tls.skip_hostname_check",
	"cot_tls_ca":                    "tls.ca_path",
	"cot_tls_cert":                  "tls.cert_path",
	"cot_tls_key":                   "tls.key_path",
	"cot_tls_p12":                   "tls.p12_path",
	"cot_tls_p12_password":          "tls.p12_password",
	"cot_tls_server_name":           "tls.server_name",
}

func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
