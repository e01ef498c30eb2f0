package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate points CONFIG_PATH at nothing and runs from an empty directory so
// no stray config file is picked up.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv(ConfigPathEnvVar, "")
	testChdir(t, t.TempDir())
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.LedgerRetention != 7*24*time.Hour || cfg.Store.LedgerMaxRows != 200000 {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Decoder.AltitudeOffsetM != 200 {
		t.Errorf("altitude offset = %v, want 200", cfg.Decoder.AltitudeOffsetM)
	}

	pub := cfg.Publisher()
	if pub.Interval != 60*time.Second || pub.Event.StaleAfter != 15*time.Minute {
		t.Errorf("publisher interval/stale = %v/%v", pub.Interval, pub.Event.StaleAfter)
	}
	if pub.MarkerType != "b-m-p-s" || pub.StatusFilter != "all" || pub.Event.CallsignStatic != "SR00" {
		t.Errorf("publisher = %+v", pub)
	}
	if cfg.CoT.Enabled || cfg.NATS.Enabled || cfg.ClickHouse.Enabled {
		t.Error("optional services enabled by default")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	isolate(t)
	path := writeFile(t, "tracker.yaml", `
log:
  level: debug
store:
  sqlite_path: /data/tracker.db
  prune_interval: 1m
cot:
  interval_sec: 30
  marker_type: a-f-G-U-C
terrain:
  srtm_dir: /data/srtm
`)
	t.Setenv("COT_PUBLISH_INTERVAL_SEC", "15")
	t.Setenv("SRTM_CACHE_DIR", "/cache/srtm")
	t.Setenv("PYTAK_TLS_DONT_CHECK_HOSTNAME", "true")
	t.Setenv("API_KEYS", "k1, k2,,")
	t.Setenv("UNRELATED_VARIABLE", "ignored")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
	if cfg.Store.SQLitePath != "/data/tracker.db" || cfg.Store.PruneInterval != time.Minute {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.CoT.IntervalSec != 15 {
		t.Errorf("interval = %d, env should override file", cfg.CoT.IntervalSec)
	}
	if cfg.CoT.MarkerType != "a-f-G-U-C" {
		t.Errorf("marker = %q", cfg.CoT.MarkerType)
	}
	if cfg.Terrain.SRTMDir != "/cache/srtm" {
		t.Errorf("srtm dir = %q", cfg.Terrain.SRTMDir)
	}
	if !cfg.TLS.SkipHostnameCheck {
		t.Error("skip hostname check not mapped")
	}
	if strings.Join(cfg.HTTP.APIKeys, "|") != "k1|k2" {
		t.Errorf("api keys = %q", cfg.HTTP.APIKeys)
	}
}

func TestLoadConfigPathEnv(t *testing.T) {
	isolate(t)
	path := writeFile(t, "c.yaml", "nats:\n  enabled: true\n  subject: balloons.in\n")
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.NATS.Enabled || cfg.NATSSource().Subject != "balloons.in" {
		t.Errorf("nats = %+v", cfg.NATS)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolate(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad backend", func(c *Config) { c.Store.Backend = "mongo" }, "Backend"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "Level"},
		{"postgres without host", func(c *Config) {
			c.Store.Backend = "postgres"
			c.Postgres.Host = ""
		}, "postgres.host"},
		{"cert without key", func(c *Config) { c.TLS.CertPath = "/c.pem" }, "tls.cert_path"},
		{"cot bad url", func(c *Config) {
			c.CoT.Enabled = true
			c.CoT.URL = "tcp://tak:8089"
			c.TLS.P12Path = "/x.p12"
		}, "cot.url"},
		{"cot without credential", func(c *Config) {
			c.CoT.Enabled = true
			c.CoT.URL = "ssl://tak.example:8089"
		}, "client certificate"},
		{"cot ok", func(c *Config) {
			c.CoT.Enabled = true
			c.CoT.URL = "tls://10.0.0.5:8089"
			c.TLS.CertPath, c.TLS.KeyPath = "/c.pem", "/k.pem"
		}, ""},
		{"auth without keys", func(c *Config) { c.HTTP.AuthEnabled = true }, "api_keys"},
		{"bad status filter", func(c *Config) { c.CoT.StatusFilter = "some" }, "StatusFilter"},
		{"bad terrain url", func(c *Config) { c.Terrain.HTTPURL = "not a url" }, "HTTPURL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := defaultConfig()
	cfg.Store.Backend = "postgres"
	cfg.ClickHouse.Enabled = true
	cfg.TLS.P12Path = "/certs/client.p12"
	cfg.TLS.P12Password = "atakatak"

	sc := cfg.Storage()
	if sc.Backend != "postgres" || !sc.Archive || sc.Postgres.Port != 5432 || sc.ClickHouse.Port != 9000 {
		t.Errorf("storage = %+v", sc)
	}
	if aw := cfg.ArchiveWriter(); aw.BatchSize != 500 || aw.FlushInterval != 5*time.Second {
		t.Errorf("archive writer = %+v", aw)
	}
	if src := cfg.TLSSource(); src.P12Path != "/certs/client.p12" || src.P12Password != "atakatak" {
		t.Errorf("tls source = %+v", src)
	}
	if th := cfg.TerrainHTTP(); th.RequestsPerSec != 5 || th.BreakerFailures != 5 {
		t.Errorf("terrain http = %+v", th)
	}
	if lc := cfg.Logging(); lc.Level != "info" || lc.Format != "json" {
		t.Errorf("logging = %+v", lc)
	}
}

// testChdir changes the working directory to dir for the duration of the
// test, restoring the previous directory on cleanup (t.Chdir needs Go 1.24).
func testChdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatal(err)
		}
	})
}
