package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"balloon_tracker/internal/api"
	"balloon_tracker/internal/clock"
	"balloon_tracker/internal/config"
	"balloon_tracker/internal/cot"
	"balloon_tracker/internal/ingest"
	"balloon_tracker/internal/logging"
	"balloon_tracker/internal/metrics"
	"balloon_tracker/internal/payload"
	"balloon_tracker/internal/state"
	"balloon_tracker/internal/status"
	"balloon_tracker/internal/storage"
	"balloon_tracker/internal/supervisor"
	"balloon_tracker/internal/terrain"
	"balloon_tracker/internal/tlsmaterial"
)

func runServe(args []string) int {
	fs := pflag.NewFlagSet("serve", pflag.ExitOnError)
	cfgPath := fs.StringP("config", "c", "", "YAML config file (default: search standard paths)")
	logLevel := fs.String("log-level", "", "Override log.level")
	httpAddr := fs.String("http-addr", "", "Override http.addr")
	_ = fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logging.Error().Err(err).Msg("load config")
		return 1
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
	}
	logging.Init(cfg.Logging())
	log := logging.With("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		log.Error().Err(err).Msg("register metrics")
		return 1
	}

	db, err := storage.Open(ctx, cfg.Storage())
	if err != nil {
		log.Error().Err(err).Str("backend", cfg.Store.Backend).Msg("open storage")
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("close storage")
		}
	}()

	clk := clock.Real{}
	engine := status.NewEngine(buildTerrain(cfg, m), clk)
	store := state.NewStore(db.Repo, engine, clk)
	store.OnStatusChange(func(deviceID string, from, to status.Status) {
		log.Info().Str("device_id", deviceID).Str("from", string(from)).Str("to", string(to)).Msg("status changed")
	})

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddStorageService(&state.Janitor{
		Store:     store,
		Retention: cfg.Store.LedgerRetention,
		MaxRows:   cfg.Store.LedgerMaxRows,
		Interval:  cfg.Store.PruneInterval,
		Clock:     clk,
		Metrics:   m,
	})

	procOpts := []ingest.ProcessorOption{ingest.WithMetrics(m), ingest.WithClock(clk)}
	var apiOpts []api.Option
	apiOpts = append(apiOpts, api.WithMetrics(m))
	if db.Archive != nil {
		writer := storage.NewArchiveWriter(cfg.ArchiveWriter(), db.Archive, clk, m)
		tree.AddStorageService(writer)
		procOpts = append(procOpts, ingest.WithSink(writer))
		apiOpts = append(apiOpts, api.WithHistory(db.Archive))
	}
	proc := ingest.NewProcessor(newDecoder(cfg.Decoder.AltitudeOffsetM), store, procOpts...)

	if cfg.HTTP.Enabled {
		tree.AddIngestService(api.NewServer(api.Config{
			Addr:           cfg.HTTP.Addr,
			AuthEnabled:    cfg.HTTP.AuthEnabled,
			APIKeys:        cfg.HTTP.APIKeys,
			RequestTimeout: cfg.HTTP.RequestTimeout,
		}, store, proc, apiOpts...))
	}
	if cfg.NATS.Enabled {
		tree.AddIngestService(ingest.NewNATSSource(cfg.NATSSource(), proc))
	}
	if cfg.CoT.Enabled {
		dialer, err := newDialer(cfg)
		if err != nil {
			log.Error().Err(err).Msg("cot tls setup")
			return 1
		}
		tree.AddPublishService(cot.NewPublisher(cfg.Publisher(), store, dialer,
			cot.WithClock(clk), cot.WithMetrics(m), cot.WithEngine(engine)))
	}

	log.Info().
		Str("backend", cfg.Store.Backend).
		Bool("archive", db.Archive != nil).
		Bool("http", cfg.HTTP.Enabled).
		Bool("nats", cfg.NATS.Enabled).
		Bool("cot", cfg.CoT.Enabled).
		Msg("balloon-tracker starting")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("supervisor exited")
		return 1
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		log.Warn().Int("services", len(report)).Msg("services did not stop in time")
	}
	log.Info().Msg("shutdown complete")
	return 0
}

// buildTerrain chains the configured elevation sources, local tiles first.
// It returns nil when none are configured.
func buildTerrain(cfg *config.Config, m *metrics.Collector) status.Terrain {
	var sources []terrain.Source
	if cfg.Terrain.SRTMDir != "" {
		sources = append(sources, terrain.NewSRTMSource(cfg.Terrain.SRTMDir))
	}
	if cfg.Terrain.HTTPURL != "" {
		sources = append(sources, terrain.NewHTTPSource(cfg.TerrainHTTP()))
	}
	if len(sources) == 0 {
		logging.Warn().Msg("no terrain source configured; status falls back to message age")
		return nil
	}
	return terrain.NewChain(m, sources...)
}

func newDecoder(altOffset float64) *payload.Decoder {
	opts := []payload.Option{payload.WithAltitudeOffset(altOffset)}
	zones, err := payload.NewTZFinder()
	if err != nil {
		logging.Warn().Err(err).Msg("timezone finder unavailable; local time uses longitude offsets")
	} else {
		opts = append(opts, payload.WithZoneFinder(zones))
	}
	return payload.NewDecoder(opts...)
}

func newDialer(cfg *config.Config) (*cot.TLSDialer, error) {
	material, err := cfg.TLSSource().Resolve()
	if err != nil && !errors.Is(err, tlsmaterial.ErrNoMaterial) {
		return nil, err
	}
	return cot.NewTLSDialer(cfg.CoT.URL, cot.TLSOptions{
		Material:          material,
		ServerName:        cfg.TLS.ServerName,
		SkipHostnameCheck: cfg.TLS.SkipHostnameCheck,
	})
}
