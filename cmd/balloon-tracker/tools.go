package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"balloon_tracker/internal/config"
	"balloon_tracker/internal/cot"
	"balloon_tracker/internal/logging"
	"balloon_tracker/internal/payload"
	"balloon_tracker/internal/state"
	"balloon_tracker/internal/status"
	"balloon_tracker/internal/tlsmaterial"
)

func runP12ToPEM(args []string, stdout io.Writer) int {
	fs := pflag.NewFlagSet("p12-to-pem", pflag.ContinueOnError)
	p12Path := fs.String("p12", "", "PKCS#12 bundle (.p12/.pfx)")
	password := fs.String("password", os.Getenv("PYTAK_TLS_CLIENT_PASSWORD"), "Bundle password")
	outDir := fs.StringP("out", "o", ".", "Directory for ca.pem, cert.pem and key.pem")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *p12Path == "" {
		fmt.Fprintln(os.Stderr, "--p12 is required")
		return 2
	}

	data, err := os.ReadFile(*p12Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read bundle: %v\n", err)
		return 1
	}
	m, err := tlsmaterial.FromPKCS12(data, *password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "decode bundle: %v\n", err)
		return 1
	}
	paths, err := tlsmaterial.WriteFiles(*outDir, m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "write pem files: %v\n", err)
		return 1
	}
	for _, p := range []string{paths.CA, paths.Cert, paths.Key} {
		if p != "" {
			fmt.Fprintln(stdout, p)
		}
	}
	return 0
}

func runCoTTest(args []string) int {
	fs := pflag.NewFlagSet("cot-test", pflag.ContinueOnError)
	cfgPath := fs.StringP("config", "c", "", "YAML config file")
	url := fs.String("url", "", "Override cot.url")
	device := fs.String("device", "cot-test", "Device id for the synthetic event")
	lat := fs.Float64("lat", 0, "Latitude")
	lon := fs.Float64("lon", 0, "Longitude")
	alt := fs.Float64("alt", 0, "Altitude in metres")
	timeout := fs.Duration("timeout", 20*time.Second, "Dial and write timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logging.Error().Err(err).Msg("load config")
		return 1
	}
	if *url != "" {
		cfg.CoT.URL = *url
	}
	logging.Init(cfg.Logging())
	log := logging.With("cot-test")

	dialer, err := newDialer(cfg)
	if err != nil {
		log.Error().Err(err).Msg("cot tls setup")
		return 1
	}

	now := time.Now().UTC()
	ds := &state.DeviceState{
		DeviceID:        *device,
		Lat:             payload.Float(*lat),
		Lon:             payload.Float(*lon),
		AltM:            payload.Float(*alt),
		Status:          status.Preflight,
		MaxAltM:         *alt,
		LastPositionUTC: now,
	}
	pub := cfg.Publisher()
	ev, ok := cot.BuildEvent(ds, pub.MarkerType, ds.Status, now, pub.Event)
	if !ok {
		log.Error().Float64("lat", *lat).Float64("lon", *lon).Msg("coordinates out of range")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := cot.Send(ctx, dialer, ev); err != nil {
		log.Error().Err(err).Str("addr", dialer.Addr).Msg("send failed")
		return 1
	}
	log.Info().Str("addr", dialer.Addr).Str("uid", ev.UID).Msg("test event sent")
	return 0
}
