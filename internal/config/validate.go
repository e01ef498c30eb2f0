package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"balloon_tracker/internal/cot"
	"balloon_tracker/internal/storage"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks field constraints and the rules that span sections.
func (c *Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		return err
	}

	var errs []error
	if c.Store.Backend == storage.BackendSQLite && c.Store.SQLitePath == "" {
		errs = append(errs, errors.New("store.sqlite_path is required for the sqlite backend"))
	}
	if c.Store.Backend == storage.BackendPostgres && c.Postgres.Host == "" {
		errs = append(errs, errors.New("postgres.host is required for the postgres backend"))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required when http is enabled"))
	}
	if c.HTTP.AuthEnabled && len(c.HTTP.APIKeys) == 0 {
		errs = append(errs, errors.New("http.api_keys is required when auth is enabled"))
	}
	if (c.TLS.CertPath == "") != (c.TLS.KeyPath == "") {
		errs = append(errs, errors.New("tls.cert_path and tls.key_path must be set together"))
	}
	if c.CoT.DualMarker && c.CoT.DualType == "" {
		errs = append(errs, errors.New("cot.dual_type is required when cot.dual_marker is set"))
	}
	if c.CoT.Enabled {
		if _, _, err := cot.ParseURL(c.CoT.URL); err != nil {
			errs = append(errs, fmt.Errorf("cot.url: %w", err))
		}
		if c.TLS.P12Path == "" && c.TLS.CertPath == "" {
			errs = append(errs, errors.New("cot requires a client certificate (tls.p12_path or tls.cert_path/tls.key_path)"))
		}
	}
	return errors.Join(errs...)
}
