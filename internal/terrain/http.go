package terrain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"balloon_tracker/internal/logging"
)

// HTTPConfig configures an Open-Elevation compatible backend.
type HTTPConfig struct {
	URL              string
	RequestsPerSec   float64
	Timeout          time.Duration
	BreakerFailures  uint32
	BreakerOpenDelay time.Duration
}

// HTTPSource queries an Open-Elevation style API:
// GET {url}?locations=lat,lon -> {"results":[{"elevation":N}]}.
type HTTPSource struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[float64]
	log     zerolog.Logger
}

type elevationResponse struct {
	Results []struct {
		Elevation *float64 `json:"elevation"`
	} `json:"results"`
}

var errNoElevation = errors.New("no elevation in response")

// NewHTTPSource builds a rate limited, circuit broken client.
func NewHTTPSource(cfg HTTPConfig) *HTTPSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 5
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerOpenDelay <= 0 {
		cfg.BreakerOpenDelay = time.Minute
	}
	log := logging.With("terrain-http")
	s := &HTTPSource{
		url:     cfg.URL,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1),
		log:     log,
	}
	s.cb = gobreaker.NewCircuitBreaker[float64](gobreaker.Settings{
		Name:        "terrain-http",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerOpenDelay,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errNoElevation)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("elevation breaker state change")
		},
	})
	return s
}

func (s *HTTPSource) Name() string { return "http" }

func (s *HTTPSource) GroundElevation(ctx context.Context, lat, lon float64) (float64, bool) {
	if !s.limiter.Allow() {
		return 0, false
	}
	g, err := s.cb.Execute(func() (float64, error) {
		return s.fetch(ctx, lat, lon)
	})
	if err != nil {
		s.log.Debug().Err(err).Float64("lat", lat).Float64("lon", lon).Msg("elevation lookup failed")
		return 0, false
	}
	return g, true
}

func (s *HTTPSource) fetch(ctx context.Context, lat, lon float64) (float64, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return 0, fmt.Errorf("parse elevation url: %w", err)
	}
	q := u.Query()
	q.Set("locations", strconv.FormatFloat(lat, 'f', 6, 64)+","+strconv.FormatFloat(lon, 'f', 6, 64))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("elevation api: status %d", resp.StatusCode)
	}

	var body elevationResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode elevation: %w", err)
	}
	if len(body.Results) == 0 || body.Results[0].Elevation == nil {
		return 0, errNoElevation
	}
	return *body.Results[0].Elevation, nil
}
