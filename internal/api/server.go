// Package api provides the REST endpoints for ingest and device queries.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"balloon_tracker/internal/ingest"
	"balloon_tracker/internal/logging"
	"balloon_tracker/internal/metrics"
	"balloon_tracker/internal/state"
	"balloon_tracker/internal/storage"
)

// DeviceStore is the device state the API reads and administers.
type DeviceStore interface {
	Get(ctx context.Context, deviceID string) (*state.DeviceState, error)
	List(ctx context.Context, opts state.ListOptions) ([]*state.DeviceState, error)
	SetMetadata(ctx context.Context, deviceID string, md state.Metadata) error
	Terminate(ctx context.Context, deviceID string) error
	MarkProduction(ctx context.Context, deviceID string) error
	Stats(ctx context.Context) (state.Stats, error)
}

// Ingester accepts inbound telemetry.
type Ingester interface {
	Respond(ctx context.Context, req ingest.Request) ingest.Response
	ProcessSTU(ctx context.Context, body []byte) ingest.STUResponse
}

// HistoryReader serves archived observations.
type HistoryReader interface {
	History(ctx context.Context, q storage.HistoryQuery) ([]storage.ArchiveRecord, error)
}

// Config holds configuration for the API server.
type Config struct {
	Addr           string
	AuthEnabled    bool
	APIKeys        []string // Keys accepted on write endpoints.
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

// Server provides REST access to device state and the ingest endpoints.
type Server struct {
	cfg      Config
	store    DeviceStore
	ingester Ingester
	history  HistoryReader
	metrics  *metrics.Collector
	apiKeys  map[string]bool
	log      zerolog.Logger
	now      func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithHistory enables the device history endpoint.
func WithHistory(h HistoryReader) Option { return func(s *Server) { s.history = h } }

// WithMetrics exposes m at /metrics.
func WithMetrics(m *metrics.Collector) Option { return func(s *Server) { s.metrics = m } }

// NewServer creates a new API server.
func NewServer(cfg Config, store DeviceStore, ingester Ingester, opts ...Option) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	keys := make(map[string]bool)
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys[k] = true
		}
	}
	s := &Server{
		cfg:      cfg,
		store:    store,
		ingester: ingester,
		apiKeys:  keys,
		log:      logging.With("api"),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router returns the configured chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	r.Use(corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required).
		r.Get("/health", s.handleHealth)

		r.Get("/devices", s.handleListDevices)
		r.Get("/devices/{id}", s.handleGetDevice)
		r.Get("/devices/{id}/history", s.handleDeviceHistory)
		r.Get("/devices.kml", s.handleDevicesKML)
		r.Get("/devices/{id}/track.kml", s.handleTrackKML)

		r.Group(func(r chi.Router) {
			if s.cfg.AuthEnabled {
				r.Use(s.authMiddleware)
			}
			r.Post("/message", s.handleMessage)
			r.Post("/stu", s.handleSTU)
			r.Put("/devices/{id}/metadata", s.handleSetMetadata)
			r.Post("/devices/{id}/terminate", s.handleTerminate)
			r.Post("/devices/{id}/production", s.handleProduction)
		})
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	return r
}

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Bool("auth", s.cfg.AuthEnabled).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("api shutdown")
		}
		return ctx.Err()
	}
}

func (s *Server) String() string { return "api" }

// requestLogger tags each request with an id and logs its completion.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = logging.NewRequestID()
		}
		l := s.log.With().Str("request_id", reqID).Logger()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Header().Set("X-Request-ID", reqID)

		next.ServeHTTP(ww, r.WithContext(logging.WithContext(r.Context(), l)))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ev := l.Debug()
		if status >= 500 {
			ev = l.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// corsMiddleware adds CORS headers for browser access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates API key authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")

		// Fall back to Authorization: Bearer <key>.
		if apiKey == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}

		if !s.apiKeys[apiKey] {
			writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}
