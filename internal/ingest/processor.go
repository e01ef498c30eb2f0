// Package ingest turns inbound transport messages into store writes.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"balloon_tracker/internal/clock"
	"balloon_tracker/internal/logging"
	"balloon_tracker/internal/metrics"
	"balloon_tracker/internal/payload"
	"balloon_tracker/internal/state"
)

var (
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrDecode wraps payload transport-encoding failures.
	ErrDecode = errors.New("decode_error")
)

// Request is one inbound message.
type Request struct {
	DeviceID        string `json:"device_id" validate:"required,max=128"`
	Payload         string `json:"payload" validate:"required"`
	Encoding        string `json:"encoding,omitempty" validate:"omitempty,oneof=hex hexstring b64 base64 auto"`
	CorrelationID   string `json:"correlation_id,omitempty" validate:"max=256"`
	EnvelopeTimeISO string `json:"envelope_time_iso,omitempty"`
}

// Response is the JSON acknowledgement for a Request.
type Response struct {
	Status   string `json:"status"`
	DeviceID string `json:"device_id,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Recorder persists observations.
type Recorder interface {
	Record(ctx context.Context, obs payload.Observation) (state.Result, error)
}

// Sink receives every applied observation, e.g. a history archive.
// Archive must not block.
type Sink interface {
	Archive(obs payload.Observation, res state.Result)
}

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

// Processor validates, decodes and records requests.
type Processor struct {
	decoder  *payload.Decoder
	recorder Recorder
	sink     Sink
	metrics  *metrics.Collector
	clock    clock.Clock
	log      zerolog.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

func WithSink(s Sink) ProcessorOption { return func(p *Processor) { p.sink = s } }

func WithMetrics(m *metrics.Collector) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

func WithClock(c clock.Clock) ProcessorOption { return func(p *Processor) { p.clock = c } }

// NewProcessor returns a processor recording into rec.
func NewProcessor(dec *payload.Decoder, rec Recorder, opts ...ProcessorOption) *Processor {
	if dec == nil {
		dec = payload.NewDecoder()
	}
	p := &Processor{
		decoder:  dec,
		recorder: rec,
		clock:    clock.Real{},
		log:      logging.With("ingest"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process handles one request. Filtered, duplicate and stale messages are
// successful no-ops reported through the result's Outcome.
func (p *Processor) Process(ctx context.Context, req Request) (state.Result, error) {
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	req.CorrelationID = strings.TrimSpace(req.CorrelationID)
	if err := getValidator().Struct(req); err != nil {
		p.metrics.Ingest(metrics.ResultError)
		return state.Result{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	at, err := p.envelopeTime(req.EnvelopeTimeISO)
	if err != nil {
		p.metrics.Ingest(metrics.ResultError)
		return state.Result{}, err
	}

	obs, err := p.decoder.DecodeString(req.Payload, req.Encoding)
	if err != nil {
		p.metrics.DecodeError()
		p.metrics.Ingest(metrics.ResultError)
		p.log.Error().Err(err).Str("device_id", req.DeviceID).Msg("decode error")
		return state.Result{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	obs.DeviceID = req.DeviceID
	obs.CorrelationID = req.CorrelationID
	obs.LastPositionUTC = at

	return p.record(ctx, obs)
}

func (p *Processor) record(ctx context.Context, obs payload.Observation) (state.Result, error) {
	res, err := p.recorder.Record(ctx, obs)
	if err != nil {
		p.metrics.Ingest(metrics.ResultError)
		return res, err
	}
	p.metrics.Ingest(resultLabel(res.Outcome))
	if res.Applied && p.sink != nil {
		p.sink.Archive(obs, res)
	}
	return res, nil
}

func resultLabel(o state.Outcome) string {
	switch o {
	case state.Applied:
		return metrics.ResultApplied
	case state.Duplicate:
		return metrics.ResultDuplicate
	case state.Stale:
		return metrics.ResultStale
	default:
		return metrics.ResultNoise
	}
}

var envelopeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
}

// envelopeTime parses the optional envelope timestamp; zone-less values are
// UTC. An empty value means now.
func (p *Processor) envelopeTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return p.clock.Now().UTC(), nil
	}
	for _, layout := range envelopeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: envelope_time_iso %q is not ISO 8601", ErrInvalidRequest, s)
}

// Respond runs Process and shapes the outcome as a Response.
func (p *Processor) Respond(ctx context.Context, req Request) Response {
	res, err := p.Process(ctx, req)
	if err != nil {
		return Response{Status: "error", DeviceID: strings.TrimSpace(req.DeviceID), Error: err.Error()}
	}
	return Response{Status: "success", DeviceID: strings.TrimSpace(req.DeviceID), Outcome: string(res.Outcome)}
}
