package cot

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"balloon_tracker/internal/clock"
	"balloon_tracker/internal/logging"
	"balloon_tracker/internal/metrics"
	"balloon_tracker/internal/state"
	"balloon_tracker/internal/status"
)

// Status filters for Config.StatusFilter.
const (
	FilterAll          = "all"
	FilterNotAbandoned = "not_abandoned"
)

// Config controls the publish loop.
type Config struct {
	Interval     time.Duration
	Backoff      time.Duration
	WriteTimeout time.Duration
	// MaxFailures bounds consecutive transport failures before Serve
	// returns. Zero retries forever.
	MaxFailures int

	MarkerType   string
	DualMarker   bool
	DualType     string
	StatusFilter string
	Event        EventOptions
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.Backoff <= 0 {
		c.Backoff = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.MarkerType == "" {
		c.MarkerType = DefaultMarkerType
	}
	if c.DualType == "" {
		c.DualType = DefaultDualType
	}
	if c.Event.StaleAfter <= 0 {
		c.Event.StaleAfter = DefaultStaleAfter
	}
}

// Source provides the device snapshot for a tick.
type Source interface {
	List(ctx context.Context, opts state.ListOptions) ([]*state.DeviceState, error)
}

// StatusRefresher persists statuses that change with silence alone. A Source
// implementing it is refreshed before each snapshot.
type StatusRefresher interface {
	RefreshStatuses(ctx context.Context) (int, error)
}

// Publisher periodically streams every device with a valid position.
type Publisher struct {
	cfg     Config
	src     Source
	dialer  Dialer
	engine  *status.Engine
	clock   clock.Clock
	metrics *metrics.Collector
	log     zerolog.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

func WithClock(c clock.Clock) Option { return func(p *Publisher) { p.clock = c } }

func WithMetrics(m *metrics.Collector) Option { return func(p *Publisher) { p.metrics = m } }

// WithEngine re-derives the status of rows stored without one or LANDED.
func WithEngine(e *status.Engine) Option { return func(p *Publisher) { p.engine = e } }

// NewPublisher wires a publisher. The dialer must already hold a valid
// client credential; see NewTLSDialer.
func NewPublisher(cfg Config, src Source, dialer Dialer, opts ...Option) *Publisher {
	cfg.setDefaults()
	p := &Publisher{
		cfg:    cfg,
		src:    src,
		dialer: dialer,
		clock:  clock.Real{},
		log:    logging.With("cot-publisher"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Publisher) String() string { return "cot-publisher" }

// Serve connects, publishes every interval and reconnects after a fixed
// backoff on transport errors. It returns when ctx is cancelled or after
// MaxFailures consecutive failures.
func (p *Publisher) Serve(ctx context.Context) error {
	failures := 0
	for {
		ticks, err := p.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ticks > 0 {
			failures = 0
		}
		failures++
		p.metrics.TransportError()
		p.log.Warn().Err(err).Int("failures", failures).Dur("backoff", p.cfg.Backoff).Msg("cot transport error")
		if p.cfg.MaxFailures > 0 && failures >= p.cfg.MaxFailures {
			return fmt.Errorf("cot publisher: %d consecutive transport failures: %w", failures, err)
		}
		if !p.sleep(ctx, p.cfg.Backoff) {
			return ctx.Err()
		}
	}
}

// session runs ticks over one connection until a transport error or ctx is
// cancelled. It reports how many ticks completed.
func (p *Publisher) session(ctx context.Context) (int, error) {
	conn, err := p.dialer.Dial(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = conn.Close() }()
	p.metrics.Connected()
	p.log.Info().Str("remote", remoteAddr(conn)).Msg("cot connected")

	w := bufio.NewWriter(conn)
	for n := 0; ; n++ {
		// An in-flight tick finishes even if ctx is cancelled meanwhile.
		if _, err := p.Tick(context.WithoutCancel(ctx), conn, w); err != nil {
			return n, err
		}
		if !p.sleep(ctx, p.cfg.Interval) {
			return n + 1, nil
		}
	}
}

func remoteAddr(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (p *Publisher) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-p.clock.After(d):
		return true
	}
}

// Tick publishes one snapshot, flushing after each device. Only transport
// errors are returned; a failed snapshot read is logged and skipped.
func (p *Publisher) Tick(ctx context.Context, conn net.Conn, w *bufio.Writer) (int, error) {
	start := p.clock.Now()
	defer func() { p.metrics.ObserveTick(p.clock.Now().Sub(start).Seconds()) }()

	if r, ok := p.src.(StatusRefresher); ok {
		if _, err := r.RefreshStatuses(ctx); err != nil {
			p.log.Warn().Err(err).Msg("status refresh failed")
		}
	}
	devices, err := p.src.List(ctx, p.listOptions())
	if err != nil {
		p.log.Warn().Err(err).Msg("device snapshot failed")
		return 0, nil
	}

	sent := 0
	for _, ds := range devices {
		display := p.displayStatus(ctx, ds)
		if display == status.Abandoned && strings.EqualFold(p.cfg.StatusFilter, FilterNotAbandoned) {
			continue
		}
		events := p.events(ds, display, start)
		if len(events) == 0 {
			continue
		}
		if conn != nil {
			_ = conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
		}
		for _, ev := range events {
			b, err := ev.Marshal()
			if err != nil {
				p.log.Error().Err(err).Str("device_id", ds.DeviceID).Msg("encode failed")
				continue
			}
			if _, err := w.Write(b); err != nil {
				return sent, fmt.Errorf("write %s: %w", ev.UID, err)
			}
		}
		if err := w.Flush(); err != nil {
			return sent, fmt.Errorf("flush %s: %w", ds.DeviceID, err)
		}
		for _, ev := range events {
			p.metrics.EventSent(ev.Type)
		}
		sent += len(events)
		p.log.Debug().Str("device_id", ds.DeviceID).Str("status", string(ds.Status)).
			Str("lat", events[0].Point.Lat).Str("lon", events[0].Point.Lon).Str("hae", events[0].Point.Hae).
			Msg("published")
	}
	p.log.Info().Int("devices", len(devices)).Int("events", sent).Msg("cot tick")
	return sent, nil
}

func (p *Publisher) listOptions() state.ListOptions {
	if strings.EqualFold(p.cfg.StatusFilter, FilterNotAbandoned) {
		return state.ListOptions{ExcludeStatus: []status.Status{status.Abandoned}}
	}
	return state.ListOptions{}
}

// Events builds the primary event and, with dual marker enabled, the
// alternate marker event for ds. Devices without a valid position yield none.
func (p *Publisher) Events(ctx context.Context, ds *state.DeviceState, now time.Time) []*Event {
	return p.events(ds, p.displayStatus(ctx, ds), now)
}

func (p *Publisher) events(ds *state.DeviceState, display status.Status, now time.Time) []*Event {
	ev, ok := BuildEvent(ds, p.cfg.MarkerType, display, now, p.cfg.Event)
	if !ok {
		return nil
	}
	events := []*Event{ev}
	if p.cfg.DualMarker {
		if ev2, ok := BuildEvent(ds, p.cfg.DualType, display, now, p.cfg.Event); ok {
			events = append(events, ev2)
		}
	}
	return events
}

// displayStatus is the stored status, re-derived when it is missing or
// LANDED, since a silent landed device becomes ABANDONED.
func (p *Publisher) displayStatus(ctx context.Context, ds *state.DeviceState) status.Status {
	if ds.Status != "" && ds.Status != status.Landed {
		return ds.Status
	}
	if p.engine == nil {
		if ds.Status != "" {
			return ds.Status
		}
		return status.Preflight
	}
	return p.engine.Derive(ctx, status.Input{
		Current:         ds.Status,
		Lat:             ds.Lat,
		Lon:             ds.Lon,
		AltM:            ds.AltM,
		LastPositionUTC: ds.LastPositionUTC,
		FlightStarted:   ds.FlightStarted,
	}).Status
}

// Send dials once and writes events. Used for connectivity checks.
func Send(ctx context.Context, d Dialer, events ...*Event) error {
	conn, err := d.Dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	w := bufio.NewWriter(conn)
	for _, ev := range events {
		b, err := ev.Marshal()
		if err != nil {
			return err
		}
		if _, err := w.Write(b); err != nil {
			return fmt.Errorf("write %s: %w", ev.UID, err)
		}
	}
	return w.Flush()
}
