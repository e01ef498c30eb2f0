package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"balloon_tracker/internal/logging"
)

// NATSConfig configures the subscriber.
type NATSConfig struct {
	URL        string
	Subject    string
	QueueGroup string
}

// NATSSource consumes JSON Requests from a queue subscription. Messages with
// a reply subject are answered with a JSON Response.
type NATSSource struct {
	cfg  NATSConfig
	proc *Processor
	log  zerolog.Logger
}

// NewNATSSource returns a source feeding proc.
func NewNATSSource(cfg NATSConfig, proc *Processor) *NATSSource {
	if cfg.Subject == "" {
		cfg.Subject = "tracker.observations"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "balloon-tracker"
	}
	return &NATSSource{cfg: cfg, proc: proc, log: logging.With("ingest-nats")}
}

func (s *NATSSource) String() string { return "nats-ingest" }

// Serve subscribes until ctx is cancelled, then drains.
func (s *NATSSource) Serve(ctx context.Context) error {
	nc, err := nats.Connect(s.cfg.URL,
		nats.Name("balloon-tracker"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Close()

	sub, err := nc.QueueSubscribe(s.cfg.Subject, s.cfg.QueueGroup, func(m *nats.Msg) {
		resp := s.Handle(ctx, m.Data)
		if m.Reply == "" {
			return
		}
		b, err := json.Marshal(resp)
		if err != nil {
			return
		}
		if err := m.Respond(b); err != nil {
			s.log.Debug().Err(err).Msg("nats reply failed")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.cfg.Subject, err)
	}
	s.log.Info().Str("subject", s.cfg.Subject).Str("queue", s.cfg.QueueGroup).Msg("nats ingest subscribed")

	<-ctx.Done()
	if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		s.log.Warn().Err(err).Msg("nats drain failed")
	}
	return ctx.Err()
}

// Handle decodes and processes one message body.
func (s *NATSSource) Handle(ctx context.Context, data []byte) Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Response{Status: "error", Error: fmt.Sprintf("invalid json: %v", err)}
	}
	return s.proc.Respond(ctx, req)
}
