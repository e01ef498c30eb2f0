package ingest

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"balloon_tracker/internal/clock"
	"balloon_tracker/internal/metrics"
	"balloon_tracker/internal/payload"
	"balloon_tracker/internal/state"
)

var t0 = time.Date(2025, 10, 14, 12, 0, 0, 0, time.UTC)

func frame(burn byte, lat, lon, altM float64) []byte {
	b := make([]byte, payload.FrameSize)
	b[0] = burn
	binary.BigEndian.PutUint32(b[1:5], 12000000)
	binary.BigEndian.PutUint32(b[5:9], uint32(math.Round((lat+90)*1e5)))
	binary.BigEndian.PutUint32(b[9:13], uint32(math.Round((lon+180)*1e5)))
	binary.BigEndian.PutUint32(b[13:17], uint32(math.Round((altM+payload.DefaultAltitudeOffsetM)*100)))
	return b
}

type fakeRecorder struct {
	mu  sync.Mutex
	obs []payload.Observation
	res state.Result
	err error
}

func (f *fakeRecorder) Record(_ context.Context, obs payload.Observation) (state.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = append(f.obs, obs)
	return f.res, f.err
}

type fakeSink struct {
	got []payload.Observation
}

func (f *fakeSink) Archive(obs payload.Observation, _ state.Result) { f.got = append(f.got, obs) }

func newProcessor(t *testing.T, rec Recorder, opts ...ProcessorOption) (*Processor, *metrics.Collector) {
	t.Helper()
	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	opts = append([]ProcessorOption{WithMetrics(m), WithClock(clock.NewManual(t0))}, opts...)
	return NewProcessor(payload.NewDecoder(), rec, opts...), m
}

func TestProcess(t *testing.T) {
	raw := frame(0x02, 45, -93, 500)
	hexPayload := hex.EncodeToString(raw)
	b64Payload := base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name     string
		req      Request
		wantTime time.Time
	}{
		{"hex", Request{DeviceID: "dev", Payload: hexPayload, Encoding: "hex"}, t0},
		{"base64", Request{DeviceID: "dev", Payload: b64Payload, Encoding: "base64"}, t0},
		{"auto hex", Request{DeviceID: "dev", Payload: "0x" + hexPayload}, t0},
		{"auto base64", Request{DeviceID: "dev", Payload: b64Payload}, t0},
		{"envelope time", Request{DeviceID: " dev ", Payload: hexPayload, EnvelopeTimeISO: "2025-10-14T03:07:11.5Z"},
			time.Date(2025, 10, 14, 3, 7, 11, 5e8, time.UTC)},
		{"zone-less envelope", Request{DeviceID: "dev", Payload: hexPayload, EnvelopeTimeISO: "2025-10-14T03:07:11"},
			time.Date(2025, 10, 14, 3, 7, 11, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{res: state.Result{Applied: true, Outcome: state.Applied}}
			sink := &fakeSink{}
			p, m := newProcessor(t, rec, WithSink(sink))

			res, err := p.Process(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			if !res.Applied {
				t.Error("Applied = false")
			}
			if len(rec.obs) != 1 {
				t.Fatalf("recorded %d observations", len(rec.obs))
			}
			obs := rec.obs[0]
			if obs.DeviceID != "dev" {
				t.Errorf("device_id = %q", obs.DeviceID)
			}
			if obs.Raw != hexPayload {
				t.Errorf("raw = %q, want %q", obs.Raw, hexPayload)
			}
			if obs.Lat == nil || *obs.Lat != 45 {
				t.Errorf("lat = %v", obs.Lat)
			}
			if !obs.LastPositionUTC.Equal(tt.wantTime) {
				t.Errorf("last_position_utc = %v, want %v", obs.LastPositionUTC, tt.wantTime)
			}
			if len(sink.got) != 1 {
				t.Errorf("archived %d, want 1", len(sink.got))
			}
			if got := testutil.ToFloat64(m.IngestResults.WithLabelValues(metrics.ResultApplied)); got != 1 {
				t.Errorf("applied metric = %v", got)
			}
		})
	}
}

func TestProcessRejects(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{"missing device", Request{Payload: "02"}, ErrInvalidRequest},
		{"blank device", Request{DeviceID: "  ", Payload: "02"}, ErrInvalidRequest},
		{"missing payload", Request{DeviceID: "dev"}, ErrInvalidRequest},
		{"unknown encoding", Request{DeviceID: "dev", Payload: "02", Encoding: "rot13"}, ErrInvalidRequest},
		{"bad envelope time", Request{DeviceID: "dev", Payload: "02", EnvelopeTimeISO: "yesterday"}, ErrInvalidRequest},
		{"bad hex", Request{DeviceID: "dev", Payload: "zz", Encoding: "hex"}, ErrDecode},
		{"bad base64", Request{DeviceID: "dev", Payload: "!!!", Encoding: "b64"}, ErrDecode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{}
			p, m := newProcessor(t, rec)
			_, err := p.Process(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if len(rec.obs) != 0 {
				t.Error("rejected request reached the store")
			}
			if got := testutil.ToFloat64(m.IngestResults.WithLabelValues(metrics.ResultError)); got != 1 {
				t.Errorf("error metric = %v", got)
			}
		})
	}
}

func TestProcessNoopOutcomes(t *testing.T) {
	for _, o := range []state.Outcome{state.Noise, state.Foreign, state.Duplicate, state.Stale} {
		t.Run(string(o), func(t *testing.T) {
			sink := &fakeSink{}
			p, m := newProcessor(t, &fakeRecorder{res: state.Result{Outcome: o}}, WithSink(sink))
			resp := p.Respond(context.Background(), Request{DeviceID: "dev", Payload: "0011"})
			if resp.Status != "success" || resp.Outcome != string(o) {
				t.Errorf("response = %+v", resp)
			}
			if len(sink.got) != 0 {
				t.Error("no-op archived")
			}
			if got := testutil.ToFloat64(m.IngestResults.WithLabelValues(resultLabel(o))); got != 1 {
				t.Errorf("%s metric = %v", resultLabel(o), got)
			}
		})
	}
}

func TestRespondError(t *testing.T) {
	p, _ := newProcessor(t, &fakeRecorder{err: errors.New("disk full")})
	resp := p.Respond(context.Background(), Request{DeviceID: "dev", Payload: "02"})
	if resp.Status != "error" || resp.Error != "disk full" {
		t.Errorf("response = %+v", resp)
	}
}
