package state

import (
	"context"
	"encoding/binary"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"balloon_tracker/internal/clock"
	"balloon_tracker/internal/payload"
	"balloon_tracker/internal/status"
)

var t0 = time.Date(2025, 10, 14, 12, 0, 0, 0, time.UTC)

type stubTerrain struct {
	mu     sync.Mutex
	ground float64
	ok     bool
}

func (s *stubTerrain) GroundElevation(_ context.Context, _, _ float64) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ground, s.ok
}

func (s *stubTerrain) set(ground float64, ok bool) {
	s.mu.Lock()
	s.ground, s.ok = ground, ok
	s.mu.Unlock()
}

type fixture struct {
	store   *Store
	repo    *SQLiteRepository
	clock   *clock.Manual
	terrain *stubTerrain
	decoder *payload.Decoder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	clk := clock.NewManual(t0)
	terrain := &stubTerrain{ground: 300, ok: true}
	return &fixture{
		store:   NewStore(repo, status.NewEngine(terrain, clk), clk),
		repo:    repo,
		clock:   clk,
		terrain: terrain,
		decoder: payload.NewDecoder(payload.WithNow(clk.Now)),
	}
}

// frame packs a 25-byte payload for the given position and altitude.
func frame(burn byte, hhmmss uint32, lat, lon, altM float64) []byte {
	b := make([]byte, payload.FrameSize)
	b[0] = burn
	binary.BigEndian.PutUint32(b[1:5], hhmmss*100)
	binary.BigEndian.PutUint32(b[5:9], uint32(math.Round((lat+90)*1e5)))
	binary.BigEndian.PutUint32(b[9:13], uint32(math.Round((lon+180)*1e5)))
	binary.BigEndian.PutUint32(b[13:17], uint32(math.Round((altM+payload.DefaultAltitudeOffsetM)*100)))
	binary.BigEndian.PutUint32(b[17:21], 25000)
	binary.BigEndian.PutUint32(b[21:25], 90000)
	return b
}

func (f *fixture) obs(device string, at time.Time, lat, lon, altM float64) payload.Observation {
	o := f.decoder.Decode(frame(0x02, uint32(at.Hour()*10000+at.Minute()*100+at.Second()), lat, lon, altM))
	o.DeviceID = device
	o.LastPositionUTC = at
	return o
}

func (f *fixture) mustRecord(t *testing.T, o payload.Observation) Result {
	t.Helper()
	res, err := f.store.Record(context.Background(), o)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	return res
}

func (f *fixture) mustGet(t *testing.T, id string) *DeviceState {
	t.Helper()
	ds, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%q) error = %v", id, err)
	}
	return ds
}

func TestRecordFirstObservation(t *testing.T) {
	tests := []struct {
		name   string
		ground float64
		want   status.Status
	}{
		{"ground close below", 450, status.Preflight},
		{"well above ground", 300, status.Airborne},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.terrain.set(tt.ground, true)

			res := f.mustRecord(t, f.obs("dev-1", t0, 45.0, -93.0, 500))
			if !res.Applied {
				t.Fatalf("Applied = false, outcome %s", res.Outcome)
			}

			ds := f.mustGet(t, "dev-1")
			if ds.Status != tt.want {
				t.Errorf("status = %s, want %s", ds.Status, tt.want)
			}
			if *ds.Lat != 45.0 || *ds.Lon != -93.0 {
				t.Errorf("position = %v,%v, want 45,-93", *ds.Lat, *ds.Lon)
			}
			if ds.MessageCount != 1 {
				t.Errorf("message_count = %d, want 1", ds.MessageCount)
			}
			if ds.MaxAltM != 500 {
				t.Errorf("max_alt_m = %v, want 500", ds.MaxAltM)
			}
			if !ds.FirstSeenUTC.Equal(t0) {
				t.Errorf("first_seen_utc = %v, want %v", ds.FirstSeenUTC, t0)
			}
			if ds.FlightStarted != (tt.want == status.Airborne) {
				t.Errorf("flight_started = %v", ds.FlightStarted)
			}
		})
	}
}

func TestRecordRejectsOlderTimestamp(t *testing.T) {
	f := newFixture(t)

	first := f.obs("dev-1", t0, 45, -93, 500)
	f.mustRecord(t, first)
	before := f.mustGet(t, "dev-1")

	res := f.mustRecord(t, f.obs("dev-1", t0.Add(-time.Minute), 46, -94, 9000))
	if res.Applied || res.Outcome != Stale {
		t.Fatalf("older observation: applied=%v outcome=%s, want stale", res.Applied, res.Outcome)
	}

	// Same timestamp is also stale.
	res = f.mustRecord(t, f.obs("dev-1", t0, 47, -95, 9000))
	if res.Applied {
		t.Fatal("equal timestamp should not apply")
	}

	after := f.mustGet(t, "dev-1")
	if after.MessageCount != before.MessageCount || after.MaxAltM != before.MaxAltM ||
		*after.Lat != *before.Lat || after.Raw != before.Raw || !after.LastPositionUTC.Equal(before.LastPositionUTC) {
		t.Errorf("state changed by stale write:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestRecordIdempotentRetransmission(t *testing.T) {
	f := newFixture(t)

	o := f.obs("dev-1", t0, 45, -93, 500)
	o.CorrelationID = "msg-1"
	if res := f.mustRecord(t, o); !res.Applied {
		t.Fatal("first delivery should apply")
	}
	before := f.mustGet(t, "dev-1")

	// Retransmission with a fresher envelope time is still a duplicate.
	retry := o
	retry.LastPositionUTC = t0.Add(time.Minute)
	res := f.mustRecord(t, retry)
	if res.Applied || res.Outcome != Duplicate {
		t.Fatalf("retry: applied=%v outcome=%s, want duplicate", res.Applied, res.Outcome)
	}

	// Same bytes under a different correlation id hit the device ledger.
	retry.CorrelationID = "msg-2"
	if res := f.mustRecord(t, retry); res.Outcome != Duplicate {
		t.Fatalf("device ledger: outcome=%s, want duplicate", res.Outcome)
	}

	after := f.mustGet(t, "dev-1")
	if after.MessageCount != before.MessageCount || !after.LastPositionUTC.Equal(before.LastPositionUTC) {
		t.Errorf("duplicate mutated state: %+v", after)
	}
}

func TestRecordFiltersNoise(t *testing.T) {
	f := newFixture(t)

	o := f.decoder.Decode(frame(0x00, 120000, 45, -93, 500))
	o.DeviceID = "dev-noise"
	res := f.mustRecord(t, o)
	if res.Applied || res.Outcome != Noise {
		t.Fatalf("applied=%v outcome=%s, want noise", res.Applied, res.Outcome)
	}

	o = f.decoder.Decode(frame(0x07, 120000, 45, -93, 500))
	o.DeviceID = "dev-noise"
	if res := f.mustRecord(t, o); res.Outcome != Foreign {
		t.Fatalf("outcome=%s, want foreign", res.Outcome)
	}

	if res := f.mustRecord(t, payload.Observation{DeviceID: "dev-noise"}); res.Outcome != Empty {
		t.Fatalf("outcome=%s, want empty", res.Outcome)
	}

	if ds := f.mustGet(t, "dev-noise"); ds != nil {
		t.Errorf("filtered frames created a device: %+v", ds)
	}
}

func TestRecordRequiresDeviceID(t *testing.T) {
	f := newFixture(t)
	o := f.obs("", t0, 1, 1, 1)
	if _, err := f.store.Record(context.Background(), o); err != ErrNoDeviceID {
		t.Fatalf("err = %v, want ErrNoDeviceID", err)
	}
}

func TestFlightLifecycle(t *testing.T) {
	f := newFixture(t)
	f.terrain.set(300, true)

	f.mustRecord(t, f.obs("dev-1", t0, 45, -93, 320))
	if ds := f.mustGet(t, "dev-1"); ds.Status != status.Preflight || ds.FlightStarted {
		t.Fatalf("launch pad: %s started=%v", ds.Status, ds.FlightStarted)
	}

	f.clock.Advance(time.Hour)
	f.mustRecord(t, f.obs("dev-1", f.clock.Now(), 45.1, -93.1, 18000))
	if ds := f.mustGet(t, "dev-1"); ds.Status != status.Airborne || !ds.FlightStarted {
		t.Fatalf("ascent: %s started=%v", ds.Status, ds.FlightStarted)
	}

	f.clock.Advance(time.Hour)
	f.mustRecord(t, f.obs("dev-1", f.clock.Now(), 45.5, -93.5, 350))
	ds := f.mustGet(t, "dev-1")
	if ds.Status != status.Landed {
		t.Errorf("descent status = %s, want LANDED", ds.Status)
	}
	if !ds.FlightStarted {
		t.Error("flight_started latch was reset")
	}
	if ds.MaxAltM != 18000 {
		t.Errorf("max_alt_m = %v, want 18000", ds.MaxAltM)
	}
	if ds.MessageCount != 3 {
		t.Errorf("message_count = %d, want 3", ds.MessageCount)
	}
}

func TestTerrainOutageKeepsLatch(t *testing.T) {
	f := newFixture(t)
	f.mustRecord(t, f.obs("dev-1", t0, 45, -93, 18000))

	f.terrain.set(0, false)
	f.clock.Advance(25 * time.Hour)
	// A reading that would be far above ground cannot be AIRBORNE without
	// terrain, and a fresh report is not abandoned.
	f.mustRecord(t, f.obs("dev-1", f.clock.Now(), 45, -93, 18000))
	ds := f.mustGet(t, "dev-1")
	if ds.Status != status.Landed || !ds.FlightStarted {
		t.Errorf("status = %s started=%v, want LANDED with latch", ds.Status, ds.FlightStarted)
	}
}

func TestMaxAltMonotone(t *testing.T) {
	f := newFixture(t)
	alts := []float64{100, 5000, 2000, 12000, 300, 11999}
	want := 0.0
	for i, a := range alts {
		f.mustRecord(t, f.obs("dev-1", t0.Add(time.Duration(i)*time.Minute), 10, 10, a))
		want = math.Max(want, a)
		ds := f.mustGet(t, "dev-1")
		if ds.MaxAltM != want {
			t.Fatalf("step %d: max_alt_m = %v, want %v", i, ds.MaxAltM, want)
		}
	}
}

func TestRecordCarriesStickyFields(t *testing.T) {
	f := newFixture(t)
	f.mustRecord(t, f.obs("dev-1", t0, 45, -93, 500))

	short := f.decoder.Decode([]byte{0x02, 0x12, 0x34})
	short.DeviceID = "dev-1"
	short.LastPositionUTC = t0.Add(time.Minute)
	res := f.mustRecord(t, short)
	if !res.Applied {
		t.Fatalf("short frame outcome = %s, want applied", res.Outcome)
	}
	ds := f.mustGet(t, "dev-1")
	if !ds.Questionable {
		t.Error("questionable_data = false, want true")
	}
	if ds.AltM == nil || *ds.AltM != 500 || ds.Lat == nil || *ds.Lat != 45 {
		t.Errorf("sticky fields not carried: %+v", ds)
	}
	if ds.Raw != "021234" {
		t.Errorf("raw = %q, want 021234", ds.Raw)
	}
	if ds.MaxAltM != 500 {
		t.Errorf("max_alt_m = %v, want 500", ds.MaxAltM)
	}
}

func TestTerminateIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.mustRecord(t, f.obs("dev-1", t0, 45, -93, 320))

	var changes []status.Status
	f.store.OnStatusChange(func(_ string, _, to status.Status) { changes = append(changes, to) })

	if err := f.store.Terminate(context.Background(), "dev-1"); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	f.mustRecord(t, f.obs("dev-1", t0.Add(time.Minute), 45, -93, 20000))

	ds := f.mustGet(t, "dev-1")
	if ds.Status != status.Terminated {
		t.Errorf("status = %s, want TERMINATED", ds.Status)
	}
	if *ds.AltM != 20000 {
		t.Errorf("alt_m = %v, want position updates to continue", *ds.AltM)
	}
	if len(changes) != 1 || changes[0] != status.Terminated {
		t.Errorf("status changes = %v, want [TERMINATED]", changes)
	}

	if err := f.store.Terminate(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("Terminate(missing) = %v, want ErrNotFound", err)
	}
}

func TestMarkProductionSurvivesTelemetry(t *testing.T) {
	f := newFixture(t)
	f.mustRecord(t, f.obs("dev-1", t0, 45, -93, 320))

	if err := f.store.MarkProduction(context.Background(), "dev-1"); err != nil {
		t.Fatalf("MarkProduction() error = %v", err)
	}
	f.mustRecord(t, f.obs("dev-1", t0.Add(time.Minute), 45, -93, 20000))
	f.clock.Set(t0.Add(72 * time.Hour))
	if _, err := f.store.RefreshStatuses(context.Background()); err != nil {
		t.Fatalf("RefreshStatuses() error = %v", err)
	}

	if got := f.mustGet(t, "dev-1").Status; got != status.Production {
		t.Errorf("status = %s, want PRODUCTION", got)
	}
	if err := f.store.MarkProduction(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("MarkProduction(missing) = %v, want ErrNotFound", err)
	}
}

func TestMetadataSurvivesTelemetry(t *testing.T) {
	f := newFixture(t)
	sr := 7
	md := Metadata{Callsign: "HAWK", SRNum: &sr, BalloonType: "zero-pressure"}
	if err := f.store.SetMetadata(context.Background(), "dev-1", md); err != nil {
		t.Fatalf("SetMetadata() error = %v", err)
	}

	if res := f.mustRecord(t, f.obs("dev-1", t0, 45, -93, 500)); !res.Applied {
		t.Fatalf("record on placeholder row: outcome %s", res.Outcome)
	}
	ds := f.mustGet(t, "dev-1")
	if ds.Callsign != "HAWK" || ds.SRNum == nil || *ds.SRNum != 7 || ds.BalloonType != "zero-pressure" {
		t.Errorf("metadata lost: %+v", ds)
	}
	if ds.MessageCount != 1 {
		t.Errorf("message_count = %d, want 1", ds.MessageCount)
	}
}

func TestListOrderAndFilter(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"c", "a", "b"} {
		f.mustRecord(t, f.obs(id, t0, 45, -93, 320))
	}
	if err := f.repo.SetStatus(context.Background(), "b", status.Abandoned); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	all, err := f.store.List(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 || all[0].DeviceID != "a" || all[1].DeviceID != "b" || all[2].DeviceID != "c" {
		t.Fatalf("List() order = %v", ids(all))
	}

	live, err := f.store.List(context.Background(), ListOptions{ExcludeStatus: []status.Status{status.Abandoned}})
	if err != nil {
		t.Fatalf("List(filtered) error = %v", err)
	}
	if got := ids(live); len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("filtered = %v, want [a c]", got)
	}
}

func ids(list []*DeviceState) []string {
	out := make([]string, len(list))
	for i, ds := range list {
		out[i] = ds.DeviceID
	}
	return out
}

func TestConcurrentWritesSameDevice(t *testing.T) {
	f := newFixture(t)

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o := f.obs("dev-1", t0.Add(time.Duration(i)*time.Second), 10, 10, float64(100*i))
			res, err := f.store.Record(context.Background(), o)
			if err != nil {
				t.Errorf("Record() error = %v", err)
				return
			}
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	ds := f.mustGet(t, "dev-1")
	if int(ds.MessageCount) != applied {
		t.Errorf("message_count = %d, applied = %d", ds.MessageCount, applied)
	}
	if applied == 0 {
		t.Fatal("no writes applied")
	}
	if f.store.locks.size() != 0 {
		t.Errorf("lock table holds %d entries after writers finished", f.store.locks.size())
	}
}

func TestPruneLedger(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		o := f.obs("dev-1", f.clock.Now(), 10, float64(i), 100)
		o.CorrelationID = "c"
		f.mustRecord(t, o)
		f.clock.Advance(time.Hour)
	}

	st, err := f.store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.DeviceLedger != 5 || st.CorrelationLedger != 5 || st.Devices != 1 {
		t.Fatalf("stats = %+v", st)
	}

	// Rows were written at t0..t0+4h; now is t0+5h. Keep the last 2.5h.
	pr, err := f.store.PruneLedger(context.Background(), 150*time.Minute, 0)
	if err != nil {
		t.Fatalf("PruneLedger() error = %v", err)
	}
	if pr.DeviceRaw != 3 || pr.Correlation != 3 {
		t.Errorf("retention pruned %+v, want 3 each", pr)
	}

	pr, err = f.store.PruneLedger(context.Background(), 0, 1)
	if err != nil {
		t.Fatalf("PruneLedger(cap) error = %v", err)
	}
	if pr.DeviceRaw != 1 || pr.Correlation != 1 {
		t.Errorf("cap pruned %+v, want 1 each", pr)
	}

	st, _ = f.store.Stats(context.Background())
	if st.DeviceLedger != 1 || st.CorrelationLedger != 1 {
		t.Errorf("after prune stats = %+v", st)
	}
}

func TestJanitorRunOnce(t *testing.T) {
	f := newFixture(t)
	f.mustRecord(t, f.obs("dev-1", t0, 10, 10, 100))
	f.clock.Advance(48 * time.Hour)

	j := &Janitor{Store: f.store, Retention: 24 * time.Hour, Clock: f.clock}
	j.RunOnce(context.Background())

	st, _ := f.store.Stats(context.Background())
	if st.DeviceLedger != 0 {
		t.Errorf("device ledger = %d, want 0", st.DeviceLedger)
	}
}

func TestRefreshStatusesAbandonsSilentLanded(t *testing.T) {
	f := newFixture(t)
	f.mustRecord(t, f.obs("dev-1", t0, 45, -93, 500))
	f.mustRecord(t, f.obs("dev-1", t0.Add(time.Hour), 45.01, -93.01, 350))
	f.mustRecord(t, f.obs("dev-2", t0.Add(time.Hour), 46, -94, 350))
	if got := f.mustGet(t, "dev-1").Status; got != status.Landed {
		t.Fatalf("status after landing = %s, want LANDED", got)
	}

	var changes []status.Status
	f.store.OnStatusChange(func(_ string, from, to status.Status) {
		changes = append(changes, from, to)
	})

	f.clock.Set(t0.Add(2 * time.Hour))
	if n, err := f.store.RefreshStatuses(context.Background()); err != nil || n != 0 {
		t.Fatalf("RefreshStatuses() before timeout = %d, %v; want 0", n, err)
	}

	f.clock.Set(t0.Add(49 * time.Hour))
	n, err := f.store.RefreshStatuses(context.Background())
	if err != nil {
		t.Fatalf("RefreshStatuses() error = %v", err)
	}
	if n != 1 {
		t.Errorf("changed = %d, want 1", n)
	}
	if got := f.mustGet(t, "dev-1").Status; got != status.Abandoned {
		t.Errorf("dev-1 status = %s, want ABANDONED", got)
	}
	if got := f.mustGet(t, "dev-2").Status; got != status.Preflight {
		t.Errorf("dev-2 status = %s, want PREFLIGHT untouched", got)
	}
	if len(changes) != 2 || changes[0] != status.Landed || changes[1] != status.Abandoned {
		t.Errorf("status changes = %v", changes)
	}

	active, err := f.store.List(context.Background(), ListOptions{ExcludeStatus: []status.Status{status.Abandoned}})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(active) != 1 || active[0].DeviceID != "dev-2" {
		t.Errorf("not abandoned = %+v, want only dev-2", active)
	}

	if n, _ := f.store.RefreshStatuses(context.Background()); n != 0 {
		t.Errorf("second refresh changed = %d, want 0", n)
	}
}

func TestJanitorRefreshesStatuses(t *testing.T) {
	f := newFixture(t)
	f.mustRecord(t, f.obs("dev-1", t0, 45, -93, 500))
	f.mustRecord(t, f.obs("dev-1", t0.Add(time.Hour), 45, -93, 350))
	f.clock.Set(t0.Add(30 * time.Hour))

	j := &Janitor{Store: f.store, Retention: 24 * time.Hour, Clock: f.clock}
	j.RunOnce(context.Background())

	if got := f.mustGet(t, "dev-1").Status; got != status.Abandoned {
		t.Errorf("status = %s, want ABANDONED", got)
	}
}
