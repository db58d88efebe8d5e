package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zonewatch/internal/config"
	"zonewatch/internal/geo"
	"zonewatch/internal/model"
	"zonewatch/internal/rejects"
	"zonewatch/internal/storage"
	"zonewatch/internal/zones"
)

var (
	center = geo.Point{Lat: 25.672254, Lon: -100.319939}
	t0     = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
)

type recorder struct {
	mu     sync.Mutex
	events []model.TransitionEvent
}

func (r *recorder) Enqueue(ev model.TransitionEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return true
}

func (r *recorder) all() []model.TransitionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.TransitionEvent(nil), r.events...)
}

type harness struct {
	eng      *Engine
	store    storage.Store
	registry *zones.Registry
	sink     *recorder
	rejects  *rejects.Store
	clock    time.Time
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Detection.Cooldown = 2 * time.Minute
	cfg.Detection.StalenessWindow = 5 * time.Minute
	cfg.Detection.SearchMargin = 250
	cfg.FixCache.TTL = 10 * time.Minute
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config, zs ...model.Zone) *harness {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.Init(ctx))
	for _, z := range zs {
		require.NoError(t, store.UpsertZone(ctx, z))
	}
	return newHarnessWithStore(t, cfg, store)
}

func newHarnessWithStore(t *testing.T, cfg *config.Config, store storage.Store) *harness {
	t.Helper()
	h := &harness{
		store:    store,
		registry: zones.NewRegistry(store, time.Minute, nil, nil),
		sink:     &recorder{},
		rejects:  rejects.NewStore(100),
		clock:    t0,
	}
	h.eng = NewEngine(cfg, Deps{
		Store:    store,
		Zones:    h.registry,
		Notifier: h.sink,
		Rejects:  h.rejects,
	})
	h.eng.now = func() time.Time { return h.clock }
	return h
}

func depotZone(radius float64) model.Zone {
	return model.Zone{ID: "depot", Name: "Depot", Lat: center.Lat, Lon: center.Lon, RadiusM: radius, Enabled: true, Group: "ops"}
}

// fixAt places a fix north of the zone center.
func fixAt(device string, north float64, at time.Time) model.PositionFix {
	p := geo.Offset(center, north, 0)
	return model.PositionFix{DeviceID: device, Lat: p.Lat, Lon: p.Lon, Accuracy: 5, Timestamp: at, IngestedAt: at, Source: "test"}
}

func (h *harness) process(t *testing.T, fix model.PositionFix) Outcome {
	t.Helper()
	h.clock = fix.IngestedAt
	out, err := h.eng.ProcessFix(context.Background(), fix)
	require.NoError(t, err)
	return out
}

func (h *harness) membership(t *testing.T, device, zone string) (model.Membership, bool) {
	t.Helper()
	ms, err := h.store.Memberships(context.Background(), device)
	require.NoError(t, err)
	for _, m := range ms {
		if m.ZoneID == zone {
			return m, true
		}
	}
	return model.Membership{}, false
}

func TestScenarioDepotEnterDebounceExit(t *testing.T) {
	h := newHarness(t, testConfig(), depotZone(20))

	out := h.process(t, fixAt("dev1", 100, t0))
	assert.Equal(t, StatusEvaluated, out.Status)
	assert.Empty(t, out.Events)
	m, ok := h.membership(t, "dev1", "depot")
	require.True(t, ok, "membership is created lazily on first evaluation")
	assert.Equal(t, model.StateOutside, m.State)
	assert.InDelta(t, 100, m.LastDistance, 0.5)

	out = h.process(t, fixAt("dev1", 10, t0.Add(30*time.Second)))
	require.Len(t, out.Events, 1)
	assert.Equal(t, model.TransitionEnter, out.Events[0].Type)
	assert.InDelta(t, 10, out.Events[0].DistanceM, 0.5)
	m, _ = h.membership(t, "dev1", "depot")
	assert.Equal(t, model.StateInside, m.State)

	out = h.process(t, fixAt("dev1", 10, t0.Add(60*time.Second)))
	assert.Empty(t, out.Events)

	out = h.process(t, fixAt("dev1", 50, t0.Add(4*time.Minute)))
	require.Len(t, out.Events, 1)
	assert.Equal(t, model.TransitionExit, out.Events[0].Type)
	m, _ = h.membership(t, "dev1", "depot")
	assert.Equal(t, model.StateOutside, m.State)
	assert.True(t, m.LastExitAt.Equal(t0.Add(4*time.Minute)))

	stored, err := h.store.ListEvents(context.Background(), storage.EventFilter{DeviceID: "dev1"})
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	for _, ev := range stored {
		assert.Equal(t, model.StatusPending, ev.Status)
	}
	assert.Len(t, h.sink.all(), 2)
}

func TestJitterWithinCooldownIsSuppressed(t *testing.T) {
	h := newHarness(t, testConfig(), depotZone(20))

	h.process(t, fixAt("dev1", 10, t0))
	out := h.process(t, fixAt("dev1", 30, t0.Add(10*time.Second)))
	require.Len(t, out.Events, 1)
	assert.Equal(t, model.TransitionExit, out.Events[0].Type)

	out = h.process(t, fixAt("dev1", 10, t0.Add(20*time.Second)))
	assert.Empty(t, out.Events)
	assert.Equal(t, 1, out.Suppressed)
	m, _ := h.membership(t, "dev1", "depot")
	assert.Equal(t, model.StateOutside, m.State, "suppressed transition leaves state alone")
	assert.InDelta(t, 10, m.LastDistance, 0.5, "last distance still updated")

	out = h.process(t, fixAt("dev1", 10, t0.Add(3*time.Minute)))
	require.Len(t, out.Events, 1)
	assert.Equal(t, model.TransitionEnter, out.Events[0].Type)
}

func TestTransitionsAlternate(t *testing.T) {
	for _, cooldown := range []time.Duration{0, 2 * time.Minute} {
		cfg := testConfig()
		cfg.Detection.Cooldown = cooldown
		h := newHarness(t, cfg, depotZone(20))
		rng := rand.New(rand.NewSource(42))

		var kinds []model.TransitionType
		for i := 0; i < 300; i++ {
			north := rng.Float64() * 40
			out := h.process(t, fixAt("dev1", north, t0.Add(time.Duration(i)*15*time.Second)))
			for _, ev := range out.Events {
				kinds = append(kinds, ev.Type)
			}
		}
		require.NotEmpty(t, kinds)
		enters, exits := 0, 0
		for i, k := range kinds {
			if i%2 == 0 {
				assert.Equal(t, model.TransitionEnter, k, "cooldown %s index %d", cooldown, i)
				enters++
			} else {
				assert.Equal(t, model.TransitionExit, k, "cooldown %s index %d", cooldown, i)
				exits++
			}
		}
		assert.LessOrEqual(t, enters-exits, 1)
		assert.GreaterOrEqual(t, enters-exits, 0)
	}
}

func TestResubmittedFixEmitsOnce(t *testing.T) {
	h := newHarness(t, testConfig(), depotZone(20))
	fix := fixAt("dev1", 5, t0)

	first := h.process(t, fix)
	second := h.process(t, fix)
	assert.Len(t, first.Events, 1)
	assert.Empty(t, second.Events)

	stored, err := h.store.ListEvents(context.Background(), storage.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestDistanceEqualToRadiusIsInside(t *testing.T) {
	p := geo.Offset(center, 20, 7)
	zone := depotZone(geo.Distance(p, center))
	h := newHarness(t, testConfig(), zone)

	out := h.process(t, model.PositionFix{DeviceID: "dev1", Lat: p.Lat, Lon: p.Lon, Timestamp: t0, IngestedAt: t0})
	require.Len(t, out.Events, 1)
	assert.Equal(t, model.TransitionEnter, out.Events[0].Type)
	m, _ := h.membership(t, "dev1", "depot")
	assert.Equal(t, model.StateInside, m.State)
}

func TestOutOfOrderFixNeverChangesState(t *testing.T) {
	h := newHarness(t, testConfig(), depotZone(20))
	h.process(t, fixAt("dev1", 5, t0.Add(time.Minute)))

	late := fixAt("dev1", 500, t0)
	late.IngestedAt = t0.Add(70 * time.Second)
	out := h.process(t, late)
	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, rejects.ReasonOutOfOrder, out.Reason)
	assert.ErrorIs(t, out.Err, ErrOutOfOrder)

	m, _ := h.membership(t, "dev1", "depot")
	assert.Equal(t, model.StateInside, m.State)
	assert.Equal(t, 1, h.rejects.Counts()[rejects.ReasonOutOfOrder])

	track, ok, err := h.store.GetDevice(context.Background(), "dev1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, track.LastFix.Timestamp.Equal(t0.Add(time.Minute)))
}

func TestStaleFixIsDiscarded(t *testing.T) {
	h := newHarness(t, testConfig(), depotZone(20))
	fix := fixAt("dev1", 5, t0)
	fix.IngestedAt = t0.Add(6 * time.Minute)

	out := h.process(t, fix)
	assert.Equal(t, StatusRejected, out.Status)
	assert.ErrorIs(t, out.Err, ErrStale)
	_, ok := h.membership(t, "dev1", "depot")
	assert.False(t, ok)
	_, ok, err := h.eng.Fixes().Get(context.Background(), "dev1")
	require.NoError(t, err)
	assert.False(t, ok, "rejected fixes are not cached")
}

func TestConcurrentFixesForOneDeviceEnterOnce(t *testing.T) {
	h := newHarness(t, testConfig(), depotZone(20))
	const n = 32

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.eng.ProcessFix(context.Background(), fixAt("dev1", 3, t0))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := h.store.ListEvents(context.Background(), storage.EventFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, model.TransitionEnter, stored[0].Type)
	assert.Equal(t, 0, h.eng.locks.size())
}

func TestDevicesAtSameInstantAreIndependent(t *testing.T) {
	h := newHarness(t, testConfig(), depotZone(20))

	var wg sync.WaitGroup
	outs := make([]Outcome, 2)
	for i, north := range []float64{19, 21} {
		wg.Add(1)
		go func(i int, north float64) {
			defer wg.Done()
			out, err := h.eng.ProcessFix(context.Background(), fixAt([]string{"dev1", "dev2"}[i], north, t0))
			assert.NoError(t, err)
			outs[i] = out
		}(i, north)
	}
	wg.Wait()

	require.Len(t, outs[0].Events, 1)
	assert.Equal(t, "dev1", outs[0].Events[0].DeviceID)
	assert.Empty(t, outs[1].Events)

	m1, _ := h.membership(t, "dev1", "depot")
	m2, _ := h.membership(t, "dev2", "depot")
	assert.Equal(t, model.StateInside, m1.State)
	assert.Equal(t, model.StateOutside, m2.State)
}

func TestExitMarginHoldsInside(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.ExitMargin = 10
	h := newHarness(t, cfg, depotZone(20))

	h.process(t, fixAt("dev1", 15, t0))
	out := h.process(t, fixAt("dev1", 25, t0.Add(time.Minute)))
	assert.Empty(t, out.Events)
	out = h.process(t, fixAt("dev1", 35, t0.Add(2*time.Minute)))
	require.Len(t, out.Events, 1)
	assert.Equal(t, model.TransitionExit, out.Events[0].Type)
}

func TestNextStateClosedDisk(t *testing.T) {
	q := geo.Offset(center, 0, 20)
	d := geo.Distance(center, q)

	assert.Equal(t, model.StateInside, nextState(model.StateOutside, center, q, d, 0), "the boundary counts as inside")
	assert.Equal(t, model.StateOutside, nextState(model.StateOutside, center, q, d-0.01, 0))
	assert.Equal(t, model.StateInside, nextState(model.StateInside, center, q, d-5, 10))
	assert.Equal(t, model.StateOutside, nextState(model.StateOutside, center, q, d-5, 10), "the margin only holds devices already inside")
}

func TestLongJumpStillExits(t *testing.T) {
	h := newHarness(t, testConfig(), depotZone(20))
	h.process(t, fixAt("dev1", 5, t0))

	out := h.process(t, fixAt("dev1", 50_000, t0.Add(time.Minute)))
	require.Len(t, out.Events, 1)
	assert.Equal(t, model.TransitionExit, out.Events[0].Type)
}

func TestDisabledZoneMarksMembershipStale(t *testing.T) {
	h := newHarness(t, testConfig(), depotZone(20))
	h.process(t, fixAt("dev1", 5, t0))

	z := depotZone(20)
	z.Enabled = false
	require.NoError(t, h.store.UpsertZone(context.Background(), z))
	h.registry.Invalidate()

	out := h.process(t, fixAt("dev1", 500, t0.Add(time.Minute)))
	assert.Empty(t, out.Events)
	assert.Equal(t, 1, out.Staled)
	m, _ := h.membership(t, "dev1", "depot")
	assert.True(t, m.Stale)
	assert.Equal(t, model.StateInside, m.State, "history is retained")
}

type flakyStore struct {
	storage.Store
	mu        sync.Mutex
	conflicts int
	failWith  error
}

func (f *flakyStore) CommitEvaluation(ctx context.Context, ev storage.Evaluation) error {
	f.mu.Lock()
	if f.failWith != nil {
		err := f.failWith
		f.mu.Unlock()
		return err
	}
	if f.conflicts > 0 {
		f.conflicts--
		f.mu.Unlock()
		return storage.ErrConflict
	}
	f.mu.Unlock()
	return f.Store.CommitEvaluation(ctx, ev)
}

func TestConflictIsRetriedOnce(t *testing.T) {
	mem := storage.NewMemory()
	require.NoError(t, mem.UpsertZone(context.Background(), depotZone(20)))
	store := &flakyStore{Store: mem, conflicts: 1}
	h := newHarnessWithStore(t, testConfig(), store)

	out := h.process(t, fixAt("dev1", 5, t0))
	assert.Len(t, out.Events, 1)
}

func TestStoreFailureFailsClosed(t *testing.T) {
	mem := storage.NewMemory()
	require.NoError(t, mem.UpsertZone(context.Background(), depotZone(20)))
	store := &flakyStore{Store: mem, failWith: errors.New("disk full")}
	h := newHarnessWithStore(t, testConfig(), store)

	fix := fixAt("dev1", 5, t0)
	out, err := h.eng.ProcessFix(context.Background(), fix)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Empty(t, h.sink.all())

	stored, err := mem.ListEvents(context.Background(), storage.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, stored)
	_, ok := h.membership(t, "dev1", "depot")
	assert.False(t, ok)

	cached, ok, err := h.eng.Fixes().Get(context.Background(), "dev1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cached.NeedsEvaluation(time.Time{}))

	store.mu.Lock()
	store.failWith = nil
	store.mu.Unlock()
	out, err = h.eng.Reevaluate(context.Background(), cached.Fix)
	require.NoError(t, err)
	assert.Len(t, out.Events, 1)
	cached, _, _ = h.eng.Fixes().Get(context.Background(), "dev1")
	assert.False(t, cached.NeedsEvaluation(time.Time{}))
	assert.True(t, cached.NeedsEvaluation(cached.EvaluatedAt.Add(time.Millisecond)), "older than the last sweep")
}

func TestReevaluateSkipsBusyDevice(t *testing.T) {
	h := newHarness(t, testConfig(), depotZone(20))
	unlock := h.eng.locks.Lock("dev1")

	_, err := h.eng.Reevaluate(context.Background(), fixAt("dev1", 5, t0))
	assert.ErrorIs(t, err, ErrDeviceBusy)

	unlock()
	_, err = h.eng.Reevaluate(context.Background(), fixAt("dev1", 5, t0))
	assert.NoError(t, err)
}

func TestDebouncerAllow(t *testing.T) {
	d := Debouncer{Cooldown: time.Minute}
	m := model.Membership{LastEnterAt: t0}
	assert.False(t, d.Allow(m, model.TransitionEnter, t0.Add(59*time.Second)))
	assert.True(t, d.Allow(m, model.TransitionEnter, t0.Add(time.Minute)))
	assert.True(t, d.Allow(m, model.TransitionExit, t0.Add(time.Second)))
	assert.True(t, Debouncer{}.Allow(m, model.TransitionEnter, t0))
}
