package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"parking-monitor/internal/channel"
	"parking-monitor/internal/clock"
	"parking-monitor/internal/domain/violation"
	"parking-monitor/internal/view"
)

var t0 = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu         sync.Mutex
	pages      map[violation.Status]violation.Page
	fetchErr   error
	holds      map[violation.Status]chan struct{}
	fetches    []violation.Filter
	counts     violation.Counts
	countsErr  error
	countCalls int
	patched    *violation.Violation
	patchErr   error
	patches    []violation.Patch
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		pages: make(map[violation.Status]violation.Page),
		holds: make(map[violation.Status]chan struct{}),
	}
}

func (a *fakeAPI) FetchViolations(_ context.Context, f violation.Filter) (violation.Page, error) {
	a.mu.Lock()
	a.fetches = append(a.fetches, f)
	hold := a.holds[f.Status]
	a.mu.Unlock()

	if hold != nil {
		<-hold
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fetchErr != nil {
		return violation.Page{}, a.fetchErr
	}
	return a.pages[f.Status], nil
}

func (a *fakeAPI) FetchCounts(context.Context) (violation.Counts, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.countCalls++
	if a.countsErr != nil {
		return violation.Counts{}, a.countsErr
	}
	return a.counts, nil
}

func (a *fakeAPI) PatchViolation(_ context.Context, id int64, patch violation.Patch) (violation.Violation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.patches = append(a.patches, patch)
	if a.patchErr != nil {
		return violation.Violation{}, a.patchErr
	}
	return *a.patched, nil
}

func (a *fakeAPI) fetchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.fetches)
}

func (a *fakeAPI) countCallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.countCalls
}

type fakeChannel struct {
	mu        sync.Mutex
	handlers  map[string]channel.Handler
	connected []string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]channel.Handler)}
}

func (c *fakeChannel) Connect(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = append(c.connected, name)
	return nil
}

func (c *fakeChannel) Subscribe(id string, h channel.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[id] = h
}

func (c *fakeChannel) Unsubscribe(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, id)
}

func (c *fakeChannel) push(t *testing.T, msg violation.PushMessage) {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	c.pushRaw(raw)
}

func (c *fakeChannel) pushRaw(raw []byte) {
	c.mu.Lock()
	handlers := make([]channel.Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(channel.Message{Type: "test", Raw: raw})
	}
}

type harness struct {
	api   *fakeAPI
	ch    *fakeChannel
	clock *clock.FakeClock
	store *Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{api: newFakeAPI(), ch: newFakeChannel(), clock: clock.Fake(t0)}
	h.store = New(h.api, h.ch, h.clock, DefaultOptions(), zerolog.Nop())
	t.Cleanup(h.store.Close)
	return h
}

func open(id int64, pct float64, at time.Time) violation.Violation {
	return violation.Violation{
		ID:                  id,
		ParkingLotID:        1,
		OccupancyPercentage: pct,
		Status:              violation.StatusOpen,
		DetectedAt:          at,
	}
}

func withStatus(v violation.Violation, status violation.Status) violation.Violation {
	v.Status = status
	return v
}

func itemIDs(s *Store) []int64 {
	return view.IDs(s.State().Items)
}

func TestResolvedPushSchedulesRemoval(t *testing.T) {
	h := newHarness(t)
	h.api.pages[violation.StatusOpen] = violation.Page{Total: 1, Violations: []violation.Violation{open(1, 120, t0)}}

	require.NoError(t, h.store.Open(context.Background(), violation.Filter{Status: violation.StatusOpen, SortBy: violation.SortNewest}))
	require.Equal(t, []string{"violations"}, h.ch.connected)
	require.Equal(t, 1, h.store.Len())
	require.Equal(t, int64(1), h.store.State().Total)

	resolved := withStatus(open(1, 120, t0), violation.StatusResolved)
	h.ch.push(t, violation.NewStatusMessage(resolved, t0))

	require.Equal(t, 1, h.store.Len())
	require.Equal(t, []int64{1}, h.store.Removing())
	items := h.store.State().Items
	require.Len(t, items, 1)
	require.True(t, items[0].Removing)
	require.Equal(t, violation.StatusResolved, items[0].Status)

	h.clock.Advance(349 * time.Millisecond)
	require.Equal(t, 1, h.store.Len())

	h.clock.Advance(time.Millisecond)
	require.Zero(t, h.store.Len())
	require.Empty(t, h.store.Removing())
	require.Empty(t, h.store.State().Items)
}

func TestCreateUnderSeveritySortsBySeverity(t *testing.T) {
	h := newHarness(t)
	h.api.pages[""] = violation.Page{Total: 1, Violations: []violation.Violation{open(1, 120, t0)}}
	require.NoError(t, h.store.Open(context.Background(), violation.Filter{SortBy: violation.SortSeverity}))
	require.Contains(t, h.ch.handlers, h.store.SubscriberID())

	h.ch.push(t, violation.NewCreatedMessage(open(2, 150, t0.Add(-time.Hour)), t0))

	require.Equal(t, []int64{2, 1}, itemIDs(h.store))
}

func TestCreateNotMatchingIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.api.pages[violation.StatusAcknowledged] = violation.Page{Total: 1, Violations: []violation.Violation{
		withStatus(open(1, 120, t0), violation.StatusAcknowledged),
	}}
	require.NoError(t, h.store.Load(context.Background(), violation.Filter{Status: violation.StatusAcknowledged}))

	require.False(t, h.store.ApplyCreate(open(2, 130, t0.Add(time.Minute))))
	require.Equal(t, 1, h.store.Len())

	// Counts are global, so they are refreshed even for a create outside the filter.
	require.Eventually(t, func() bool { return h.api.countCallCount() == 1 }, time.Second, time.Millisecond)
}

func TestCreateUnderNewestPrependsAndRefreshesCounts(t *testing.T) {
	h := newHarness(t)
	h.api.pages[violation.StatusOpen] = violation.Page{Total: 2, Violations: []violation.Violation{
		open(2, 115, t0), open(1, 140, t0.Add(-time.Hour)),
	}}
	h.api.counts = violation.Counts{OpenViolations: 3, CriticalViolations: 1}
	require.NoError(t, h.store.Load(context.Background(), violation.Filter{Status: violation.StatusOpen}))

	require.True(t, h.store.ApplyCreate(open(3, 111, t0.Add(time.Hour))))
	require.Equal(t, []int64{3, 2, 1}, itemIDs(h.store))

	require.Eventually(t, func() bool {
		return h.store.Counts() == violation.Counts{OpenViolations: 3, CriticalViolations: 1}
	}, time.Second, time.Millisecond)
}

func TestCreateUnderNewestWithOlderTimestampStillSorted(t *testing.T) {
	h := newHarness(t)
	h.api.pages[""] = violation.Page{Violations: []violation.Violation{open(2, 115, t0), open(1, 140, t0.Add(-2*time.Hour))}}
	require.NoError(t, h.store.Load(context.Background(), violation.Filter{}))

	h.store.ApplyCreate(open(3, 111, t0.Add(-time.Hour)))
	require.Equal(t, []int64{2, 3, 1}, itemIDs(h.store))
}

func TestCreateUnderLotNameKeepsArrivalOrderOnTies(t *testing.T) {
	h := newHarness(t)
	lot := &violation.ParkingLot{ID: 1, Name: "Central"}
	first := open(1, 120, t0)
	first.ParkingLot = lot
	h.api.pages[""] = violation.Page{Violations: []violation.Violation{first}}
	require.NoError(t, h.store.Load(context.Background(), violation.Filter{SortBy: violation.SortLotName}))

	second := open(2, 130, t0.Add(time.Minute))
	second.ParkingLot = lot
	unnamed := open(3, 130, t0.Add(time.Minute))
	h.store.ApplyCreate(second)
	h.store.ApplyCreate(unnamed)

	require.Equal(t, []int64{3, 1, 2}, itemIDs(h.store))
}

func TestUpdateOfUnknownMatchingRecordInserts(t *testing.T) {
	h := newHarness(t)
	h.api.pages[violation.StatusAcknowledged] = violation.Page{Violations: []violation.Violation{
		withStatus(open(1, 120, t0), violation.StatusAcknowledged),
	}}
	require.NoError(t, h.store.Load(context.Background(), violation.Filter{Status: violation.StatusAcknowledged}))

	h.store.ApplyUpdate(7, withStatus(open(7, 125, t0.Add(time.Hour)), violation.StatusAcknowledged))
	require.Equal(t, 2, h.store.Len())
	require.Equal(t, []int64{7, 1}, itemIDs(h.store))
	require.Empty(t, h.store.Removing())
}

func TestUpdateOfUnknownNonMatchingRecordIsIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Load(context.Background(), violation.Filter{Status: violation.StatusOpen}))

	h.store.ApplyUpdate(7, withStatus(open(7, 125, t0), violation.StatusResolved))
	require.Zero(t, h.store.Len())
	require.Empty(t, h.store.Removing())
}

func TestUpdateReplacesInPlaceAndResorts(t *testing.T) {
	h := newHarness(t)
	h.api.pages[""] = violation.Page{Violations: []violation.Violation{open(1, 150, t0), open(2, 120, t0)}}
	require.NoError(t, h.store.Load(context.Background(), violation.Filter{SortBy: violation.SortSeverity}))

	h.store.ApplyUpdate(2, open(2, 180, t0))
	require.Equal(t, []int64{2, 1}, itemIDs(h.store))
	require.Equal(t, 180.0, h.store.Snapshot()[2].OccupancyPercentage)
}

func TestApplyUpdateIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.api.pages[violation.StatusOpen] = violation.Page{Violations: []violation.Violation{open(1, 120, t0), open(2, 130, t0.Add(time.Minute))}}
	require.NoError(t, h.store.Load(context.Background(), violation.Filter{Status: violation.StatusOpen}))

	notes := "tow truck requested"
	updated := open(1, 125, t0)
	updated.Notes = &notes

	h.store.ApplyUpdate(1, updated)
	once := h.store.Snapshot()
	onceItems := itemIDs(h.store)

	h.store.ApplyUpdate(1, updated)
	require.Equal(t, once, h.store.Snapshot())
	require.Equal(t, onceItems, itemIDs(h.store))

	resolved := withStatus(updated, violation.StatusResolved)
	h.store.ApplyUpdate(1, resolved)
	h.store.ApplyUpdate(1, resolved)
	require.Equal(t, []int64{1}, h.store.Removing())
	require.Equal(t, 1, h.clock.Pending())
}

func TestScheduleRemovalTwiceFiresOnce(t *testing.T) {
	h := newHarness(t)
	h.api.pages[""] = violation.Page{Violations: []violation.Violation{open(1, 120, t0), open(2, 120, t0)}}
	require.NoError(t, h.store.Load(context.Background(), violation.Filter{}))

	changes := 0
	var mu sync.Mutex
	h.store.opts.OnChange = func() {
		mu.Lock()
		changes++
		mu.Unlock()
	}

	h.store.ScheduleRemoval(1)
	h.clock.Advance(200 * time.Millisecond)
	h.store.ScheduleRemoval(1)
	require.Equal(t, 1, h.clock.Pending())

	// The second call must not restart the timer.
	h.clock.Advance(150 * time.Millisecond)
	require.Equal(t, 1, h.store.Len())
	require.NotContains(t, h.store.Snapshot(), int64(1))
	require.Zero(t, h.clock.Pending())

	mu.Lock()
	require.Equal(t, 3, changes)
	mu.Unlock()
}

func TestRemovalIsUnconditionalOnceScheduled(t *testing.T) {
	h := newHarness(t)
	h.api.pages[violation.StatusOpen] = violation.Page{Violations: []violation.Violation{open(1, 120, t0)}}
	require.NoError(t, h.store.Load(context.Background(), violation.Filter{Status: violation.StatusOpen}))

	h.store.ApplyUpdate(1, withStatus(open(1, 120, t0), violation.StatusResolved))
	h.store.ApplyUpdate(1, open(1, 120, t0))
	require.Equal(t, []int64{1}, h.store.Removing())

	h.clock.Advance(time.Second)
	require.Zero(t, h.store.Len())
}

func TestLoadCancelsPendingRemovals(t *testing.T) {
	h := newHarness(t)
	h.api.pages[violation.StatusOpen] = violation.Page{Violations: []violation.Violation{open(1, 120, t0)}}
	require.NoError(t, h.store.Load(context.Background(), violation.Filter{Status: violation.StatusOpen}))

	h.store.ApplyUpdate(1, withStatus(open(1, 120, t0), violation.StatusResolved))
	require.Equal(t, []int64{1}, h.store.Removing())

	h.api.pages[""] = violation.Page{Violations: []violation.Violation{withStatus(open(1, 120, t0), violation.StatusResolved)}}
	require.NoError(t, h.store.Load(context.Background(), violation.Filter{}))
	require.Empty(t, h.store.Removing())

	h.clock.Advance(time.Second)
	require.Equal(t, 1, h.store.Len())
}

func TestStaleLoadIsDiscarded(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.api.holds[violation.StatusOpen] = gate
	h.api.pages[violation.StatusOpen] = violation.Page{Total: 1, Violations: []violation.Violation{open(1, 120, t0)}}
	h.api.pages[violation.StatusResolved] = violation.Page{Total: 1, Violations: []violation.Violation{withStatus(open(2, 120, t0), violation.StatusResolved)}}

	staleErr := make(chan error, 1)
	go func() {
		staleErr <- h.store.Load(context.Background(), violation.Filter{Status: violation.StatusOpen})
	}()
	require.Eventually(t, func() bool { return h.api.fetchCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.store.SetFilter(context.Background(), violation.Filter{Status: violation.StatusResolved}))
	close(gate)

	require.ErrorIs(t, <-staleErr, ErrSuperseded)
	require.Equal(t, []int64{2}, itemIDs(h.store))
	require.Equal(t, violation.StatusResolved, h.store.State().Filter.Status)
	require.False(t, h.store.State().Loading)
}

func TestLoadFailureKeepsSnapshot(t *testing.T) {
	h := newHarness(t)
	h.api.pages[""] = violation.Page{Total: 1, Violations: []violation.Violation{open(1, 120, t0)}}
	require.NoError(t, h.store.Load(context.Background(), violation.Filter{}))

	h.api.fetchErr = errors.New("connection reset")
	err := h.store.Load(context.Background(), violation.Filter{})
	require.ErrorIs(t, err, ErrTransientFetch)

	state := h.store.State()
	require.ErrorIs(t, state.Err, ErrTransientFetch)
	require.False(t, state.Loading)
	require.Equal(t, []int64{1}, view.IDs(state.Items))

	h.api.fetchErr = nil
	require.NoError(t, h.store.Load(context.Background(), violation.Filter{}))
	require.NoError(t, h.store.State().Err)
}

func TestFailedLoadKeepsActiveFilter(t *testing.T) {
	h := newHarness(t)
	h.api.pages[violation.StatusOpen] = violation.Page{Total: 1, Violations: []violation.Violation{open(1, 120, t0)}}
	require.NoError(t, h.store.Load(context.Background(), violation.Filter{Status: violation.StatusOpen}))
	require.Equal(t, []int64{1}, itemIDs(h.store))

	h.api.fetchErr = errors.New("connection reset")
	err := h.store.SetFilter(context.Background(), violation.Filter{Status: violation.StatusResolved})
	require.ErrorIs(t, err, ErrTransientFetch)

	state := h.store.State()
	require.Equal(t, violation.StatusOpen, state.Filter.Status)
	require.Equal(t, []int64{1}, view.IDs(state.Items))
	require.Equal(t, int64(1), state.Total)

	// Pushes are still judged against the filter the snapshot belongs to.
	require.True(t, h.store.ApplyCreate(open(2, 130, t0.Add(time.Minute))))
	require.False(t, h.store.ApplyCreate(withStatus(open(3, 130, t0.Add(time.Minute)), violation.StatusResolved)))
	require.Equal(t, []int64{2, 1}, itemIDs(h.store))
}

func TestLoadedRecordsAreShownAsReturned(t *testing.T) {
	h := newHarness(t)
	day, err := violation.ParseDate("2026-04-02")
	require.NoError(t, err)

	// The server owns the date range; a record it returns is shown even when
	// its timestamp falls outside the local calendar day.
	outside := open(1, 120, violation.EndOfDay(day).Add(6*time.Hour))
	h.api.pages[violation.StatusOpen] = violation.Page{Total: 1, Violations: []violation.Violation{outside}}

	require.NoError(t, h.store.Load(context.Background(), violation.Filter{Status: violation.StatusOpen, From: &day, To: &day}))
	state := h.store.State()
	require.Equal(t, int64(1), state.Total)
	require.Equal(t, []int64{1}, view.IDs(state.Items))
	require.Empty(t, h.store.Removing())
}

func TestLoadRejectsInvalidFilter(t *testing.T) {
	h := newHarness(t)
	err := h.store.Load(context.Background(), violation.Filter{SortBy: "oldest"})
	require.ErrorIs(t, err, violation.ErrInvalidFilter)
	require.Zero(t, h.api.fetchCount())
}

func TestMutateAppliesServerRecord(t *testing.T) {
	h := newHarness(t)
	h.api.pages[violation.StatusOpen] = violation.Page{Violations: []violation.Violation{open(1, 120, t0), open(2, 130, t0.Add(time.Minute))}}
	require.NoError(t, h.store.Load(context.Background(), violation.Filter{Status: violation.StatusOpen}))

	actor := "Admin User"
	serverActor := "admin@city"
	ackAt := t0.Add(time.Hour)
	server := withStatus(open(1, 120, t0), violation.StatusAcknowledged)
	server.AcknowledgedBy = &serverActor
	server.AcknowledgedAt = &ackAt
	h.api.patched = &server
	h.api.counts = violation.Counts{OpenViolations: 1}

	status := violation.StatusAcknowledged
	got, err := h.store.Mutate(context.Background(), 1, violation.Patch{Status: &status, AcknowledgedBy: &actor})
	require.NoError(t, err)
	require.Equal(t, serverActor, *got.AcknowledgedBy)

	stored := h.store.Snapshot()[1]
	require.Equal(t, serverActor, *stored.AcknowledgedBy)
	require.Equal(t, ackAt, *stored.AcknowledgedAt)
	require.Equal(t, []int64{1}, h.store.Removing())
	require.Equal(t, violation.Counts{OpenViolations: 1}, h.store.Counts())
	require.False(t, h.store.State().Items[0].Saving)
}

func TestMutateFailureLeavesSnapshot(t *testing.T) {
	h := newHarness(t)
	h.api.pages[violation.StatusOpen] = violation.Page{Violations: []violation.Violation{open(1, 120, t0)}}
	require.NoError(t, h.store.Load(context.Background(), violation.Filter{Status: violation.StatusOpen}))
	before := h.store.Snapshot()

	h.api.patchErr = errors.New("502 bad gateway")
	status := violation.StatusResolved
	_, err := h.store.Mutate(context.Background(), 1, violation.Patch{Status: &status})
	require.ErrorIs(t, err, ErrTransientFetch)

	require.Equal(t, before, h.store.Snapshot())
	require.Empty(t, h.store.Removing())
	state := h.store.State()
	require.ErrorIs(t, state.Err, ErrTransientFetch)
	require.False(t, state.Items[0].Saving)
}

func TestMalformedPushIsDropped(t *testing.T) {
	h := newHarness(t)
	h.api.pages[""] = violation.Page{Violations: []violation.Violation{open(1, 120, t0)}}
	require.NoError(t, h.store.Open(context.Background(), violation.Filter{}))

	h.ch.pushRaw([]byte(`{"type":"violation_update"}`))
	h.ch.pushRaw([]byte(`{"data":{"id":5}}`))
	h.ch.pushRaw([]byte(`garbage`))
	require.Equal(t, 1, h.store.Len())

	h.ch.push(t, violation.NewCreatedMessage(open(5, 130, t0.Add(time.Minute)), t0))
	require.Equal(t, 2, h.store.Len())
}

func TestCloseUnsubscribes(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Open(context.Background(), violation.Filter{}))
	require.Contains(t, h.ch.handlers, h.store.SubscriberID())

	h.store.Close()
	require.NotContains(t, h.ch.handlers, h.store.SubscriberID())
}

func TestCountsFailureKeepsPreviousCounts(t *testing.T) {
	h := newHarness(t)
	h.api.counts = violation.Counts{OpenViolations: 9}
	require.NoError(t, h.store.RefreshCounts(context.Background()))
	require.Equal(t, int64(9), h.store.Counts().OpenViolations)

	h.api.countsErr = errors.New("timeout")
	require.ErrorIs(t, h.store.RefreshCounts(context.Background()), ErrTransientFetch)
	require.Equal(t, int64(9), h.store.Counts().OpenViolations)
}
