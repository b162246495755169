package pickup

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/klabast/wb-services/bir-tomming/internal/birclient"
)

type fakeFetcher struct {
	mu       sync.Mutex
	events   []birclient.Event
	err      error
	calls    int
	lastID   birclient.PropertyID
	lastFrom birclient.Date
	lastTo   birclient.Date

	// When set, FetchCalendar signals started and then blocks on release.
	started chan struct{}
	release chan struct{}
}

func (f *fakeFetcher) FetchCalendar(ctx context.Context, id birclient.PropertyID, from, to birclient.Date) ([]birclient.Event, error) {
	f.mu.Lock()
	f.calls++
	f.lastID, f.lastFrom, f.lastTo = id, from, to
	events, err := slices.Clone(f.events), f.err
	started, release := f.started, f.release
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return events, err
}

func (f *fakeFetcher) set(events []birclient.Event, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events, f.err = events, err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var sampleEvents = []birclient.Event{
	{Category: "Papir", Date: d(2024, 5, 10)},
	{Category: "Restavfall", Date: d(2024, 5, 3)},
	{Category: "Papir", Date: d(2024, 5, 24)},
	{Category: "Restavfall", Date: d(2024, 5, 17)},
}

func newTestAggregator(t *testing.T, f *fakeFetcher) (*Aggregator, *clockwork.FakeClock) {
	t.Helper()
	oslo, err := time.LoadLocation("Europe/Oslo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	clock := clockwork.NewFakeClockAt(time.Date(2024, time.May, 1, 8, 0, 0, 0, time.UTC))
	a, err := New(Config{
		Fetcher:    f,
		PropertyID: "42",
		Location:   oslo,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, clock
}

func TestNewRequiresFetcher(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without fetcher")
	}
}

func TestRefresh(t *testing.T) {
	f := &fakeFetcher{events: sampleEvents}
	a, _ := newTestAggregator(t, f)

	if a.State() != StateUninitialized {
		t.Fatalf("initial state = %v", a.State())
	}
	if len(a.Data()) != 0 {
		t.Fatalf("initial data = %v, want empty", a.Data())
	}

	got, err := a.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	want := NextPickups{"Papir": d(2024, 5, 10), "Restavfall": d(2024, 5, 3)}
	if !maps.Equal(got, want) {
		t.Errorf("Refresh() = %v, want %v", got, want)
	}
	if !maps.Equal(a.Data(), want) {
		t.Errorf("Data() = %v, want %v", a.Data(), want)
	}
	if a.State() != StateReady {
		t.Errorf("state = %v, want ready", a.State())
	}
	if !a.LastUpdateSuccess() {
		t.Error("LastUpdateSuccess() = false after good refresh")
	}

	if f.lastID != "42" || f.lastFrom != d(2024, 5, 1) || f.lastTo != d(2024, 7, 31) {
		t.Errorf("fetched %s [%v, %v]", f.lastID, f.lastFrom, f.lastTo)
	}

	st := a.Status()
	if st.From != d(2024, 5, 1) || st.To != d(2024, 7, 31) || st.LastError != nil {
		t.Errorf("Status() = %+v", st)
	}
}

func TestRefreshIsIdempotent(t *testing.T) {
	f := &fakeFetcher{events: sampleEvents}
	a, _ := newTestAggregator(t, f)

	first, err := a.Refresh(context.Background())
	if err != nil {
		t.Fatalf("first Refresh() failed: %v", err)
	}
	second, err := a.Refresh(context.Background())
	if err != nil {
		t.Fatalf("second Refresh() failed: %v", err)
	}
	if !maps.Equal(first, second) {
		t.Errorf("results differ: %v vs %v", first, second)
	}
}

func TestRefreshFailureKeepsPreviousData(t *testing.T) {
	f := &fakeFetcher{events: sampleEvents}
	a, _ := newTestAggregator(t, f)

	before, err := a.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}

	upstream := &birclient.TransientNetworkError{Op: "fetch calendar", Err: errors.New("connection reset")}
	f.set(nil, upstream)
	if _, err := a.Refresh(context.Background()); !errors.Is(err, upstream) {
		t.Fatalf("Refresh() error = %v, want %v", err, upstream)
	}

	if !maps.Equal(a.Data(), before) {
		t.Errorf("data changed after failure: %v", a.Data())
	}
	if a.LastUpdateSuccess() {
		t.Error("LastUpdateSuccess() = true after failure")
	}
	if a.State() != StateReady {
		t.Errorf("state = %v, want ready", a.State())
	}
	if st := a.Status(); st.LastError == nil {
		t.Error("Status().LastError not set")
	}

	f.set(sampleEvents, nil)
	if _, err := a.Refresh(context.Background()); err != nil {
		t.Fatalf("recovery Refresh() failed: %v", err)
	}
	if !a.LastUpdateSuccess() {
		t.Error("LastUpdateSuccess() = false after recovery")
	}
}

func TestFirstRefreshFailure(t *testing.T) {
	f := &fakeFetcher{err: &birclient.AuthenticationError{Err: errors.New("401")}}
	a, _ := newTestAggregator(t, f)

	_, err := a.Refresh(context.Background())
	var authErr *birclient.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("Refresh() error = %v, want AuthenticationError", err)
	}
	if a.State() != StateUninitialized {
		t.Errorf("state = %v, want uninitialized", a.State())
	}
	if len(a.Data()) != 0 {
		t.Errorf("data = %v, want empty", a.Data())
	}
}

func TestRefreshResultIsACopy(t *testing.T) {
	f := &fakeFetcher{events: sampleEvents}
	a, _ := newTestAggregator(t, f)

	got, err := a.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	got["Glass"] = d(2030, 1, 1)
	if _, ok := a.Data()["Glass"]; ok {
		t.Error("mutating the result leaked into the aggregator")
	}
}

func TestConcurrentRefreshSharesFetch(t *testing.T) {
	f := &fakeFetcher{
		events:  sampleEvents,
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	a, _ := newTestAggregator(t, f)

	const n = 4
	results := make([]NextPickups, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Go(func() { results[0], errs[0] = a.Refresh(context.Background()) })
	<-f.started
	if a.State() != StateRefreshing {
		t.Errorf("state during fetch = %v, want refreshing", a.State())
	}
	for i := 1; i < n; i++ {
		wg.Go(func() { results[i], errs[i] = a.Refresh(context.Background()) })
	}
	time.Sleep(50 * time.Millisecond)
	close(f.release)
	wg.Wait()

	if got := f.callCount(); got != 1 {
		t.Errorf("fetch called %d times, want 1", got)
	}
	for i := range n {
		if errs[i] != nil {
			t.Errorf("caller %d: %v", i, errs[i])
		}
		if !maps.Equal(results[i], results[0]) {
			t.Errorf("caller %d saw %v, want %v", i, results[i], results[0])
		}
	}
}

func TestRefreshCallerCancellation(t *testing.T) {
	f := &fakeFetcher{
		events:  sampleEvents,
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	a, _ := newTestAggregator(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := a.Refresh(ctx)
		done <- err
	}()
	<-f.started
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Refresh() error = %v, want context.Canceled", err)
	}

	// The shared fetch is not abandoned by one impatient caller.
	close(f.release)
	waitFor(t, "background refresh", func() bool { return a.State() == StateReady })
}

func TestCloseAbandonsInFlightRefresh(t *testing.T) {
	f := &fakeFetcher{
		events:  sampleEvents,
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	a, _ := newTestAggregator(t, f)

	done := make(chan error, 1)
	go func() {
		_, err := a.Refresh(context.Background())
		done <- err
	}()
	<-f.started

	if err := a.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Refresh() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight refresh not abandoned by Close")
	}

	if len(a.Data()) != 0 {
		t.Errorf("abandoned refresh stored data: %v", a.Data())
	}
	if _, err := a.Refresh(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Refresh() after Close = %v, want ErrClosed", err)
	}
	if err := a.RequestRefresh(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("RequestRefresh() after Close = %v, want ErrClosed", err)
	}
}

func TestListeners(t *testing.T) {
	f := &fakeFetcher{events: sampleEvents}
	a, _ := newTestAggregator(t, f)

	var calls atomic.Int32
	remove := a.AddListener(func() { calls.Add(1) })

	if _, err := a.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	f.set(nil, errors.New("boom"))
	_, _ = a.Refresh(context.Background())
	if got := calls.Load(); got != 2 {
		t.Errorf("listener called %d times, want 2", got)
	}

	remove()
	_, _ = a.Refresh(context.Background())
	if got := calls.Load(); got != 2 {
		t.Errorf("removed listener still called: %d", got)
	}
}

func TestSetProperty(t *testing.T) {
	f := &fakeFetcher{events: sampleEvents}
	a, _ := newTestAggregator(t, f)

	if _, err := a.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}

	a.SetProperty("42")
	if len(a.Data()) == 0 {
		t.Fatal("setting the same property dropped data")
	}

	a.SetProperty("77")
	if a.Property() != "77" {
		t.Errorf("Property() = %s", a.Property())
	}
	if len(a.Data()) != 0 || a.State() != StateUninitialized || a.LastUpdateSuccess() {
		t.Errorf("status after property change = %+v", a.Status())
	}

	if _, err := a.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if f.lastID != "77" {
		t.Errorf("fetched property %s, want 77", f.lastID)
	}
}

func TestPropertyChangeDuringRefresh(t *testing.T) {
	f := &fakeFetcher{
		events:  sampleEvents,
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	a, _ := newTestAggregator(t, f)

	errs := make(chan error, 2)
	go func() { errs <- a.RequestRefresh(context.Background()) }()
	<-f.started

	// The second trigger joins the run that is fetching the old property.
	a.SetProperty("77")
	go func() { errs <- a.RequestRefresh(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	close(f.release)

	for range 2 {
		if err := <-errs; err != nil {
			t.Errorf("RequestRefresh() failed: %v", err)
		}
	}
	if got := f.callCount(); got != 2 {
		t.Errorf("fetch called %d times, want 2", got)
	}
	f.mu.Lock()
	lastID := f.lastID
	f.mu.Unlock()
	if lastID != "77" {
		t.Errorf("last fetch was for %s, want 77", lastID)
	}
	st := a.Status()
	if st.State != StateReady || !st.LastUpdateSuccess || len(st.Pickups) == 0 {
		t.Errorf("status after property change = %+v", st)
	}
}

func TestRequestRefreshIsDebounced(t *testing.T) {
	f := &fakeFetcher{events: sampleEvents}
	a, clock := newTestAggregator(t, f)

	if err := a.RequestRefresh(context.Background()); err != nil {
		t.Fatalf("RequestRefresh() failed: %v", err)
	}
	if got := f.callCount(); got != 1 {
		t.Fatalf("first request fetched %d times, want 1", got)
	}
	if a.State() != StateReady {
		t.Errorf("state = %v, want ready", a.State())
	}

	for range 5 {
		if err := a.RequestRefresh(context.Background()); err != nil {
			t.Fatalf("RequestRefresh() during cooldown failed: %v", err)
		}
	}
	if got := f.callCount(); got != 1 {
		t.Fatalf("requests during cooldown fetched: %d calls", got)
	}

	clock.Advance(DefaultCooldown)
	waitFor(t, "deferred refresh", func() bool { return f.callCount() == 2 })
}

func TestScheduledRefresh(t *testing.T) {
	f := &fakeFetcher{events: sampleEvents}
	a, clock := newTestAggregator(t, f)

	if _, err := a.NextScheduledRefresh(); err == nil {
		t.Error("expected error before Start")
	}
	if err := a.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	// The scheduler arms its timer asynchronously; keep nudging the clock
	// until the job fires.
	deadline := time.Now().Add(2 * time.Second)
	for f.callCount() == 0 && time.Now().Before(deadline) {
		clock.Advance(DefaultUpdateInterval)
		time.Sleep(10 * time.Millisecond)
	}
	if f.callCount() == 0 {
		t.Fatal("scheduled refresh never ran")
	}
	waitFor(t, "scheduled refresh to store data", func() bool { return a.State() == StateReady })

	next, err := a.NextScheduledRefresh()
	if err != nil {
		t.Fatalf("NextScheduledRefresh() failed: %v", err)
	}
	if !next.After(time.Date(2024, time.May, 1, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("next run %v is not in the future", next)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateUninitialized: "uninitialized",
		StateRefreshing:    "refreshing",
		StateReady:         "ready",
		State(9):           "state(9)",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
