// Package pickup turns the service's flat pickup calendar into the next
// pickup date per waste category and keeps that view fresh.
//
// An Aggregator refreshes on a fixed interval and on demand. On-demand
// refreshes go through a Debouncer so bursts of triggers cost one fetch.
// A failed refresh keeps the previous result; consumers see stale but valid
// dates and LastUpdateSuccess turns false until the next good refresh.
package pickup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/klabast/wb-services/bir-tomming/internal/birclient"
	"github.com/klabast/wb-services/bir-tomming/internal/logging"
)

const (
	// DefaultTimezone is the service's locale. Windows are computed here
	// regardless of the host's zone.
	DefaultTimezone = "Europe/Oslo"

	DefaultHorizonDays    = 91
	DefaultUpdateInterval = time.Hour
	DefaultCooldown       = 60 * time.Second

	refreshJobName = "refresh-pickups"
)

var (
	// ErrClosed is returned by operations on a closed Aggregator.
	ErrClosed = errors.New("aggregator closed")

	errPropertyChanged = errors.New("property changed during refresh")
)

// CalendarFetcher is the part of the API client the aggregator needs.
type CalendarFetcher interface {
	FetchCalendar(ctx context.Context, id birclient.PropertyID, from, to birclient.Date) ([]birclient.Event, error)
}

// State is the aggregator's refresh lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateRefreshing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRefreshing:
		return "refreshing"
	case StateReady:
		return "ready"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config configures an Aggregator.
type Config struct {
	Fetcher    CalendarFetcher
	PropertyID birclient.PropertyID

	Location       *time.Location // default Europe/Oslo
	HorizonDays    int            // default 91
	UpdateInterval time.Duration  // default 1h
	Cooldown       time.Duration  // default 60s

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Status is a point-in-time view of the aggregator.
type Status struct {
	State             State
	Pickups           NextPickups
	LastUpdateSuccess bool
	LastError         error
	LastRefreshed     time.Time
	From, To          birclient.Date
}

// Aggregator owns the current NextPickups snapshot.
type Aggregator struct {
	fetcher  CalendarFetcher
	loc      *time.Location
	horizon  int
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	flights   singleflight.Group
	debouncer *Debouncer
	scheduler *Scheduler

	mu            sync.RWMutex
	property      birclient.PropertyID
	data          NextPickups
	state         State
	lastSuccess   bool
	lastErr       error
	lastRefreshed time.Time
	from, to      birclient.Date

	listenersMu sync.Mutex
	listeners   map[int]func()
	nextID      int
}

// New creates an Aggregator. Nothing is fetched until Refresh or Start.
func New(cfg Config) (*Aggregator, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("pickup: fetcher is required")
	}
	if cfg.Location == nil {
		loc, err := time.LoadLocation(DefaultTimezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %s: %w", DefaultTimezone, err)
		}
		cfg.Location = loc
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = DefaultHorizonDays
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = DefaultUpdateInterval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	logger := logging.Default(cfg.Logger).With("component", "pickup")

	ctx, cancel := context.WithCancel(context.Background())
	a := &Aggregator{
		fetcher:   cfg.Fetcher,
		loc:       cfg.Location,
		horizon:   cfg.HorizonDays,
		interval:  cfg.UpdateInterval,
		clock:     cfg.Clock,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		property:  cfg.PropertyID,
		listeners: make(map[int]func()),
	}
	a.debouncer = NewDebouncer(ctx, cfg.Clock, cfg.Cooldown, func(ctx context.Context) error {
		_, err := a.Refresh(ctx)
		return err
	}, logger)
	return a, nil
}

// Start schedules the periodic refresh. It does not refresh immediately;
// call Refresh first if data is needed right away.
func (a *Aggregator) Start() error {
	if a.ctx.Err() != nil {
		return ErrClosed
	}
	s, err := NewScheduler(a.clock, a.logger)
	if err != nil {
		return err
	}
	if err := s.Every(refreshJobName, a.interval, a.scheduledRefresh); err != nil {
		return err
	}
	s.Start()

	a.mu.Lock()
	a.scheduler = s
	a.mu.Unlock()
	return nil
}

// NextScheduledRefresh returns when the periodic refresh fires next.
func (a *Aggregator) NextScheduledRefresh() (time.Time, error) {
	a.mu.RLock()
	s := a.scheduler
	a.mu.RUnlock()
	if s == nil {
		return time.Time{}, errors.New("scheduler not started")
	}
	return s.NextRun(refreshJobName)
}

// Close abandons any in-flight fetch and stops scheduling. Data stays readable.
func (a *Aggregator) Close() error {
	a.cancel()
	a.debouncer.Stop()

	a.mu.Lock()
	s := a.scheduler
	a.scheduler = nil
	a.mu.Unlock()
	if s != nil {
		return s.Stop()
	}
	return nil
}

// Refresh fetches the window and replaces the snapshot. Concurrent callers
// share one fetch. On failure the previous snapshot is kept. A fetch that
// loses a race with SetProperty is repeated for the new property.
func (a *Aggregator) Refresh(ctx context.Context) (NextPickups, error) {
	for {
		if a.ctx.Err() != nil {
			return nil, ErrClosed
		}
		property := a.Property()
		ch := a.flights.DoChan("refresh:"+string(property), func() (any, error) {
			return a.refresh(property)
		})
		select {
		case res := <-ch:
			if errors.Is(res.Err, errPropertyChanged) {
				continue
			}
			if res.Err != nil {
				return nil, res.Err
			}
			return res.Val.(NextPickups).Clone(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// RequestRefresh asks for a refresh through the debouncer.
func (a *Aggregator) RequestRefresh(ctx context.Context) error {
	return a.debouncer.Call(ctx)
}

// SetProperty points the aggregator at another property. The old snapshot
// is dropped since it describes a different address.
func (a *Aggregator) SetProperty(id birclient.PropertyID) {
	a.mu.Lock()
	if a.property == id {
		a.mu.Unlock()
		return
	}
	a.property = id
	a.data = nil
	a.state = StateUninitialized
	a.lastSuccess = false
	a.mu.Unlock()

	a.logger.Info("property changed", "property_id", id)
	a.notify()
}

// Property returns the current property id.
func (a *Aggregator) Property() birclient.PropertyID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.property
}

// Data returns a copy of the current snapshot. It is empty before the first
// successful refresh.
func (a *Aggregator) Data() NextPickups {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data.Clone()
}

// State returns the lifecycle state.
func (a *Aggregator) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// LastUpdateSuccess reports whether the most recent refresh succeeded.
func (a *Aggregator) LastUpdateSuccess() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastSuccess
}

// Status returns state, data and last-refresh details in one read.
func (a *Aggregator) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Status{
		State:             a.state,
		Pickups:           a.data.Clone(),
		LastUpdateSuccess: a.lastSuccess,
		LastError:         a.lastErr,
		LastRefreshed:     a.lastRefreshed,
		From:              a.from,
		To:                a.to,
	}
}

// Location returns the reference time zone.
func (a *Aggregator) Location() *time.Location { return a.loc }

// AddListener registers fn to run after every refresh attempt. The returned
// func removes it.
func (a *Aggregator) AddListener(fn func()) (remove func()) {
	a.listenersMu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.listenersMu.Unlock()

	return func() {
		a.listenersMu.Lock()
		delete(a.listeners, id)
		a.listenersMu.Unlock()
	}
}

func (a *Aggregator) scheduledRefresh() {
	if _, err := a.Refresh(a.ctx); err != nil && !errors.Is(err, ErrClosed) {
		a.logger.Debug("scheduled refresh did not complete", "error", err)
	}
}

func (a *Aggregator) refresh(property birclient.PropertyID) (any, error) {
	from, to := Window(a.clock.Now(), a.loc, a.horizon)

	a.mu.Lock()
	if a.property != property {
		a.mu.Unlock()
		return nil, errPropertyChanged
	}
	a.state = StateRefreshing
	a.mu.Unlock()

	start := a.clock.Now()
	events, err := a.fetcher.FetchCalendar(a.ctx, property, from, to)
	if err != nil {
		a.mu.Lock()
		if a.property != property {
			a.mu.Unlock()
			return nil, errPropertyChanged
		}
		a.state = StateUninitialized
		if a.data != nil {
			a.state = StateReady
		}
		a.lastSuccess = false
		a.lastErr = err
		a.mu.Unlock()

		a.logger.Error("refresh failed, keeping previous data",
			"property_id", property, "from", from, "to", to, "error", err)
		a.notify()
		return nil, err
	}

	next := Reduce(events, from)

	a.mu.Lock()
	if a.property != property {
		a.mu.Unlock()
		return nil, errPropertyChanged
	}
	a.data = next
	a.state = StateReady
	a.lastSuccess = true
	a.lastErr = nil
	a.lastRefreshed = a.clock.Now()
	a.from, a.to = from, to
	a.mu.Unlock()

	a.logger.Info("pickups refreshed",
		"property_id", property,
		"events", len(events),
		"categories", len(next),
		"duration", a.clock.Since(start))
	a.notify()
	return next, nil
}

func (a *Aggregator) notify() {
	a.listenersMu.Lock()
	fns := make([]func(), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.listenersMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
