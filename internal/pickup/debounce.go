package pickup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/klabast/wb-services/bir-tomming/internal/logging"
)

// Debouncer rate-limits on-demand calls to fn.
//
// A call with no cooldown running executes fn at once; calls made while fn
// runs wait for that same run. When fn returns a cooldown starts. Calls made
// during the cooldown return immediately and leave one deferred run that
// fires when the cooldown ends.
type Debouncer struct {
	ctx      context.Context
	clock    clockwork.Clock
	cooldown time.Duration
	fn       func(context.Context) error
	logger   *slog.Logger

	flight singleflight.Group

	mu      sync.Mutex
	timer   clockwork.Timer
	pending bool
	stopped bool
}

// NewDebouncer creates a Debouncer. fn always runs with ctx, not with the
// context of whoever triggered it.
func NewDebouncer(ctx context.Context, clock clockwork.Clock, cooldown time.Duration, fn func(context.Context) error, logger *slog.Logger) *Debouncer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Debouncer{
		ctx:      ctx,
		clock:    clock,
		cooldown: cooldown,
		fn:       fn,
		logger:   logging.Default(logger),
	}
}

// Call triggers fn. It returns fn's error when it ran or joined a run, and
// nil when the call was deferred to the end of the cooldown.
func (d *Debouncer) Call(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.timer != nil {
		d.pending = true
		d.mu.Unlock()
		d.logger.Debug("refresh deferred until cooldown ends")
		return nil
	}
	ch := d.flight.DoChan("run", d.run)
	d.mu.Unlock()

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports whether a deferred run is waiting for the cooldown.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Stop cancels the cooldown and any deferred run. Later calls fail with ErrClosed.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer) run() (any, error) {
	err := d.fn(d.ctx)

	d.mu.Lock()
	if !d.stopped && d.timer == nil {
		d.timer = d.clock.AfterFunc(d.cooldown, d.cooldownExpired)
	}
	d.mu.Unlock()
	return nil, err
}

func (d *Debouncer) cooldownExpired() {
	d.mu.Lock()
	d.timer = nil
	if d.stopped || !d.pending {
		d.mu.Unlock()
		return
	}
	d.pending = false
	ch := d.flight.DoChan("run", d.run)
	d.mu.Unlock()

	if res := <-ch; res.Err != nil {
		d.logger.Warn("deferred refresh failed", "error", res.Err)
	}
}
