// Package poller provides a generic polling primitive that repeatedly
// evaluates an external state probe, detects transitions, and notifies
// subscribers.
//
// A [Poller] knows nothing about what it polls: the probe, the predicate that
// decides whether a state counts as "active", and the equality used for
// change detection are all injected. Concrete monitors are built by
// configuring a Poller with a probe, not by subclassing.
//
// Event categories:
//   - Data: every successful probe cycle, whether or not the state changed.
//   - Start: transition from inactive to active.
//   - Stop: transition from active to inactive, carrying the previous state.
//   - Error: the probe failed; scheduling continues, no state is recorded.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the polling interval used when Options.Interval is zero.
const DefaultInterval = 5 * time.Second

// Probe evaluates the external state once. It is invoked off the scheduling
// loop, so a slow probe delays only its own cycle, never the ticker.
type Probe[T comparable] func(ctx context.Context) (T, error)

// Options configures a [Poller].
type Options[T comparable] struct {
	// Interval is the fixed polling interval. Zero means [DefaultInterval].
	Interval time.Duration
	// Active reports whether a state counts as active for Start/Stop
	// transition detection. Nil means never active (Data/Error only).
	Active func(T) bool
	// Equal overrides change detection between consecutive states.
	// Nil means strict equality. The first poll after Start is always
	// treated as changed, since there is no previous state to compare.
	Equal func(prev, next T) bool
}

// Poller repeatedly evaluates a probe on a fixed schedule and raises
// lifecycle events on state transitions. The zero value is not usable;
// construct with [New].
type Poller[T comparable] struct {
	probe    Probe[T]
	interval time.Duration
	active   func(T) bool
	equal    func(prev, next T) bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	prev    T
	hasPrev bool

	subs subscribers[T]
}

// New creates a Poller for the given probe.
func New[T comparable](probe Probe[T], opts Options[T]) *Poller[T] {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller[T]{
		probe:    probe,
		interval: interval,
		active:   opts.Active,
		equal:    opts.Equal,
	}
}

// ///////////////////////////////////////////////
// Subscriptions
// ///////////////////////////////////////////////

// subscribers holds the per-category observer lists. Access is serialized by
// the owning Poller's mutex; delivery snapshots the list so a subscriber
// added during delivery does not receive the in-flight event.
type subscribers[T comparable] struct {
	nextID int
	data   map[int]func(T)
	start  map[int]func(T)
	stop   map[int]func(T)
	err    map[int]func(error)
}

// OnData registers fn for Data events. The returned function unsubscribes.
func (p *Poller[T]) OnData(fn func(T)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs.data == nil {
		p.subs.data = make(map[int]func(T))
	}
	id := p.subs.nextID
	p.subs.nextID++
	p.subs.data[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs.data, id)
	}
}

// OnStart registers fn for Start events. The returned function unsubscribes.
func (p *Poller[T]) OnStart(fn func(T)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs.start == nil {
		p.subs.start = make(map[int]func(T))
	}
	id := p.subs.nextID
	p.subs.nextID++
	p.subs.start[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs.start, id)
	}
}

// OnStop registers fn for Stop events. The callback receives the previous
// (active) state. The returned function unsubscribes.
func (p *Poller[T]) OnStop(fn func(T)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs.stop == nil {
		p.subs.stop = make(map[int]func(T))
	}
	id := p.subs.nextID
	p.subs.nextID++
	p.subs.stop[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs.stop, id)
	}
}

// OnError registers fn for Error events. The returned function unsubscribes.
func (p *Poller[T]) OnError(fn func(error)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs.err == nil {
		p.subs.err = make(map[int]func(error))
	}
	id := p.subs.nextID
	p.subs.nextID++
	p.subs.err[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs.err, id)
	}
}

// snapshot copies a callback map under the caller's lock so delivery can run
// without holding the mutex.
func snapshot[F any](m map[int]F) []F {
	out := make([]F, 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}

// deliver invokes each callback, isolating panics so one failing subscriber
// cannot break the others or the polling loop.
func deliver[V any](fns []func(V), v V) {
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("poller subscriber panicked", "panic", r)
				}
			}()
			fn(v)
		}()
	}
}

// ///////////////////////////////////////////////
// Scheduling
// ///////////////////////////////////////////////

// Start triggers an immediate poll and then schedules polls at the configured
// interval. Calling Start while already running cancels the prior schedule
// first, so two schedules never overlap.
func (p *Poller[T]) Start() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.hasPrev = false
	var zero T
	p.prev = zero
	p.mu.Unlock()

	go p.run(ctx)
}

// Stop cancels the polling schedule. It is idempotent and safe to call on a
// poller that was never started. A probe evaluation already in flight is
// allowed to complete and still delivers its events, but no new cycle begins.
func (p *Poller[T]) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// Running reports whether the poller currently has an active schedule.
func (p *Poller[T]) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// run owns one polling schedule: an immediate cycle followed by ticker-driven
// cycles until ctx is cancelled. The inflight guard is owned by the schedule,
// not the Poller, so a restart always gets its immediate poll even while a
// probe launched by the previous schedule is still outstanding (the stale
// probe resolves under a cancelled context and cannot mutate state).
func (p *Poller[T]) run(ctx context.Context) {
	var inflight atomic.Bool
	p.tryCycle(ctx, &inflight)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tryCycle(ctx, &inflight)
		}
	}
}

// tryCycle launches one probe evaluation unless this schedule already has one
// outstanding. The evaluation runs on its own goroutine so a slow probe never
// blocks the ticker; its events are delivered whenever it resolves.
func (p *Poller[T]) tryCycle(ctx context.Context, inflight *atomic.Bool) {
	if !inflight.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer inflight.Store(false)
		p.cycle(ctx)
	}()
}

// cycle evaluates the probe once and dispatches events. A probe error raises
// only Error: the previous state is retained and no Data/Start/Stop fires for
// the cycle.
func (p *Poller[T]) cycle(ctx context.Context) {
	state, err := p.probe(ctx)

	p.mu.Lock()
	if err != nil {
		errFns := snapshot(p.subs.err)
		p.mu.Unlock()
		deliver(errFns, err)
		return
	}

	// A cycle that outlived its schedule (Stop or restart raced the probe)
	// still reports Data, but must not mutate state owned by a newer schedule.
	if ctx.Err() != nil {
		dataFns := snapshot(p.subs.data)
		p.mu.Unlock()
		deliver(dataFns, state)
		return
	}

	prev, hasPrev := p.prev, p.hasPrev
	changed := !hasPrev || !p.statesEqual(prev, state)
	p.prev = state
	p.hasPrev = true

	dataFns := snapshot(p.subs.data)
	var startFns, stopFns []func(T)
	var fireStart, fireStop bool
	if changed && p.active != nil {
		wasActive := hasPrev && p.active(prev)
		isActive := p.active(state)
		if isActive && !wasActive {
			fireStart = true
			startFns = snapshot(p.subs.start)
		}
		if !isActive && wasActive {
			fireStop = true
			stopFns = snapshot(p.subs.stop)
		}
	}
	p.mu.Unlock()

	deliver(dataFns, state)
	if fireStart {
		deliver(startFns, state)
	}
	if fireStop {
		deliver(stopFns, prev)
	}
}

// statesEqual applies the configured equality predicate, defaulting to strict
// equality.
func (p *Poller[T]) statesEqual(prev, next T) bool {
	if p.equal != nil {
		return p.equal(prev, next)
	}
	return prev == next
}
