// Package poller tests cover event dispatch semantics: Data on every
// successful cycle, single Start for a constantly-active probe, Stop carrying
// the previous state, Error isolation, restart without overlap, and
// subscriber panic containment.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testState is a minimal comparable state for poller tests.
type testState struct {
	Running bool
	Name    string
}

// counter accumulates events for assertions.
type counter struct {
	mu     sync.Mutex
	data   []testState
	starts []testState
	stops  []testState
	errs   []error
}

func (c *counter) attach(p *Poller[testState]) {
	p.OnData(func(s testState) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.data = append(c.data, s)
	})
	p.OnStart(func(s testState) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.starts = append(c.starts, s)
	})
	p.OnStop(func(s testState) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.stops = append(c.stops, s)
	})
	p.OnError(func(err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.errs = append(c.errs, err)
	})
}

func (c *counter) counts() (data, starts, stops, errs int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data), len(c.starts), len(c.stops), len(c.errs)
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

func activeOpts(interval time.Duration) Options[testState] {
	return Options[testState]{
		Interval: interval,
		Active:   func(s testState) bool { return s.Running },
	}
}

// ///////////////////////////////////////////////
// Transition Semantics
// ///////////////////////////////////////////////

func TestConstantActiveStateEmitsSingleStart(t *testing.T) {
	probe := func(ctx context.Context) (testState, error) {
		return testState{Running: true, Name: "PathOfExile"}, nil
	}
	p := New(probe, activeOpts(10*time.Millisecond))
	var c counter
	c.attach(p)

	p.Start()
	defer p.Stop()

	waitFor(t, func() bool { d, _, _, _ := c.counts(); return d >= 5 }, "5 data events")

	_, starts, stops, errs := c.counts()
	if starts != 1 {
		t.Errorf("starts = %d, want exactly 1", starts)
	}
	if stops != 0 {
		t.Errorf("stops = %d, want 0", stops)
	}
	if errs != 0 {
		t.Errorf("errs = %d, want 0", errs)
	}
}

func TestStopEventCarriesPreviousState(t *testing.T) {
	var flips atomic.Int64
	probe := func(ctx context.Context) (testState, error) {
		if flips.Add(1) <= 2 {
			return testState{Running: true, Name: "PathOfExile"}, nil
		}
		return testState{Running: false}, nil
	}
	p := New(probe, activeOpts(10*time.Millisecond))
	var c counter
	c.attach(p)

	p.Start()
	defer p.Stop()

	waitFor(t, func() bool { _, _, stops, _ := c.counts(); return stops >= 1 }, "stop event")

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stops) != 1 {
		t.Fatalf("stops = %d, want 1", len(c.stops))
	}
	if !c.stops[0].Running || c.stops[0].Name != "PathOfExile" {
		t.Errorf("stop event state = %+v, want the previous active state", c.stops[0])
	}
	if len(c.starts) != 1 {
		t.Errorf("starts = %d, want 1", len(c.starts))
	}
}

func TestDataFiresEvenWithoutStateChange(t *testing.T) {
	probe := func(ctx context.Context) (testState, error) {
		return testState{Running: false}, nil
	}
	p := New(probe, activeOpts(10*time.Millisecond))
	var c counter
	c.attach(p)

	p.Start()
	defer p.Stop()

	waitFor(t, func() bool { d, _, _, _ := c.counts(); return d >= 3 }, "3 data events")

	_, starts, stops, _ := c.counts()
	if starts != 0 || stops != 0 {
		t.Errorf("starts/stops = %d/%d, want 0/0 for inactive steady state", starts, stops)
	}
}

// ///////////////////////////////////////////////
// Error Handling
// ///////////////////////////////////////////////

func TestProbeErrorEmitsOnlyErrorAndContinues(t *testing.T) {
	probeErr := errors.New("probe exploded")
	var calls atomic.Int64
	probe := func(ctx context.Context) (testState, error) {
		n := calls.Add(1)
		if n <= 2 {
			return testState{}, probeErr
		}
		return testState{Running: true}, nil
	}
	p := New(probe, activeOpts(10*time.Millisecond))
	var c counter
	c.attach(p)

	p.Start()
	defer p.Stop()

	waitFor(t, func() bool { _, starts, _, _ := c.counts(); return starts >= 1 }, "recovery start event")

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errs) < 2 {
		t.Errorf("errs = %d, want >= 2", len(c.errs))
	}
	for _, err := range c.errs {
		if !errors.Is(err, probeErr) {
			t.Errorf("error = %v, want wrapped probe error", err)
		}
	}
	// Error cycles must not have produced data events; the first data event
	// corresponds to the first successful probe.
	if len(c.data) == 0 || !c.data[0].Running {
		t.Errorf("first data event = %+v, want the post-recovery active state", c.data)
	}
}

// ///////////////////////////////////////////////
// Scheduling
// ///////////////////////////////////////////////

func TestStopIsIdempotentAndSafeWhenNeverStarted(t *testing.T) {
	p := New(func(ctx context.Context) (testState, error) {
		return testState{}, nil
	}, activeOpts(time.Minute))

	p.Stop()
	p.Stop()

	p.Start()
	p.Stop()
	p.Stop()
	if p.Running() {
		t.Error("poller reports running after Stop")
	}
}

func TestStopPreventsFurtherCycles(t *testing.T) {
	var calls atomic.Int64
	probe := func(ctx context.Context) (testState, error) {
		calls.Add(1)
		return testState{}, nil
	}
	p := New(probe, activeOpts(10*time.Millisecond))
	p.Start()

	waitFor(t, func() bool { return calls.Load() >= 2 }, "2 probe calls")
	p.Stop()

	settled := calls.Load()
	time.Sleep(60 * time.Millisecond)
	// One in-flight cycle may have completed after Stop, but no new ones.
	if calls.Load() > settled+1 {
		t.Errorf("probe calls after Stop: %d -> %d", settled, calls.Load())
	}
}

func TestRestartCancelsPriorSchedule(t *testing.T) {
	var calls atomic.Int64
	probe := func(ctx context.Context) (testState, error) {
		calls.Add(1)
		return testState{Running: true}, nil
	}
	p := New(probe, activeOpts(10*time.Millisecond))
	var c counter
	c.attach(p)

	p.Start()
	waitFor(t, func() bool { d, _, _, _ := c.counts(); return d >= 1 }, "first data event")
	p.Start() // restart: prior schedule cancelled, state reset
	defer p.Stop()

	waitFor(t, func() bool { _, starts, _, _ := c.counts(); return starts >= 2 }, "start event from restarted schedule")
}

func TestRestartPollsImmediatelyWhilePriorProbeOutstanding(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int64
	probe := func(ctx context.Context) (testState, error) {
		if calls.Add(1) == 1 {
			<-release // first schedule's probe hangs
		}
		return testState{Running: true}, nil
	}
	p := New(probe, activeOpts(time.Minute))
	defer p.Stop()
	defer close(release)

	p.Start()
	waitFor(t, func() bool { return calls.Load() == 1 }, "first probe launch")

	// Restart while the first probe is still blocked. With the interval a
	// minute away, a second call can only be the restarted schedule's
	// immediate poll.
	p.Start()
	waitFor(t, func() bool { return calls.Load() >= 2 }, "immediate poll from restarted schedule")
}

func TestSlowProbeDoesNotOverlap(t *testing.T) {
	var concurrent, peak atomic.Int64
	probe := func(ctx context.Context) (testState, error) {
		n := concurrent.Add(1)
		defer concurrent.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond) // slower than the interval
		return testState{}, nil
	}
	p := New(probe, activeOpts(10*time.Millisecond))
	var c counter
	c.attach(p)

	p.Start()
	defer p.Stop()

	waitFor(t, func() bool { d, _, _, _ := c.counts(); return d >= 3 }, "3 data events from slow probe")
	if peak.Load() > 1 {
		t.Errorf("peak concurrent probes = %d, want 1", peak.Load())
	}
}

// ///////////////////////////////////////////////
// Subscriber Isolation
// ///////////////////////////////////////////////

func TestPanickingSubscriberDoesNotBreakOthers(t *testing.T) {
	probe := func(ctx context.Context) (testState, error) {
		return testState{Running: true}, nil
	}
	p := New(probe, activeOpts(10*time.Millisecond))

	p.OnData(func(testState) { panic("bad subscriber") })
	var got atomic.Int64
	p.OnData(func(testState) { got.Add(1) })

	p.Start()
	defer p.Stop()

	waitFor(t, func() bool { return got.Load() >= 2 }, "healthy subscriber deliveries")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	probe := func(ctx context.Context) (testState, error) {
		return testState{}, nil
	}
	p := New(probe, activeOpts(10*time.Millisecond))

	var got atomic.Int64
	unsub := p.OnData(func(testState) { got.Add(1) })

	p.Start()
	defer p.Stop()

	waitFor(t, func() bool { return got.Load() >= 1 }, "initial delivery")
	unsub()
	settled := got.Load()
	time.Sleep(50 * time.Millisecond)
	// A delivery snapshot taken before unsubscribe may still land once.
	if got.Load() > settled+1 {
		t.Errorf("deliveries after unsubscribe: %d -> %d", settled, got.Load())
	}
}

// ///////////////////////////////////////////////
// Equality Override
// ///////////////////////////////////////////////

func TestCustomEqualitySuppressesTransitions(t *testing.T) {
	var n atomic.Int64
	probe := func(ctx context.Context) (testState, error) {
		// Name varies every cycle; Running flips to true after the first.
		return testState{Running: n.Add(1) > 1, Name: time.Now().String()}, nil
	}
	p := New(probe, Options[testState]{
		Interval: 10 * time.Millisecond,
		Active:   func(s testState) bool { return s.Running },
		// Consider states equal when the running flag matches, ignoring Name.
		Equal: func(a, b testState) bool { return a.Running == b.Running },
	})
	var c counter
	c.attach(p)

	p.Start()
	defer p.Stop()

	waitFor(t, func() bool { d, _, _, _ := c.counts(); return d >= 5 }, "5 data events")
	_, starts, _, _ := c.counts()
	if starts != 1 {
		t.Errorf("starts = %d, want 1 (custom equality should suppress Name-only changes)", starts)
	}
}
