// Package procmon detects whether the game client process is running and
// raises lifecycle events through a [poller.Poller].
//
// The probe scans the host process table with gopsutil and matches executable
// names against the configured client binaries (Standalone, Steam, and GeForce
// Now builds ship under different names). State forwarding to an attached
// window sink is failure-isolated: a sink that errors or panics is logged and
// polling continues.
package procmon

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/navali-creations/soothsayer-sub009/internal/poller"
)

// DefaultProcessNames lists the known game client executable names.
var DefaultProcessNames = []string{
	"PathOfExile.exe",
	"PathOfExile_x64.exe",
	"PathOfExileSteam.exe",
	"PathOfExile_x64Steam.exe",
	"PathOfExile_KG.exe",
	"PathOfExile", // macOS / wine
}

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// ProcessState is one observation of the game client's run state. It is
// compared by value between poll cycles; a change in either field counts as
// a state transition for Data purposes.
type ProcessState struct {
	// Running reports whether a matching client process was found.
	Running bool
	// ProcessName is the matched executable name, or empty when not running.
	ProcessName string
}

// Sink receives forwarded process states, typically a window/overlay bridge.
// Delivery failures are contained by the monitor and never stop polling.
type Sink interface {
	Deliver(state ProcessState) error
}

// Config configures a [Monitor].
type Config struct {
	// ProcessNames are the executable names to match, case-insensitively.
	// Empty means [DefaultProcessNames].
	ProcessNames []string
	// Interval is the polling interval. Zero means [poller.DefaultInterval].
	Interval time.Duration
	// Probe overrides the process-table probe. Nil means the gopsutil scan.
	// Used by tests and by hosts that already track the process elsewhere.
	Probe poller.Probe[ProcessState]
}

// Monitor polls for the game client process and forwards lifecycle events.
type Monitor struct {
	poller *poller.Poller[ProcessState]

	mu   sync.Mutex
	sink Sink
	// sinkEverAttached latches once a sink is attached and survives detach.
	// It gates Resume: wake events must not initialize polling for a monitor
	// nothing ever consumed.
	sinkEverAttached bool
	suspended        bool
}

// ///////////////////////////////////////////////
// Construction
// ///////////////////////////////////////////////

// New creates a Monitor for the given config.
func New(cfg Config) *Monitor {
	names := cfg.ProcessNames
	if len(names) == 0 {
		names = DefaultProcessNames
	}
	probe := cfg.Probe
	if probe == nil {
		probe = processProbe(names)
	}

	m := &Monitor{}
	m.poller = poller.New(probe, poller.Options[ProcessState]{
		Interval: cfg.Interval,
		Active:   func(s ProcessState) bool { return s.Running },
	})

	m.poller.OnData(m.forward)
	m.poller.OnStart(m.forward)
	m.poller.OnStop(m.forward)
	return m
}

// processProbe builds a probe that scans the process table for any of the
// given executable names.
func processProbe(names []string) poller.Probe[ProcessState] {
	want := make(map[string]string, len(names))
	for _, n := range names {
		want[strings.ToLower(n)] = n
	}
	return func(ctx context.Context) (ProcessState, error) {
		procs, err := process.ProcessesWithContext(ctx)
		if err != nil {
			return ProcessState{}, fmt.Errorf("listing processes: %w", err)
		}
		for _, p := range procs {
			name, nameErr := p.NameWithContext(ctx)
			if nameErr != nil {
				// Processes routinely exit mid-scan; skip and keep looking.
				continue
			}
			if orig, ok := want[strings.ToLower(name)]; ok {
				return ProcessState{Running: true, ProcessName: orig}, nil
			}
		}
		return ProcessState{}, nil
	}
}

// ///////////////////////////////////////////////
// Lifecycle
// ///////////////////////////////////////////////

// Start begins polling for the client process.
func (m *Monitor) Start() {
	m.mu.Lock()
	m.suspended = false
	m.mu.Unlock()
	m.poller.Start()
}

// Stop halts polling. Idempotent.
func (m *Monitor) Stop() {
	m.poller.Stop()
}

// Suspend halts polling for a host sleep. The suspended flag lets [Resume]
// distinguish sleep/wake from an ordinary Stop.
func (m *Monitor) Suspend() {
	m.mu.Lock()
	m.suspended = true
	m.mu.Unlock()
	m.poller.Stop()
	slog.Info("process monitor suspended")
}

// Resume restarts polling after a host wake, but only when a sink was ever
// attached. A monitor no consumer ever hooked up stays stopped: wake events
// must not initialize polling on their own.
func (m *Monitor) Resume() {
	m.mu.Lock()
	shouldStart := m.sinkEverAttached && m.suspended
	m.suspended = false
	m.mu.Unlock()
	if !shouldStart {
		return
	}
	m.poller.Start()
	slog.Info("process monitor resumed")
}

// ///////////////////////////////////////////////
// Sink Forwarding
// ///////////////////////////////////////////////

// AttachSink registers the window sink that receives forwarded states.
// Replaces any previously attached sink and marks the monitor as consumed,
// which is what entitles [Resume] to restart polling after a wake.
func (m *Monitor) AttachSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = s
	m.sinkEverAttached = true
}

// DetachSink removes the current sink, if any.
func (m *Monitor) DetachSink() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = nil
}

// forward delivers a state to the attached sink. A detached sink is a no-op;
// a sink that errors or panics is logged and otherwise ignored.
func (m *Monitor) forward(state ProcessState) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("window sink panicked", "panic", r)
		}
	}()
	if err := sink.Deliver(state); err != nil {
		slog.Warn("window sink delivery failed", "error", err)
	}
}

// ///////////////////////////////////////////////
// Event Subscriptions
// ///////////////////////////////////////////////

// OnStart registers fn for client-started transitions.
func (m *Monitor) OnStart(fn func(ProcessState)) func() { return m.poller.OnStart(fn) }

// OnStop registers fn for client-stopped transitions. The callback receives
// the previous (running) state.
func (m *Monitor) OnStop(fn func(ProcessState)) func() { return m.poller.OnStop(fn) }

// OnData registers fn for every successful poll cycle.
func (m *Monitor) OnData(fn func(ProcessState)) func() { return m.poller.OnData(fn) }

// OnError registers fn for probe failures.
func (m *Monitor) OnError(fn func(error)) func() { return m.poller.OnError(fn) }
