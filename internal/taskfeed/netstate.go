package taskfeed

import (
	"context"
	"sync"
	"time"
)

// ConnectionState reflects network reachability as observed by the tracker.
// Aggregation logic never sets it directly.
type ConnectionState int

const (
	Online ConnectionState = iota
	Degraded
	Offline
)

func (s ConnectionState) String() string {
	switch s {
	case Online:
		return "online"
	case Degraded:
		return "degraded"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its lowercase name.
func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Transition describes one connection-state change. Recovered is set only on
// the offline-to-online edge; consumers use it to force a catch-up
// aggregation pass for changes missed while offline.
type Transition struct {
	From      ConnectionState
	To        ConnectionState
	Recovered bool
	At        time.Time
}

// Probe checks reachability of the subscription source's host environment.
// A nil error means reachable.
type Probe func(ctx context.Context) error

// ConnTracker maps raw online/offline signals to a ConnectionState and fans
// transitions out to registered callbacks. It is purely observational and
// never blocks signal delivery on callbacks beyond their own execution.
type ConnTracker struct {
	offlineAfter int
	logger       Logger

	mu        sync.Mutex
	state     ConnectionState
	failures  int
	nextCB    int
	callbacks map[int]func(Transition)
}

// NewConnTracker starts in the online state. offlineAfter is the number of
// consecutive failed signals after which the state becomes offline; fewer
// failures report degraded. Values below 2 default to 3.
func NewConnTracker(offlineAfter int, logger Logger) *ConnTracker {
	if offlineAfter < 2 {
		offlineAfter = 3
	}
	return &ConnTracker{
		offlineAfter: offlineAfter,
		logger:       logger,
		state:        Online,
		callbacks:    map[int]func(Transition){},
	}
}

// Current returns the state at call time.
func (t *ConnTracker) Current() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnTransition registers a callback invoked for every state change and
// returns a handle that removes it. Callbacks run on the reporting
// goroutine, outside the tracker lock. Callers with a shorter lifetime than
// the tracker must unsubscribe on teardown.
func (t *ConnTracker) OnTransition(cb func(Transition)) (unsubscribe func()) {
	if cb == nil {
		return func() {}
	}
	t.mu.Lock()
	id := t.nextCB
	t.nextCB++
	t.callbacks[id] = cb
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.callbacks, id)
		t.mu.Unlock()
	}
}

// Report feeds one raw reachability signal into the tracker.
func (t *ConnTracker) Report(reachable bool) {
	now := time.Now().UTC()
	t.mu.Lock()
	prev := t.state
	if reachable {
		t.failures = 0
		t.state = Online
	} else {
		t.failures++
		if t.failures >= t.offlineAfter {
			t.state = Offline
		} else {
			t.state = Degraded
		}
	}
	next := t.state
	var callbacks []func(Transition)
	if next != prev {
		for _, cb := range t.callbacks {
			callbacks = append(callbacks, cb)
		}
	}
	t.mu.Unlock()

	if next == prev {
		return
	}
	tr := Transition{
		From:      prev,
		To:        next,
		Recovered: prev == Offline && next == Online,
		At:        now,
	}
	t.logf("connection %s -> %s", prev, next)
	for _, cb := range callbacks {
		cb(tr)
	}
}

// Run polls the probe at the given interval until the context is canceled,
// feeding each result into Report. Used when the host environment exposes
// reachability only as a checkable primitive rather than an event stream.
func (t *ConnTracker) Run(ctx context.Context, probe Probe, interval time.Duration) {
	if probe == nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Report(probe(ctx) == nil)
		}
	}
}

func (t *ConnTracker) logf(format string, args ...any) {
	if t.logger == nil {
		return
	}
	t.logger.Printf(format, args...)
}
