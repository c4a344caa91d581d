package taskfeed

import (
	"context"
	"sync"
	"time"
)

// aggregatorState is the per-session debounce state. Mutual exclusion of
// aggregation runs is structural: only the waiting->running transition
// starts a run, and only the completion handler leaves running.
type aggregatorState int

const (
	stateIdle aggregatorState = iota
	stateWaiting
	stateRunning
	stateRunningPending
)

func (s aggregatorState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateWaiting:
		return "waiting"
	case stateRunning:
		return "running"
	case stateRunningPending:
		return "running+pending"
	default:
		return "unknown"
	}
}

// Debouncer coalesces bursts of change notifications into single aggregation
// passes. At most one invocation of the run function is outstanding at any
// time; triggers arriving during a run coalesce into exactly one successor,
// which re-enters a fresh quiet period so a noisy source cannot drive
// back-to-back runs.
type Debouncer struct {
	quiet  time.Duration
	run    func(ctx context.Context) error
	logger Logger

	mu      sync.Mutex
	state   aggregatorState
	timer   *time.Timer
	runSeq  uint64
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDebouncer creates a debouncer that invokes run after each quiet period.
// The run function executes on its own goroutine; state transitions are
// synchronous and never held across it.
func NewDebouncer(quiet time.Duration, run func(ctx context.Context) error, logger Logger) *Debouncer {
	if quiet <= 0 {
		quiet = 250 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Debouncer{
		quiet:  quiet,
		run:    run,
		logger: logger,
		state:  stateIdle,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Notify records one logical change. Idle starts a quiet period, Waiting
// resets it, Running flags one pending successor, RunningPending is a no-op.
func (d *Debouncer) Notify() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	switch d.state {
	case stateIdle:
		d.state = stateWaiting
		d.timer = time.AfterFunc(d.quiet, d.fire)
	case stateWaiting:
		d.timer.Reset(d.quiet)
	case stateRunning:
		d.state = stateRunningPending
	case stateRunningPending:
		// already flagged
	}
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if d.stopped || d.state != stateWaiting {
		d.mu.Unlock()
		return
	}
	d.state = stateRunning
	d.runSeq++
	seq := d.runSeq
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		started := time.Now()
		err := d.run(d.ctx)
		if err != nil {
			d.logf("aggregation run %d failed after %s: %v", seq, time.Since(started).Round(time.Millisecond), err)
		}
		d.completeRun()
	}()
}

// completeRun leaves the running state. A pending successor re-enters a
// fresh quiet period rather than running immediately.
func (d *Debouncer) completeRun() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		d.state = stateIdle
		return
	}
	if d.state == stateRunningPending {
		d.state = stateWaiting
		d.timer = time.AfterFunc(d.quiet, d.fire)
		return
	}
	d.state = stateIdle
}

// RunSeq returns the number of aggregation runs started so far.
func (d *Debouncer) RunSeq() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runSeq
}

// Stop cancels any pending quiet period and prevents future runs. An
// in-flight run is allowed to finish (its result is discarded by the owner);
// Stop blocks until it has. Safe to call multiple times.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		if d.timer != nil {
			d.timer.Stop()
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
	d.cancel()
}

func (d *Debouncer) currentState() aggregatorState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Debouncer) logf(format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}
