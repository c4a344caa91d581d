package taskfeed

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics receives engine events for instrumentation. All methods must be
// cheap and non-blocking; a nil Metrics is tolerated everywhere.
type Metrics interface {
	NotifyObserved()
	RunCompleted(outcome string, elapsed time.Duration)
	SnapshotPublished()
	SessionStarted()
	SessionStopped()
}

// Run outcomes reported to Metrics.
const (
	RunSucceeded = "succeeded"
	RunPartial   = "partial"
	RunFailed    = "failed"
	RunDiscarded = "discarded"
)

type SessionOptions struct {
	Source            Source
	QuietPeriod       time.Duration
	Retry             RetryPolicy
	PerAttemptTimeout time.Duration
	MaxTeams          int
	Tracker           *ConnTracker
	Logger            Logger
	Metrics           Metrics
}

// Session is the per-consumer pipeline: registry -> debouncer -> aggregator
// -> publisher. Each session is independent; there is no cross-session
// shared state and no process-wide singleton.
type Session struct {
	ownerID  string
	registry *Registry
	reg      *Registration
	deb      *Debouncer
	agg      *Aggregator
	pub      *Publisher
	tracker  *ConnTracker
	logger   Logger
	metrics  Metrics

	trackerDetach func()

	stopped  atomic.Bool
	stopOnce sync.Once
}

// NewSession declares the owner's full descriptor set up front (personal
// meetings, team memberships, notifications), opens the subscriptions, and
// starts the debounce pipeline. Descriptor validation failures surface
// synchronously; nothing is retried at watch time.
func NewSession(ctx context.Context, ownerID string, opts SessionOptions) (*Session, error) {
	if ownerID == "" || opts.Source == nil {
		return nil, ErrInvalidInput
	}
	s := &Session{
		ownerID:  ownerID,
		registry: NewRegistry(opts.Source, opts.Logger),
		pub:      NewPublisher(),
		tracker:  opts.Tracker,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	s.agg = NewAggregator(AggregatorOptions{
		Source:            opts.Source,
		Retry:             opts.Retry,
		PerAttemptTimeout: opts.PerAttemptTimeout,
		MaxTeams:          opts.MaxTeams,
		Logger:            opts.Logger,
	})
	s.deb = NewDebouncer(opts.QuietPeriod, s.runAggregation, opts.Logger)

	descriptors := []QueryDescriptor{
		MeetingsDescriptor(ownerID),
		MembershipsDescriptor(ownerID),
		NotificationsDescriptor(ownerID),
	}
	reg, err := s.registry.Watch(ctx, ownerID, descriptors, s.notify)
	if err != nil {
		s.deb.Stop()
		s.pub.Close()
		return nil, err
	}
	s.reg = reg
	// Forwarding starts only after reg is assigned, so a trigger can never
	// schedule a run that observes a half-built session.
	reg.Start()

	if s.tracker != nil {
		// A recovery edge forces one catch-up pass: the source resyncs on
		// reconnect but downstream aggregation may have gone stale.
		s.trackerDetach = s.tracker.OnTransition(func(tr Transition) {
			if tr.Recovered && !s.stopped.Load() {
				s.logf("session %s: connection recovered, forcing aggregation", s.ownerID)
				s.notify()
			}
		})
	}
	if s.metrics != nil {
		s.metrics.SessionStarted()
	}
	return s, nil
}

func (s *Session) OwnerID() string { return s.ownerID }

// Notify triggers an aggregation pass through the debouncer; exported for
// consumers that need an explicit refresh.
func (s *Session) Notify() { s.notify() }

func (s *Session) notify() {
	if s.stopped.Load() {
		return
	}
	if s.metrics != nil {
		s.metrics.NotifyObserved()
	}
	s.deb.Notify()
}

// runAggregation is the debouncer's run function. Errors are returned for
// the debouncer to log; no snapshot is published on failure so the last good
// snapshot stands.
func (s *Session) runAggregation(ctx context.Context) error {
	started := time.Now()
	result, err := s.agg.Aggregate(ctx, s.ownerID, s.reg)
	if err != nil {
		s.recordRun(RunFailed, started)
		return err
	}
	if s.stopped.Load() || !s.reg.Active() {
		// Stopped mid-run: the result is discarded, never published.
		s.recordRun(RunDiscarded, started)
		return nil
	}
	conn := Online
	if s.tracker != nil {
		conn = s.tracker.Current()
	}
	s.pub.Publish(result.Tasks, result.Partial, conn)
	if s.metrics != nil {
		s.metrics.SnapshotPublished()
	}
	if result.Partial {
		s.recordRun(RunPartial, started)
	} else {
		s.recordRun(RunSucceeded, started)
	}
	return nil
}

func (s *Session) recordRun(outcome string, started time.Time) {
	if s.metrics != nil {
		s.metrics.RunCompleted(outcome, time.Since(started))
	}
}

// OnSnapshot registers a callback for every published snapshot.
func (s *Session) OnSnapshot(cb SnapshotFunc) {
	s.pub.OnSnapshot(cb)
}

// Stream returns a latest-wins snapshot stream for this session.
func (s *Session) Stream() *SnapshotStream {
	return s.pub.Subscribe()
}

// Last returns the most recent published snapshot.
func (s *Session) Last() (Snapshot, bool) {
	return s.pub.Last()
}

// SubscriptionCount reports the session's live subscription count. Fixed at
// watch time.
func (s *Session) SubscriptionCount() int {
	return s.reg.SubscriptionCount()
}

// Active reports whether the session has not been stopped.
func (s *Session) Active() bool {
	return !s.stopped.Load()
}

// Stop tears the session down: cancels all subscriptions synchronously,
// waits for an in-flight aggregation to finish (its result is discarded),
// and closes subscriber streams. Idempotent and safe under concurrency.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		if s.trackerDetach != nil {
			s.trackerDetach()
		}
		s.registry.Stop(s.reg)
		s.deb.Stop()
		s.pub.Close()
		if s.metrics != nil {
			s.metrics.SessionStopped()
		}
		s.logf("session %s stopped", s.ownerID)
	})
}

func (s *Session) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

// Manager constructs and tracks sessions per owner. It replaces the global
// mutable service instance of the predecessor design: consumers hold a
// Manager reference, and every Watch yields an explicit per-owner object.
type Manager struct {
	opts SessionOptions

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(opts SessionOptions) (*Manager, error) {
	if opts.Source == nil {
		return nil, ErrInvalidInput
	}
	return &Manager{
		opts:     opts,
		sessions: map[string]*Session{},
	}, nil
}

// Watch starts (or returns the already-running) session for ownerID.
func (m *Manager) Watch(ctx context.Context, ownerID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStopped
	}
	if existing, ok := m.sessions[ownerID]; ok && existing.Active() {
		return existing, nil
	}
	session, err := NewSession(ctx, ownerID, m.opts)
	if err != nil {
		return nil, err
	}
	m.sessions[ownerID] = session
	return session, nil
}

// Get returns the active session for ownerID, if any.
func (m *Manager) Get(ownerID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[ownerID]
	if !ok || !session.Active() {
		return nil, false
	}
	return session, true
}

// Stop tears down the session for ownerID. A no-op for unknown owners.
func (m *Manager) Stop(ownerID string) {
	m.mu.Lock()
	session, ok := m.sessions[ownerID]
	if ok {
		delete(m.sessions, ownerID)
	}
	m.mu.Unlock()
	if ok {
		session.Stop()
	}
}

// Close stops every session. Further watches fail with ErrStopped.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.sessions = map[string]*Session{}
	m.mu.Unlock()
	for _, session := range sessions {
		session.Stop()
	}
}
