package taskfeed

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Registry opens and owns subscriptions against a Source. All descriptors
// for a registration are declared up front; nothing in the engine can open a
// subscription from inside a change callback, which is what caused the
// cascading re-trigger storms this design replaces.
type Registry struct {
	source Source
	logger Logger
}

func NewRegistry(source Source, logger Logger) *Registry {
	return &Registry{source: source, logger: logger}
}

// Registration owns the live subscriptions of one consumer session and the
// latest materialized result set per descriptor. Handles are never shared;
// only the owning session stops a registration.
type Registration struct {
	ID      string
	OwnerID string

	trigger func()
	logger  Logger

	mu           sync.Mutex
	subs         []ownedSub
	cache        map[string][]RawRecord
	materialized map[string]bool

	stopped   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

type ownedSub struct {
	key string
	sub Subscription
}

// Watch validates every descriptor and opens one subscription per descriptor.
// Validation failures surface synchronously and nothing is left open. The
// descriptor set is fixed for the life of the registration. Events are held
// in the subscription buffers until Start: the trigger must not fire before
// the caller has finished wiring the registration into its pipeline.
func (r *Registry) Watch(ctx context.Context, ownerID string, descriptors []QueryDescriptor, trigger func()) (*Registration, error) {
	if ownerID == "" || len(descriptors) == 0 || trigger == nil {
		return nil, ErrInvalidInput
	}
	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}

	reg := &Registration{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		trigger:      trigger,
		logger:       r.logger,
		cache:        map[string][]RawRecord{},
		materialized: map[string]bool{},
	}
	for _, d := range descriptors {
		sub, err := r.source.Subscribe(ctx, d)
		if err != nil {
			reg.stop()
			return nil, err
		}
		reg.mu.Lock()
		reg.subs = append(reg.subs, ownedSub{key: d.Key(), sub: sub})
		reg.mu.Unlock()
	}
	return reg, nil
}

// Start begins forwarding buffered and future change events into the
// trigger. Idempotent; a no-op on a stopped registration.
func (reg *Registration) Start() {
	reg.startOnce.Do(func() {
		if reg.stopped.Load() {
			return
		}
		reg.mu.Lock()
		subs := append([]ownedSub(nil), reg.subs...)
		reg.mu.Unlock()
		for _, owned := range subs {
			reg.wg.Add(1)
			go reg.forward(owned.key, owned.sub)
		}
	})
}

// Stop cancels all subscriptions owned by the registration. Safe to call
// multiple times and concurrently with an in-flight aggregation; in-flight
// work completes but its result is discarded by the session.
func (r *Registry) Stop(reg *Registration) {
	if reg == nil {
		return
	}
	reg.stop()
}

// forward drains one subscription stream into the cache and the trigger.
// A stream ending without Cancel (source-side reconnect) just ends the
// forwarder; a restarted stream arrives as a fresh push from the source.
func (reg *Registration) forward(key string, sub Subscription) {
	defer reg.wg.Done()
	for ev := range sub.Events() {
		if reg.stopped.Load() {
			return
		}
		reg.apply(key, ev)
		reg.trigger()
	}
}

func (reg *Registration) apply(key string, ev ChangeEvent) {
	records := make([]RawRecord, len(ev.Records))
	copy(records, ev.Records)
	reg.mu.Lock()
	reg.cache[key] = records
	reg.materialized[key] = true
	reg.mu.Unlock()
}

// Records returns a copy of the latest result set for the descriptor key
// and whether an initial snapshot has arrived at all.
func (reg *Registration) Records(key string) ([]RawRecord, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if !reg.materialized[key] {
		return nil, false
	}
	records := make([]RawRecord, len(reg.cache[key]))
	copy(records, reg.cache[key])
	return records, true
}

// SubscriptionCount reports how many live subscriptions the registration
// holds. It is constant after Watch returns.
func (reg *Registration) SubscriptionCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.subs)
}

// Active reports whether the registration has not been stopped.
func (reg *Registration) Active() bool {
	return !reg.stopped.Load()
}

func (reg *Registration) stop() {
	reg.stopOnce.Do(func() {
		reg.stopped.Store(true)
		reg.mu.Lock()
		subs := append([]ownedSub(nil), reg.subs...)
		reg.mu.Unlock()
		for _, owned := range subs {
			owned.sub.Cancel()
		}
		reg.wg.Wait()
	})
}
