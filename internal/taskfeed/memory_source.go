package taskfeed

import (
	"context"
	"sync"
)

// MemorySource is an in-process Source used by the memory profile and by
// tests. SetRecords replaces a collection's contents and pushes the full
// matching result set to every open subscription, mimicking a hosted
// document store's listener semantics.
type MemorySource struct {
	mu          sync.Mutex
	collections map[string][]RawRecord
	subs        map[*eventStream]struct{}
	fetchErrs   map[string]error
}

func NewMemorySource() *MemorySource {
	return &MemorySource{
		collections: map[string][]RawRecord{},
		subs:        map[*eventStream]struct{}{},
		fetchErrs:   map[string]error{},
	}
}

func (m *MemorySource) Subscribe(ctx context.Context, descriptor QueryDescriptor) (Subscription, error) {
	if err := descriptor.Validate(); err != nil {
		return nil, err
	}
	sub := newEventStream(descriptor, func(s *eventStream) {
		m.mu.Lock()
		delete(m.subs, s)
		m.mu.Unlock()
	})
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	initial := filterRecords(m.collections[descriptor.Collection], descriptor)
	m.mu.Unlock()

	sub.offer(initial)
	return sub, nil
}

func (m *MemorySource) Fetch(ctx context.Context, descriptor QueryDescriptor) ([]RawRecord, error) {
	if err := descriptor.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fetchErrs[descriptor.Key()]; err != nil {
		return nil, err
	}
	return filterRecords(m.collections[descriptor.Collection], descriptor), nil
}

// SetRecords replaces the collection's contents and notifies every
// subscription whose descriptor matches the collection.
func (m *MemorySource) SetRecords(collection string, records []RawRecord) {
	stored := make([]RawRecord, len(records))
	copy(stored, records)

	m.mu.Lock()
	m.collections[collection] = stored
	targets := make(map[*eventStream][]RawRecord)
	for sub := range m.subs {
		if sub.descriptor.Collection != collection {
			continue
		}
		targets[sub] = filterRecords(stored, sub.descriptor)
	}
	m.mu.Unlock()

	for sub, matched := range targets {
		sub.offer(matched)
	}
}

// FailFetch injects an error for one descriptor's Fetch path; a nil err
// clears it. Used to exercise partial-failure handling.
func (m *MemorySource) FailFetch(descriptor QueryDescriptor, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fetchErrs, descriptor.Key())
		return
	}
	m.fetchErrs[descriptor.Key()] = err
}

// filterRecords applies a descriptor's equality filters. Unknown filter
// fields match nothing, so a typo never silently widens a result set.
func filterRecords(records []RawRecord, descriptor QueryDescriptor) []RawRecord {
	out := make([]RawRecord, 0, len(records))
	for _, record := range records {
		if recordMatches(record, descriptor) {
			out = append(out, record)
		}
	}
	return out
}

func recordMatches(record RawRecord, descriptor QueryDescriptor) bool {
	for field, want := range descriptor.Filters {
		var got string
		switch field {
		case "userId":
			got = record.UserID
		case "teamId":
			got = record.TeamID
		case "status":
			got = record.Status
		case "id":
			got = record.ID
		default:
			return false
		}
		if got != want {
			return false
		}
	}
	return true
}
