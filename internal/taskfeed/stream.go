package taskfeed

import (
	"sync"
	"time"
)

// eventStream is the Subscription implementation shared by the built-in
// sources: a small buffered channel with drop-oldest delivery. Dropping is
// safe because every event carries the full current result set, so the
// newest event subsumes anything dropped.
type eventStream struct {
	descriptor QueryDescriptor
	ch         chan ChangeEvent
	onCancel   func(*eventStream)

	mu     sync.Mutex
	closed bool
}

func newEventStream(descriptor QueryDescriptor, onCancel func(*eventStream)) *eventStream {
	return &eventStream{
		descriptor: descriptor,
		ch:         make(chan ChangeEvent, 16),
		onCancel:   onCancel,
	}
}

func (s *eventStream) Events() <-chan ChangeEvent {
	return s.ch
}

// Cancel detaches the stream from its source and closes the channel.
// Synchronous and idempotent.
func (s *eventStream) Cancel() {
	if s.onCancel != nil {
		s.onCancel(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// offer delivers the full result set without ever blocking the source.
func (s *eventStream) offer(records []RawRecord) {
	ev := ChangeEvent{
		SourceKey:  s.descriptor.Key(),
		Records:    records,
		ReceivedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}
