package taskfeed

import (
	"sync"
	"time"
)

// SnapshotFunc receives each published snapshot. The snapshot is a read-only
// copy; callbacks must not retain and mutate its task slice.
type SnapshotFunc func(Snapshot)

// Publisher assigns sequence numbers, retains the last good snapshot, and
// fans each published result out to registered callbacks and subscriber
// streams. It is the only writer of the snapshot cell; failed runs publish
// nothing, so consumers keep seeing the previous snapshot.
type Publisher struct {
	mu          sync.Mutex
	seq         uint64
	last        *Snapshot
	callbacks   []SnapshotFunc
	subscribers map[*SnapshotStream]struct{}
	closed      bool
}

func NewPublisher() *Publisher {
	return &Publisher{subscribers: map[*SnapshotStream]struct{}{}}
}

// OnSnapshot registers a callback invoked synchronously for every published
// snapshot, in registration order.
func (p *Publisher) OnSnapshot(cb SnapshotFunc) {
	if cb == nil {
		return
	}
	p.mu.Lock()
	p.callbacks = append(p.callbacks, cb)
	p.mu.Unlock()
}

// SnapshotStream is a channel-backed subscription to published snapshots.
// The channel holds at most one element; a slow consumer observes only the
// latest snapshot, never a backlog.
type SnapshotStream struct {
	pub  *Publisher
	ch   chan Snapshot
	once sync.Once
}

func (s *SnapshotStream) Updates() <-chan Snapshot {
	return s.ch
}

// Cancel detaches the stream and closes its channel. Idempotent.
func (s *SnapshotStream) Cancel() {
	s.once.Do(func() {
		s.pub.mu.Lock()
		delete(s.pub.subscribers, s)
		s.pub.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe attaches a latest-wins stream. If a snapshot has already been
// published it is delivered immediately.
func (p *Publisher) Subscribe() *SnapshotStream {
	stream := &SnapshotStream{pub: p, ch: make(chan Snapshot, 1)}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		stream.once.Do(func() { close(stream.ch) })
		return stream
	}
	p.subscribers[stream] = struct{}{}
	last := p.last
	p.mu.Unlock()
	if last != nil {
		stream.offer(*last)
	}
	return stream
}

func (s *SnapshotStream) offer(snap Snapshot) {
	select {
	case s.ch <- snap:
	default:
		// replace the stale buffered snapshot with the newer one
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- snap:
		default:
		}
	}
}

// Publish stamps the next sequence number on the result and fans it out.
// Returns the published snapshot.
func (p *Publisher) Publish(tasks []AggregatedTask, partial bool, conn ConnectionState) Snapshot {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Snapshot{}
	}
	p.seq++
	snap := Snapshot{
		Seq:         p.seq,
		Tasks:       tasks,
		Partial:     partial,
		Connection:  conn,
		PublishedAt: time.Now().UTC(),
	}
	p.last = &snap
	callbacks := append([]SnapshotFunc(nil), p.callbacks...)
	streams := make([]*SnapshotStream, 0, len(p.subscribers))
	for stream := range p.subscribers {
		streams = append(streams, stream)
	}
	p.mu.Unlock()

	for _, cb := range callbacks {
		cb(snap)
	}
	for _, stream := range streams {
		stream.offer(snap)
	}
	return snap
}

// Last returns the most recently published snapshot, if any.
func (p *Publisher) Last() (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return Snapshot{}, false
	}
	return *p.last, true
}

// Close detaches and closes every subscriber stream and rejects further
// publishes. Idempotent.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	streams := make([]*SnapshotStream, 0, len(p.subscribers))
	for stream := range p.subscribers {
		streams = append(streams, stream)
	}
	p.subscribers = map[*SnapshotStream]struct{}{}
	p.mu.Unlock()
	for _, stream := range streams {
		stream.once.Do(func() { close(stream.ch) })
	}
}
