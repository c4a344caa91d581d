package taskfeed

import "context"

// Subscription is one open watch on a source. Events carries full result
// sets; the channel is closed when the subscription ends, either via Cancel
// or a source-side teardown. Cancel is synchronous and idempotent.
type Subscription interface {
	Events() <-chan ChangeEvent
	Cancel()
}

// Source is the external subscription collaborator. Subscribe returns a
// stream that pushes the full current result set for the descriptor on every
// change, starting with an initial snapshot. Fetch is a one-shot read used
// for descriptors discovered during an aggregation run (team record sets);
// runs read, they never watch.
type Source interface {
	Subscribe(ctx context.Context, descriptor QueryDescriptor) (Subscription, error)
	Fetch(ctx context.Context, descriptor QueryDescriptor) ([]RawRecord, error)
}

// Logger is the minimal logging contract used across the engine. A nil
// Logger is always tolerated.
type Logger interface {
	Printf(format string, args ...any)
}
