package taskfeed

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildSourceFromDSN constructs a Source from a DSN:
//
//	memory://                 in-process source (dev, tests)
//	file:///path/to/fixtures  fsnotify-watched JSON documents
//	postgres://...            records table + LISTEN/NOTIFY
//
// The tracker, when non-nil, receives reachability signals from sources that
// can observe their own connectivity.
func BuildSourceFromDSN(dsn string, tracker *ConnTracker, logger Logger) (Source, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: source DSN is required", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemorySource(), nil
	case "", "file":
		path := parsed.Path
		if parsed.Opaque != "" {
			path = parsed.Opaque
		}
		if scheme == "" {
			path = dsn
		}
		return NewFileSource(path, logger)
	case "postgres", "postgresql":
		return NewPostgresSource(dsn, tracker, logger)
	default:
		return nil, fmt.Errorf("unsupported source scheme: %s", scheme)
	}
}
