package taskfeed

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresRecordsTableName = "taskfeed_records"
	postgresNotifyChannel    = "taskfeed_changes"
	postgresOperationTimeout = 5 * time.Second
	postgresMinReconnect     = time.Second
	postgresMaxReconnect     = 30 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresSource serves record collections from a taskfeed_records table and
// turns NOTIFY events on the taskfeed_changes channel (payload: collection
// name) into full-result-set pushes. The upstream application issues NOTIFY
// from the same transaction that mutates records; pq's listener reconnects
// on its own, and reconnect events feed the connection tracker when one is
// attached.
type PostgresSource struct {
	dsn      string
	table    string
	logger   Logger
	tracker  *ConnTracker
	openDB   sqlOpenFunc
	listener *pq.Listener

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu     sync.Mutex
	subs   map[*eventStream]struct{}
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewPostgresSource validates the DSN; the connection, schema bootstrap, and
// LISTEN are established lazily on first use.
func NewPostgresSource(dsn string, tracker *ConnTracker, logger Logger) (*PostgresSource, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresSource{
		dsn:     dsn,
		table:   postgresRecordsTableName,
		logger:  logger,
		tracker: tracker,
		openDB:  sql.Open,
		subs:    map[*eventStream]struct{}{},
		done:    make(chan struct{}),
	}, nil
}

func (s *PostgresSource) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT NOT NULL,
				collection TEXT NOT NULL,
				user_id TEXT NOT NULL DEFAULT '',
				team_id TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				tasks TEXT NOT NULL DEFAULT '[]',
				PRIMARY KEY (collection, id)
			)`, pq.QuoteIdentifier(s.table))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}

		listener := pq.NewListener(s.dsn, postgresMinReconnect, postgresMaxReconnect, s.listenerEvent)
		if err := listener.Listen(postgresNotifyChannel); err != nil {
			_ = listener.Close()
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
		s.listener = listener
		s.wg.Add(1)
		go s.notifyLoop()
	})
	return s.initErr
}

func (s *PostgresSource) listenerEvent(event pq.ListenerEventType, err error) {
	if err != nil {
		s.logf("postgres listener event %d: %v", event, err)
	}
	if s.tracker == nil {
		return
	}
	switch event {
	case pq.ListenerEventConnected, pq.ListenerEventReconnected:
		s.tracker.Report(true)
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		s.tracker.Report(false)
	}
}

func (s *PostgresSource) notifyLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case notification, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if notification == nil {
				// pq delivers nil after a reconnect: anything may have
				// changed while the connection was down.
				s.broadcastAll()
				continue
			}
			s.broadcast(strings.TrimSpace(notification.Extra))
		}
	}
}

func (s *PostgresSource) broadcastAll() {
	collections := map[string]struct{}{}
	s.mu.Lock()
	for sub := range s.subs {
		collections[sub.descriptor.Collection] = struct{}{}
	}
	s.mu.Unlock()
	for collection := range collections {
		s.broadcast(collection)
	}
}

func (s *PostgresSource) broadcast(collection string) {
	if collection == "" {
		return
	}
	s.mu.Lock()
	targets := make([]*eventStream, 0, len(s.subs))
	for sub := range s.subs {
		if sub.descriptor.Collection == collection {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()
	if len(targets) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	for _, sub := range targets {
		records, err := s.query(ctx, sub.descriptor)
		if err != nil {
			s.logf("postgres source: refreshing %s: %v", sub.descriptor.Key(), err)
			continue
		}
		sub.offer(records)
	}
}

func (s *PostgresSource) Subscribe(ctx context.Context, descriptor QueryDescriptor) (Subscription, error) {
	if err := descriptor.Validate(); err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.mu.Unlock()

	initial, err := s.query(ctx, descriptor)
	if err != nil {
		return nil, err
	}
	sub := newEventStream(descriptor, func(stream *eventStream) {
		s.mu.Lock()
		delete(s.subs, stream)
		s.mu.Unlock()
	})
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	sub.offer(initial)
	return sub, nil
}

func (s *PostgresSource) Fetch(ctx context.Context, descriptor QueryDescriptor) ([]RawRecord, error) {
	if err := descriptor.Validate(); err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return s.query(ctx, descriptor)
}

var postgresFilterColumns = map[string]string{
	"id":     "id",
	"userId": "user_id",
	"teamId": "team_id",
	"status": "status",
}

// buildRecordsQuery renders the SELECT for a descriptor. Filter fields map
// to indexed columns; an unknown field is a descriptor error, never an
// implicit full scan.
func buildRecordsQuery(table string, descriptor QueryDescriptor) (string, []any, error) {
	clauses := []string{"collection = $1"}
	args := []any{descriptor.Collection}
	fields := make([]string, 0, len(descriptor.Filters))
	for field := range descriptor.Filters {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		column, ok := postgresFilterColumns[field]
		if !ok {
			return "", nil, &DescriptorError{Descriptor: descriptor, Reason: fmt.Sprintf("unsupported filter field %q", field)}
		}
		args = append(args, descriptor.Filters[field])
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	query := fmt.Sprintf(
		"SELECT id, user_id, team_id, status, created_at, tasks FROM %s WHERE %s ORDER BY created_at DESC, id",
		pq.QuoteIdentifier(table), strings.Join(clauses, " AND "))
	return query, args, nil
}

func (s *PostgresSource) query(ctx context.Context, descriptor QueryDescriptor) ([]RawRecord, error) {
	query, args, err := buildRecordsQuery(s.table, descriptor)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []RawRecord{}
	for rows.Next() {
		var record RawRecord
		var tasksJSON string
		if err := rows.Scan(&record.ID, &record.UserID, &record.TeamID, &record.Status, &record.CreatedAt, &tasksJSON); err != nil {
			return nil, err
		}
		if tasksJSON != "" {
			if err := json.Unmarshal([]byte(tasksJSON), &record.Tasks); err != nil {
				return nil, fmt.Errorf("record %s: parsing tasks: %w", record.ID, err)
			}
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Close stops the notify loop, closes the listener and pool, and cancels
// every open subscription.
func (s *PostgresSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*eventStream, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = map[*eventStream]struct{}{}
	s.mu.Unlock()

	close(s.done)
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	if s.db != nil {
		if closeErr := s.db.Close(); err == nil {
			err = closeErr
		}
	}
	for _, sub := range subs {
		sub.Cancel()
	}
	return err
}

func (s *PostgresSource) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
