package taskfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileSource serves collections from JSON documents on disk: one
// <collection>.json file per collection under the data directory, each
// holding an array of records. A write to a file pushes the fresh full
// result set to every matching subscription. Intended for local development
// and fixtures, not production.
type FileSource struct {
	dir     string
	logger  Logger
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	subs   map[*eventStream]struct{}
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

func NewFileSource(dir string, logger Logger) (*FileSource, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	s := &FileSource{
		dir:     dir,
		logger:  logger,
		watcher: watcher,
		subs:    map[*eventStream]struct{}{},
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.watchLoop()
	return s, nil
}

func (s *FileSource) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(ev.Name)
			if !strings.HasSuffix(name, ".json") {
				continue
			}
			s.broadcast(strings.TrimSuffix(name, ".json"))
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logf("file source watcher error: %v", err)
		}
	}
}

func (s *FileSource) broadcast(collection string) {
	records, err := s.readCollection(collection)
	if err != nil {
		s.logf("file source: reading %s: %v", collection, err)
		return
	}
	s.mu.Lock()
	targets := make(map[*eventStream][]RawRecord)
	for sub := range s.subs {
		if sub.descriptor.Collection != collection {
			continue
		}
		targets[sub] = filterRecords(records, sub.descriptor)
	}
	s.mu.Unlock()
	for sub, matched := range targets {
		sub.offer(matched)
	}
}

func (s *FileSource) readCollection(collection string) ([]RawRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, collection+".json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []RawRecord{}, nil
		}
		return nil, err
	}
	var records []RawRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing %s.json: %w", collection, err)
	}
	return records, nil
}

func (s *FileSource) Subscribe(ctx context.Context, descriptor QueryDescriptor) (Subscription, error) {
	if err := descriptor.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.mu.Unlock()

	initial, err := s.readCollection(descriptor.Collection)
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

	sub.offer(filterRecords(initial, descriptor))
	return sub, nil
}

func (s *FileSource) Fetch(ctx context.Context, descriptor QueryDescriptor) ([]RawRecord, error) {
	if err := descriptor.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records, err := s.readCollection(descriptor.Collection)
	if err != nil {
		return nil, err
	}
	return filterRecords(records, descriptor), nil
}

// Close stops the watcher and cancels every open subscription.
func (s *FileSource) Close() error {
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
	err := s.watcher.Close()
	s.wg.Wait()
	for _, sub := range subs {
		sub.Cancel()
	}
	return err
}

func (s *FileSource) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
