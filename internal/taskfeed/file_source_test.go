package taskfeed

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeCollection(t *testing.T, dir, collection string, records []RawRecord) {
	t.Helper()
	data, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("marshal %s: %v", collection, err)
	}
	if err := os.WriteFile(filepath.Join(dir, collection+".json"), data, 0o644); err != nil {
		t.Fatalf("write %s: %v", collection, err)
	}
}

func TestFileSourceFetchReadsFixtures(t *testing.T) {
	dir := t.TempDir()
	writeCollection(t, dir, CollectionMeetings, []RawRecord{
		{ID: "m1", UserID: "u1"},
		{ID: "m2", UserID: "u2"},
	})

	source, err := NewFileSource(dir, nil)
	if err != nil {
		t.Fatalf("new file source: %v", err)
	}
	defer source.Close()

	records, err := source.Fetch(context.Background(), MeetingsDescriptor("u1"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(records) != 1 || records[0].ID != "m1" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestFileSourceMissingFileIsEmpty(t *testing.T) {
	source, err := NewFileSource(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new file source: %v", err)
	}
	defer source.Close()

	records, err := source.Fetch(context.Background(), NotificationsDescriptor("u1"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty set for missing file, got %+v", records)
	}
}

func TestFileSourcePushesOnWrite(t *testing.T) {
	dir := t.TempDir()
	source, err := NewFileSource(dir, nil)
	if err != nil {
		t.Fatalf("new file source: %v", err)
	}
	defer source.Close()

	sub, err := source.Subscribe(context.Background(), MeetingsDescriptor("u1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()
	collectEvent(t, sub) // initial empty set

	writeCollection(t, dir, CollectionMeetings, []RawRecord{{ID: "m1", UserID: "u1"}})

	deadline := time.Now().Add(3 * time.Second)
	for {
		ev := collectEvent(t, sub)
		if len(ev.Records) == 1 && ev.Records[0].ID == "m1" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("never observed the written record, last event: %+v", ev)
		}
	}
}

func TestFileSourceIgnoresNonJSONFiles(t *testing.T) {
	dir := t.TempDir()
	source, err := NewFileSource(dir, nil)
	if err != nil {
		t.Fatalf("new file source: %v", err)
	}
	defer source.Close()

	sub, err := source.Subscribe(context.Background(), MeetingsDescriptor("u1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()
	collectEvent(t, sub)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("scratch"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event for non-json file: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFileSourceCloseCancelsSubscriptions(t *testing.T) {
	source, err := NewFileSource(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new file source: %v", err)
	}
	sub, err := source.Subscribe(context.Background(), MeetingsDescriptor("u1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	collectEvent(t, sub)

	if err := source.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := source.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if _, open := <-sub.Events(); !open {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("events channel never closed after source close")
		}
	}
}
