package taskfeed

import (
	"errors"
	"testing"
)

func TestBuildRecordsQueryCollectionOnly(t *testing.T) {
	query, args, err := buildRecordsQuery("taskfeed_records", QueryDescriptor{Collection: CollectionMeetings})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := `SELECT id, user_id, team_id, status, created_at, tasks FROM "taskfeed_records" WHERE collection = $1 ORDER BY created_at DESC, id`
	if query != want {
		t.Fatalf("got:\n%s\nwant:\n%s", query, want)
	}
	if len(args) != 1 || args[0] != CollectionMeetings {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestBuildRecordsQueryFiltersAreOrderedAndMapped(t *testing.T) {
	descriptor := QueryDescriptor{
		Collection: CollectionMeetings,
		Filters:    map[string]string{"userId": "u1", "teamId": "t1", "status": "done"},
	}
	query, args, err := buildRecordsQuery("taskfeed_records", descriptor)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := `SELECT id, user_id, team_id, status, created_at, tasks FROM "taskfeed_records" WHERE collection = $1 AND status = $2 AND team_id = $3 AND user_id = $4 ORDER BY created_at DESC, id`
	if query != want {
		t.Fatalf("got:\n%s\nwant:\n%s", query, want)
	}
	wantArgs := []any{CollectionMeetings, "done", "t1", "u1"}
	if len(args) != len(wantArgs) {
		t.Fatalf("unexpected args: %v", args)
	}
	for i := range wantArgs {
		if args[i] != wantArgs[i] {
			t.Fatalf("arg %d: got %v, want %v", i, args[i], wantArgs[i])
		}
	}
}

func TestBuildRecordsQueryRejectsUnknownFilterField(t *testing.T) {
	descriptor := QueryDescriptor{
		Collection: CollectionMeetings,
		Filters:    map[string]string{"ownerId": "u1"},
	}
	_, _, err := buildRecordsQuery("taskfeed_records", descriptor)
	if !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("expected ErrInvalidDescriptor, got %v", err)
	}
}

func TestNewPostgresSourceRejectsEmptyDSN(t *testing.T) {
	if _, err := NewPostgresSource("  ", nil, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
