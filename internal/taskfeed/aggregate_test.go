package taskfeed

import (
	"context"
	"errors"
	"testing"
	"time"
)

// mapView is a RecordView backed by a plain map, standing in for a
// registration's materialized cache.
type mapView map[string][]RawRecord

func (v mapView) Records(key string) ([]RawRecord, bool) {
	records, ok := v[key]
	return records, ok
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func testTime(offsetMinutes int) time.Time {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(offsetMinutes) * time.Minute)
}

func TestAggregateMergesPersonalAndTeams(t *testing.T) {
	source := NewMemorySource()
	source.SetRecords(CollectionMeetings, []RawRecord{
		{ID: "meet-a", TeamID: "team-a", CreatedAt: testTime(0), Tasks: []TaskItem{
			{ID: "t2", Title: "t2 via team", CreatedAt: testTime(2)},
			{ID: "t3", Title: "t3", CreatedAt: testTime(3)},
		}},
		{ID: "meet-b", TeamID: "team-b", CreatedAt: testTime(0), Tasks: []TaskItem{
			{ID: "t4", Title: "t4", CreatedAt: testTime(4)},
		}},
	})

	view := mapView{
		MeetingsDescriptor("user-1").Key(): {
			{ID: "meet-p", UserID: "user-1", CreatedAt: testTime(0), Tasks: []TaskItem{
				{ID: "t1", Title: "t1", CreatedAt: testTime(1)},
				{ID: "t2", Title: "t2 personal", CreatedAt: testTime(2)},
			}},
		},
		MembershipsDescriptor("user-1").Key(): {
			{ID: "mem-a", UserID: "user-1", TeamID: "team-a", Status: MembershipActive},
			{ID: "mem-b", UserID: "user-1", TeamID: "team-b", Status: MembershipInvited},
		},
	}

	agg := NewAggregator(AggregatorOptions{Source: source, Retry: fastRetry()})
	result, err := agg.Aggregate(context.Background(), "user-1", view)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if result.Partial {
		t.Fatal("unexpected partial result")
	}
	if len(result.Tasks) != 4 {
		t.Fatalf("expected 4 tasks, got %d: %+v", len(result.Tasks), result.Tasks)
	}

	// newest first: t4, t3, t2, t1
	wantOrder := []string{"t4", "t3", "t2", "t1"}
	for i, want := range wantOrder {
		if result.Tasks[i].TaskID != want {
			t.Fatalf("position %d: got %s, want %s", i, result.Tasks[i].TaskID, want)
		}
	}

	// t2 appears in both the personal and team-a sets; the personal copy wins
	for _, task := range result.Tasks {
		if task.TaskID == "t2" {
			if task.Title != "t2 personal" || task.TeamID != "" {
				t.Fatalf("t2 must keep personal provenance, got %+v", task)
			}
		}
		if task.TaskID == "t4" && task.TeamID != "team-b" {
			t.Fatalf("t4 must carry team provenance, got %+v", task)
		}
	}
}

func TestAggregateIsDeterministic(t *testing.T) {
	source := NewMemorySource()
	source.SetRecords(CollectionMeetings, []RawRecord{
		{ID: "meet-a", TeamID: "team-a", CreatedAt: testTime(0), Tasks: []TaskItem{
			{ID: "x1", CreatedAt: testTime(5)},
			{ID: "x2", CreatedAt: testTime(5)},
		}},
		{ID: "meet-b", TeamID: "team-b", CreatedAt: testTime(0), Tasks: []TaskItem{
			{ID: "x3", CreatedAt: testTime(5)},
		}},
	})
	view := mapView{
		MeetingsDescriptor("user-1").Key(): {},
		MembershipsDescriptor("user-1").Key(): {
			{ID: "mem-a", TeamID: "team-a", Status: MembershipActive},
			{ID: "mem-b", TeamID: "team-b", Status: MembershipActive},
		},
	}
	agg := NewAggregator(AggregatorOptions{Source: source, Retry: fastRetry()})

	var firstIDs []string
	for run := 0; run < 5; run++ {
		result, err := agg.Aggregate(context.Background(), "user-1", view)
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		ids := make([]string, len(result.Tasks))
		for i, task := range result.Tasks {
			ids[i] = task.TaskID
		}
		if run == 0 {
			firstIDs = ids
			// equal timestamps break ties by task ID ascending
			want := []string{"x1", "x2", "x3"}
			for i := range want {
				if ids[i] != want[i] {
					t.Fatalf("tiebreak order: got %v, want %v", ids, want)
				}
			}
			continue
		}
		for i := range ids {
			if ids[i] != firstIDs[i] {
				t.Fatalf("run %d diverged: %v vs %v", run, ids, firstIDs)
			}
		}
	}
}

func TestAggregateMissingPersonalSetFailsRun(t *testing.T) {
	agg := NewAggregator(AggregatorOptions{Source: NewMemorySource(), Retry: fastRetry()})
	_, err := agg.Aggregate(context.Background(), "user-1", mapView{})
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestAggregateMissingMembershipsTreatedAsEmpty(t *testing.T) {
	view := mapView{
		MeetingsDescriptor("user-1").Key(): {
			{ID: "meet-p", CreatedAt: testTime(0), Tasks: []TaskItem{{ID: "t1", CreatedAt: testTime(1)}}},
		},
	}
	agg := NewAggregator(AggregatorOptions{Source: NewMemorySource(), Retry: fastRetry()})
	result, err := agg.Aggregate(context.Background(), "user-1", view)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(result.Tasks) != 1 || result.Tasks[0].TaskID != "t1" {
		t.Fatalf("expected only the personal task, got %+v", result.Tasks)
	}
}

func TestAggregateFailedTeamYieldsPartial(t *testing.T) {
	source := NewMemorySource()
	source.SetRecords(CollectionMeetings, []RawRecord{
		{ID: "meet-b", TeamID: "team-b", CreatedAt: testTime(0), Tasks: []TaskItem{
			{ID: "t4", CreatedAt: testTime(4)},
		}},
	})
	// terminal so the test does not wait out retries
	source.FailFetch(TeamMeetingsDescriptor("team-a"), ErrPermissionDenied)

	view := mapView{
		MeetingsDescriptor("user-1").Key(): {},
		MembershipsDescriptor("user-1").Key(): {
			{ID: "mem-a", TeamID: "team-a", Status: MembershipActive},
			{ID: "mem-b", TeamID: "team-b", Status: MembershipActive},
		},
	}
	agg := NewAggregator(AggregatorOptions{Source: source, Retry: fastRetry()})
	result, err := agg.Aggregate(context.Background(), "user-1", view)
	if err != nil {
		t.Fatalf("a failed team must not fail the run: %v", err)
	}
	if !result.Partial {
		t.Fatal("expected Partial to be set")
	}
	if len(result.FailedTeams) != 1 || result.FailedTeams[0] != "team-a" {
		t.Fatalf("expected FailedTeams [team-a], got %v", result.FailedTeams)
	}
	if len(result.Tasks) != 1 || result.Tasks[0].TaskID != "t4" {
		t.Fatalf("healthy team's tasks must survive, got %+v", result.Tasks)
	}
}

func TestAggregateRetriesTransientTeamFailure(t *testing.T) {
	source := NewMemorySource()
	source.SetRecords(CollectionMeetings, []RawRecord{
		{ID: "meet-a", TeamID: "team-a", CreatedAt: testTime(0), Tasks: []TaskItem{
			{ID: "t1", CreatedAt: testTime(1)},
		}},
	})
	flaky := &flakyFetchSource{MemorySource: source, failures: 1}

	view := mapView{
		MeetingsDescriptor("user-1").Key(): {},
		MembershipsDescriptor("user-1").Key(): {
			{ID: "mem-a", TeamID: "team-a", Status: MembershipActive},
		},
	}
	agg := NewAggregator(AggregatorOptions{Source: flaky, Retry: fastRetry()})
	result, err := agg.Aggregate(context.Background(), "user-1", view)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if result.Partial {
		t.Fatal("a recovered fetch must not mark the result partial")
	}
	if len(result.Tasks) != 1 {
		t.Fatalf("expected the team task after retry, got %+v", result.Tasks)
	}
}

type flakyFetchSource struct {
	*MemorySource
	failures int
}

func (f *flakyFetchSource) Fetch(ctx context.Context, descriptor QueryDescriptor) ([]RawRecord, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("transient")
	}
	return f.MemorySource.Fetch(ctx, descriptor)
}

func TestContributingTeamsFiltersAndCaps(t *testing.T) {
	memberships := []RawRecord{
		{ID: "m1", TeamID: "team-a", Status: MembershipActive},
		{ID: "m2", TeamID: "team-b", Status: "left"},
		{ID: "m3", TeamID: "team-c", Status: MembershipInvited},
		{ID: "m4", TeamID: "team-a", Status: MembershipActive}, // duplicate
		{ID: "m5", TeamID: "", Status: MembershipActive},
		{ID: "m6", TeamID: "team-d", Status: MembershipActive},
	}
	teams := contributingTeams(memberships, 50)
	want := []string{"team-a", "team-c", "team-d"}
	if len(teams) != len(want) {
		t.Fatalf("got %v, want %v", teams, want)
	}
	for i := range want {
		if teams[i] != want[i] {
			t.Fatalf("got %v, want %v", teams, want)
		}
	}

	capped := contributingTeams(memberships, 2)
	if len(capped) != 2 || capped[0] != "team-a" || capped[1] != "team-c" {
		t.Fatalf("cap not honored: %v", capped)
	}
}

func TestAggregateZeroCreatedAtFallsBackToRecord(t *testing.T) {
	view := mapView{
		MeetingsDescriptor("user-1").Key(): {
			{ID: "meet-p", CreatedAt: testTime(7), Tasks: []TaskItem{{ID: "t1"}}},
		},
	}
	agg := NewAggregator(AggregatorOptions{Source: NewMemorySource(), Retry: fastRetry()})
	result, err := agg.Aggregate(context.Background(), "user-1", view)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if !result.Tasks[0].CreatedAt.Equal(testTime(7)) {
		t.Fatalf("expected record timestamp fallback, got %s", result.Tasks[0].CreatedAt)
	}
}
