package taskfeed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Descriptor constructors for the resource classes a session watches or
// reads. Team meeting descriptors are only ever fetched during a run, never
// watched.

func MeetingsDescriptor(userID string) QueryDescriptor {
	return QueryDescriptor{Collection: CollectionMeetings, Filters: map[string]string{"userId": userID}}
}

func TeamMeetingsDescriptor(teamID string) QueryDescriptor {
	return QueryDescriptor{Collection: CollectionMeetings, Filters: map[string]string{"teamId": teamID}}
}

func MembershipsDescriptor(userID string) QueryDescriptor {
	return QueryDescriptor{Collection: CollectionMemberships, Filters: map[string]string{"userId": userID}}
}

func NotificationsDescriptor(userID string) QueryDescriptor {
	return QueryDescriptor{Collection: CollectionNotifications, Filters: map[string]string{"userId": userID}}
}

// RecordView exposes the result sets a registration has materialized.
type RecordView interface {
	Records(key string) ([]RawRecord, bool)
}

// AggregationResult is the output of one aggregation pass. Partial marks a
// best-effort result where at least one team's records could not be read; it
// is a soft signal, not an error.
type AggregationResult struct {
	Tasks       []AggregatedTask
	Partial     bool
	FailedTeams []string
}

type AggregatorOptions struct {
	Source            Source
	Retry             RetryPolicy
	Classify          Classifier
	PerAttemptTimeout time.Duration
	MaxTeams          int
	Logger            Logger
}

// Aggregator merges the tasks embedded in a user's personal meetings with
// those of each team the user belongs to, deduplicating by task identifier
// and ordering by creation time descending. Team record sets are read via
// Source.Fetch inside the run; the aggregator never opens subscriptions.
type Aggregator struct {
	source            Source
	retry             RetryPolicy
	classify          Classifier
	perAttemptTimeout time.Duration
	maxTeams          int
	logger            Logger
}

func NewAggregator(opts AggregatorOptions) *Aggregator {
	retry := opts.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	classify := opts.Classify
	if classify == nil {
		classify = DefaultClassifier
	}
	perAttemptTimeout := opts.PerAttemptTimeout
	if perAttemptTimeout <= 0 {
		perAttemptTimeout = 5 * time.Second
	}
	maxTeams := opts.MaxTeams
	if maxTeams <= 0 {
		maxTeams = 50
	}
	return &Aggregator{
		source:            opts.Source,
		retry:             retry,
		classify:          classify,
		perAttemptTimeout: perAttemptTimeout,
		maxTeams:          maxTeams,
		logger:            opts.Logger,
	}
}

// DefaultClassifier treats permission and configuration failures as
// terminal and everything else (network blips, transient unavailability) as
// retryable.
func DefaultClassifier(err error) Classification {
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrInvalidDescriptor) || errors.Is(err, context.Canceled) {
		return Terminal
	}
	return Retryable
}

// Aggregate produces the deduplicated, ordered task list for ownerID.
// Personal meetings and memberships come from the view (materialized by the
// registry); each contributing team's meetings are fetched concurrently with
// retry. A missing personal result set fails the whole run with
// ErrSourceUnavailable; a failed team read is logged, skipped, and reported
// via Partial.
func (a *Aggregator) Aggregate(ctx context.Context, ownerID string, view RecordView) (AggregationResult, error) {
	personal, ok := view.Records(MeetingsDescriptor(ownerID).Key())
	if !ok {
		return AggregationResult{}, fmt.Errorf("personal meetings for %s: %w", ownerID, ErrSourceUnavailable)
	}
	memberships, _ := view.Records(MembershipsDescriptor(ownerID).Key())

	teams := contributingTeams(memberships, a.maxTeams)

	type teamFetch struct {
		records []RawRecord
		err     error
	}
	fetches := make([]teamFetch, len(teams))
	done := make(chan int, len(teams))
	for i, teamID := range teams {
		go func(i int, teamID string) {
			descriptor := TeamMeetingsDescriptor(teamID)
			fetches[i].err = a.retry.Do(ctx, func(ctx context.Context) error {
				attemptCtx, cancel := context.WithTimeout(ctx, a.perAttemptTimeout)
				defer cancel()
				records, err := a.source.Fetch(attemptCtx, descriptor)
				if err != nil {
					return err
				}
				fetches[i].records = records
				return nil
			}, a.classify)
			done <- i
		}(i, teamID)
	}
	for range teams {
		<-done
	}

	result := AggregationResult{}
	seen := map[string]struct{}{}
	merge := func(records []RawRecord, teamID string) {
		for _, record := range records {
			for _, item := range record.Tasks {
				if item.ID == "" {
					continue
				}
				if _, dup := seen[item.ID]; dup {
					continue
				}
				seen[item.ID] = struct{}{}
				createdAt := item.CreatedAt
				if createdAt.IsZero() {
					createdAt = record.CreatedAt
				}
				result.Tasks = append(result.Tasks, AggregatedTask{
					TaskID:    item.ID,
					MeetingID: record.ID,
					TeamID:    teamID,
					Title:     item.Title,
					Assignee:  item.Assignee,
					Status:    item.Status,
					CreatedAt: createdAt,
				})
			}
		}
	}

	// Personal records first, then teams in membership order: first-seen
	// wins for provenance.
	merge(personal, "")
	for i, teamID := range teams {
		if fetches[i].err != nil {
			a.logf("aggregate %s: skipping team %s: %v", ownerID, teamID, fetches[i].err)
			result.Partial = true
			result.FailedTeams = append(result.FailedTeams, teamID)
			continue
		}
		merge(fetches[i].records, teamID)
	}

	sort.SliceStable(result.Tasks, func(i, j int) bool {
		left, right := result.Tasks[i], result.Tasks[j]
		if !left.CreatedAt.Equal(right.CreatedAt) {
			return left.CreatedAt.After(right.CreatedAt)
		}
		return left.TaskID < right.TaskID
	})
	return result, nil
}

// contributingTeams extracts the distinct team IDs with active or invited
// status, preserving the membership list order, capped at maxTeams.
func contributingTeams(memberships []RawRecord, maxTeams int) []string {
	teams := make([]string, 0, len(memberships))
	seen := map[string]struct{}{}
	for _, m := range memberships {
		if m.TeamID == "" {
			continue
		}
		if m.Status != MembershipActive && m.Status != MembershipInvited {
			continue
		}
		if _, dup := seen[m.TeamID]; dup {
			continue
		}
		seen[m.TeamID] = struct{}{}
		teams = append(teams, m.TeamID)
		if len(teams) >= maxTeams {
			break
		}
	}
	return teams
}

func (a *Aggregator) logf(format string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Printf(format, args...)
}
