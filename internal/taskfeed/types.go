package taskfeed

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Well-known collections. A descriptor's collection is free-form as far as
// the engine is concerned; these are the classes the session manager
// declares for every owner.
const (
	CollectionMeetings      = "meetings"
	CollectionMemberships   = "memberships"
	CollectionNotifications = "notifications"
)

// Membership statuses that contribute a team's records to aggregation.
const (
	MembershipActive  = "active"
	MembershipInvited = "invited"
)

// QueryDescriptor identifies one watched result set: a collection plus
// equality filters. Descriptors are declared up front at Watch time and are
// immutable afterwards.
type QueryDescriptor struct {
	Collection string            `json:"collection"`
	Filters    map[string]string `json:"filters,omitempty"`
}

// Key returns a stable identity for the descriptor, used as the cache key
// and the source identifier on change events.
func (d QueryDescriptor) Key() string {
	if len(d.Filters) == 0 {
		return d.Collection
	}
	fields := make([]string, 0, len(d.Filters))
	for field := range d.Filters {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	var b strings.Builder
	b.WriteString(d.Collection)
	for _, field := range fields {
		fmt.Fprintf(&b, "|%s=%s", field, d.Filters[field])
	}
	return b.String()
}

// Validate rejects structurally malformed descriptors before any
// subscription is opened.
func (d QueryDescriptor) Validate() error {
	if strings.TrimSpace(d.Collection) == "" {
		return &DescriptorError{Descriptor: d, Reason: "collection is required"}
	}
	for field, value := range d.Filters {
		if strings.TrimSpace(field) == "" {
			return &DescriptorError{Descriptor: d, Reason: "filter field is empty"}
		}
		if strings.TrimSpace(value) == "" {
			return &DescriptorError{Descriptor: d, Reason: fmt.Sprintf("filter %q has empty value", field)}
		}
	}
	return nil
}

// TaskItem is one action item embedded in a source record (extracted
// upstream from a meeting transcript; the extraction itself is external).
type TaskItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Assignee  string    `json:"assignee,omitempty"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// RawRecord is a document pushed by a subscription source: a meeting, a team
// membership, or a notification. The engine never mutates records; it only
// reads and merges them.
type RawRecord struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId,omitempty"`
	TeamID    string     `json:"teamId,omitempty"`
	Status    string     `json:"status,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	Tasks     []TaskItem `json:"tasks,omitempty"`
}

// ChangeEvent is one push from a subscription source: the full current
// result set for a descriptor, not a diff.
type ChangeEvent struct {
	SourceKey  string
	Records    []RawRecord
	ReceivedAt time.Time
}

// AggregatedTask is the unit produced by aggregation. TeamID is empty when
// the task was first seen through the personal path.
type AggregatedTask struct {
	TaskID    string    `json:"taskId"`
	MeetingID string    `json:"meetingId"`
	TeamID    string    `json:"teamId,omitempty"`
	Title     string    `json:"title"`
	Assignee  string    `json:"assignee,omitempty"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Snapshot is one published aggregation result. Seq increases monotonically
// per session; consumers detect staleness by comparing Seq and Connection.
type Snapshot struct {
	Seq         uint64           `json:"seq"`
	Tasks       []AggregatedTask `json:"tasks"`
	Partial     bool             `json:"partial,omitempty"`
	Connection  ConnectionState  `json:"connection"`
	PublishedAt time.Time        `json:"publishedAt"`
}
