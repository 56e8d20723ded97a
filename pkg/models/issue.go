package models

import (
	"time"

	"github.com/google/uuid"
)

// IssueStatus is the lifecycle state of an Issue.
type IssueStatus string

const (
	IssueStatusUnresolved    IssueStatus = "unresolved"
	IssueStatusAcknowledged  IssueStatus = "acknowledged"
	IssueStatusInvestigating IssueStatus = "investigating"
	IssueStatusInProgress    IssueStatus = "in_progress"
	IssueStatusResolved      IssueStatus = "resolved"
	IssueStatusIgnored       IssueStatus = "ignored"
	IssueStatusRegressed     IssueStatus = "regressed"
)

var issueStatuses = map[IssueStatus]struct{}{
	IssueStatusUnresolved:    {},
	IssueStatusAcknowledged:  {},
	IssueStatusInvestigating: {},
	IssueStatusInProgress:    {},
	IssueStatusResolved:      {},
	IssueStatusIgnored:       {},
	IssueStatusRegressed:     {},
}

// ParseIssueStatus reports whether s names one of the known lifecycle states.
func ParseIssueStatus(s string) (IssueStatus, bool) {
	st := IssueStatus(s)
	_, ok := issueStatuses[st]
	return st, ok
}

// IssuePriority is the triage priority of an Issue.
type IssuePriority string

const (
	PriorityLow      IssuePriority = "low"
	PriorityMedium   IssuePriority = "medium"
	PriorityHigh     IssuePriority = "high"
	PriorityCritical IssuePriority = "critical"
)

var issuePriorities = map[IssuePriority]struct{}{
	PriorityLow:      {},
	PriorityMedium:   {},
	PriorityHigh:     {},
	PriorityCritical: {},
}

// ParseIssuePriority reports whether s names a known priority.
func ParseIssuePriority(s string) (IssuePriority, bool) {
	p := IssuePriority(s)
	_, ok := issuePriorities[p]
	return p, ok
}

// Substatus values written alongside the lifecycle status. A first
// occurrence starts as SubstatusNew.
const (
	SubstatusNew       = "new"
	SubstatusOngoing   = "ongoing"
	SubstatusRegressed = "regressed"
	SubstatusArchived  = "archived"
)

// Issue is a deduplicated group of error occurrences sharing a fingerprint
// within a project. There is exactly one row per (ProjectID, Fingerprint).
type Issue struct {
	ID                 uuid.UUID         `db:"id"                   json:"id"`
	ProjectID          string            `db:"project_id"           json:"project_id"`
	Fingerprint        string            `db:"fingerprint"          json:"fingerprint"`
	Title              string            `db:"title"                json:"title"`
	Culprit            *string           `db:"culprit"              json:"culprit,omitempty"`
	ErrorType          string            `db:"error_type"           json:"error_type"`
	Category           Category          `db:"category"             json:"category"`
	Level              string            `db:"level"                json:"level"`
	Platform           *string           `db:"platform"             json:"platform,omitempty"`
	ServiceName        string            `db:"service_name"         json:"service_name"`
	FirstSeenAt        time.Time         `db:"first_seen_at"        json:"first_seen_at"`
	LastSeenAt         time.Time         `db:"last_seen_at"         json:"last_seen_at"`
	// LastOccurrenceAt is the server time of the latest recorded occurrence.
	// LastSeenAt comes from the producer and is not comparable with ResolvedAt.
	LastOccurrenceAt   time.Time         `db:"last_occurrence_at"   json:"last_occurrence_at"`
	OccurrenceCount    int64             `db:"occurrence_count"     json:"occurrence_count"`
	AffectedUsersCount int64             `db:"affected_users_count" json:"affected_users_count"`
	RegressionCount    int               `db:"regression_count"     json:"regression_count"`
	Status             IssueStatus       `db:"status"               json:"status"`
	Substatus          *string           `db:"substatus"            json:"substatus,omitempty"`
	ResolvedAt         *time.Time        `db:"resolved_at"          json:"resolved_at,omitempty"`
	ResolvedBy         *string           `db:"resolved_by"          json:"resolved_by,omitempty"`
	Priority           IssuePriority     `db:"priority"             json:"priority"`
	AssignedTo         *string           `db:"assigned_to"          json:"assigned_to,omitempty"`
	Tags               map[string]string `db:"tags"                 json:"tags"`
	Metadata           map[string]any    `db:"metadata"             json:"metadata"`
	CreatedAt          time.Time         `db:"created_at"           json:"created_at"`
	UpdatedAt          time.Time         `db:"updated_at"           json:"updated_at"`
}

// IssueTransition is the audit record written for every status change.
type IssueTransition struct {
	ID         uuid.UUID   `db:"id"          json:"id"`
	IssueID    uuid.UUID   `db:"issue_id"    json:"issue_id"`
	FromStatus IssueStatus `db:"from_status" json:"from_status"`
	ToStatus   IssueStatus `db:"to_status"   json:"to_status"`
	Reason     *string     `db:"reason"      json:"reason,omitempty"`
	Actor      *string     `db:"actor"       json:"actor,omitempty"`
	CreatedAt  time.Time   `db:"created_at"  json:"created_at"`
}
