package models

import (
	"time"

	"github.com/google/uuid"
)

// StackFrame is one structured frame of a captured stack trace.
type StackFrame struct {
	Function string `json:"function,omitempty"`
	Module   string `json:"module,omitempty"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	InApp    bool   `json:"in_app,omitempty"`
}

// IssueEvent is one occurrence linked to an Issue with its full context.
// Events are written once and never updated.
type IssueEvent struct {
	ID             uuid.UUID         `db:"id"              json:"id"`
	IssueID        uuid.UUID         `db:"issue_id"        json:"issue_id"`
	TraceID        *string           `db:"trace_id"        json:"trace_id,omitempty"`
	SpanID         *string           `db:"span_id"         json:"span_id,omitempty"`
	Message        *string           `db:"message"         json:"message,omitempty"`
	StackTrace     *string           `db:"stack_trace"     json:"stack_trace,omitempty"`
	Frames         []StackFrame      `db:"frames"          json:"frames,omitempty"`
	Environment    *string           `db:"environment"     json:"environment,omitempty"`
	ReleaseVersion *string           `db:"release_version" json:"release_version,omitempty"`
	UserID         *string           `db:"user_id"         json:"user_id,omitempty"`
	UserIP         *string           `db:"user_ip"         json:"user_ip,omitempty"`
	Request        map[string]any    `db:"request"         json:"request,omitempty"`
	Client         *string           `db:"client"          json:"client,omitempty"`
	Runtime        *string           `db:"runtime"         json:"runtime,omitempty"`
	Context        map[string]any    `db:"context"         json:"context,omitempty"`
	Tags           map[string]string `db:"tags"            json:"tags,omitempty"`
	Timestamp      time.Time         `db:"timestamp"       json:"timestamp"`
	CreatedAt      time.Time         `db:"created_at"      json:"created_at"`
}

// ErrorBreadcrumb is a trail entry recorded before an event. Breadcrumbs are
// append-only and read oldest-first.
type ErrorBreadcrumb struct {
	ID        uuid.UUID      `db:"id"        json:"id"`
	EventID   uuid.UUID      `db:"event_id"  json:"event_id"`
	Type      string         `db:"type"      json:"type"`
	Category  *string        `db:"category"  json:"category,omitempty"`
	Message   *string        `db:"message"   json:"message,omitempty"`
	Level     string         `db:"level"     json:"level"`
	Data      map[string]any `db:"data"      json:"data,omitempty"`
	Timestamp time.Time      `db:"timestamp" json:"timestamp"`
}
