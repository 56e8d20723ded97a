package models

import (
	"encoding/json"
	"time"
)

// Category is the coarse classification of an error.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryTimeout    Category = "timeout"
	CategoryAuth       Category = "auth"
	CategoryDatabase   Category = "database"
	CategoryValidation Category = "validation"
	CategoryInternal   Category = "internal"
	CategoryRateLimit  Category = "rate_limit"
	CategoryExternal   Category = "external"
	CategoryUnknown    Category = "unknown"
)

// Span status values delivered by the ingestion collaborator.
const (
	SpanStatusUnset = "unset"
	SpanStatusOK    = "ok"
	SpanStatusError = "error"
)

// ErrorRecord is a decoded, error-bearing span as delivered by ingestion.
// Attributes is the raw JSON attribute payload; it may be malformed.
type ErrorRecord struct {
	Name          string          `json:"name"`
	Status        string          `json:"status"`
	StatusMessage string          `json:"status_message,omitempty"`
	ServiceName   string          `json:"service_name"`
	TraceID       string          `json:"trace_id"`
	SpanID        string          `json:"span_id,omitempty"`
	Attributes    json.RawMessage `json:"attributes,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Breadcrumbs   []Breadcrumb    `json:"breadcrumbs,omitempty"`
}

// Breadcrumb is an incoming trail entry, not yet bound to an event.
type Breadcrumb struct {
	Type      string         `json:"type"`
	Category  string         `json:"category,omitempty"`
	Message   string         `json:"message,omitempty"`
	Level     string         `json:"level,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ErrorEvent is the extractor's view of one error occurrence. It is never
// persisted directly.
type ErrorEvent struct {
	ErrorType      string    `json:"error_type"`
	Message        string    `json:"message"`
	StackTrace     string    `json:"stack_trace,omitempty"`
	Category       Category  `json:"category"`
	Fingerprint    string    `json:"fingerprint"`
	Level          string    `json:"level"`
	ServiceName    string    `json:"service_name"`
	Platform       string    `json:"platform,omitempty"`
	TraceID        string    `json:"trace_id"`
	SpanID         string    `json:"span_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Environment    string    `json:"environment,omitempty"`
	ReleaseVersion string    `json:"release_version,omitempty"`
	GenAIProvider  string    `json:"gen_ai_provider,omitempty"`
	GenAIModel     string    `json:"gen_ai_model,omitempty"`
	GenAIOperation string    `json:"gen_ai_operation,omitempty"`
	FinishReason   string    `json:"finish_reason,omitempty"`
	GenAIErrorType string    `json:"gen_ai_error_type,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
