package issues

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/analysis"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// IngestResult reports where one error record landed.
type IngestResult struct {
	IssueID     uuid.UUID       `json:"issue_id"`
	EventID     uuid.UUID       `json:"event_id"`
	Fingerprint string          `json:"fingerprint"`
	Category    models.Category `json:"category"`
}

// Ingest runs one record through extraction, upsert, event linking and
// breadcrumb capture. It returns nil without error for records that do not
// carry error status.
func (s *Service) Ingest(ctx context.Context, projectID string, rec models.ErrorRecord) (*IngestResult, error) {
	ev := analysis.Extract(rec)
	if ev == nil {
		return nil, nil
	}

	issueID, err := s.UpsertIssue(ctx, UpsertParams{
		ProjectID:   projectID,
		Fingerprint: ev.Fingerprint,
		Title:       analysis.Title(ev),
		ErrorType:   ev.ErrorType,
		Category:    ev.Category,
		Level:       ev.Level,
		Culprit:     analysis.Culprit(ev),
		Platform:    ev.Platform,
		ServiceName: ev.ServiceName,
		UserID:      ev.UserID,
		Tags:        issueTags(ev),
		Metadata:    genAIContext(ev),
		SeenAt:      ev.Timestamp,
	})
	if err != nil {
		return nil, err
	}

	eventID, err := s.LinkEvent(ctx, LinkEventParams{
		IssueID:        issueID,
		TraceID:        ev.TraceID,
		SpanID:         ev.SpanID,
		Message:        ev.Message,
		StackTrace:     ev.StackTrace,
		Environment:    ev.Environment,
		ReleaseVersion: ev.ReleaseVersion,
		UserID:         ev.UserID,
		Runtime:        ev.Platform,
		Context:        genAIContext(ev),
		Tags:           issueTags(ev),
		Timestamp:      ev.Timestamp,
	})
	if err != nil {
		return nil, err
	}

	if err := s.AddBreadcrumbs(ctx, eventID, rec.Breadcrumbs); err != nil {
		return nil, fmt.Errorf("event %s: %w", eventID, err)
	}

	return &IngestResult{
		IssueID:     issueID,
		EventID:     eventID,
		Fingerprint: ev.Fingerprint,
		Category:    ev.Category,
	}, nil
}

func issueTags(ev *models.ErrorEvent) map[string]string {
	tags := map[string]string{}
	if ev.ServiceName != "" {
		tags["service"] = ev.ServiceName
	}
	if ev.Environment != "" {
		tags["environment"] = ev.Environment
	}
	if ev.ReleaseVersion != "" {
		tags["release"] = ev.ReleaseVersion
	}
	return tags
}

// genAIContext collects the GenAI attributes of ev, or nil when there are none.
func genAIContext(ev *models.ErrorEvent) map[string]any {
	ctx := map[string]any{}
	for k, v := range map[string]string{
		"gen_ai.provider":      ev.GenAIProvider,
		"gen_ai.model":         ev.GenAIModel,
		"gen_ai.operation":     ev.GenAIOperation,
		"gen_ai.finish_reason": ev.FinishReason,
		"gen_ai.error_type":    ev.GenAIErrorType,
	} {
		if v != "" {
			ctx[k] = v
		}
	}
	if len(ctx) == 0 {
		return nil
	}
	return ctx
}
