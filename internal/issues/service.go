// Package issues is the lifecycle engine for deduplicated error issues. It
// owns upserts by fingerprint, the status state machine, ownership and
// priority edits, and the timeline of events and breadcrumbs.
package issues

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/cache"
	"github.com/kiranshivaraju/faultline/internal/metrics"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Listing bounds applied to every limit/offset the service receives.
const (
	MinLimit = 1
	MaxLimit = 1000
)

// ClampLimit forces limit into [MinLimit, MaxLimit].
func ClampLimit(limit int) int {
	if limit < MinLimit {
		return MinLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// ClampOffset forces offset to be non-negative.
func ClampOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

// UpsertParams describes one occurrence of an error group.
type UpsertParams struct {
	ProjectID   string
	Fingerprint string
	Title       string
	ErrorType   string
	Category    models.Category
	Level       string
	Culprit     string
	Platform    string
	ServiceName string
	UserID      string
	Tags        map[string]string
	Metadata    map[string]any
	SeenAt      time.Time
}

// LinkEventParams carries the context captured for one occurrence.
type LinkEventParams struct {
	IssueID        uuid.UUID
	TraceID        string
	SpanID         string
	Message        string
	StackTrace     string
	Frames         []models.StackFrame
	Environment    string
	ReleaseVersion string
	UserID         string
	UserIP         string
	Request        map[string]any
	Client         string
	Runtime        string
	Context        map[string]any
	Tags           map[string]string
	Timestamp      time.Time
}

// Service is the issue aggregate root. Mutations are forwarded to the store's
// write queue and return only after they have been applied, so a caller can
// read back its own writes.
type Service struct {
	store    store.IssueStore
	cache    cache.Cache
	cacheTTL time.Duration
	now      func() time.Time
}

// NewService creates a new Service. A nil cache disables issue caching.
func NewService(st store.IssueStore, ca cache.Cache, cacheTTL time.Duration) *Service {
	return &Service{
		store:    st,
		cache:    ca,
		cacheTTL: cacheTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// UpsertIssue records one occurrence of (ProjectID, Fingerprint) and returns
// the issue id. This is the only operation that changes occurrence_count.
func (s *Service) UpsertIssue(ctx context.Context, p UpsertParams) (uuid.UUID, error) {
	if strings.TrimSpace(p.ProjectID) == "" || strings.TrimSpace(p.Fingerprint) == "" {
		return uuid.Nil, ErrInvalidIssue
	}
	if p.Level == "" {
		p.Level = "error"
	}
	if p.Category == "" {
		p.Category = models.CategoryUnknown
	}
	if p.Title == "" {
		p.Title = p.ErrorType
	}
	if p.SeenAt.IsZero() {
		p.SeenAt = s.now()
	}

	id, created, err := s.store.UpsertIssue(ctx, store.UpsertIssueParams{
		ProjectID:   p.ProjectID,
		Fingerprint: p.Fingerprint,
		Title:       p.Title,
		Culprit:     optional(p.Culprit),
		ErrorType:   p.ErrorType,
		Category:    p.Category,
		Level:       p.Level,
		Platform:    optional(p.Platform),
		ServiceName: p.ServiceName,
		UserID:      p.UserID,
		Tags:        p.Tags,
		Metadata:    p.Metadata,
		SeenAt:      p.SeenAt.UTC(),
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert issue: %w", err)
	}

	if created {
		metrics.IssuesUpserted.WithLabelValues("created").Inc()
		slog.InfoContext(ctx, "issue created",
			"issue_id", id, "project_id", p.ProjectID, "fingerprint", p.Fingerprint, "category", p.Category)
	} else {
		metrics.IssuesUpserted.WithLabelValues("deduplicated").Inc()
		s.invalidate(ctx, id)
	}
	return id, nil
}

// TransitionStatus moves the issue to newStatus. It returns false with no
// error when the issue does not exist, ErrInvalidStatus for an unknown
// status and ErrInvalidTransition for an edge the lifecycle forbids. The
// edge is checked against the persisted status inside the write unit.
func (s *Service) TransitionStatus(ctx context.Context, id uuid.UUID, newStatus models.IssueStatus, reason, actor string) (bool, error) {
	to, ok := models.ParseIssueStatus(string(newStatus))
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrInvalidStatus, newStatus)
	}

	var from models.IssueStatus
	var rejected error
	_, err := s.store.TransitionIssue(ctx, id, func(current *models.Issue) (store.StatusChange, error) {
		from = current.Status
		change, err := planTransition(current, to, reason, actor, s.now())
		rejected = err
		return change, err
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	case rejected != nil && errors.Is(err, ErrInvalidTransition):
		metrics.RejectedTransitions.WithLabelValues(string(from), string(to)).Inc()
		return false, rejected
	case err != nil:
		return false, fmt.Errorf("transition issue: %w", err)
	}

	metrics.StatusTransitions.WithLabelValues(string(from), string(to)).Inc()
	s.invalidate(ctx, id)
	slog.InfoContext(ctx, "issue status changed",
		"issue_id", id, "from", from, "to", to, "actor", actor)
	return true, nil
}

// AssignOwner sets the issue's owner. It returns false when the issue does
// not exist.
func (s *Service) AssignOwner(ctx context.Context, id uuid.UUID, owner string) (bool, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return false, ErrOwnerRequired
	}

	err := s.store.AssignIssue(ctx, id, owner, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("assign owner: %w", err)
	}
	s.invalidate(ctx, id)
	return true, nil
}

// SetPriority changes the issue's triage priority. It returns false when the
// issue does not exist.
func (s *Service) SetPriority(ctx context.Context, id uuid.UUID, priority models.IssuePriority) (bool, error) {
	p, ok := models.ParseIssuePriority(string(priority))
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrInvalidPriority, priority)
	}

	err := s.store.SetIssuePriority(ctx, id, p, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("set priority: %w", err)
	}
	s.invalidate(ctx, id)
	return true, nil
}

// LinkEvent appends an immutable event to the issue timeline. It never
// changes occurrence_count.
func (s *Service) LinkEvent(ctx context.Context, p LinkEventParams) (uuid.UUID, error) {
	ts := p.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	ev := &models.IssueEvent{
		ID:             uuid.New(),
		IssueID:        p.IssueID,
		TraceID:        optional(p.TraceID),
		SpanID:         optional(p.SpanID),
		Message:        optional(p.Message),
		StackTrace:     optional(p.StackTrace),
		Frames:         p.Frames,
		Environment:    optional(p.Environment),
		ReleaseVersion: optional(p.ReleaseVersion),
		UserID:         optional(p.UserID),
		UserIP:         optional(p.UserIP),
		Request:        p.Request,
		Client:         optional(p.Client),
		Runtime:        optional(p.Runtime),
		Context:        p.Context,
		Tags:           p.Tags,
		Timestamp:      ts.UTC(),
		CreatedAt:      s.now(),
	}

	err := s.store.LinkEvent(ctx, ev)
	if errors.Is(err, store.ErrNotFound) {
		return uuid.Nil, ErrIssueNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("link event: %w", err)
	}
	return ev.ID, nil
}

// AddBreadcrumbs appends the trail recorded before an event.
func (s *Service) AddBreadcrumbs(ctx context.Context, eventID uuid.UUID, crumbs []models.Breadcrumb) error {
	if len(crumbs) == 0 {
		return nil
	}

	rows := make([]*models.ErrorBreadcrumb, 0, len(crumbs))
	for _, c := range crumbs {
		row := &models.ErrorBreadcrumb{
			ID:        uuid.New(),
			EventID:   eventID,
			Type:      c.Type,
			Category:  optional(c.Category),
			Message:   optional(c.Message),
			Level:     c.Level,
			Data:      c.Data,
			Timestamp: c.Timestamp.UTC(),
		}
		if row.Type == "" {
			row.Type = "default"
		}
		if row.Level == "" {
			row.Level = "info"
		}
		if row.Timestamp.IsZero() {
			row.Timestamp = s.now()
		}
		rows = append(rows, row)
	}

	err := s.store.AddBreadcrumbs(ctx, rows)
	if errors.Is(err, store.ErrNotFound) {
		return ErrIssueNotFound
	}
	if err != nil {
		return fmt.Errorf("add breadcrumbs: %w", err)
	}
	return nil
}

// GetIssue returns the issue or false when it does not exist. Reads go
// through the cache when one is configured.
//
// The invalidation generation is read before the row. If a mutation
// invalidates the issue while the row is in flight, the repopulate is
// refused and the next read goes to the store.
func (s *Service) GetIssue(ctx context.Context, id uuid.UUID) (*models.Issue, bool, error) {
	repopulate := false
	var gen int64
	if s.cache != nil {
		issue, found, err := s.cache.GetIssue(ctx, id)
		switch {
		case err != nil:
			metrics.CacheLookups.WithLabelValues("error").Inc()
			slog.WarnContext(ctx, "issue cache read failed", "issue_id", id, "error", err)
		case found:
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return issue, true, nil
		default:
			metrics.CacheLookups.WithLabelValues("miss").Inc()
			if gen, err = s.cache.IssueGeneration(ctx, id); err != nil {
				slog.WarnContext(ctx, "issue cache generation read failed", "issue_id", id, "error", err)
			} else {
				repopulate = true
			}
		}
	}

	issue, err := s.store.GetIssue(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get issue: %w", err)
	}

	if repopulate {
		stored, err := s.cache.SetIssue(ctx, issue, gen, s.cacheTTL)
		if err != nil {
			slog.WarnContext(ctx, "issue cache write failed", "issue_id", id, "error", err)
		} else if !stored {
			slog.DebugContext(ctx, "issue changed during read, cache not repopulated", "issue_id", id)
		}
	}
	return issue, true, nil
}

// ListIssues returns issues matching every non-empty filter field, most
// recently seen first. Limit and offset are clamped.
func (s *Service) ListIssues(ctx context.Context, filter store.IssueFilter) (models.Page[*models.Issue], error) {
	filter.Limit = ClampLimit(filter.Limit)
	filter.Offset = ClampOffset(filter.Offset)

	items, total, err := s.store.ListIssues(ctx, filter)
	if err != nil {
		return models.Page[*models.Issue]{}, fmt.Errorf("list issues: %w", err)
	}
	return models.NewPage(items, total), nil
}

// GetEvents returns the issue's events newest first. found is false when the
// issue does not exist.
func (s *Service) GetEvents(ctx context.Context, issueID uuid.UUID, limit int) (page models.Page[*models.IssueEvent], found bool, err error) {
	if _, found, err = s.GetIssue(ctx, issueID); err != nil || !found {
		return page, found, err
	}

	items, total, err := s.store.ListEvents(ctx, issueID, ClampLimit(limit))
	if err != nil {
		return page, true, fmt.Errorf("get events: %w", err)
	}
	return models.NewPage(items, total), true, nil
}

// GetBreadcrumbs returns the breadcrumbs of one event oldest first. found is
// false when the event does not exist or belongs to another issue.
func (s *Service) GetBreadcrumbs(ctx context.Context, issueID, eventID uuid.UUID, limit int) (page models.Page[*models.ErrorBreadcrumb], found bool, err error) {
	ev, err := s.store.GetEvent(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return page, false, nil
	}
	if err != nil {
		return page, false, fmt.Errorf("get event: %w", err)
	}
	if ev.IssueID != issueID {
		return page, false, nil
	}

	items, total, err := s.store.ListBreadcrumbs(ctx, eventID, ClampLimit(limit))
	if err != nil {
		return page, true, fmt.Errorf("get breadcrumbs: %w", err)
	}
	return models.NewPage(items, total), true, nil
}

// GetTransitions returns the status audit trail of an issue, oldest first.
func (s *Service) GetTransitions(ctx context.Context, issueID uuid.UUID, limit int) (page models.Page[*models.IssueTransition], found bool, err error) {
	if _, found, err = s.GetIssue(ctx, issueID); err != nil || !found {
		return page, found, err
	}

	items, total, err := s.store.ListTransitions(ctx, issueID, ClampLimit(limit))
	if err != nil {
		return page, true, fmt.Errorf("get transitions: %w", err)
	}
	return models.NewPage(items, total), true, nil
}

func (s *Service) invalidate(ctx context.Context, id uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateIssue(ctx, id); err != nil {
		slog.WarnContext(ctx, "issue cache invalidation failed", "issue_id", id, "error", err)
	}
}
