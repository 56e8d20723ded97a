package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	KeyStore
	IssueStore
}

// KeyStore persists API keys used by the auth middleware.
type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// IssueStore is the narrow repository behind the issue lifecycle. Reads use
// a leased read connection; every mutation runs as a unit on the write queue.
type IssueStore interface {
	// UpsertIssue creates the issue for (ProjectID, Fingerprint) or folds one
	// more occurrence into the existing row. created reports which happened.
	UpsertIssue(ctx context.Context, p UpsertIssueParams) (id uuid.UUID, created bool, err error)
	GetIssue(ctx context.Context, id uuid.UUID) (*models.Issue, error)
	ListIssues(ctx context.Context, filter IssueFilter) ([]*models.Issue, int, error)

	// TransitionIssue locks the issue row, asks fn for the change and applies
	// it together with its audit record. An error from fn aborts the unit.
	TransitionIssue(ctx context.Context, id uuid.UUID, fn TransitionFunc) (*models.Issue, error)
	AssignIssue(ctx context.Context, id uuid.UUID, owner string, at time.Time) error
	SetIssuePriority(ctx context.Context, id uuid.UUID, priority models.IssuePriority, at time.Time) error

	LinkEvent(ctx context.Context, ev *models.IssueEvent) error
	AddBreadcrumbs(ctx context.Context, crumbs []*models.ErrorBreadcrumb) error
	GetEvent(ctx context.Context, id uuid.UUID) (*models.IssueEvent, error)
	ListEvents(ctx context.Context, issueID uuid.UUID, limit int) ([]*models.IssueEvent, int, error)
	ListBreadcrumbs(ctx context.Context, eventID uuid.UUID, limit int) ([]*models.ErrorBreadcrumb, int, error)
	ListTransitions(ctx context.Context, issueID uuid.UUID, limit int) ([]*models.IssueTransition, int, error)

	// FindRegressionCandidates returns resolved issues that have been seen
	// again since resolution. An empty service matches every service; a
	// non-empty deployVersion additionally requires an event from that
	// release after resolution.
	FindRegressionCandidates(ctx context.Context, service, deployVersion string) ([]uuid.UUID, error)
}

// UpsertIssueParams carries one occurrence of an error group.
type UpsertIssueParams struct {
	ProjectID   string
	Fingerprint string
	Title       string
	Culprit     *string
	ErrorType   string
	Category    models.Category
	Level       string
	Platform    *string
	ServiceName string
	UserID      string
	Tags        map[string]string
	Metadata    map[string]any
	SeenAt      time.Time
}

// IssueFilter narrows ListIssues. Empty fields match everything. Limit and
// Offset are used as given.
type IssueFilter struct {
	ProjectID   string
	Status      models.IssueStatus
	Priority    models.IssuePriority
	Level       string
	AssignedTo  string
	ServiceName string
	Limit       int
	Offset      int
}

// StatusChange describes how a transition rewrites the issue row.
type StatusChange struct {
	To         models.IssueStatus
	Substatus  *string
	ResolvedAt *time.Time
	ResolvedBy *string
	Regression bool
	Reason     *string
	Actor      *string
	At         time.Time
}

// TransitionFunc inspects the locked issue and returns the change to apply.
type TransitionFunc func(current *models.Issue) (StatusChange, error)
