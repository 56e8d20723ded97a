package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/faultline/internal/api/middleware"
	"github.com/kiranshivaraju/faultline/internal/api/response"
	"github.com/kiranshivaraju/faultline/internal/issues"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// IssueService is the part of issues.Service the triage handlers use.
type IssueService interface {
	ListIssues(ctx context.Context, filter store.IssueFilter) (models.Page[*models.Issue], error)
	GetIssue(ctx context.Context, id uuid.UUID) (*models.Issue, bool, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, status models.IssueStatus, reason, actor string) (bool, error)
	AssignOwner(ctx context.Context, id uuid.UUID, owner string) (bool, error)
	SetPriority(ctx context.Context, id uuid.UUID, priority models.IssuePriority) (bool, error)
	GetEvents(ctx context.Context, issueID uuid.UUID, limit int) (models.Page[*models.IssueEvent], bool, error)
	GetBreadcrumbs(ctx context.Context, issueID, eventID uuid.UUID, limit int) (models.Page[*models.ErrorBreadcrumb], bool, error)
	GetTransitions(ctx context.Context, issueID uuid.UUID, limit int) (models.Page[*models.IssueTransition], bool, error)
}

// NewListIssuesHandler returns an http.HandlerFunc for GET /api/v1/issues.
func NewListIssuesHandler(svc IssueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		limit, err := queryInt(r, "limit", defaultListLimit)
		if err != nil {
			response.BadRequest(w, err.Error())
			return
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil {
			response.BadRequest(w, err.Error())
			return
		}

		filter := store.IssueFilter{
			ProjectID:   q.Get("projectId"),
			Level:       q.Get("level"),
			AssignedTo:  q.Get("assignedTo"),
			ServiceName: q.Get("service"),
			Limit:       limit,
			Offset:      offset,
		}
		if s := q.Get("status"); s != "" {
			status, ok := models.ParseIssueStatus(s)
			if !ok {
				response.BadRequest(w, "status is not a known issue status")
				return
			}
			filter.Status = status
		}
		if p := q.Get("priority"); p != "" {
			priority, ok := models.ParseIssuePriority(p)
			if !ok {
				response.BadRequest(w, "priority must be one of low, medium, high, critical")
				return
			}
			filter.Priority = priority
		}

		page, err := svc.ListIssues(r.Context(), filter)
		if err != nil {
			internalError(w, r, err)
			return
		}
		response.JSON(w, page)
	}
}

// NewGetIssueHandler returns an http.HandlerFunc for GET /api/v1/issues/{id}.
func NewGetIssueHandler(svc IssueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r, "id")
		if err != nil {
			response.BadRequest(w, err.Error())
			return
		}

		issue, found, err := svc.GetIssue(r.Context(), id)
		if err != nil {
			internalError(w, r, err)
			return
		}
		if !found {
			response.NotFound(w, "Issue not found")
			return
		}
		response.JSON(w, issue)
	}
}

// NewUpdateStatusHandler returns an http.HandlerFunc for
// PATCH /api/v1/issues/{id}/status.
func NewUpdateStatusHandler(svc IssueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r, "id")
		if err != nil {
			response.BadRequest(w, err.Error())
			return
		}

		var req struct {
			Status string `json:"status"`
			Reason string `json:"reason"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			response.BadRequest(w, err.Error())
			return
		}
		if strings.TrimSpace(req.Status) == "" {
			response.BadRequest(w, "status is required")
			return
		}

		found, err := svc.TransitionStatus(r.Context(), id, models.IssueStatus(req.Status), req.Reason, mw.Actor(r))
		if err != nil {
			switch {
			case errors.Is(err, issues.ErrInvalidTransition):
				response.Error(w, http.StatusBadRequest, "INVALID_TRANSITION", err.Error(), nil)
			case errors.Is(err, issues.ErrInvalidStatus):
				response.BadRequest(w, err.Error())
			default:
				internalError(w, r, err)
			}
			return
		}
		if !found {
			response.NotFound(w, "Issue not found")
			return
		}
		respondWithIssue(w, r, svc, id)
	}
}

// NewAssignHandler returns an http.HandlerFunc for PUT /api/v1/issues/{id}/assign.
func NewAssignHandler(svc IssueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r, "id")
		if err != nil {
			response.BadRequest(w, err.Error())
			return
		}

		var req struct {
			Owner string `json:"owner"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			response.BadRequest(w, err.Error())
			return
		}

		found, err := svc.AssignOwner(r.Context(), id, req.Owner)
		if errors.Is(err, issues.ErrOwnerRequired) {
			response.BadRequest(w, err.Error())
			return
		}
		if err != nil {
			internalError(w, r, err)
			return
		}
		if !found {
			response.NotFound(w, "Issue not found")
			return
		}
		respondWithIssue(w, r, svc, id)
	}
}

// NewPriorityHandler returns an http.HandlerFunc for PUT /api/v1/issues/{id}/priority.
func NewPriorityHandler(svc IssueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r, "id")
		if err != nil {
			response.BadRequest(w, err.Error())
			return
		}

		var req struct {
			Priority string `json:"priority"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			response.BadRequest(w, err.Error())
			return
		}

		found, err := svc.SetPriority(r.Context(), id, models.IssuePriority(req.Priority))
		if errors.Is(err, issues.ErrInvalidPriority) {
			response.BadRequest(w, "priority must be one of low, medium, high, critical")
			return
		}
		if err != nil {
			internalError(w, r, err)
			return
		}
		if !found {
			response.NotFound(w, "Issue not found")
			return
		}
		respondWithIssue(w, r, svc, id)
	}
}

// NewListEventsHandler returns an http.HandlerFunc for GET /api/v1/issues/{id}/events.
func NewListEventsHandler(svc IssueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r, "id")
		if err != nil {
			response.BadRequest(w, err.Error())
			return
		}
		limit, err := queryInt(r, "limit", defaultListLimit)
		if err != nil {
			response.BadRequest(w, err.Error())
			return
		}

		page, found, err := svc.GetEvents(r.Context(), id, limit)
		if err != nil {
			internalError(w, r, err)
			return
		}
		if !found {
			response.NotFound(w, "Issue not found")
			return
		}
		response.JSON(w, page)
	}
}

// NewListBreadcrumbsHandler returns an http.HandlerFunc for
// GET /api/v1/issues/{id}/events/{eventID}/breadcrumbs.
func NewListBreadcrumbsHandler(svc IssueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r, "id")
		if err != nil {
			response.BadRequest(w, err.Error())
			return
		}
		eventID, err := pathUUID(r, "eventID")
		if err != nil {
			response.BadRequest(w, err.Error())
			return
		}
		limit, err := queryInt(r, "limit", defaultListLimit)
		if err != nil {
			response.BadRequest(w, err.Error())
			return
		}

		page, found, err := svc.GetBreadcrumbs(r.Context(), id, eventID, limit)
		if err != nil {
			internalError(w, r, err)
			return
		}
		if !found {
			response.NotFound(w, "Event not found")
			return
		}
		response.JSON(w, page)
	}
}

// NewListTransitionsHandler returns an http.HandlerFunc for
// GET /api/v1/issues/{id}/transitions.
func NewListTransitionsHandler(svc IssueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r, "id")
		if err != nil {
			response.BadRequest(w, err.Error())
			return
		}
		limit, err := queryInt(r, "limit", defaultListLimit)
		if err != nil {
			response.BadRequest(w, err.Error())
			return
		}

		page, found, err := svc.GetTransitions(r.Context(), id, limit)
		if err != nil {
			internalError(w, r, err)
			return
		}
		if !found {
			response.NotFound(w, "Issue not found")
			return
		}
		response.JSON(w, page)
	}
}

// respondWithIssue writes the issue's state after a successful mutation.
func respondWithIssue(w http.ResponseWriter, r *http.Request, svc IssueService, id uuid.UUID) {
	issue, found, err := svc.GetIssue(r.Context(), id)
	if err != nil {
		internalError(w, r, err)
		return
	}
	if !found {
		response.NotFound(w, "Issue not found")
		return
	}
	response.JSON(w, issue)
}

func internalError(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "request failed",
		"method", r.Method, "path", r.URL.Path, "error", err)
	response.Internal(w)
}
