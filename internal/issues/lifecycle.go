package issues

import (
	"fmt"
	"time"

	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

var validTransitions = map[models.IssueStatus][]models.IssueStatus{
	models.IssueStatusUnresolved: {
		models.IssueStatusAcknowledged, models.IssueStatusInvestigating,
		models.IssueStatusResolved, models.IssueStatusIgnored,
	},
	models.IssueStatusAcknowledged: {
		models.IssueStatusInvestigating, models.IssueStatusInProgress,
		models.IssueStatusResolved, models.IssueStatusIgnored,
	},
	models.IssueStatusInvestigating: {
		models.IssueStatusInProgress, models.IssueStatusResolved, models.IssueStatusIgnored,
	},
	models.IssueStatusInProgress: {
		models.IssueStatusResolved, models.IssueStatusIgnored,
	},
	models.IssueStatusResolved: {
		models.IssueStatusRegressed,
	},
	models.IssueStatusIgnored: {
		models.IssueStatusUnresolved,
	},
	models.IssueStatusRegressed: {
		models.IssueStatusAcknowledged, models.IssueStatusInvestigating,
		models.IssueStatusResolved, models.IssueStatusIgnored,
	},
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to models.IssueStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the statuses reachable from from in one step.
func AllowedTransitions(from models.IssueStatus) []models.IssueStatus {
	allowed := validTransitions[from]
	out := make([]models.IssueStatus, len(allowed))
	copy(out, allowed)
	return out
}

// planTransition validates the edge against the persisted status and builds
// the row change. Resolution bookkeeping is present only when the
// destination is resolved.
func planTransition(current *models.Issue, to models.IssueStatus, reason, actor string, at time.Time) (store.StatusChange, error) {
	if !CanTransition(current.Status, to) {
		return store.StatusChange{}, fmt.Errorf("%w: cannot move issue from %s to %s",
			ErrInvalidTransition, current.Status, to)
	}

	change := store.StatusChange{
		To:         to,
		Substatus:  substatusFor(to),
		Regression: to == models.IssueStatusRegressed,
		Reason:     optional(reason),
		Actor:      optional(actor),
		At:         at,
	}
	if to == models.IssueStatusResolved {
		resolvedAt := at
		change.ResolvedAt = &resolvedAt
		change.ResolvedBy = optional(actor)
	}
	return change, nil
}

func substatusFor(status models.IssueStatus) *string {
	var s string
	switch status {
	case models.IssueStatusResolved:
		return nil
	case models.IssueStatusRegressed:
		s = models.SubstatusRegressed
	case models.IssueStatusIgnored:
		s = models.SubstatusArchived
	default:
		s = models.SubstatusOngoing
	}
	return &s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
