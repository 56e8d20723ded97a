package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/api/response"
)

// RegressionChecker runs one on-demand regression check.
type RegressionChecker interface {
	CheckForRegressions(ctx context.Context, serviceName, deployVersion string) ([]uuid.UUID, error)
}

// NewCheckRegressionsHandler returns an http.HandlerFunc for
// POST /api/v1/regressions/check. Deploy pipelines call it after a rollout;
// an empty service checks every service.
func NewCheckRegressionsHandler(checker RegressionChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Service       string `json:"service"`
			DeployVersion string `json:"deploy_version"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			response.BadRequest(w, err.Error())
			return
		}

		ids, err := checker.CheckForRegressions(r.Context(), req.Service, req.DeployVersion)
		if err != nil {
			internalError(w, r, err)
			return
		}
		if ids == nil {
			ids = []uuid.UUID{}
		}

		response.JSON(w, map[string]any{
			"issue_ids": ids,
			"count":     len(ids),
		})
	}
}
