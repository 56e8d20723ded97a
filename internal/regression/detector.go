// Package regression finds resolved issues that have started occurring again
// and drives them back into the lifecycle as regressed.
package regression

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/issues"
	"github.com/kiranshivaraju/faultline/internal/metrics"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Actor is recorded on every transition the detector makes.
const Actor = "regression-detector"

// CandidateFinder lists resolved issues seen again since resolution.
type CandidateFinder interface {
	FindRegressionCandidates(ctx context.Context, service, deployVersion string) ([]uuid.UUID, error)
}

// Transitioner applies a lifecycle transition. issues.Service satisfies it.
type Transitioner interface {
	TransitionStatus(ctx context.Context, id uuid.UUID, status models.IssueStatus, reason, actor string) (bool, error)
}

// Detector marks recurring resolved issues as regressed.
type Detector struct {
	finder    CandidateFinder
	lifecycle Transitioner
}

// NewDetector creates a new Detector.
func NewDetector(finder CandidateFinder, lifecycle Transitioner) *Detector {
	return &Detector{finder: finder, lifecycle: lifecycle}
}

// CheckForRegressions moves every candidate of serviceName from resolved to
// regressed and returns the ids it moved. An empty serviceName checks all
// services. With a deployVersion, only issues that have an event from that
// release after their resolution are considered.
//
// Candidates that changed status between the lookup and the transition are
// skipped. The first storage error aborts the check; ids moved before it are
// still returned.
func (d *Detector) CheckForRegressions(ctx context.Context, serviceName, deployVersion string) ([]uuid.UUID, error) {
	start := time.Now()
	defer func() { metrics.RegressionSweepDuration.Observe(time.Since(start).Seconds()) }()

	candidates, err := d.finder.FindRegressionCandidates(ctx, serviceName, deployVersion)
	if err != nil {
		return nil, fmt.Errorf("find regression candidates: %w", err)
	}

	reason := "seen again after resolution"
	if deployVersion != "" {
		reason = fmt.Sprintf("seen again in release %s", deployVersion)
	}

	regressed := make([]uuid.UUID, 0, len(candidates))
	for _, id := range candidates {
		moved, err := d.lifecycle.TransitionStatus(ctx, id, models.IssueStatusRegressed, reason, Actor)
		if errors.Is(err, issues.ErrInvalidTransition) {
			slog.DebugContext(ctx, "regression candidate no longer resolved", "issue_id", id)
			continue
		}
		if err != nil {
			return regressed, fmt.Errorf("regress issue %s: %w", id, err)
		}
		if moved {
			regressed = append(regressed, id)
		}
	}

	label := serviceName
	if label == "" {
		label = "all"
	}
	if len(regressed) > 0 {
		metrics.RegressionsDetected.WithLabelValues(label).Add(float64(len(regressed)))
		slog.WarnContext(ctx, "regressions detected",
			"service", label, "deploy_version", deployVersion, "count", len(regressed), "issue_ids", regressed)
	} else {
		slog.DebugContext(ctx, "no regressions detected", "service", label, "deploy_version", deployVersion)
	}
	return regressed, nil
}
