package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/faultline/internal/api/response"
	"github.com/kiranshivaraju/faultline/internal/issues"
	"github.com/kiranshivaraju/faultline/internal/metrics"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

const maxIngestRecords = 500

// Ingester folds one decoded error record into the issue store.
type Ingester interface {
	Ingest(ctx context.Context, projectID string, rec models.ErrorRecord) (*issues.IngestResult, error)
}

type ingestOutcome struct {
	Index   int  `json:"index"`
	Skipped bool `json:"skipped,omitempty"`
	*issues.IngestResult
}

type ingestResponse struct {
	Ingested int             `json:"ingested"`
	Skipped  int             `json:"skipped"`
	Results  []ingestOutcome `json:"results"`
}

// NewIngestHandler returns an http.HandlerFunc for POST /api/v1/ingest.
// Records are processed in order; records without error status are skipped.
// A storage failure aborts the batch with 500, leaving earlier records
// applied.
func NewIngestHandler(svc Ingester) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ProjectID string               `json:"project_id"`
			Records   []models.ErrorRecord `json:"records"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			response.BadRequest(w, err.Error())
			return
		}
		if strings.TrimSpace(req.ProjectID) == "" {
			response.BadRequest(w, "project_id is required")
			return
		}
		if len(req.Records) == 0 {
			response.BadRequest(w, "records must not be empty")
			return
		}
		if len(req.Records) > maxIngestRecords {
			response.BadRequest(w, fmt.Sprintf("at most %d records per request", maxIngestRecords))
			return
		}

		resp := ingestResponse{Results: make([]ingestOutcome, 0, len(req.Records))}
		for i, rec := range req.Records {
			res, err := svc.Ingest(r.Context(), req.ProjectID, rec)
			if err != nil {
				metrics.EventsIngested.WithLabelValues("error").Inc()
				internalError(w, r, fmt.Errorf("record %d: %w", i, err))
				return
			}
			if res == nil {
				metrics.EventsIngested.WithLabelValues("skipped").Inc()
				resp.Skipped++
				resp.Results = append(resp.Results, ingestOutcome{Index: i, Skipped: true})
				continue
			}
			metrics.EventsIngested.WithLabelValues("ingested").Inc()
			resp.Ingested++
			resp.Results = append(resp.Results, ingestOutcome{Index: i, IngestResult: res})
		}

		response.JSON(w, resp)
	}
}
