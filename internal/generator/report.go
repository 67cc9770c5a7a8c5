package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"recurflow/internal/domain"
	"recurflow/internal/store"
)

type ReportStore interface {
	SummarizeOutcomes(ctx context.Context, ownerScopeID string, from, to time.Time) (store.OutcomeSummary, error)
	InsertReport(ctx context.Context, r domain.Report) (string, error)
}

// Report builds a run-history report for the schedule's owner scope over
// [windowStart, now] and stores it. The artifact reference is the report id.
type Report struct {
	Store ReportStore
}

type reportBody struct {
	Schedule    string               `json:"schedule"`
	Frequency   domain.Frequency     `json:"frequency"`
	Occurrence  int                  `json:"occurrence"`
	WindowStart time.Time            `json:"window_start"`
	WindowEnd   time.Time            `json:"window_end"`
	Summary     store.OutcomeSummary `json:"summary"`
}

func (g Report) Generate(ctx context.Context, s domain.Schedule, windowStart, now time.Time) (string, error) {
	sum, err := g.Store.SummarizeOutcomes(ctx, s.OwnerScopeID, windowStart, now)
	if err != nil {
		return "", fmt.Errorf("summarize outcomes: %w", err)
	}
	body, err := json.Marshal(reportBody{
		Schedule:    s.Name,
		Frequency:   s.Recurrence.Frequency,
		Occurrence:  s.OccurrenceCount + 1,
		WindowStart: windowStart,
		WindowEnd:   now,
		Summary:     sum,
	})
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	id, err := g.Store.InsertReport(ctx, domain.Report{
		ScheduleID:   s.ID,
		OwnerScopeID: s.OwnerScopeID,
		WindowStart:  windowStart,
		WindowEnd:    now,
		Body:         body,
	})
	if err != nil {
		return "", fmt.Errorf("store report: %w", err)
	}
	return id, nil
}
