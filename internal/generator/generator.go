// Package generator holds the collaborators that turn one due occurrence
// of a schedule into an artifact: a stored report, a materialized
// workspace task, or a call to an external builder.
package generator

import (
	"context"
	"encoding/json"
	"time"

	"recurflow/internal/domain"
)

// Generator produces the artifact for one occurrence and returns its reference.
type Generator interface {
	Generate(ctx context.Context, s domain.Schedule, windowStart, now time.Time) (string, error)
}

// WorkRequest is the occurrence description sent to external builders.
type WorkRequest struct {
	ScheduleID   string           `json:"schedule_id"`
	OwnerScopeID string           `json:"owner_scope_id"`
	Name         string           `json:"name"`
	Kind         domain.Kind      `json:"kind"`
	Frequency    domain.Frequency `json:"frequency"`
	Occurrence   int              `json:"occurrence"`
	WindowStart  time.Time        `json:"window_start"`
	WindowEnd    time.Time        `json:"window_end"`
	Payload      json.RawMessage  `json:"payload,omitempty"`
}

func newWorkRequest(s domain.Schedule, windowStart, now time.Time) WorkRequest {
	return WorkRequest{
		ScheduleID:   s.ID,
		OwnerScopeID: s.OwnerScopeID,
		Name:         s.Name,
		Kind:         s.Kind,
		Frequency:    s.Recurrence.Frequency,
		Occurrence:   s.OccurrenceCount + 1,
		WindowStart:  windowStart,
		WindowEnd:    now,
		Payload:      s.Payload,
	}
}
