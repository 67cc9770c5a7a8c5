package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"recurflow/internal/domain"
)

type TaskStore interface {
	InsertTask(ctx context.Context, t domain.WorkspaceTask) (string, error)
}

// TaskTemplate is the payload of a recurring task schedule.
type TaskTemplate struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	// DueIn is a Go duration added to the occurrence time, e.g. "48h".
	DueIn string `json:"due_in"`
}

// ParseTaskTemplate decodes and validates a task schedule payload. An
// empty payload is valid; the schedule name becomes the title.
func ParseTaskTemplate(payload []byte) (TaskTemplate, error) {
	var tpl TaskTemplate
	if len(payload) == 0 {
		return tpl, nil
	}
	if err := json.Unmarshal(payload, &tpl); err != nil {
		return tpl, fmt.Errorf("invalid task template: %w", err)
	}
	if tpl.DueIn != "" {
		d, err := time.ParseDuration(tpl.DueIn)
		if err != nil {
			return tpl, fmt.Errorf("invalid due_in: %w", err)
		}
		if d < 0 {
			return tpl, errors.New("due_in must not be negative")
		}
	}
	return tpl, nil
}

// TaskMaterializer creates one workspace task per occurrence. Tasks are
// keyed on schedule and occurrence time, so re-running an occurrence whose
// advance failed returns the task created the first time.
type TaskMaterializer struct {
	Store TaskStore
}

func (g TaskMaterializer) Generate(ctx context.Context, s domain.Schedule, windowStart, now time.Time) (string, error) {
	tpl, err := ParseTaskTemplate(s.Payload)
	if err != nil {
		return "", err
	}
	title := tpl.Title
	if title == "" {
		title = s.Name
	}
	due := s.NextRunAt
	if tpl.DueIn != "" {
		d, _ := time.ParseDuration(tpl.DueIn)
		due = due.Add(d)
	}
	id, err := g.Store.InsertTask(ctx, domain.WorkspaceTask{
		ScheduleID:     s.ID,
		OwnerScopeID:   s.OwnerScopeID,
		Title:          title,
		Description:    tpl.Description,
		Occurrence:     s.OccurrenceCount + 1,
		DueAt:          due,
		IdempotencyKey: fmt.Sprintf("%s@%d", s.ID, s.NextRunAt.UnixNano()),
	})
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}
