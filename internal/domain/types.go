package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	ErrUnknownFrequency  = errors.New("unknown frequency")
	ErrUnknownKind       = errors.New("unknown schedule kind")
	ErrInvalidRecurrence = errors.New("invalid recurrence")
	ErrTimeOutOfRange    = errors.New("time out of storable range")
)

// Times are persisted as unix nanoseconds, which covers 1677-09-21 to 2262-04-11.
var (
	MinStorableTime = time.Unix(0, math.MinInt64).UTC()
	MaxStorableTime = time.Unix(0, math.MaxInt64).UTC()
)

// Storable reports whether t survives a round trip through the store.
func Storable(t time.Time) bool {
	return !t.Before(MinStorableTime) && !t.After(MaxStorableTime)
}

// CheckStorable returns ErrTimeOutOfRange naming field when t is not Storable.
func CheckStorable(field string, t time.Time) error {
	if !Storable(t) {
		return fmt.Errorf("%w: %s %s must be between %s and %s", ErrTimeOutOfRange, field,
			t.Format(time.RFC3339), MinStorableTime.Format(time.DateOnly), MaxStorableTime.Format(time.DateOnly))
	}
	return nil
}

// Kind names the call site that owns a schedule.
type Kind string

const (
	KindReport Kind = "report"
	KindTask   Kind = "task"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindReport, KindTask:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

type Frequency string

const (
	Daily     Frequency = "daily"
	Weekly    Frequency = "weekly"
	Biweekly  Frequency = "biweekly"
	Monthly   Frequency = "monthly"
	Quarterly Frequency = "quarterly"
)

// Frequencies lists every accepted frequency in ascending period order.
var Frequencies = []Frequency{Daily, Weekly, Biweekly, Monthly, Quarterly}

// ParseFrequency accepts only the closed set of frequencies. Unknown values
// are rejected here so they never reach the store.
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(s)))
	if f.Valid() {
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFrequency, s)
}

func (f Frequency) Valid() bool {
	for _, known := range Frequencies {
		if f == known {
			return true
		}
	}
	return false
}

// Monthly-based frequencies use calendar month arithmetic.
func (f Frequency) MonthBased() bool { return f == Monthly || f == Quarterly }

// Recurrence is a frequency plus the custom knobs recurring tasks support.
type Recurrence struct {
	Frequency Frequency `json:"frequency"`
	// Interval repeats the base period every N units. Zero means 1.
	Interval int `json:"interval,omitempty"`
	// Weekday pins day-based frequencies to the next matching weekday.
	Weekday *time.Weekday `json:"weekday,omitempty"`
	// MonthDay pins month-based frequencies to a day of month, clamped to the
	// last day of shorter months.
	MonthDay int `json:"month_day,omitempty"`
}

func (r Recurrence) Every() int {
	if r.Interval <= 0 {
		return 1
	}
	return r.Interval
}

func (r Recurrence) Validate() error {
	if !r.Frequency.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownFrequency, r.Frequency)
	}
	if r.Interval < 0 || r.Interval > 365 {
		return fmt.Errorf("%w: interval %d out of range", ErrInvalidRecurrence, r.Interval)
	}
	if r.Weekday != nil {
		if r.Frequency.MonthBased() {
			return fmt.Errorf("%w: weekday requires a day-based frequency", ErrInvalidRecurrence)
		}
		if *r.Weekday < time.Sunday || *r.Weekday > time.Saturday {
			return fmt.Errorf("%w: weekday %d out of range", ErrInvalidRecurrence, *r.Weekday)
		}
	}
	if r.MonthDay != 0 {
		if !r.Frequency.MonthBased() {
			return fmt.Errorf("%w: month_day requires monthly or quarterly", ErrInvalidRecurrence)
		}
		if r.MonthDay < 1 || r.MonthDay > 31 {
			return fmt.Errorf("%w: month_day %d out of range", ErrInvalidRecurrence, r.MonthDay)
		}
	}
	return nil
}

// Schedule is a persisted rule for a recurring report or task.
type Schedule struct {
	ID              string          `json:"id"`
	OwnerScopeID    string          `json:"owner_scope_id"`
	Name            string          `json:"name"`
	Kind            Kind            `json:"kind"`
	Recurrence      Recurrence      `json:"recurrence"`
	Recipients      []string        `json:"recipients"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	IsActive        bool            `json:"is_active"`
	NextRunAt       time.Time       `json:"next_run_at"`
	LastRunAt       *time.Time      `json:"last_run_at,omitempty"`
	OccurrenceCount int             `json:"occurrence_count"`
	EndDate         *time.Time      `json:"end_date,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Exhausted reports whether t lies beyond the schedule's end date.
func (s Schedule) Exhausted(t time.Time) bool {
	return s.EndDate != nil && t.After(*s.EndDate)
}

// ValidateTimes rejects timestamps the store cannot represent.
func (s Schedule) ValidateTimes() error {
	if err := CheckStorable("next_run_at", s.NextRunAt); err != nil {
		return err
	}
	if s.LastRunAt != nil {
		if err := CheckStorable("last_run_at", *s.LastRunAt); err != nil {
			return err
		}
	}
	if s.EndDate != nil {
		if err := CheckStorable("end_date", *s.EndDate); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleUpdate carries the fields advanced after a successful run.
type ScheduleUpdate struct {
	NextRunAt       time.Time
	LastRunAt       time.Time
	OccurrenceCount int
	IsActive        bool
}

// RunOutcome is one execution attempt. It is never modified once written.
type RunOutcome struct {
	ID          string    `json:"id"`
	ScheduleID  string    `json:"schedule_id"`
	RanAt       time.Time `json:"ran_at"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	ArtifactRef string    `json:"artifact_ref,omitempty"`
}

// WorkspaceTask is a task instance materialized from a recurring schedule.
type WorkspaceTask struct {
	ID             string    `json:"id"`
	ScheduleID     string    `json:"schedule_id"`
	OwnerScopeID   string    `json:"owner_scope_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	Occurrence     int       `json:"occurrence"`
	DueAt          time.Time `json:"due_at"`
	IdempotencyKey string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// Report is a generated report artifact covering [WindowStart, WindowEnd].
type Report struct {
	ID           string          `json:"id"`
	ScheduleID   string          `json:"schedule_id"`
	OwnerScopeID string          `json:"owner_scope_id"`
	WindowStart  time.Time       `json:"window_start"`
	WindowEnd    time.Time       `json:"window_end"`
	Body         json.RawMessage `json:"body"`
	CreatedAt    time.Time       `json:"created_at"`
}

type Notification struct {
	ID         string    `json:"id"`
	Recipient  string    `json:"recipient"`
	ScheduleID string    `json:"schedule_id"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}
