package scanner

import (
	"errors"
	"fmt"
)

var (
	ErrScanInProgress = errors.New("scan cycle already in progress")
	ErrNoGenerator    = errors.New("no generator registered for schedule kind")
)

// GenerationError is a failed Generator call. The schedule stays due and is
// retried on the next scan.
type GenerationError struct {
	ScheduleID string
	Err        error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate %s: %v", e.ScheduleID, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// PersistenceError is a failed repository write. After a successful
// generation it means the next scan will run the same occurrence again.
type PersistenceError struct {
	ScheduleID string
	Op         string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.ScheduleID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NotificationError is a failed notification. It is logged and never
// affects the schedule.
type NotificationError struct {
	ScheduleID string
	Err        error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notify %s: %v", e.ScheduleID, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }
