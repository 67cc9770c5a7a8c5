// Package scanner runs the scan-and-execute cycle over due schedules.
//
// Execution is at-least-once. A schedule is advanced only after its
// generator succeeded and the outcome was recorded; if the advance itself
// fails, the next scan runs the same occurrence again. Callers that need
// exactly-once must make their generator idempotent (the task generator
// keys materialized tasks on schedule and occurrence for that reason).
//
// A schedule counted as Skipped lost the conditional advance to another
// scan after its own generation succeeded. Its success outcome and artifact
// stay in the history even though the batch does not count it as Succeeded.
// A panicking Generator is recovered and treated as a failed generation.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"recurflow/internal/domain"
	"recurflow/internal/recurrence"
	"recurflow/internal/store"
	"recurflow/internal/worker"
)

// Repository is the subset of the store the scanner needs.
type Repository interface {
	ListDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	AdvanceSchedule(ctx context.Context, id string, expectedNextRunAt time.Time, u domain.ScheduleUpdate) error
	SetActive(ctx context.Context, id string, active bool) error
	AppendRunOutcome(ctx context.Context, o domain.RunOutcome) error
}

// Generator produces the artifact for one occurrence and returns a reference to it.
type Generator interface {
	Generate(ctx context.Context, s domain.Schedule, windowStart, now time.Time) (string, error)
}

type GeneratorFunc func(ctx context.Context, s domain.Schedule, windowStart, now time.Time) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, s domain.Schedule, windowStart, now time.Time) (string, error) {
	return f(ctx, s, windowStart, now)
}

type Notifier interface {
	Notify(ctx context.Context, recipients []string, s domain.Schedule, o domain.RunOutcome) error
}

type Options struct {
	Clock   recurrence.Clock
	Workers int
	// GenerateTimeout bounds each Generator call. Zero means no limit.
	GenerateTimeout time.Duration
}

type ItemError struct {
	ScheduleID string `json:"schedule_id"`
	Message    string `json:"message"`
}

// BatchResult summarizes one scan cycle. Skipped items ran but another scan
// advanced them first; their success outcome is still recorded.
type BatchResult struct {
	Processed int         `json:"processed"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Skipped   int         `json:"skipped"`
	Exhausted int         `json:"exhausted"`
	Errors    []ItemError `json:"errors,omitempty"`
}

type Stats struct {
	Scans     int64
	Succeeded int64
	Failed    int64
	Skipped   int64
	Exhausted int64
}

type Scanner struct {
	repo       Repository
	generators map[domain.Kind]Generator
	notifier   Notifier
	clock      recurrence.Clock
	pool       *worker.Pool
	timeout    time.Duration

	running   atomic.Bool
	scans     atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	exhausted atomic.Int64
}

func New(repo Repository, generators map[domain.Kind]Generator, notifier Notifier, opts Options) *Scanner {
	return &Scanner{
		repo:       repo,
		generators: generators,
		notifier:   notifier,
		clock:      recurrence.OrDefault(opts.Clock),
		pool:       worker.NewPool(opts.Workers),
		timeout:    opts.GenerateTimeout,
	}
}

func (s *Scanner) Stats() Stats {
	return Stats{
		Scans:     s.scans.Load(),
		Succeeded: s.succeeded.Load(),
		Failed:    s.failed.Load(),
		Skipped:   s.skipped.Load(),
		Exhausted: s.exhausted.Load(),
	}
}

type status int

const (
	statusNotRun status = iota
	statusSucceeded
	statusFailed
	statusSkipped
	statusExhausted
)

type itemResult struct {
	status status
	err    error
}

// RunScanCycle processes every schedule due at now. Schedules are
// independent: a failure on one is recorded and the rest still run. The
// returned error is non-nil only when the due set could not be listed or
// another cycle is still running on this Scanner.
func (s *Scanner) RunScanCycle(ctx context.Context, now time.Time) (BatchResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return BatchResult{}, ErrScanInProgress
	}
	defer s.running.Store(false)
	s.scans.Add(1)

	due, err := s.repo.ListDueSchedules(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to list due schedules")
		return BatchResult{}, &PersistenceError{Op: "list due schedules", Err: err}
	}
	if len(due) == 0 {
		return BatchResult{}, nil
	}

	results := make([]itemResult, len(due))
	s.pool.Run(ctx, len(due), func(ctx context.Context, i int) {
		results[i] = s.processSchedule(ctx, due[i], now)
	})

	var res BatchResult
	for i, r := range results {
		if r.status == statusNotRun {
			continue
		}
		res.Processed++
		switch r.status {
		case statusSucceeded:
			res.Succeeded++
		case statusFailed:
			res.Failed++
		case statusSkipped:
			res.Skipped++
		case statusExhausted:
			res.Exhausted++
		}
		if r.err != nil {
			res.Errors = append(res.Errors, ItemError{ScheduleID: due[i].ID, Message: r.err.Error()})
		}
	}
	s.succeeded.Add(int64(res.Succeeded))
	s.failed.Add(int64(res.Failed))
	s.skipped.Add(int64(res.Skipped))
	s.exhausted.Add(int64(res.Exhausted))

	log.Info().
		Int("due", len(due)).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Int("exhausted", res.Exhausted).
		Msg("scan cycle finished")
	return res, nil
}

func (s *Scanner) processSchedule(ctx context.Context, sch domain.Schedule, now time.Time) itemResult {
	logger := log.With().Str("schedule_id", sch.ID).Str("kind", string(sch.Kind)).Logger()

	// The pending occurrence is already past the end date: retire the
	// schedule without running it.
	if sch.Exhausted(sch.NextRunAt) {
		if err := s.repo.SetActive(ctx, sch.ID, false); err != nil {
			perr := &PersistenceError{ScheduleID: sch.ID, Op: "deactivate", Err: err}
			logger.Error().Err(err).Msg("failed to deactivate exhausted schedule")
			return itemResult{status: statusFailed, err: perr}
		}
		logger.Info().Time("end_date", *sch.EndDate).Msg("schedule past end date, deactivated")
		return itemResult{status: statusExhausted}
	}

	windowStart := s.clock.WindowStart(sch.Recurrence, now)
	ref, err := s.generate(ctx, sch, windowStart, now)
	if err != nil {
		gerr := &GenerationError{ScheduleID: sch.ID, Err: err}
		logger.Warn().Err(err).Time("next_run_at", sch.NextRunAt).Msg("generation failed, schedule stays due")
		failed := domain.RunOutcome{ScheduleID: sch.ID, RanAt: now, Success: false, Error: err.Error()}
		if err := s.repo.AppendRunOutcome(ctx, failed); err != nil {
			logger.Error().Err(err).Msg("failed to record failed run outcome")
		}
		return itemResult{status: statusFailed, err: gerr}
	}

	outcome := domain.RunOutcome{ScheduleID: sch.ID, RanAt: now, Success: true, ArtifactRef: ref}
	if err := s.repo.AppendRunOutcome(ctx, outcome); err != nil {
		return s.persistenceFailure(logger, sch, "append run outcome", err)
	}

	next := s.clock.NextOccurrence(sch.Recurrence, now)
	update := domain.ScheduleUpdate{
		NextRunAt:       next,
		LastRunAt:       now,
		OccurrenceCount: sch.OccurrenceCount + 1,
		IsActive:        !sch.Exhausted(next),
	}
	if err := s.repo.AdvanceSchedule(ctx, sch.ID, sch.NextRunAt, update); err != nil {
		if errors.Is(err, store.ErrConflict) {
			logger.Warn().Msg("schedule advanced by a concurrent scan, skipping")
			return itemResult{status: statusSkipped}
		}
		return s.persistenceFailure(logger, sch, "advance schedule", err)
	}
	if !update.IsActive {
		logger.Info().Time("end_date", *sch.EndDate).Msg("schedule reached end date, deactivated")
	}

	if len(sch.Recipients) > 0 && s.notifier != nil {
		if err := s.notifier.Notify(ctx, sch.Recipients, sch, outcome); err != nil {
			nerr := &NotificationError{ScheduleID: sch.ID, Err: err}
			logger.Warn().Err(nerr).Msg("notification failed")
		}
	}

	logger.Info().
		Str("artifact", ref).
		Int("occurrence", update.OccurrenceCount).
		Time("next_run_at", next).
		Msg("schedule executed")
	return itemResult{status: statusSucceeded}
}

func (s *Scanner) generate(ctx context.Context, sch domain.Schedule, windowStart, now time.Time) (ref string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("schedule_id", sch.ID).Interface("panic", r).Msg("generator panicked")
			ref, err = "", fmt.Errorf("generator panic: %v", r)
		}
	}()
	gen, ok := s.generators[sch.Kind]
	if !ok {
		return "", ErrNoGenerator
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return gen.Generate(ctx, sch, windowStart, now)
}

// persistenceFailure handles a failed write after generation succeeded. The
// occurrence will run again on the next scan.
func (s *Scanner) persistenceFailure(logger zerolog.Logger, sch domain.Schedule, op string, err error) itemResult {
	perr := &PersistenceError{ScheduleID: sch.ID, Op: op, Err: err}
	logger.Error().Err(err).Bool("alert", true).Str("op", op).Msg("generation succeeded but schedule state was not persisted; occurrence will repeat")
	return itemResult{status: statusFailed, err: perr}
}
