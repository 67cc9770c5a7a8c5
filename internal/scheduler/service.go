package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"recurflow/internal/scanner"
)

// DefaultSpec fires a scan cycle once a minute.
const DefaultSpec = "@every 1m"

type Scanner interface {
	RunScanCycle(ctx context.Context, now time.Time) (scanner.BatchResult, error)
}

// Service triggers scan cycles on a cron spec. A tick that fires while the
// previous cycle is still running is skipped.
type Service struct {
	scanner Scanner
	cron    *cron.Cron
	spec    string
	now     func() time.Time
}

func NewService(sc Scanner, spec string) (*Service, error) {
	if spec == "" {
		spec = DefaultSpec
	}
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}
	logger := cronLogger{}
	return &Service{
		scanner: sc,
		cron:    cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		spec:    spec,
		now:     time.Now,
	}, nil
}

func (s *Service) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("register scan trigger: %w", err)
	}
	s.cron.Start()
	log.Info().Str("spec", s.spec).Msg("schedule service started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop stops the trigger and returns a context that is done once the
// running scan, if any, has finished.
func (s *Service) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Service) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := s.now()
	res, err := s.scanner.RunScanCycle(ctx, now)
	if err != nil {
		log.Error().Err(err).Time("now", now).Msg("scan cycle failed")
		return
	}
	if res.Processed > 0 {
		log.Info().
			Int("processed", res.Processed).
			Int("failed", res.Failed).
			Msg("scan cycle completed")
	}
}

// ValidateSpec validates a cron expression or descriptor such as "@every 5m".
func ValidateSpec(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid trigger spec %q: %w", spec, err)
	}
	return nil
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
