package isolation

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/streamloft/agentgate/pkg/logger"
)

const defaultSweepSchedule = "@every 1m"

// Sweeper runs the factory's idle/zombie sweep on a schedule, so stale
// managers are reclaimed even without cap pressure.
type Sweeper struct {
	factory  *ManagerFactory
	cron     *cron.Cron
	schedule string
	log      *zap.Logger
}

// SweeperOption customises the Sweeper.
type SweeperOption func(*Sweeper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) SweeperOption {
	return func(s *Sweeper) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithSchedule overrides the cron specification for the sweep.
func WithSchedule(spec string) SweeperOption {
	return func(s *Sweeper) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

// NewSweeper constructs a Sweeper bound to the supplied factory.
func NewSweeper(factory *ManagerFactory, opts ...SweeperOption) *Sweeper {
	sweeper := &Sweeper{
		factory:  factory,
		schedule: defaultSweepSchedule,
		log:      logger.WithModule("isolation.sweeper"),
	}
	for _, opt := range opts {
		opt(sweeper)
	}
	if sweeper.cron == nil {
		sweeper.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return sweeper
}

// Start registers the sweep job and launches the scheduler.
func (s *Sweeper) Start() error {
	if s.factory == nil {
		return nil
	}

	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.factory.SweepIdle(context.Background())
	}); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for a running sweep to finish.
func (s *Sweeper) Stop() context.Context {
	if s.cron == nil {
		return context.Background()
	}
	return s.cron.Stop()
}

// RunOnce executes a single sweep immediately. Used by tests and during
// graceful shutdown.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	if s.factory == nil {
		return 0
	}
	return s.factory.SweepIdle(ctx)
}
