package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Scheduler wraps gocron around the coordinator's cycle. One job, singleton
// mode: a tick that fires while the previous cycle is still running is
// rescheduled, never stacked. The database cycle lock guards the
// multi-replica case; singleton mode guards the in-process one.
type Scheduler struct {
	cron        gocron.Scheduler
	coordinator *Coordinator
	logger      *zap.Logger
}

// NewScheduler creates the scheduler. cronExpr, when non-empty, takes
// precedence over interval.
func NewScheduler(coordinator *Coordinator, interval time.Duration, cronExpr string, logger *zap.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}

	s := &Scheduler{
		cron:        cron,
		coordinator: coordinator,
		logger:      logger.Named("scheduler"),
	}

	def := gocron.DurationJob(interval)
	if cronExpr != "" {
		def = gocron.CronJob(cronExpr, false)
	}
	_, err = cron.NewJob(
		def,
		gocron.NewTask(s.tick),
		gocron.WithTags(CycleLockName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("scheduler: register cycle job: %w", err)
	}
	return s, nil
}

// Start begins ticking. Call after Resume has drained interrupted workflows.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop shuts gocron down, waiting for a running cycle function to return.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// tick runs one cycle with its own deadline, slightly past the lock TTL so a
// cycle that outlives its lease is cancelled rather than left running
// alongside the replica that stole the lock.
func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.coordinator.cfg.LockTTL+time.Minute)
	defer cancel()

	if err := s.coordinator.RunCycle(ctx); err != nil {
		s.logger.Error("cycle failed", zap.Error(err))
	}
}
