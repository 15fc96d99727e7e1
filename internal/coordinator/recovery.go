package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/threadpulse-io/threadpulse/internal/agent"
	"github.com/threadpulse-io/threadpulse/internal/db"
	"github.com/threadpulse-io/threadpulse/internal/repositories"
)

// Recovery defaults.
const (
	DefaultRecoveryInterval = 30 * time.Second
	DefaultStuckAfter       = 10 * time.Minute
	recoveryBatchSize       = 50
)

// Recovery is the daemon that re-drives tasks the happy path lost: it flags
// tasks an agent died holding, resubmits due retries, and reaps expired lock
// leases. Resubmission goes through the same message/send path as the
// original dispatch; the idempotency tuple resolves it to the existing task
// row, which runs again with its retry bookkeeping intact.
type Recovery struct {
	tasks      repositories.TaskRepository
	locks      repositories.LockRepository
	caller     agent.Caller
	clock      clockwork.Clock
	interval   time.Duration
	stuckAfter time.Duration
	logger     *zap.Logger
}

// NewRecovery creates the daemon. Zero interval and stuckAfter take the
// defaults.
func NewRecovery(tasks repositories.TaskRepository, locks repositories.LockRepository, caller agent.Caller, clock clockwork.Clock, interval, stuckAfter time.Duration, logger *zap.Logger) *Recovery {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckAfter
	}
	return &Recovery{
		tasks:      tasks,
		locks:      locks,
		caller:     caller,
		clock:      clock,
		interval:   interval,
		stuckAfter: stuckAfter,
		logger:     logger.Named("recovery"),
	}
}

// Run loops until ctx is cancelled.
func (r *Recovery) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("recovery daemon started",
		zap.Duration("interval", r.interval),
		zap.Duration("stuck_after", r.stuckAfter))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("recovery daemon stopped")
			return
		case <-ticker.Chan():
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one recovery pass. Exported so tests and the boot path can
// invoke it without the ticker.
func (r *Recovery) Sweep(ctx context.Context) {
	now := r.clock.Now().UTC()

	if reaped, err := r.locks.ReapExpired(ctx); err != nil {
		r.logger.Warn("lock reaping failed", zap.Error(err))
	} else if reaped > 0 {
		r.logger.Info("expired locks reaped", zap.Int64("count", reaped))
	}

	if marked, err := r.tasks.MarkStuckWorking(ctx, now.Add(-r.stuckAfter)); err != nil {
		r.logger.Warn("stuck detection failed", zap.Error(err))
	} else if marked > 0 {
		r.logger.Warn("stuck tasks flagged", zap.Int64("count", marked))
	}

	due, err := r.tasks.ListDue(ctx, now, recoveryBatchSize)
	if err != nil {
		r.logger.Warn("due task listing failed", zap.Error(err))
		return
	}
	for i := range due {
		r.recover(ctx, &due[i])
	}
}

// recover applies the strategy for one due task. Stuck tasks whose retry
// budget is gone are closed as skipped; everything else is resubmitted to
// its agent.
func (r *Recovery) recover(ctx context.Context, task *db.Task) {
	log := r.logger.With(
		zap.String("task_id", task.ID.String()),
		zap.String("role", task.AgentRole),
		zap.String("skill", task.SkillName),
		zap.String("status", task.Status),
		zap.Int("retry_count", task.RetryCount))

	if task.Status == db.TaskStuck && task.RetryCount >= task.MaxRetries {
		now := r.clock.Now().UTC()
		fields := map[string]any{
			"error":        "retry budget exhausted after agent failure",
			"completed_at": now,
		}
		if err := r.tasks.UpdateStatus(ctx, task.ID, db.TaskSkipped, fields); err != nil {
			log.Error("skip bookkeeping failed", zap.Error(err))
			return
		}
		log.Warn("task skipped, retry budget exhausted")
		return
	}

	maxRetries := task.MaxRetries
	view, err := r.caller.Send(ctx, task.AgentRole, agent.SendParams{
		Skill:         task.SkillName,
		Parameters:    json.RawMessage(task.Parameters),
		WorkflowID:    task.WorkflowID,
		CorrelationID: task.CorrelationID,
		Priority:      task.Priority,
		MaxRetries:    &maxRetries,
	})
	if err != nil {
		// The agent may itself be down; the task stays due and the next sweep
		// tries again.
		log.Warn("resubmission failed", zap.Error(err))
		return
	}
	log.Info("task resubmitted", zap.String("new_status", view.Status))
}
