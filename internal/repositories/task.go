package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/threadpulse-io/threadpulse/internal/db"
)

// gormTaskRepository is the GORM implementation of TaskRepository.
type gormTaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository returns a TaskRepository backed by the provided *gorm.DB.
func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &gormTaskRepository{db: db}
}

// CreateIdempotent inserts the task row. The unique idx_task_idem index makes
// the insert the idempotency check: a duplicate submission loses the race at
// the constraint and the winner's row is fetched and returned instead. This
// is the only path that creates tasks, so checking gorm.ErrDuplicatedKey here
// covers every producer (the database opens with TranslateError enabled, so
// both dialects surface the same sentinel).
func (r *gormTaskRepository) CreateIdempotent(ctx context.Context, task *db.Task) (*db.Task, bool, error) {
	err := r.db.WithContext(ctx).Create(task).Error
	if err == nil {
		return task, true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, false, fmt.Errorf("tasks: create: %w", err)
	}

	var existing db.Task
	err = r.db.WithContext(ctx).
		First(&existing,
			"workflow_id = ? AND agent_role = ? AND skill_name = ? AND parameters_hash = ?",
			task.WorkflowID, task.AgentRole, task.SkillName, task.ParametersHash).Error
	if err != nil {
		return nil, false, fmt.Errorf("tasks: fetch existing after conflict: %w", err)
	}
	return &existing, false, nil
}

// Get retrieves a task by its UUID. Returns ErrNotFound if no record exists.
func (r *gormTaskRepository) Get(ctx context.Context, id uuid.UUID) (*db.Task, error) {
	var task db.Task
	err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tasks: get by id: %w", err)
	}
	return &task, nil
}

// UpdateStatus updates the status plus any extra fields (result, error,
// error_kind, retry_count, next_retry_at, completed_at) in a single UPDATE.
// Callers pass only the fields the transition touches so concurrent
// bookkeeping writes do not clobber each other.
func (r *gormTaskRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, fields map[string]any) error {
	updates := map[string]any{"status": status}
	for k, v := range fields {
		updates[k] = v
	}
	result := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("tasks: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDue returns tasks the recovery loop should act on: retry_pending rows
// whose backoff deadline has passed and anything flagged stuck. Oldest first
// so starvation is impossible under a steady failure stream.
func (r *gormTaskRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]db.Task, error) {
	var tasks []db.Task
	err := r.db.WithContext(ctx).
		Where("(status = ? AND next_retry_at <= ?) OR status = ?",
			db.TaskRetryPending, now, db.TaskStuck).
		Order("created_at ASC").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("tasks: list due: %w", err)
	}
	return tasks, nil
}

// MarkStuckWorking flags working tasks last touched before cutoff. A task
// stuck in working means the agent process died mid-skill without writing a
// terminal status.
func (r *gormTaskRepository) MarkStuckWorking(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("status = ? AND updated_at < ?", db.TaskWorking, cutoff).
		Update("status", db.TaskStuck)
	if result.Error != nil {
		return 0, fmt.Errorf("tasks: mark stuck: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ListByWorkflow returns every task of a workflow ordered by creation time.
func (r *gormTaskRepository) ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]db.Task, error) {
	var tasks []db.Task
	err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("created_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("tasks: list by workflow: %w", err)
	}
	return tasks, nil
}

// CountByWorkflowAndStatus counts a workflow's tasks in any of the given
// statuses, used by the coordinator to decide completed vs partial.
func (r *gormTaskRepository) CountByWorkflowAndStatus(ctx context.Context, workflowID uuid.UUID, statuses ...string) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("workflow_id = ? AND status IN ?", workflowID, statuses).
		Count(&total).Error
	if err != nil {
		return 0, fmt.Errorf("tasks: count by workflow and status: %w", err)
	}
	return total, nil
}
