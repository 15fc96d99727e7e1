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

// gormWorkflowRepository is the GORM implementation of WorkflowRepository.
type gormWorkflowRepository struct {
	db *gorm.DB
}

// NewWorkflowRepository returns a WorkflowRepository backed by the provided *gorm.DB.
func NewWorkflowRepository(db *gorm.DB) WorkflowRepository {
	return &gormWorkflowRepository{db: db}
}

// Create inserts a new workflow record.
func (r *gormWorkflowRepository) Create(ctx context.Context, workflow *db.Workflow) error {
	if err := r.db.WithContext(ctx).Create(workflow).Error; err != nil {
		return fmt.Errorf("workflows: create: %w", err)
	}
	return nil
}

// Get retrieves a workflow by id. Returns ErrNotFound if no record exists.
func (r *gormWorkflowRepository) Get(ctx context.Context, id uuid.UUID) (*db.Workflow, error) {
	var workflow db.Workflow
	err := r.db.WithContext(ctx).First(&workflow, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("workflows: get by id: %w", err)
	}
	return &workflow, nil
}

// Update persists all fields of an existing workflow record.
func (r *gormWorkflowRepository) Update(ctx context.Context, workflow *db.Workflow) error {
	result := r.db.WithContext(ctx).Save(workflow)
	if result.Error != nil {
		return fmt.Errorf("workflows: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStage commits the current stage and checkpoint blob in one UPDATE.
// A crash after this write resumes from exactly this stage boundary.
func (r *gormWorkflowRepository) UpdateStage(ctx context.Context, id uuid.UUID, stage, checkpoint string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Workflow{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"current_stage": stage,
			"checkpoint":    checkpoint,
		})
	if result.Error != nil {
		return fmt.Errorf("workflows: update stage: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus writes the terminal (or running) status and the cycle metrics
// document.
func (r *gormWorkflowRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, metrics string) error {
	updates := map[string]any{"status": status}
	if metrics != "" {
		updates["metrics"] = metrics
	}
	result := r.db.WithContext(ctx).
		Model(&db.Workflow{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("workflows: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSchedule records when the cycle ran and when the next one is expected.
func (r *gormWorkflowRepository) SetSchedule(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Workflow{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_run_at": lastRunAt,
			"next_run_at": nextRunAt,
		})
	if result.Error != nil {
		return fmt.Errorf("workflows: set schedule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FindRunning returns workflows still marked running, oldest first. Called
// once at startup; any rows here were interrupted by a crash.
func (r *gormWorkflowRepository) FindRunning(ctx context.Context) ([]db.Workflow, error) {
	var workflows []db.Workflow
	err := r.db.WithContext(ctx).
		Where("status = ?", db.WorkflowRunning).
		Order("created_at ASC").
		Find(&workflows).Error
	if err != nil {
		return nil, fmt.Errorf("workflows: find running: %w", err)
	}
	return workflows, nil
}

// ListRecent returns a paginated list of workflows and the total count,
// ordered by creation time descending (most recent first).
func (r *gormWorkflowRepository) ListRecent(ctx context.Context, opts ListOptions) ([]db.Workflow, int64, error) {
	var workflows []db.Workflow
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Workflow{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("workflows: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&workflows).Error; err != nil {
		return nil, 0, fmt.Errorf("workflows: list: %w", err)
	}

	return workflows, total, nil
}
