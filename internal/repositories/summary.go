package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/threadpulse-io/threadpulse/internal/db"
)

// gormSummaryRepository is the GORM implementation of SummaryRepository.
type gormSummaryRepository struct {
	db *gorm.DB
}

// NewSummaryRepository returns a SummaryRepository backed by the provided *gorm.DB.
func NewSummaryRepository(db *gorm.DB) SummaryRepository {
	return &gormSummaryRepository{db: db}
}

// CreateWithDedup inserts the summary and its content-dedup row in one
// transaction, so the dedup index never points at a summary that failed to
// commit. A duplicate filter_id surfaces as ErrConflict (the filter already
// has a summary, typically a replayed task). A duplicate content_hash is
// tolerated: the first summary of that content keeps the dedup slot and the
// new summary row still commits.
func (r *gormSummaryRepository) CreateWithDedup(ctx context.Context, summary *db.SummaryRecord, contentHash string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(summary).Error; err != nil {
			return err
		}
		dedup := db.ContentDedup{ContentHash: contentHash, SummaryID: summary.ID}
		if err := tx.Create(&dedup).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("summaries: create with dedup: %w", err)
	}
	return nil
}

// GetByContentHash returns the summary recorded for the normalised content
// hash. ErrNotFound means a dedup miss and the content must be summarised.
func (r *gormSummaryRepository) GetByContentHash(ctx context.Context, contentHash string) (*db.SummaryRecord, error) {
	var dedup db.ContentDedup
	err := r.db.WithContext(ctx).First(&dedup, "content_hash = ?", contentHash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("summaries: get dedup by hash: %w", err)
	}
	return r.Get(ctx, dedup.SummaryID)
}

// Get retrieves a summary by id.
func (r *gormSummaryRepository) Get(ctx context.Context, id int64) (*db.SummaryRecord, error) {
	var summary db.SummaryRecord
	err := r.db.WithContext(ctx).First(&summary, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("summaries: get by id: %w", err)
	}
	return &summary, nil
}

// GetByFilterID retrieves the summary attached to a filter record.
func (r *gormSummaryRepository) GetByFilterID(ctx context.Context, filterID int64) (*db.SummaryRecord, error) {
	var summary db.SummaryRecord
	err := r.db.WithContext(ctx).First(&summary, "filter_id = ?", filterID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("summaries: get by filter id: %w", err)
	}
	return &summary, nil
}

// ListUnbatched returns summaries not yet attached to any alert batch,
// oldest first. This is the alerting stage's work queue.
func (r *gormSummaryRepository) ListUnbatched(ctx context.Context, limit int) ([]db.SummaryRecord, error) {
	var summaries []db.SummaryRecord
	err := r.db.WithContext(ctx).
		Where("NOT EXISTS (SELECT 1 FROM alert_batch_items i WHERE i.summary_id = summary_records.id)").
		Order("id ASC").
		Limit(limit).
		Find(&summaries).Error
	if err != nil {
		return nil, fmt.Errorf("summaries: list unbatched: %w", err)
	}
	return summaries, nil
}
