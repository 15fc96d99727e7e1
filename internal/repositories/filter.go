package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/threadpulse-io/threadpulse/internal/db"
)

// gormFilterRepository is the GORM implementation of FilterRepository.
type gormFilterRepository struct {
	db *gorm.DB
}

// NewFilterRepository returns a FilterRepository backed by the provided *gorm.DB.
func NewFilterRepository(db *gorm.DB) FilterRepository {
	return &gormFilterRepository{db: db}
}

// Create inserts a filter record. The unique (item_variant, item_id) index
// enforces at most one verdict per content item; a conflict surfaces as
// ErrConflict and the caller treats the item as already scored.
func (r *gormFilterRepository) Create(ctx context.Context, record *db.FilterRecord) error {
	err := r.db.WithContext(ctx).Create(record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("filters: create: %w", err)
	}
	return nil
}

// GetByItem retrieves the verdict for one content item.
func (r *gormFilterRepository) GetByItem(ctx context.Context, variant string, itemID int64) (*db.FilterRecord, error) {
	var record db.FilterRecord
	err := r.db.WithContext(ctx).
		First(&record, "item_variant = ? AND item_id = ?", variant, itemID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("filters: get by item: %w", err)
	}
	return &record, nil
}

// Get retrieves a filter record by id.
func (r *gormFilterRepository) Get(ctx context.Context, id int64) (*db.FilterRecord, error) {
	var record db.FilterRecord
	err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("filters: get by id: %w", err)
	}
	return &record, nil
}

// ListRelevantWithoutSummary returns relevant verdicts that have no summary
// yet, oldest first. This is the summarisation stage's work queue.
func (r *gormFilterRepository) ListRelevantWithoutSummary(ctx context.Context, limit int) ([]db.FilterRecord, error) {
	var records []db.FilterRecord
	err := r.db.WithContext(ctx).
		Where("is_relevant = ?", true).
		Where("NOT EXISTS (SELECT 1 FROM summary_records s WHERE s.filter_id = filter_records.id)").
		Order("id ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("filters: list relevant without summary: %w", err)
	}
	return records, nil
}
