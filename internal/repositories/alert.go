package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/threadpulse-io/threadpulse/internal/db"
)

// gormAlertRepository is the GORM implementation of AlertRepository.
type gormAlertRepository struct {
	db *gorm.DB
}

// NewAlertRepository returns an AlertRepository backed by the provided *gorm.DB.
func NewAlertRepository(db *gorm.DB) AlertRepository {
	return &gormAlertRepository{db: db}
}

// CreateBatch inserts the batch and one item row per summary id in a single
// transaction.
func (r *gormAlertRepository) CreateBatch(ctx context.Context, batch *db.AlertBatch, summaryIDs []int64) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(batch).Error; err != nil {
			return err
		}
		if len(summaryIDs) == 0 {
			return nil
		}
		items := make([]db.AlertBatchItem, 0, len(summaryIDs))
		for _, sid := range summaryIDs {
			items = append(items, db.AlertBatchItem{BatchID: batch.ID, SummaryID: sid})
		}
		return tx.Create(&items).Error
	})
	if err != nil {
		return fmt.Errorf("alerts: create batch: %w", err)
	}
	return nil
}

// GetBatchWithItems loads a batch and its item rows with two queries. The
// items land on Items, which GORM otherwise ignores because associations
// cannot auto-resolve against uuid.UUID primary keys (see db/models.go).
func (r *gormAlertRepository) GetBatchWithItems(ctx context.Context, id uuid.UUID) (*db.AlertBatch, error) {
	var batch db.AlertBatch
	err := r.db.WithContext(ctx).First(&batch, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("alerts: get batch: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("batch_id = ?", id).
		Order("id ASC").
		Find(&batch.Items).Error; err != nil {
		return nil, fmt.Errorf("alerts: get items for batch %s: %w", id, err)
	}
	return &batch, nil
}

// UpdateBatchStatus writes the batch status and, for sent batches, the send
// timestamp.
func (r *gormAlertRepository) UpdateBatchStatus(ctx context.Context, id uuid.UUID, status string, sentAt *time.Time) error {
	updates := map[string]any{"status": status}
	if sentAt != nil {
		updates["sent_at"] = sentAt
	}
	result := r.db.WithContext(ctx).
		Model(&db.AlertBatch{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("alerts: update batch status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertDelivery records one (batch, channel) attempt. The unique
// idx_delivery_channel index keeps exactly one row per channel; retries
// overwrite status, retry_count and last_error on the existing row.
func (r *gormAlertRepository) UpsertDelivery(ctx context.Context, delivery *db.AlertDelivery) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "batch_id"}, {Name: "channel"}},
			DoUpdates: clause.Assignments(map[string]any{
				"status":      delivery.Status,
				"retry_count": delivery.RetryCount,
				"last_error":  delivery.LastError,
			}),
		}).
		Create(delivery).Error
	if err != nil {
		return fmt.Errorf("alerts: upsert delivery: %w", err)
	}
	return nil
}

// ListDeliveries returns all delivery rows for a batch.
func (r *gormAlertRepository) ListDeliveries(ctx context.Context, batchID uuid.UUID) ([]db.AlertDelivery, error) {
	var deliveries []db.AlertDelivery
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("channel ASC").
		Find(&deliveries).Error
	if err != nil {
		return nil, fmt.Errorf("alerts: list deliveries: %w", err)
	}
	return deliveries, nil
}

// SummariesForBatch resolves the batch items to their summary rows, ordered
// by item insertion so the rendered digest keeps batching order.
func (r *gormAlertRepository) SummariesForBatch(ctx context.Context, batchID uuid.UUID) ([]db.SummaryRecord, error) {
	var summaries []db.SummaryRecord
	err := r.db.WithContext(ctx).
		Joins("JOIN alert_batch_items i ON i.summary_id = summary_records.id").
		Where("i.batch_id = ?", batchID).
		Order("i.id ASC").
		Find(&summaries).Error
	if err != nil {
		return nil, fmt.Errorf("alerts: summaries for batch: %w", err)
	}
	return summaries, nil
}
