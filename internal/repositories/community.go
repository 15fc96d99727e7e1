package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/threadpulse-io/threadpulse/internal/db"
)

// gormCommunityRepository is the GORM implementation of CommunityRepository.
type gormCommunityRepository struct {
	db *gorm.DB
}

// NewCommunityRepository returns a CommunityRepository backed by the provided *gorm.DB.
func NewCommunityRepository(db *gorm.DB) CommunityRepository {
	return &gormCommunityRepository{db: db}
}

// Upsert inserts the community or, if the name already exists, refreshes its
// description and subscriber count. Re-discovering a soft-deleted community
// revives it (deleted_at is cleared), since the platform evidently still
// lists it.
func (r *gormCommunityRepository) Upsert(ctx context.Context, community *db.Community) error {
	err := r.db.WithContext(ctx).
		Unscoped().
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "name"}},
			DoUpdates: clause.Assignments(map[string]any{
				"description": community.Description,
				"subscribers": community.Subscribers,
				"is_active":   true,
				"deleted_at":  nil,
			}),
		}).
		Create(community).Error
	if err != nil {
		return fmt.Errorf("communities: upsert: %w", err)
	}
	return nil
}

// GetByName retrieves an active community by name.
func (r *gormCommunityRepository) GetByName(ctx context.Context, name string) (*db.Community, error) {
	var community db.Community
	err := r.db.WithContext(ctx).First(&community, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("communities: get by name: %w", err)
	}
	return &community, nil
}

// ListActive returns all active (not soft-deleted) communities by name.
func (r *gormCommunityRepository) ListActive(ctx context.Context) ([]db.Community, error) {
	var communities []db.Community
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("name ASC").
		Find(&communities).Error
	if err != nil {
		return nil, fmt.Errorf("communities: list active: %w", err)
	}
	return communities, nil
}

// TouchLastChecked records when the community was last polled for content.
func (r *gormCommunityRepository) TouchLastChecked(ctx context.Context, id int64, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Community{}).
		Where("id = ?", id).
		Update("last_checked_at", at)
	if result.Error != nil {
		return fmt.Errorf("communities: touch last checked: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Deactivate soft-deletes the community. Content and filter records that
// reference it remain resolvable.
func (r *gormCommunityRepository) Deactivate(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).
		Model(&db.Community{}).
		Where("id = ?", id).
		Update("is_active", false)
	if result.Error != nil {
		return fmt.Errorf("communities: deactivate: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return r.db.WithContext(ctx).Delete(&db.Community{}, "id = ?", id).Error
}
