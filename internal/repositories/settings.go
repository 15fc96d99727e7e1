package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/threadpulse-io/threadpulse/internal/db"
)

// gormSettingsRepository is the GORM implementation of SettingsRepository.
// Values are encrypted at rest via db.EncryptedString; the repository always
// hands back plaintext.
type gormSettingsRepository struct {
	db *gorm.DB
}

// NewSettingsRepository returns a SettingsRepository backed by the provided *gorm.DB.
func NewSettingsRepository(db *gorm.DB) SettingsRepository {
	return &gormSettingsRepository{db: db}
}

// Get retrieves a single setting by its exact key.
func (r *gormSettingsRepository) Get(ctx context.Context, key string) (string, error) {
	var s db.Setting
	err := r.db.WithContext(ctx).First(&s, "key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("settings: get %s: %w", key, err)
	}
	return string(s.Value), nil
}

// Set upserts a setting. On conflict the value and updated_at are
// overwritten, avoiding a read-before-write on every save.
func (r *gormSettingsRepository) Set(ctx context.Context, key, value string) error {
	s := db.Setting{Key: key, Value: db.EncryptedString(value)}
	if err := r.db.WithContext(ctx).Save(&s).Error; err != nil {
		return fmt.Errorf("settings: set %s: %w", key, err)
	}
	return nil
}

// GetMany retrieves all settings whose key starts with prefix, keyed by the
// full setting key. Used to load a whole namespace (e.g. all "smtp." keys).
func (r *gormSettingsRepository) GetMany(ctx context.Context, prefix string) (map[string]string, error) {
	var settings []db.Setting
	err := r.db.WithContext(ctx).
		Where("key LIKE ?", prefix+"%").
		Find(&settings).Error
	if err != nil {
		return nil, fmt.Errorf("settings: get many %s: %w", prefix, err)
	}
	out := make(map[string]string, len(settings))
	for _, s := range settings {
		out[s.Key] = string(s.Value)
	}
	return out, nil
}
