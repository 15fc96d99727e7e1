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

// gormLockRepository implements LockRepository on a single database table.
// All coordinators share the table, so the unique lock_name primary key is
// the mutual-exclusion mechanism.
type gormLockRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewLockRepository returns a LockRepository backed by the provided *gorm.DB.
func NewLockRepository(db *gorm.DB) LockRepository {
	return &gormLockRepository{db: db, now: time.Now}
}

// NewLockRepositoryWithClock returns a LockRepository with an injectable
// clock, for expiry tests.
func NewLockRepositoryWithClock(db *gorm.DB, now func() time.Time) LockRepository {
	return &gormLockRepository{db: db, now: now}
}

// Acquire takes the named lock for ttl. The fresh-insert path wins via the
// primary key; if a row already exists, a conditional UPDATE steals it only
// when the previous lease has expired. Both paths are single statements, so
// two concurrent acquirers can never both succeed.
func (r *gormLockRepository) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	now := r.now().UTC()
	lock := db.Lock{
		LockName:    name,
		HolderToken: token,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
	}

	err := r.db.WithContext(ctx).Create(&lock).Error
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return "", fmt.Errorf("locks: acquire %s: %w", name, err)
	}

	// Row exists. Steal only an expired lease.
	result := r.db.WithContext(ctx).
		Model(&db.Lock{}).
		Where("lock_name = ? AND expires_at <= ?", name, now).
		Updates(map[string]any{
			"holder_token": token,
			"acquired_at":  now,
			"expires_at":   now.Add(ttl),
		})
	if result.Error != nil {
		return "", fmt.Errorf("locks: steal %s: %w", name, result.Error)
	}
	if result.RowsAffected == 0 {
		return "", ErrLockHeld
	}
	return token, nil
}

// Release deletes the lock only if token still matches the current holder.
// A former holder whose lease was stolen after expiry deletes nothing.
func (r *gormLockRepository) Release(ctx context.Context, name, token string) error {
	err := r.db.WithContext(ctx).
		Delete(&db.Lock{}, "lock_name = ? AND holder_token = ?", name, token).Error
	if err != nil {
		return fmt.Errorf("locks: release %s: %w", name, err)
	}
	return nil
}

// ReapExpired deletes expired lock rows. Purely hygienic; acquisition
// handles expired rows itself, this just keeps the table small.
func (r *gormLockRepository) ReapExpired(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Delete(&db.Lock{}, "expires_at <= ?", r.now().UTC())
	if result.Error != nil {
		return 0, fmt.Errorf("locks: reap expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}
