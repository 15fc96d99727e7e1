package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/threadpulse-io/threadpulse/internal/db"
)

// gormContentRepository is the GORM implementation of ContentRepository.
type gormContentRepository struct {
	db *gorm.DB
}

// NewContentRepository returns a ContentRepository backed by the provided *gorm.DB.
func NewContentRepository(db *gorm.DB) ContentRepository {
	return &gormContentRepository{db: db}
}

// UpsertPosts inserts posts, skipping rows whose external_id already exists.
// ON CONFLICT DO NOTHING keeps retried fetch batches idempotent without a
// read-before-write; RowsAffected counts only the genuinely new rows.
func (r *gormContentRepository) UpsertPosts(ctx context.Context, posts []db.Post) (int, error) {
	if len(posts) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_id"}},
			DoNothing: true,
		}).
		Create(&posts)
	if result.Error != nil {
		return 0, fmt.Errorf("content: upsert posts: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

// UpsertComments behaves like UpsertPosts for comment rows.
func (r *gormContentRepository) UpsertComments(ctx context.Context, comments []db.Comment) (int, error) {
	if len(comments) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_id"}},
			DoNothing: true,
		}).
		Create(&comments)
	if result.Error != nil {
		return 0, fmt.Errorf("content: upsert comments: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

// BackfillCommentPostIDs fills the internal post FK for comments whose post
// row arrived after the comment did. Comments can reference posts fetched in
// a later batch (or never fetched at all), so post_id stays nullable and is
// resolved here after every collection pass.
func (r *gormContentRepository) BackfillCommentPostIDs(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).Exec(`
		UPDATE comments
		SET post_id = (SELECT p.id FROM posts p WHERE p.external_id = comments.post_external_id)
		WHERE post_id IS NULL
		  AND EXISTS (SELECT 1 FROM posts p WHERE p.external_id = comments.post_external_id)`)
	if result.Error != nil {
		return 0, fmt.Errorf("content: backfill comment post ids: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// GetPostByExternalID retrieves a post by its platform identifier.
func (r *gormContentRepository) GetPostByExternalID(ctx context.Context, externalID string) (*db.Post, error) {
	var post db.Post
	err := r.db.WithContext(ctx).First(&post, "external_id = ?", externalID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("content: get post by external id: %w", err)
	}
	return &post, nil
}

// GetPost retrieves a post by its internal key.
func (r *gormContentRepository) GetPost(ctx context.Context, id int64) (*db.Post, error) {
	var post db.Post
	err := r.db.WithContext(ctx).First(&post, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("content: get post: %w", err)
	}
	return &post, nil
}

// GetComment retrieves a comment by its internal key.
func (r *gormContentRepository) GetComment(ctx context.Context, id int64) (*db.Comment, error) {
	var comment db.Comment
	err := r.db.WithContext(ctx).First(&comment, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("content: get comment: %w", err)
	}
	return &comment, nil
}

// ListUnfilteredPosts returns posts without a FilterRecord, oldest first, so
// the filtering stage processes a stable frontier across cycles.
func (r *gormContentRepository) ListUnfilteredPosts(ctx context.Context, limit int) ([]db.Post, error) {
	var posts []db.Post
	err := r.db.WithContext(ctx).
		Where("NOT EXISTS (SELECT 1 FROM filter_records f WHERE f.item_variant = ? AND f.item_id = posts.id)", db.VariantPost).
		Order("id ASC").
		Limit(limit).
		Find(&posts).Error
	if err != nil {
		return nil, fmt.Errorf("content: list unfiltered posts: %w", err)
	}
	return posts, nil
}

// ListUnfilteredComments returns comments without a FilterRecord, oldest first.
func (r *gormContentRepository) ListUnfilteredComments(ctx context.Context, limit int) ([]db.Comment, error) {
	var comments []db.Comment
	err := r.db.WithContext(ctx).
		Where("NOT EXISTS (SELECT 1 FROM filter_records f WHERE f.item_variant = ? AND f.item_id = comments.id)", db.VariantComment).
		Order("id ASC").
		Limit(limit).
		Find(&comments).Error
	if err != nil {
		return nil, fmt.Errorf("content: list unfiltered comments: %w", err)
	}
	return comments, nil
}
