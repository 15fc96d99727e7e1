package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/threadpulse-io/threadpulse/internal/db"
)

// seedFilter inserts a post and a relevant verdict for it, returning the
// filter record.
func seedFilter(t *testing.T, database *gorm.DB, externalID string) *db.FilterRecord {
	t.Helper()
	post := &db.Post{
		ExternalID: externalID,
		Title:      "post " + externalID,
		Community:  "golang",
		PostedAt:   time.Now().UTC(),
	}
	require.NoError(t, database.Create(post).Error)

	record := &db.FilterRecord{
		ItemVariant:   db.VariantPost,
		ItemID:        post.ID,
		Topic:         "golang",
		KeywordScore:  0.5,
		SemanticScore: 0.9,
		CombinedScore: 0.74,
		IsRelevant:    true,
	}
	require.NoError(t, NewFilterRepository(database).Create(context.Background(), record))
	return record
}

func TestFilterRepository_Create_OneVerdictPerItem(t *testing.T) {
	database := newTestDB(t)
	repo := NewFilterRepository(database)
	ctx := context.Background()

	record := seedFilter(t, database, "abc123")

	dup := &db.FilterRecord{
		ItemVariant: db.VariantPost,
		ItemID:      record.ItemID,
		Topic:       "golang",
		IsRelevant:  false,
	}
	assert.ErrorIs(t, repo.Create(ctx, dup), ErrConflict)

	got, err := repo.GetByItem(ctx, db.VariantPost, record.ItemID)
	require.NoError(t, err)
	assert.True(t, got.IsRelevant, "first verdict wins")
}

func TestSummaryRepository_CreateWithDedup_FilterConflict(t *testing.T) {
	database := newTestDB(t)
	summaries := NewSummaryRepository(database)
	ctx := context.Background()

	record := seedFilter(t, database, "abc123")

	first := &db.SummaryRecord{FilterID: record.ID, SummaryText: "first", ModelUsed: "claude-sonnet", Confidence: 0.9}
	require.NoError(t, summaries.CreateWithDedup(ctx, first, "hash-1"))

	second := &db.SummaryRecord{FilterID: record.ID, SummaryText: "second", ModelUsed: "claude-sonnet", Confidence: 0.9}
	assert.ErrorIs(t, summaries.CreateWithDedup(ctx, second, "hash-2"), ErrConflict)

	got, err := summaries.GetByFilterID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.SummaryText)
}

func TestSummaryRepository_GetByContentHash(t *testing.T) {
	database := newTestDB(t)
	summaries := NewSummaryRepository(database)
	ctx := context.Background()

	record := seedFilter(t, database, "abc123")
	summary := &db.SummaryRecord{FilterID: record.ID, SummaryText: "the summary", ModelUsed: "claude-sonnet", Confidence: 0.9}
	require.NoError(t, summaries.CreateWithDedup(ctx, summary, "content-hash"))

	got, err := summaries.GetByContentHash(ctx, "content-hash")
	require.NoError(t, err)
	assert.Equal(t, summary.ID, got.ID)

	_, err = summaries.GetByContentHash(ctx, "other-hash")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSummaryRepository_DuplicateContentHashKeepsFirstSlot(t *testing.T) {
	database := newTestDB(t)
	summaries := NewSummaryRepository(database)
	ctx := context.Background()

	a := seedFilter(t, database, "post-a")
	b := seedFilter(t, database, "post-b")

	first := &db.SummaryRecord{FilterID: a.ID, SummaryText: "first", ModelUsed: "claude-sonnet", Confidence: 0.9}
	require.NoError(t, summaries.CreateWithDedup(ctx, first, "same-hash"))

	// A second summary of identical content still commits; the dedup slot
	// keeps pointing at the first.
	second := &db.SummaryRecord{FilterID: b.ID, SummaryText: "second", ModelUsed: "claude-sonnet", Confidence: 0.9}
	require.NoError(t, summaries.CreateWithDedup(ctx, second, "same-hash"))

	got, err := summaries.GetByContentHash(ctx, "same-hash")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestFilterRepository_ListRelevantWithoutSummary(t *testing.T) {
	database := newTestDB(t)
	filters := NewFilterRepository(database)
	summaries := NewSummaryRepository(database)
	ctx := context.Background()

	summarised := seedFilter(t, database, "post-a")
	pending := seedFilter(t, database, "post-b")

	require.NoError(t, summaries.CreateWithDedup(ctx,
		&db.SummaryRecord{FilterID: summarised.ID, SummaryText: "done", ModelUsed: "claude-sonnet", Confidence: 0.9}, "h1"))

	got, err := filters.ListRelevantWithoutSummary(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, pending.ID, got[0].ID)
}

func TestSummaryRepository_ListUnbatched(t *testing.T) {
	database := newTestDB(t)
	summaries := NewSummaryRepository(database)
	alerts := NewAlertRepository(database)
	ctx := context.Background()

	a := seedFilter(t, database, "post-a")
	b := seedFilter(t, database, "post-b")

	batched := &db.SummaryRecord{FilterID: a.ID, SummaryText: "batched", ModelUsed: "claude-sonnet", Confidence: 0.9}
	require.NoError(t, summaries.CreateWithDedup(ctx, batched, "h1"))
	fresh := &db.SummaryRecord{FilterID: b.ID, SummaryText: "fresh", ModelUsed: "claude-sonnet", Confidence: 0.9}
	require.NoError(t, summaries.CreateWithDedup(ctx, fresh, "h2"))

	batch := &db.AlertBatch{WorkflowID: uuid.New(), Status: db.BatchPending}
	require.NoError(t, alerts.CreateBatch(ctx, batch, []int64{batched.ID}))

	got, err := summaries.ListUnbatched(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fresh.ID, got[0].ID)
}
