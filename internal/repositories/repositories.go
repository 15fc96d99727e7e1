// Package repositories defines the persistence interfaces used by the agents
// and their GORM implementations. Every cross-row invariant the pipeline
// depends on (task idempotency, filter 1-1, one summary per filter, content
// dedup, exclusive locks) is backed by a database constraint; the repository
// methods translate constraint conflicts into the semantics callers need.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/threadpulse-io/threadpulse/internal/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// Content
// -----------------------------------------------------------------------------

type ContentRepository interface {
	// UpsertPosts inserts the given posts, ignoring rows whose external_id
	// already exists. Returns the number of newly inserted rows.
	UpsertPosts(ctx context.Context, posts []db.Post) (int, error)

	// UpsertComments behaves like UpsertPosts for comments.
	UpsertComments(ctx context.Context, comments []db.Comment) (int, error)

	// BackfillCommentPostIDs resolves the nullable internal post FK for
	// comments whose owning post row now exists. Returns rows updated.
	BackfillCommentPostIDs(ctx context.Context) (int64, error)

	GetPostByExternalID(ctx context.Context, externalID string) (*db.Post, error)
	GetPost(ctx context.Context, id int64) (*db.Post, error)
	GetComment(ctx context.Context, id int64) (*db.Comment, error)

	// ListUnfilteredPosts returns posts with no FilterRecord yet, oldest first.
	ListUnfilteredPosts(ctx context.Context, limit int) ([]db.Post, error)
	// ListUnfilteredComments returns comments with no FilterRecord yet.
	ListUnfilteredComments(ctx context.Context, limit int) ([]db.Comment, error)
}

type CommunityRepository interface {
	// Upsert inserts the community or refreshes its subscriber count and
	// description if it already exists. Soft-deleted rows are revived.
	Upsert(ctx context.Context, community *db.Community) error
	GetByName(ctx context.Context, name string) (*db.Community, error)
	ListActive(ctx context.Context) ([]db.Community, error)
	TouchLastChecked(ctx context.Context, id int64, at time.Time) error
	Deactivate(ctx context.Context, id int64) error
}

// -----------------------------------------------------------------------------
// Filtering and summarisation
// -----------------------------------------------------------------------------

type FilterRepository interface {
	// Create inserts a filter record. Returns ErrConflict if the item already
	// has one (the 1-1 invariant); records are never updated.
	Create(ctx context.Context, record *db.FilterRecord) error
	GetByItem(ctx context.Context, variant string, itemID int64) (*db.FilterRecord, error)
	Get(ctx context.Context, id int64) (*db.FilterRecord, error)

	// ListRelevantWithoutSummary returns relevant filter records that have no
	// SummaryRecord yet, oldest first.
	ListRelevantWithoutSummary(ctx context.Context, limit int) ([]db.FilterRecord, error)
}

type SummaryRepository interface {
	// CreateWithDedup inserts the summary and its content-dedup row in one
	// transaction. Returns ErrConflict if the filter already has a summary.
	CreateWithDedup(ctx context.Context, summary *db.SummaryRecord, contentHash string) error

	// GetByContentHash returns the summary recorded for the given normalised
	// content hash, or ErrNotFound on a dedup miss.
	GetByContentHash(ctx context.Context, contentHash string) (*db.SummaryRecord, error)

	Get(ctx context.Context, id int64) (*db.SummaryRecord, error)
	GetByFilterID(ctx context.Context, filterID int64) (*db.SummaryRecord, error)

	// ListUnbatched returns summaries not yet attached to any alert batch.
	ListUnbatched(ctx context.Context, limit int) ([]db.SummaryRecord, error)
}

// -----------------------------------------------------------------------------
// Alerts
// -----------------------------------------------------------------------------

type AlertRepository interface {
	// CreateBatch inserts the batch and one AlertBatchItem per summary id.
	CreateBatch(ctx context.Context, batch *db.AlertBatch, summaryIDs []int64) error

	// GetBatchWithItems loads a batch together with its item rows. Items are
	// returned on the struct's Items field via an explicit second query.
	GetBatchWithItems(ctx context.Context, id uuid.UUID) (*db.AlertBatch, error)

	UpdateBatchStatus(ctx context.Context, id uuid.UUID, status string, sentAt *time.Time) error

	// UpsertDelivery records the outcome of one (batch, channel) attempt,
	// creating the row on first attempt and updating it on retries.
	UpsertDelivery(ctx context.Context, delivery *db.AlertDelivery) error
	ListDeliveries(ctx context.Context, batchID uuid.UUID) ([]db.AlertDelivery, error)

	// SummariesForBatch resolves the batch items to their summary rows.
	SummariesForBatch(ctx context.Context, batchID uuid.UUID) ([]db.SummaryRecord, error)
}

// -----------------------------------------------------------------------------
// Orchestration
// -----------------------------------------------------------------------------

type TaskRepository interface {
	// CreateIdempotent inserts the task row under the idempotency tuple
	// (workflow_id, agent_role, skill_name, parameters_hash). On conflict the
	// existing row is returned with created == false and the skill must not
	// run again.
	CreateIdempotent(ctx context.Context, task *db.Task) (existing *db.Task, created bool, err error)

	Get(ctx context.Context, id uuid.UUID) (*db.Task, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, fields map[string]any) error

	// ListDue returns retry_pending tasks whose next_retry_at has passed,
	// plus tasks marked stuck, for the recovery daemon.
	ListDue(ctx context.Context, now time.Time, limit int) ([]db.Task, error)

	// MarkStuckWorking flags tasks that have sat in working longer than
	// cutoff, which happens when an agent died mid-skill. Returns rows updated.
	MarkStuckWorking(ctx context.Context, cutoff time.Time) (int64, error)

	ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]db.Task, error)
	CountByWorkflowAndStatus(ctx context.Context, workflowID uuid.UUID, statuses ...string) (int64, error)
}

type WorkflowRepository interface {
	Create(ctx context.Context, workflow *db.Workflow) error
	Get(ctx context.Context, id uuid.UUID) (*db.Workflow, error)
	Update(ctx context.Context, workflow *db.Workflow) error

	// UpdateStage writes the current stage and checkpoint blob in one update,
	// the coordinator's stage-boundary commit.
	UpdateStage(ctx context.Context, id uuid.UUID, stage, checkpoint string) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, metrics string) error
	SetSchedule(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt time.Time) error

	// FindRunning returns workflows left in running state, used on restart to
	// resume from their checkpoints.
	FindRunning(ctx context.Context) ([]db.Workflow, error)
	ListRecent(ctx context.Context, opts ListOptions) ([]db.Workflow, int64, error)
}

type AgentStateRepository interface {
	// UpsertHeartbeat records the agent's liveness and current task.
	UpsertHeartbeat(ctx context.Context, state *db.AgentState) error
	Get(ctx context.Context, role string) (*db.AgentState, error)
	List(ctx context.Context) ([]db.AgentState, error)
}

type LockRepository interface {
	// Acquire takes the named lock for ttl and returns a holder token.
	// An existing unexpired lease yields ErrLockHeld; an expired lease is
	// stolen. The token must be presented to Release.
	Acquire(ctx context.Context, name string, ttl time.Duration) (token string, err error)

	// Release deletes the lock if the token matches the current holder.
	// Releasing a lock held by someone else is a silent no-op.
	Release(ctx context.Context, name, token string) error

	// ReapExpired deletes expired lock rows. Returns rows removed.
	ReapExpired(ctx context.Context) (int64, error)
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

type SettingsRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error

	// GetMany returns all settings whose key starts with prefix, decrypted.
	GetMany(ctx context.Context, prefix string) (map[string]string, error)
}
