package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by UUID-keyed models. ID uses UUID v7
// (time-ordered) so B-tree indexes stay dense and rows sort chronologically
// without a separate created_at sort. CreatedAt and UpdatedAt are managed by
// GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// Task statuses. A task is closed once its status is terminal.
const (
	TaskSubmitted    = "submitted"
	TaskWorking      = "working"
	TaskCompleted    = "completed"
	TaskFailed       = "failed"
	TaskCancelled    = "cancelled"
	TaskRetryPending = "retry_pending"
	TaskSkipped      = "skipped"
	TaskStuck        = "stuck"
)

// TaskTerminal reports whether status is a terminal task state.
func TaskTerminal(status string) bool {
	switch status {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskSkipped:
		return true
	}
	return false
}

// Workflow statuses and stages.
const (
	WorkflowPending   = "pending"
	WorkflowRunning   = "running"
	WorkflowCompleted = "completed"
	WorkflowFailed    = "failed"
	WorkflowPartial   = "partial"

	StageCollecting  = "collecting"
	StageFiltering   = "filtering"
	StageSummarising = "summarising"
	StageAlerting    = "alerting"
)

// Alert batch and delivery statuses.
const (
	BatchPending = "pending"
	BatchSending = "sending"
	BatchSent    = "sent"
	BatchFailed  = "failed"

	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
)

// Content item variants, used in FilterRecord.ItemVariant.
const (
	VariantPost    = "post"
	VariantComment = "comment"
)

// -----------------------------------------------------------------------------
// Content
// -----------------------------------------------------------------------------

// Post is a top-level discussion thread fetched from the platform. ExternalID
// is the platform-native identifier (opaque alphanumeric, at most 20 chars);
// the integer primary key is the synthetic internal key used for joins. Posts
// are created by the Retrieval agent and never mutated afterwards except for
// score backfill.
type Post struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	ExternalID  string    `gorm:"size:20;uniqueIndex;not null"`
	Title       string    `gorm:"not null"`
	Body        string    `gorm:"type:text;not null;default:''"`
	Author      string    `gorm:"not null;default:''"`
	Community   string    `gorm:"not null;index"`
	CommunityID *int64    `gorm:"index"` // internal FK, set asynchronously
	Score       int       `gorm:"not null;default:0"`
	URL         string    `gorm:"not null;default:''"`
	PostedAt    time.Time `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
}

// Comment is a reply within a post's thread. It references the owning post
// both via the platform identifier and via the nullable internal FK, which is
// backfilled asynchronously once the post row exists. ParentRef preserves the
// platform's typed parent reference ("kind-prefix + id") so the reply
// hierarchy can be reconstructed without a lookup.
type Comment struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	ExternalID     string    `gorm:"size:20;uniqueIndex;not null"`
	PostExternalID string    `gorm:"size:20;not null;index"`
	PostID         *int64    `gorm:"index"` // internal FK, nullable, set asynchronously
	ParentRef      string    `gorm:"not null;default:''"`
	Body           string    `gorm:"type:text;not null"`
	Author         string    `gorm:"not null;default:''"`
	Score          int       `gorm:"not null;default:0"`
	PostedAt       time.Time `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

// Community is a named topic locus (e.g. a subreddit). Communities are
// soft-deleted, never hard-deleted, so FilterRecords referencing them stay
// resolvable for audit.
type Community struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	Name          string `gorm:"uniqueIndex;not null"`
	Description   string `gorm:"type:text;not null;default:''"`
	Subscribers   int64  `gorm:"not null;default:0"`
	IsActive      bool   `gorm:"not null;default:true"`
	LastCheckedAt *time.Time
	DiscoveredAt  time.Time      `gorm:"not null"`
	DeletedAt     gorm.DeletedAt `gorm:"index"`
}

// FilterRecord is the relevance verdict for one content item. The 1-1
// relationship to the item is enforced by the unique (item_variant, item_id)
// index. Rows are created by the Filter agent and never updated.
type FilterRecord struct {
	ID            int64   `gorm:"primaryKey;autoIncrement"`
	ItemVariant   string  `gorm:"not null;uniqueIndex:idx_filter_item,priority:1"`
	ItemID        int64   `gorm:"not null;uniqueIndex:idx_filter_item,priority:2"`
	Topic         string  `gorm:"not null"`
	KeywordScore  float64 `gorm:"not null"`
	SemanticScore float64 `gorm:"not null"`
	CombinedScore float64 `gorm:"not null"`
	IsRelevant    bool    `gorm:"not null;index"`
	CreatedAt     time.Time
}

// SummaryRecord is the AI-generated summary for one relevant FilterRecord.
// Append-only; the unique index on filter_id blocks duplicate summaries.
type SummaryRecord struct {
	ID               int64   `gorm:"primaryKey;autoIncrement"`
	FilterID         int64   `gorm:"not null;uniqueIndex"`
	SummaryText      string  `gorm:"type:text;not null"`
	ModelUsed        string  `gorm:"not null"`
	CompressionRatio float64 `gorm:"not null"`
	Sentiment        string  `gorm:"not null;default:''"`
	Confidence       float64 `gorm:"not null"`
	CreatedAt        time.Time
}

// ContentDedup blocks re-summarisation of substantively identical content
// across cycles. ContentHash is the SHA-256 of the normalised text; the row
// is inserted in the same transaction as the SummaryRecord it points to.
type ContentDedup struct {
	ContentHash string `gorm:"primaryKey;size:64"`
	SummaryID   int64  `gorm:"not null;index"`
	CreatedAt   time.Time
}

// -----------------------------------------------------------------------------
// Alerts
// -----------------------------------------------------------------------------

// AlertBatch groups SummaryRecords for a single notification cycle.
type AlertBatch struct {
	base
	WorkflowID   uuid.UUID `gorm:"type:text;not null;index"`
	Status       string    `gorm:"not null;default:'pending'"` // pending, sending, sent, failed
	Priority     string    `gorm:"not null;default:'normal'"`
	ScheduleType string    `gorm:"not null;default:'cycle'"`
	SentAt       *time.Time

	// Items is populated by GetByIDWithItems via a manual query. GORM cannot
	// resolve foreign keys against uuid.UUID primary keys, so associations
	// are loaded explicitly in the repository layer.
	Items []AlertBatchItem `gorm:"-"`
}

// AlertBatchItem is the join row between an AlertBatch and a SummaryRecord.
type AlertBatchItem struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	BatchID   uuid.UUID `gorm:"type:text;not null;index"`
	SummaryID int64     `gorm:"not null;index"`
	CreatedAt time.Time
}

// AlertDelivery tracks one (batch, channel) delivery attempt. Channels are
// independent: a slack failure does not block email, and vice versa.
type AlertDelivery struct {
	base
	BatchID    uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_delivery_channel,priority:1"`
	Channel    string    `gorm:"not null;uniqueIndex:idx_delivery_channel,priority:2"` // "slack" or "email"
	Status     string    `gorm:"not null;default:'pending'"`
	RetryCount int       `gorm:"not null;default:0"`
	LastError  string    `gorm:"type:text;not null;default:''"`
}

// -----------------------------------------------------------------------------
// Orchestration
// -----------------------------------------------------------------------------

// Task is the persistent record of one skill invocation within a workflow.
// The unique (workflow_id, agent_role, skill_name, parameters_hash) tuple
// enforces task-level idempotency: a concurrent duplicate submission resolves
// to the existing row at INSERT time, never to a second execution.
type Task struct {
	ID             uuid.UUID  `gorm:"type:text;primaryKey"`
	WorkflowID     uuid.UUID  `gorm:"type:text;not null;uniqueIndex:idx_task_idem,priority:1"`
	AgentRole      string     `gorm:"not null;uniqueIndex:idx_task_idem,priority:2"`
	SkillName      string     `gorm:"not null;uniqueIndex:idx_task_idem,priority:3"`
	Parameters     string     `gorm:"type:text;not null;default:'{}'"` // JSON
	ParametersHash string     `gorm:"size:64;not null;uniqueIndex:idx_task_idem,priority:4"`
	Status         string     `gorm:"not null;default:'submitted';index"`
	Priority       int        `gorm:"not null;default:0"`
	RetryCount     int        `gorm:"not null;default:0"`
	MaxRetries     int        `gorm:"not null;default:3"`
	NextRetryAt    *time.Time `gorm:"index"`
	CorrelationID  string     `gorm:"not null;default:''"`
	Result         string     `gorm:"type:text;not null;default:''"` // JSON
	Error          string     `gorm:"type:text;not null;default:''"`
	ErrorKind      string     `gorm:"not null;default:''"`
	CompletedAt    *time.Time
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 task id if not already set.
func (t *Task) BeforeCreate(tx *gorm.DB) error {
	if t.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		t.ID = id
	}
	return nil
}

// Workflow is a single monitoring cycle. A new row is created per cycle;
// rows are long-lived for audit. Config, Checkpoint and Metrics are JSON
// documents owned by the coordinator.
type Workflow struct {
	base
	Type         string `gorm:"not null;default:'monitoring'"`
	Status       string `gorm:"not null;default:'pending';index"`
	Config       string `gorm:"type:text;not null;default:'{}'"`
	CurrentStage string `gorm:"not null;default:''"`
	Checkpoint   string `gorm:"type:text;not null;default:'{}'"`
	Metrics      string `gorm:"type:text;not null;default:'{}'"`
	LastRunAt    *time.Time
	NextRunAt    *time.Time
}

// AgentState mirrors the registry entry for one agent role. Updated on every
// heartbeat; a row whose heartbeat_at is older than the registry TTL is
// treated as agent-down.
type AgentState struct {
	AgentRole     string     `gorm:"primaryKey"`
	Status        string     `gorm:"not null;default:'idle'"`
	CurrentTaskID *uuid.UUID `gorm:"type:text"`
	HeartbeatAt   time.Time  `gorm:"not null"`
	Capabilities  string     `gorm:"type:text;not null;default:'[]'"` // JSON array
	UpdatedAt     time.Time  `gorm:"not null"`
}

// Lock is a named exclusive lease. At most one row per lock_name; expiry is
// enforced at acquisition time (an expired row may be stolen). The holder
// token must be presented to release, so a slow former holder cannot release
// a lock it already lost.
type Lock struct {
	LockName    string    `gorm:"primaryKey"`
	HolderToken string    `gorm:"not null"`
	AcquiredAt  time.Time `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

// Setting is a generic key-value configuration entry stored in the database.
// Keys are namespaced by convention (e.g. "smtp.host", "webhook.url").
// Sensitive values are encrypted at the application layer via EncryptedString
// before being persisted.
type Setting struct {
	Key       string          `gorm:"primaryKey"`
	Value     EncryptedString `gorm:"type:text;not null"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime"`
}
