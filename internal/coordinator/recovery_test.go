package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/threadpulse-io/threadpulse/internal/agent"
	"github.com/threadpulse-io/threadpulse/internal/db"
	"github.com/threadpulse-io/threadpulse/internal/repositories"
)

func newTestRecovery(t *testing.T, fc *fakeCaller) (*Recovery, *gorm.DB) {
	t.Helper()
	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	rec := NewRecovery(
		repositories.NewTaskRepository(database),
		repositories.NewLockRepository(database),
		fc, clockwork.NewRealClock(), time.Second, time.Minute, zap.NewNop())
	return rec, database
}

func seedTask(t *testing.T, database *gorm.DB, status string, retryCount int, nextRetryAt *time.Time) *db.Task {
	t.Helper()
	task := &db.Task{
		WorkflowID:     uuid.New(),
		AgentRole:      "retrieval",
		SkillName:      "fetch_posts",
		Parameters:     `{"topic":"golang"}`,
		ParametersHash: uuid.NewString(),
		Status:         status,
		RetryCount:     retryCount,
		MaxRetries:     3,
		NextRetryAt:    nextRetryAt,
		CorrelationID:  "corr-" + uuid.NewString(),
	}
	require.NoError(t, database.Create(task).Error)
	return task
}

func TestRecovery_Sweep_ResubmitsDueRetry(t *testing.T) {
	fc := newFakeCaller()
	rec, database := newTestRecovery(t, fc)

	past := time.Now().UTC().Add(-time.Minute)
	task := seedTask(t, database, db.TaskRetryPending, 1, &past)

	rec.Sweep(context.Background())

	calls := fc.skillCalls("fetch_posts")
	require.Len(t, calls, 1)
	assert.Equal(t, task.WorkflowID, calls[0].WorkflowID)
	assert.Equal(t, task.CorrelationID, calls[0].CorrelationID)
	assert.JSONEq(t, task.Parameters, string(calls[0].Parameters))
	require.NotNil(t, calls[0].MaxRetries)
	assert.Equal(t, task.MaxRetries, *calls[0].MaxRetries,
		"resubmission carries the original retry budget")
}

func TestRecovery_Sweep_LeavesFutureRetryAlone(t *testing.T) {
	fc := newFakeCaller()
	rec, database := newTestRecovery(t, fc)

	future := time.Now().UTC().Add(time.Hour)
	seedTask(t, database, db.TaskRetryPending, 1, &future)

	rec.Sweep(context.Background())
	assert.Empty(t, fc.sent)
}

func TestRecovery_Sweep_SkipsStuckTaskOverBudget(t *testing.T) {
	fc := newFakeCaller()
	rec, database := newTestRecovery(t, fc)

	task := seedTask(t, database, db.TaskStuck, 3, nil)

	rec.Sweep(context.Background())

	assert.Empty(t, fc.sent, "an exhausted task is closed, not resubmitted")
	got, err := repositories.NewTaskRepository(database).Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TaskSkipped, got.Status)
	assert.Contains(t, got.Error, "retry budget exhausted")
	require.NotNil(t, got.CompletedAt)
}

func TestRecovery_Sweep_ResubmitsStuckTaskWithBudget(t *testing.T) {
	fc := newFakeCaller()
	rec, database := newTestRecovery(t, fc)

	seedTask(t, database, db.TaskStuck, 1, nil)

	rec.Sweep(context.Background())
	assert.Len(t, fc.skillCalls("fetch_posts"), 1)
}

func TestRecovery_Sweep_ResubmissionFailureLeavesTaskDue(t *testing.T) {
	fc := newFakeCaller()
	fc.on("fetch_posts", func(json.RawMessage) (*agent.TaskView, error) {
		return nil, context.DeadlineExceeded
	})
	rec, database := newTestRecovery(t, fc)

	past := time.Now().UTC().Add(-time.Minute)
	task := seedTask(t, database, db.TaskRetryPending, 1, &past)

	rec.Sweep(context.Background())

	// The agent was unreachable; the row stays retry_pending for the next
	// sweep to pick up.
	got, err := repositories.NewTaskRepository(database).Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TaskRetryPending, got.Status)

	rec.Sweep(context.Background())
	assert.Len(t, fc.skillCalls("fetch_posts"), 2)
}

func TestRecovery_Sweep_ReapsExpiredLocks(t *testing.T) {
	fc := newFakeCaller()
	rec, database := newTestRecovery(t, fc)

	now := time.Now().UTC()
	expired := func() time.Time { return now.Add(-time.Hour) }
	locks := repositories.NewLockRepositoryWithClock(database, expired)
	_, err := locks.Acquire(context.Background(), CycleLockName, time.Minute)
	require.NoError(t, err)

	rec.Sweep(context.Background())

	_, err = repositories.NewLockRepository(database).Acquire(context.Background(), CycleLockName, time.Minute)
	assert.NoError(t, err, "the expired lease was reaped")
}
