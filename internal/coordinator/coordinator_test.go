package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/threadpulse-io/threadpulse/internal/agent"
	"github.com/threadpulse-io/threadpulse/internal/alert"
	"github.com/threadpulse-io/threadpulse/internal/db"
	"github.com/threadpulse-io/threadpulse/internal/metrics"
	"github.com/threadpulse-io/threadpulse/internal/relevance"
	"github.com/threadpulse-io/threadpulse/internal/repositories"
	"github.com/threadpulse-io/threadpulse/internal/retrieval"
	"github.com/threadpulse-io/threadpulse/internal/summarise"
)

// fakeCaller routes each skill to a canned handler and records every
// dispatch, standing in for the downstream agents.
type fakeCaller struct {
	mu       sync.Mutex
	handlers map[string]func(params json.RawMessage) (*agent.TaskView, error)
	sent     []agent.SendParams
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{handlers: make(map[string]func(json.RawMessage) (*agent.TaskView, error))}
}

func (f *fakeCaller) on(skill string, h func(json.RawMessage) (*agent.TaskView, error)) {
	f.handlers[skill] = h
}

func (f *fakeCaller) Send(ctx context.Context, role string, params agent.SendParams) (*agent.TaskView, error) {
	f.mu.Lock()
	f.sent = append(f.sent, params)
	h := f.handlers[params.Skill]
	f.mu.Unlock()
	if h == nil {
		return completedTask(map[string]any{}), nil
	}
	return h(params.Parameters)
}

func (f *fakeCaller) GetTask(ctx context.Context, role string, taskID uuid.UUID) (*agent.TaskView, error) {
	return nil, repositories.ErrNotFound
}

func (f *fakeCaller) Cancel(ctx context.Context, role string, taskID uuid.UUID) (*agent.TaskView, error) {
	return nil, repositories.ErrNotFound
}

func (f *fakeCaller) skillCalls(skill string) []agent.SendParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []agent.SendParams
	for _, p := range f.sent {
		if p.Skill == skill {
			out = append(out, p)
		}
	}
	return out
}

func completedTask(result any) *agent.TaskView {
	raw, _ := json.Marshal(result)
	return &agent.TaskView{ID: uuid.New(), Status: db.TaskCompleted, Result: raw}
}

func newTestCoordinator(t *testing.T, caller agent.Caller, cfg Config) (*Coordinator, *gorm.DB) {
	t.Helper()
	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	coord := New(caller,
		repositories.NewWorkflowRepository(database),
		repositories.NewContentRepository(database),
		repositories.NewFilterRepository(database),
		repositories.NewSummaryRepository(database),
		repositories.NewAlertRepository(database),
		repositories.NewLockRepository(database),
		cfg, clockwork.NewRealClock(), metrics.New(), zap.NewNop())
	return coord, database
}

func testCycleConfig() Config {
	return Config{
		Topics:         []string{"golang"},
		Interval:       time.Hour,
		Threshold:      0.7,
		KeywordWeight:  0.4,
		SemanticWeight: 0.6,
	}
}

// seedPipelineContent puts one item in front of each downstream stage: an
// unfiltered post, a relevant filter record awaiting summary, and an
// unbatched summary.
func seedPipelineContent(t *testing.T, database *gorm.DB) {
	t.Helper()
	now := time.Now().UTC()

	unfiltered := &db.Post{ExternalID: "p-unfiltered", Title: "new post", Community: "golang", PostedAt: now}
	require.NoError(t, database.Create(unfiltered).Error)

	filtered := &db.Post{ExternalID: "p-filtered", Title: "scored post", Community: "golang", PostedAt: now}
	require.NoError(t, database.Create(filtered).Error)
	pending := &db.FilterRecord{ItemVariant: db.VariantPost, ItemID: filtered.ID, Topic: "golang", IsRelevant: true, CombinedScore: 0.9}
	require.NoError(t, database.Create(pending).Error)

	summarised := &db.Post{ExternalID: "p-summarised", Title: "summarised post", Community: "golang", PostedAt: now}
	require.NoError(t, database.Create(summarised).Error)
	done := &db.FilterRecord{ItemVariant: db.VariantPost, ItemID: summarised.ID, Topic: "golang", IsRelevant: true, CombinedScore: 0.8}
	require.NoError(t, database.Create(done).Error)
	summary := &db.SummaryRecord{FilterID: done.ID, SummaryText: "summary text", ModelUsed: "claude-sonnet", Confidence: 0.9}
	require.NoError(t, database.Create(summary).Error)
}

func pipelineHandlers(fc *fakeCaller) {
	fc.on("fetch_posts", func(json.RawMessage) (*agent.TaskView, error) {
		return completedTask(retrieval.FetchPostsResult{
			Posts:    []retrieval.PostView{{ID: "ext-1", Title: "new post"}},
			NewCount: 2,
		}), nil
	})
	fc.on("fetch_comments", func(json.RawMessage) (*agent.TaskView, error) {
		return completedTask(retrieval.FetchCommentsResult{NewCount: 3}), nil
	})
	fc.on("filter_content", func(json.RawMessage) (*agent.TaskView, error) {
		return completedTask(relevance.FilterResult{
			Records: []relevance.RecordView{{IsRelevant: true, CombinedScore: 0.9}},
		}), nil
	})
	fc.on("summarise_content", func(json.RawMessage) (*agent.TaskView, error) {
		return completedTask(summarise.SummariseResult{Summary: "made", SummaryID: 1}), nil
	})
	fc.on("send_slack", func(json.RawMessage) (*agent.TaskView, error) {
		return completedTask(alert.DeliveryResult{Delivered: true, MessageID: "ok"}), nil
	})
}

func TestCoordinator_RunCycle_HappyPath(t *testing.T) {
	fc := newFakeCaller()
	pipelineHandlers(fc)
	coord, database := newTestCoordinator(t, fc, testCycleConfig())
	seedPipelineContent(t, database)

	require.NoError(t, coord.RunCycle(context.Background()))

	var wf db.Workflow
	require.NoError(t, database.First(&wf).Error)
	assert.Equal(t, db.WorkflowCompleted, wf.Status)
	require.NotNil(t, wf.NextRunAt)

	var cm CycleMetrics
	require.NoError(t, json.Unmarshal([]byte(wf.Metrics), &cm))
	assert.Equal(t, 2, cm.PostsFetched)
	assert.Equal(t, 3, cm.CommentsFetched)
	assert.Equal(t, 1, cm.ItemsFiltered)
	assert.Equal(t, 1, cm.SummariesMade)
	assert.Equal(t, 1, cm.AlertsDelivered)
	assert.Empty(t, cm.Errors)

	assert.Len(t, fc.skillCalls("fetch_posts"), 1)
	assert.Len(t, fc.skillCalls("fetch_comments"), 1)
	assert.Len(t, fc.skillCalls("filter_content"), 1)
	assert.Len(t, fc.skillCalls("summarise_content"), 1)
	assert.Len(t, fc.skillCalls("send_slack"), 1)
	assert.Empty(t, fc.skillCalls("send_email"), "no recipients configured")

	var batch db.AlertBatch
	require.NoError(t, database.First(&batch).Error)
	assert.Equal(t, db.BatchSent, batch.Status)
	assert.NotNil(t, batch.SentAt)
}

func TestCoordinator_RunCycle_EmailDispatchedWhenConfigured(t *testing.T) {
	fc := newFakeCaller()
	pipelineHandlers(fc)
	fc.on("send_email", func(json.RawMessage) (*agent.TaskView, error) {
		return completedTask(alert.DeliveryResult{Delivered: true}), nil
	})

	cfg := testCycleConfig()
	cfg.AlertRecipients = []string{"team@example.com"}
	coord, database := newTestCoordinator(t, fc, cfg)
	seedPipelineContent(t, database)

	require.NoError(t, coord.RunCycle(context.Background()))

	calls := fc.skillCalls("send_email")
	require.Len(t, calls, 1)
	var ep alert.EmailParams
	require.NoError(t, json.Unmarshal(calls[0].Parameters, &ep))
	assert.Equal(t, []string{"team@example.com"}, ep.Recipients)
}

func TestCoordinator_RunCycle_SkipsTickWhenLockHeld(t *testing.T) {
	fc := newFakeCaller()
	coord, database := newTestCoordinator(t, fc, testCycleConfig())

	_, err := repositories.NewLockRepository(database).Acquire(context.Background(), CycleLockName, time.Minute)
	require.NoError(t, err)

	require.NoError(t, coord.RunCycle(context.Background()))

	var count int64
	require.NoError(t, database.Model(&db.Workflow{}).Count(&count).Error)
	assert.Zero(t, count, "a held lock skips the tick entirely")
	assert.Empty(t, fc.sent)
}

func TestCoordinator_RunCycle_ReleasesLock(t *testing.T) {
	fc := newFakeCaller()
	pipelineHandlers(fc)
	coord, database := newTestCoordinator(t, fc, testCycleConfig())

	require.NoError(t, coord.RunCycle(context.Background()))

	_, err := repositories.NewLockRepository(database).Acquire(context.Background(), CycleLockName, time.Minute)
	assert.NoError(t, err, "finished cycle must release its lease")
}

func TestCoordinator_RunCycle_TopicFailureIsPartial(t *testing.T) {
	fc := newFakeCaller()
	pipelineHandlers(fc)
	fc.on("fetch_posts", func(params json.RawMessage) (*agent.TaskView, error) {
		var fp retrieval.FetchPostsParams
		if err := json.Unmarshal(params, &fp); err == nil && fp.Topic == "golang" {
			return &agent.TaskView{Status: db.TaskFailed, Error: "reddit unavailable"}, nil
		}
		return completedTask(retrieval.FetchPostsResult{NewCount: 1}), nil
	})
	cfg := testCycleConfig()
	cfg.Topics = []string{"golang", "rust"}
	coord, database := newTestCoordinator(t, fc, cfg)
	seedPipelineContent(t, database)

	require.NoError(t, coord.RunCycle(context.Background()))

	var wf db.Workflow
	require.NoError(t, database.First(&wf).Error)
	assert.Equal(t, db.WorkflowPartial, wf.Status)

	var cm CycleMetrics
	require.NoError(t, json.Unmarshal([]byte(wf.Metrics), &cm))
	assert.Contains(t, cm.Errors, "collect:golang")
	assert.Equal(t, 1, cm.SummariesMade, "later stages still run")
}

func TestCoordinator_RunCycle_AllTopicsFailedIsFailed(t *testing.T) {
	fc := newFakeCaller()
	pipelineHandlers(fc)
	fc.on("fetch_posts", func(json.RawMessage) (*agent.TaskView, error) {
		return &agent.TaskView{Status: db.TaskFailed, Error: "reddit unavailable"}, nil
	})
	coord, database := newTestCoordinator(t, fc, testCycleConfig())

	require.Error(t, coord.RunCycle(context.Background()))

	var wf db.Workflow
	require.NoError(t, database.First(&wf).Error)
	assert.Equal(t, db.WorkflowFailed, wf.Status)
	assert.Empty(t, fc.skillCalls("filter_content"), "a failed collection aborts the cycle")
}

func TestCoordinator_RunCycle_UndeliveredAlertIsPartial(t *testing.T) {
	fc := newFakeCaller()
	pipelineHandlers(fc)
	fc.on("send_slack", func(json.RawMessage) (*agent.TaskView, error) {
		return completedTask(alert.DeliveryResult{Delivered: false, Error: "webhook returned 500"}), nil
	})
	coord, database := newTestCoordinator(t, fc, testCycleConfig())
	seedPipelineContent(t, database)

	require.NoError(t, coord.RunCycle(context.Background()))

	var wf db.Workflow
	require.NoError(t, database.First(&wf).Error)
	assert.Equal(t, db.WorkflowPartial, wf.Status)

	var batch db.AlertBatch
	require.NoError(t, database.First(&batch).Error)
	assert.Equal(t, db.BatchFailed, batch.Status, "no channel delivered")
}

func TestCoordinator_RunCycle_NoSummariesSkipsAlerting(t *testing.T) {
	fc := newFakeCaller()
	coord, database := newTestCoordinator(t, fc, testCycleConfig())

	fc.on("fetch_posts", func(json.RawMessage) (*agent.TaskView, error) {
		return completedTask(retrieval.FetchPostsResult{}), nil
	})

	require.NoError(t, coord.RunCycle(context.Background()))

	assert.Empty(t, fc.skillCalls("send_slack"))
	var count int64
	require.NoError(t, database.Model(&db.AlertBatch{}).Count(&count).Error)
	assert.Zero(t, count, "an empty cycle creates no batch")

	var wf db.Workflow
	require.NoError(t, database.First(&wf).Error)
	assert.Equal(t, db.WorkflowCompleted, wf.Status)
}

func TestCoordinator_Resume_StartsFromCheckpointStage(t *testing.T) {
	fc := newFakeCaller()
	pipelineHandlers(fc)
	coord, database := newTestCoordinator(t, fc, testCycleConfig())
	seedPipelineContent(t, database)

	wf := &db.Workflow{
		Type:         "monitoring",
		Status:       db.WorkflowRunning,
		CurrentStage: db.StageSummarising,
		Checkpoint:   `{"stage":"summarising"}`,
	}
	require.NoError(t, database.Create(wf).Error)

	require.NoError(t, coord.Resume(context.Background()))

	assert.Empty(t, fc.skillCalls("fetch_posts"), "collected stages are not repeated")
	assert.Empty(t, fc.skillCalls("filter_content"))
	assert.Len(t, fc.skillCalls("summarise_content"), 1)
	assert.Len(t, fc.skillCalls("send_slack"), 1)

	got, err := repositories.NewWorkflowRepository(database).Get(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, db.WorkflowCompleted, got.Status)
}

func TestCoordinator_Resume_CollectSkipsCheckpointedTopics(t *testing.T) {
	fc := newFakeCaller()
	pipelineHandlers(fc)
	cfg := testCycleConfig()
	cfg.Topics = []string{"golang", "rust"}
	coord, database := newTestCoordinator(t, fc, cfg)

	wf := &db.Workflow{
		Type:         "monitoring",
		Status:       db.WorkflowRunning,
		CurrentStage: db.StageCollecting,
		Checkpoint:   `{"stage":"collecting","completed_items":["golang"]}`,
	}
	require.NoError(t, database.Create(wf).Error)

	require.NoError(t, coord.Resume(context.Background()))

	calls := fc.skillCalls("fetch_posts")
	require.Len(t, calls, 1, "only the unfinished topic is fetched")
	var fp retrieval.FetchPostsParams
	require.NoError(t, json.Unmarshal(calls[0].Parameters, &fp))
	assert.Equal(t, "rust", fp.Topic)
}

func TestCoordinator_Resume_NothingRunning(t *testing.T) {
	fc := newFakeCaller()
	coord, _ := newTestCoordinator(t, fc, testCycleConfig())

	require.NoError(t, coord.Resume(context.Background()))
	assert.Empty(t, fc.sent)
}
