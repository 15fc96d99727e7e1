// Package coordinator drives the monitoring pipeline: it schedules cycles,
// walks each workflow through the four stages by dispatching skills to the
// downstream roles, checkpoints at stage boundaries, and owns the recovery
// of workflows and tasks interrupted by a crash.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/threadpulse-io/threadpulse/internal/agent"
	"github.com/threadpulse-io/threadpulse/internal/alert"
	"github.com/threadpulse-io/threadpulse/internal/config"
	"github.com/threadpulse-io/threadpulse/internal/db"
	"github.com/threadpulse-io/threadpulse/internal/metrics"
	"github.com/threadpulse-io/threadpulse/internal/relevance"
	"github.com/threadpulse-io/threadpulse/internal/repositories"
	"github.com/threadpulse-io/threadpulse/internal/retrieval"
	"github.com/threadpulse-io/threadpulse/internal/summarise"
)

// CycleLockName is the database lock serialising monitoring cycles across
// coordinator replicas.
const CycleLockName = "monitoring-cycle"

// DefaultLockTTL bounds one cycle's lock lease. A coordinator that dies
// mid-cycle loses the lease after this long and another replica may resume.
const DefaultLockTTL = 30 * time.Minute

// filterChunkSize bounds the items per filter_content dispatch.
const filterChunkSize = 50

// Config carries the pipeline parameters the coordinator threads through
// each cycle.
type Config struct {
	Topics          []string
	Interval        time.Duration
	BatchMaxItems   int
	AlertRecipients []string
	Threshold       float64
	KeywordWeight   float64
	SemanticWeight  float64
	LockTTL         time.Duration
}

// Checkpoint is the JSON document persisted on the workflow row at every
// stage boundary. CompletedItems names the units of work already done within
// the current stage, so a resumed cycle skips them.
type Checkpoint struct {
	Stage          string   `json:"stage"`
	CompletedItems []string `json:"completed_items,omitempty"`
}

func (cp *Checkpoint) done(item string) bool {
	for _, it := range cp.CompletedItems {
		if it == item {
			return true
		}
	}
	return false
}

func (cp *Checkpoint) markDone(item string) {
	if !cp.done(item) {
		cp.CompletedItems = append(cp.CompletedItems, item)
	}
}

func (cp *Checkpoint) encode() string {
	raw, err := json.Marshal(cp)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// CycleMetrics is the JSON document persisted on the workflow row when the
// cycle finishes.
type CycleMetrics struct {
	PostsFetched    int               `json:"posts_fetched"`
	CommentsFetched int               `json:"comments_fetched"`
	ItemsFiltered   int               `json:"items_filtered"`
	ItemsRelevant   int               `json:"items_relevant"`
	SummariesMade   int               `json:"summaries_created"`
	Deduplicated    int               `json:"summaries_deduplicated"`
	AlertsDelivered int               `json:"alerts_delivered"`
	Errors          map[string]string `json:"errors,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      time.Time         `json:"finished_at"`
}

func (cm *CycleMetrics) recordError(scope string, err error) {
	if cm.Errors == nil {
		cm.Errors = make(map[string]string)
	}
	cm.Errors[scope] = err.Error()
}

// Coordinator owns workflow orchestration. All downstream work goes through
// the Caller; the repositories are read to decide what to dispatch.
type Coordinator struct {
	caller    agent.Caller
	workflows repositories.WorkflowRepository
	content   repositories.ContentRepository
	filters   repositories.FilterRepository
	summaries repositories.SummaryRepository
	alerts    repositories.AlertRepository
	locks     repositories.LockRepository
	cfg       Config
	clock     clockwork.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New creates a coordinator.
func New(caller agent.Caller, workflows repositories.WorkflowRepository, content repositories.ContentRepository, filters repositories.FilterRepository, summaries repositories.SummaryRepository, alerts repositories.AlertRepository, locks repositories.LockRepository, cfg Config, clock clockwork.Clock, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.BatchMaxItems <= 0 {
		cfg.BatchMaxItems = 20
	}
	return &Coordinator{
		caller:    caller,
		workflows: workflows,
		content:   content,
		filters:   filters,
		summaries: summaries,
		alerts:    alerts,
		locks:     locks,
		cfg:       cfg,
		clock:     clock,
		metrics:   m,
		logger:    logger,
	}
}

// RunCycle executes one full monitoring cycle under the cycle lock. A lock
// already held means another replica (or an overlapping tick) is mid-cycle;
// the tick is skipped, not queued.
func (c *Coordinator) RunCycle(ctx context.Context) error {
	token, err := c.locks.Acquire(ctx, CycleLockName, c.cfg.LockTTL)
	if errors.Is(err, repositories.ErrLockHeld) {
		c.logger.Info("cycle already running elsewhere, skipping tick")
		return nil
	}
	if err != nil {
		return fmt.Errorf("coordinator: acquire cycle lock: %w", err)
	}
	defer c.releaseLock(token)

	cfgJSON, _ := json.Marshal(map[string]any{"topics": c.cfg.Topics})
	wf := &db.Workflow{
		Type:         "monitoring",
		Status:       db.WorkflowRunning,
		Config:       string(cfgJSON),
		CurrentStage: db.StageCollecting,
		Checkpoint:   "{}",
	}
	if err := c.workflows.Create(ctx, wf); err != nil {
		return fmt.Errorf("coordinator: create workflow: %w", err)
	}
	c.logger.Info("cycle started", zap.String("workflow_id", wf.ID.String()))

	return c.run(ctx, wf, &Checkpoint{Stage: db.StageCollecting})
}

// Resume picks up workflows left running by a previous process. Called once
// at boot, before the scheduler starts ticking.
func (c *Coordinator) Resume(ctx context.Context) error {
	running, err := c.workflows.FindRunning(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: find running workflows: %w", err)
	}
	for i := range running {
		wf := &running[i]

		token, err := c.locks.Acquire(ctx, CycleLockName, c.cfg.LockTTL)
		if errors.Is(err, repositories.ErrLockHeld) {
			c.logger.Info("cycle lock held, leaving workflow to its holder",
				zap.String("workflow_id", wf.ID.String()))
			return nil
		}
		if err != nil {
			return fmt.Errorf("coordinator: acquire cycle lock: %w", err)
		}

		cp := &Checkpoint{Stage: db.StageCollecting}
		if err := json.Unmarshal([]byte(wf.Checkpoint), cp); err != nil {
			c.logger.Warn("unreadable checkpoint, restarting from collecting",
				zap.String("workflow_id", wf.ID.String()), zap.Error(err))
			cp = &Checkpoint{Stage: db.StageCollecting}
		}
		if cp.Stage == "" {
			cp.Stage = db.StageCollecting
		}

		c.logger.Info("resuming workflow from checkpoint",
			zap.String("workflow_id", wf.ID.String()),
			zap.String("stage", cp.Stage),
			zap.Int("completed_items", len(cp.CompletedItems)))
		err = c.run(ctx, wf, cp)
		c.releaseLock(token)
		if err != nil {
			return err
		}
	}
	return nil
}

var stageOrder = []string{db.StageCollecting, db.StageFiltering, db.StageSummarising, db.StageAlerting}

// run walks the workflow through the stages starting at cp.Stage. Individual
// item failures are tolerated and recorded; a stage returning an error aborts
// the cycle as failed.
func (c *Coordinator) run(ctx context.Context, wf *db.Workflow, cp *Checkpoint) error {
	cm := &CycleMetrics{StartedAt: c.clock.Now().UTC()}

	start := 0
	for i, stage := range stageOrder {
		if stage == cp.Stage {
			start = i
			break
		}
	}

	var fatal error
	for _, stage := range stageOrder[start:] {
		cp.Stage = stage
		if err := c.workflows.UpdateStage(ctx, wf.ID, stage, cp.encode()); err != nil {
			fatal = fmt.Errorf("coordinator: checkpoint %s: %w", stage, err)
			break
		}

		var err error
		switch stage {
		case db.StageCollecting:
			err = c.collect(ctx, wf, cp, cm)
		case db.StageFiltering:
			err = c.filter(ctx, wf, cm)
		case db.StageSummarising:
			err = c.summarise(ctx, wf, cm)
		case db.StageAlerting:
			err = c.alertStage(ctx, wf, cm)
		}
		if err != nil {
			fatal = err
			break
		}

		// Stage finished; per-item bookkeeping resets for the next one.
		cp.CompletedItems = nil
	}

	cm.FinishedAt = c.clock.Now().UTC()
	status := db.WorkflowCompleted
	switch {
	case fatal != nil:
		status = db.WorkflowFailed
		cm.recordError("cycle", fatal)
	case len(cm.Errors) > 0:
		status = db.WorkflowPartial
	}

	metricsJSON, _ := json.Marshal(cm)
	if err := c.workflows.UpdateStatus(ctx, wf.ID, status, string(metricsJSON)); err != nil {
		c.logger.Error("workflow status update failed", zap.Error(err))
	}
	now := c.clock.Now().UTC()
	if c.cfg.Interval > 0 {
		if err := c.workflows.SetSchedule(ctx, wf.ID, now, now.Add(c.cfg.Interval)); err != nil {
			c.logger.Warn("workflow schedule update failed", zap.Error(err))
		}
	}
	c.metrics.WorkflowFinished(status)
	c.logger.Info("cycle finished",
		zap.String("workflow_id", wf.ID.String()),
		zap.String("status", status),
		zap.Int("posts", cm.PostsFetched),
		zap.Int("summaries", cm.SummariesMade),
		zap.Int("errors", len(cm.Errors)))
	return fatal
}

// collect dispatches fetch_posts per topic, then fetch_comments for each
// fetched post. A topic that fails is recorded and skipped; the cycle goes on
// with the rest.
func (c *Coordinator) collect(ctx context.Context, wf *db.Workflow, cp *Checkpoint, cm *CycleMetrics) error {
	succeeded := len(cp.CompletedItems)
	for _, topic := range c.cfg.Topics {
		if cp.done(topic) {
			continue
		}

		res, err := send[retrieval.FetchPostsResult](ctx, c, wf.ID, config.RoleRetrieval, "fetch_posts",
			retrieval.FetchPostsParams{Topic: topic})
		if err != nil {
			cm.recordError("collect:"+topic, err)
			c.logger.Warn("topic collection failed", zap.String("topic", topic), zap.Error(err))
			continue
		}
		cm.PostsFetched += res.NewCount

		for _, post := range res.Posts {
			cres, err := send[retrieval.FetchCommentsResult](ctx, c, wf.ID, config.RoleRetrieval, "fetch_comments",
				retrieval.FetchCommentsParams{PostID: post.ID})
			if err != nil {
				// Comments are supplementary; the post itself is already stored.
				c.logger.Warn("comment fetch failed",
					zap.String("post_id", post.ID), zap.Error(err))
				continue
			}
			cm.CommentsFetched += cres.NewCount
		}

		succeeded++
		cp.markDone(topic)
		if err := c.workflows.UpdateStage(ctx, wf.ID, db.StageCollecting, cp.encode()); err != nil {
			return fmt.Errorf("coordinator: checkpoint topic %s: %w", topic, err)
		}
	}
	if len(c.cfg.Topics) > 0 && succeeded == 0 {
		return fmt.Errorf("coordinator: collection produced nothing, all %d topics failed", len(c.cfg.Topics))
	}
	return nil
}

// filter dispatches filter_content over everything retrieved but not yet
// scored, in bounded chunks.
func (c *Coordinator) filter(ctx context.Context, wf *db.Workflow, cm *CycleMetrics) error {
	items, err := c.unfilteredRefs(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	weights := relevance.Weights{Keyword: c.cfg.KeywordWeight, Semantic: c.cfg.SemanticWeight}
	for start := 0; start < len(items); start += filterChunkSize {
		end := min(start+filterChunkSize, len(items))
		chunk := items[start:end]

		res, err := send[relevance.FilterResult](ctx, c, wf.ID, config.RoleFilter, "filter_content",
			relevance.FilterParams{
				Items:     chunk,
				Topics:    c.cfg.Topics,
				Threshold: &c.cfg.Threshold,
				Weights:   &weights,
			})
		if err != nil {
			cm.recordError(fmt.Sprintf("filter:chunk-%d", start/filterChunkSize), err)
			c.logger.Warn("filter chunk failed", zap.Int("offset", start), zap.Error(err))
			continue
		}
		cm.ItemsFiltered += len(res.Records)
		for _, rec := range res.Records {
			if rec.IsRelevant {
				cm.ItemsRelevant++
			}
		}
	}
	return nil
}

func (c *Coordinator) unfilteredRefs(ctx context.Context) ([]relevance.ItemRef, error) {
	posts, err := c.content.ListUnfilteredPosts(ctx, 200)
	if err != nil {
		return nil, fmt.Errorf("coordinator: list unfiltered posts: %w", err)
	}
	comments, err := c.content.ListUnfilteredComments(ctx, 200)
	if err != nil {
		return nil, fmt.Errorf("coordinator: list unfiltered comments: %w", err)
	}

	refs := make([]relevance.ItemRef, 0, len(posts)+len(comments))
	for _, p := range posts {
		refs = append(refs, relevance.ItemRef{Variant: db.VariantPost, ID: p.ID})
	}
	for _, cmt := range comments {
		refs = append(refs, relevance.ItemRef{Variant: db.VariantComment, ID: cmt.ID})
	}
	return refs, nil
}

// summarise dispatches summarise_content per relevant-but-unsummarised
// filter record.
func (c *Coordinator) summarise(ctx context.Context, wf *db.Workflow, cm *CycleMetrics) error {
	records, err := c.filters.ListRelevantWithoutSummary(ctx, 200)
	if err != nil {
		return fmt.Errorf("coordinator: list pending summaries: %w", err)
	}

	for _, record := range records {
		res, err := send[summarise.SummariseResult](ctx, c, wf.ID, config.RoleSummarise, "summarise_content",
			summarise.SummariseParams{
				ContentType: record.ItemVariant,
				FilterID:    record.ID,
			})
		if err != nil {
			cm.recordError(fmt.Sprintf("summarise:filter-%d", record.ID), err)
			c.logger.Warn("summarisation failed", zap.Int64("filter_id", record.ID), zap.Error(err))
			continue
		}
		if res.Deduplicated {
			cm.Deduplicated++
		} else {
			cm.SummariesMade++
		}
	}
	return nil
}

// alertStage batches unsent summaries and dispatches both channels. Channel
// failure is partial, not fatal: the batch counts as sent if any channel
// delivered.
func (c *Coordinator) alertStage(ctx context.Context, wf *db.Workflow, cm *CycleMetrics) error {
	pending, err := c.summaries.ListUnbatched(ctx, c.cfg.BatchMaxItems)
	if err != nil {
		return fmt.Errorf("coordinator: list unbatched summaries: %w", err)
	}
	if len(pending) == 0 {
		c.logger.Info("no new summaries, skipping alerting")
		return nil
	}

	ids := make([]int64, len(pending))
	for i, s := range pending {
		ids[i] = s.ID
	}
	batch := &db.AlertBatch{WorkflowID: wf.ID, Status: db.BatchPending}
	if err := c.alerts.CreateBatch(ctx, batch, ids); err != nil {
		return fmt.Errorf("coordinator: create alert batch: %w", err)
	}
	if err := c.alerts.UpdateBatchStatus(ctx, batch.ID, db.BatchSending, nil); err != nil {
		c.logger.Warn("batch status update failed", zap.Error(err))
	}

	delivered := 0
	attempted := 0

	attempted++
	if res, err := send[alert.DeliveryResult](ctx, c, wf.ID, config.RoleAlert, "send_slack",
		alert.SlackParams{BatchRef: batch.ID}); err != nil {
		cm.recordError("alert:slack", err)
	} else if !res.Delivered {
		cm.recordError("alert:slack", errors.New(res.Error))
	} else {
		delivered++
	}

	if len(c.cfg.AlertRecipients) > 0 {
		attempted++
		if res, err := send[alert.DeliveryResult](ctx, c, wf.ID, config.RoleAlert, "send_email",
			alert.EmailParams{BatchRef: batch.ID, Recipients: c.cfg.AlertRecipients}); err != nil {
			cm.recordError("alert:email", err)
		} else if !res.Delivered {
			cm.recordError("alert:email", errors.New(res.Error))
		} else {
			delivered++
		}
	}

	cm.AlertsDelivered = delivered
	status := db.BatchFailed
	var sentAt *time.Time
	if delivered > 0 {
		status = db.BatchSent
		now := c.clock.Now().UTC()
		sentAt = &now
	}
	if err := c.alerts.UpdateBatchStatus(ctx, batch.ID, status, sentAt); err != nil {
		c.logger.Warn("batch status update failed", zap.Error(err))
	}
	c.logger.Info("alert batch finished",
		zap.String("batch_id", batch.ID.String()),
		zap.Int("summaries", len(ids)),
		zap.Int("delivered", delivered),
		zap.Int("attempted", attempted))
	return nil
}

// send dispatches one skill and decodes the completed task's result. A task
// that finished in any other status is an error carrying that status, so
// stage loops treat it like a dispatch failure.
func send[T any](ctx context.Context, c *Coordinator, wfID uuid.UUID, role, skill string, params any) (T, error) {
	var out T
	raw, err := json.Marshal(params)
	if err != nil {
		return out, fmt.Errorf("coordinator: marshal %s params: %w", skill, err)
	}

	view, err := c.caller.Send(ctx, role, agent.SendParams{
		Skill:      skill,
		Parameters: raw,
		WorkflowID: wfID,
	})
	if err != nil {
		return out, err
	}
	if view.Status != db.TaskCompleted {
		return out, fmt.Errorf("coordinator: %s/%s finished %s: %s", role, skill, view.Status, view.Error)
	}
	if err := json.Unmarshal(view.Result, &out); err != nil {
		return out, fmt.Errorf("coordinator: decode %s result: %w", skill, err)
	}
	return out, nil
}

// releaseLock returns the cycle lease on a fresh context, so a cancelled
// cycle still releases.
func (c *Coordinator) releaseLock(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.locks.Release(ctx, CycleLockName, token); err != nil {
		c.logger.Warn("cycle lock release failed", zap.Error(err))
	}
}
