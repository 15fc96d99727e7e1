// Package agent implements the shared kernel every role is built on: the
// skill registry and dispatch loop, the task lifecycle around each skill
// invocation, and the HTTP surface (JSON-RPC endpoint, agent card, health,
// discovery). Role packages register their skills on a Base and the kernel
// handles everything else.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threadpulse-io/threadpulse/internal/db"
	"github.com/threadpulse-io/threadpulse/internal/fault"
	"github.com/threadpulse-io/threadpulse/internal/metrics"
	"github.com/threadpulse-io/threadpulse/internal/protocol"
	"github.com/threadpulse-io/threadpulse/internal/repositories"
	"github.com/threadpulse-io/threadpulse/internal/retry"
)

// DefaultSkillTimeout bounds a single skill invocation unless the skill
// declares its own.
const DefaultSkillTimeout = 60 * time.Second

// SkillFunc is a skill handler. It receives the raw parameters object and
// returns a JSON-marshallable result. Handlers must honour ctx cancellation
// at every blocking call.
type SkillFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Skill pairs a handler with its card descriptor and execution limits.
type Skill struct {
	Descriptor protocol.SkillDescriptor
	Handler    SkillFunc
	Timeout    time.Duration // 0 means DefaultSkillTimeout
}

// SendParams is the params object of a message/send request.
type SendParams struct {
	Skill         string          `json:"skill" validate:"required"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	WorkflowID    uuid.UUID       `json:"workflowId" validate:"required"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Priority      int             `json:"priority,omitempty"`
	MaxRetries    *int            `json:"maxRetries,omitempty" validate:"omitempty,min=0,max=10"`
}

// TaskParams is the params object of tasks/get and tasks/cancel.
type TaskParams struct {
	TaskID uuid.UUID `json:"taskId" validate:"required"`
}

// TaskView is the task representation returned over the wire.
type TaskView struct {
	ID            uuid.UUID       `json:"id"`
	WorkflowID    uuid.UUID       `json:"workflowId"`
	AgentRole     string          `json:"agentRole"`
	SkillName     string          `json:"skillName"`
	Status        string          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorKind     string          `json:"errorKind,omitempty"`
	RetryCount    int             `json:"retryCount"`
	MaxRetries    int             `json:"maxRetries"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

func viewOf(t *db.Task) TaskView {
	v := TaskView{
		ID:            t.ID,
		WorkflowID:    t.WorkflowID,
		AgentRole:     t.AgentRole,
		SkillName:     t.SkillName,
		Status:        t.Status,
		Error:         t.Error,
		ErrorKind:     t.ErrorKind,
		RetryCount:    t.RetryCount,
		MaxRetries:    t.MaxRetries,
		CorrelationID: t.CorrelationID,
		CreatedAt:     t.CreatedAt,
		CompletedAt:   t.CompletedAt,
	}
	if t.Result != "" {
		v.Result = json.RawMessage(t.Result)
	}
	return v
}

// Base is the kernel one role embeds. It owns skill dispatch and the task
// lifecycle; the role package contributes skills and collaborators.
type Base struct {
	role    string
	version string
	card    protocol.AgentCard

	tasks    repositories.TaskRepository
	retryCfg retry.Config
	validate *validator.Validate
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	skills   map[string]Skill
	inflight map[uuid.UUID]context.CancelFunc
}

// NewBase creates a kernel for the given role. card.Skills is filled in as
// skills are registered.
func NewBase(role, version string, card protocol.AgentCard, tasks repositories.TaskRepository, retryCfg retry.Config, m *metrics.Metrics, logger *zap.Logger) *Base {
	return &Base{
		role:     role,
		version:  version,
		card:     card,
		tasks:    tasks,
		retryCfg: retryCfg,
		validate: validator.New(),
		logger:   logger,
		metrics:  m,
		skills:   make(map[string]Skill),
		inflight: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Role returns the agent role name.
func (b *Base) Role() string { return b.role }

// Register adds a skill to the dispatch table and the agent card.
func (b *Base) Register(skill Skill) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.skills[skill.Descriptor.ID] = skill
	b.card.Skills = append(b.card.Skills, skill.Descriptor)
}

// Card returns the agent's card, including all registered skills.
func (b *Base) Card() protocol.AgentCard { return b.card }

// SkillNames returns the registered skill ids, for registry entries.
func (b *Base) SkillNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.skills))
	for name := range b.skills {
		names = append(names, name)
	}
	return names
}

// HandleRequest dispatches one JSON-RPC request and always produces a
// response. Protocol-level problems (framing, unknown method, bad params,
// unknown skill) become JSON-RPC errors; a skill that ran and failed is a
// successful RPC whose result is the failed task row.
func (b *Base) HandleRequest(ctx context.Context, req *protocol.Request) *protocol.Response {
	if !req.Valid() {
		return protocol.NewError(req.ID, protocol.CodeInvalidRequest, "invalid JSON-RPC 2.0 request")
	}

	switch req.Method {
	case protocol.MethodMessageSend:
		return b.handleSend(ctx, req)
	case protocol.MethodTasksGet:
		return b.handleTasksGet(ctx, req)
	case protocol.MethodTasksCancel:
		return b.handleTasksCancel(ctx, req)
	case protocol.MethodMessageStream, protocol.MethodTasksPushSet,
		protocol.MethodTasksPushGet, protocol.MethodTasksResubscribe:
		return protocol.NewError(req.ID, protocol.CodeUnsupported, req.Method+" is not supported")
	default:
		return protocol.NewError(req.ID, protocol.CodeMethodNotFound, "unknown method "+req.Method)
	}
}

func (b *Base) handleSend(ctx context.Context, req *protocol.Request) *protocol.Response {
	var sp SendParams
	if err := b.DecodeParams(req.Params, &sp); err != nil {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, err.Error())
	}

	b.mu.Lock()
	skill, ok := b.skills[sp.Skill]
	b.mu.Unlock()
	if !ok {
		return protocol.NewError(req.ID, protocol.CodeMethodNotFound, "unknown skill "+sp.Skill)
	}

	hash, err := protocol.HashParams(sp.Parameters)
	if err != nil {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, "parameters are not a JSON object")
	}

	params := "{}"
	if len(sp.Parameters) > 0 {
		params = string(sp.Parameters)
	}
	correlationID := sp.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	maxRetries := 3
	if sp.MaxRetries != nil {
		maxRetries = *sp.MaxRetries
	}

	task := &db.Task{
		WorkflowID:     sp.WorkflowID,
		AgentRole:      b.role,
		SkillName:      sp.Skill,
		Parameters:     params,
		ParametersHash: hash,
		Status:         db.TaskSubmitted,
		Priority:       sp.Priority,
		MaxRetries:     maxRetries,
		CorrelationID:  correlationID,
	}

	row, created, err := b.tasks.CreateIdempotent(ctx, task)
	if err != nil {
		b.logger.Error("task insert failed", zap.String("skill", sp.Skill), zap.Error(err))
		return protocol.NewError(req.ID, protocol.CodeInternal, "task persistence failed")
	}
	if !created {
		// Duplicate submission. A retry_pending or stuck row is a resubmission
		// from the recovery daemon and runs again with its retry bookkeeping
		// intact; anything else is the answer as-is, terminal (replay) or
		// in-flight (caller polls tasks/get).
		if row.Status != db.TaskRetryPending && row.Status != db.TaskStuck {
			b.metrics.TaskDeduplicated(b.role, sp.Skill)
			return b.result(req.ID, viewOf(row))
		}
	}

	final := b.execute(ctx, row, skill)
	return b.result(req.ID, viewOf(final))
}

// execute runs one skill invocation and owns every status transition of the
// task row from working to a terminal or retry_pending state.
func (b *Base) execute(ctx context.Context, task *db.Task, skill Skill) *db.Task {
	log := b.logger.With(
		zap.String("task_id", task.ID.String()),
		zap.String("skill", task.SkillName),
		zap.String("correlation_id", task.CorrelationID),
	)

	timeout := skill.Timeout
	if timeout <= 0 {
		timeout = DefaultSkillTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b.mu.Lock()
	b.inflight[task.ID] = cancel
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.inflight, task.ID)
		b.mu.Unlock()
	}()

	if err := b.tasks.UpdateStatus(ctx, task.ID, db.TaskWorking, nil); err != nil {
		log.Error("task transition to working failed", zap.Error(err))
	}
	task.Status = db.TaskWorking

	started := time.Now()
	result, err := skill.Handler(runCtx, json.RawMessage(task.Parameters))
	b.metrics.SkillObserved(b.role, task.SkillName, time.Since(started), err == nil)

	if err != nil {
		return b.finishFailed(ctx, task, err, log)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return b.finishFailed(ctx, task, fault.Wrap(fault.KindFatal, err, "skill result not marshallable"), log)
	}

	now := time.Now().UTC()
	fields := map[string]any{
		"result":       string(raw),
		"completed_at": now,
	}
	if err := b.tasks.UpdateStatus(ctx, task.ID, db.TaskCompleted, fields); err != nil {
		log.Error("task transition to completed failed", zap.Error(err))
	}
	task.Status = db.TaskCompleted
	task.Result = string(raw)
	task.CompletedAt = &now
	b.metrics.TaskFinished(b.role, db.TaskCompleted)
	log.Info("skill completed", zap.Duration("elapsed", time.Since(started)))
	return task
}

// finishFailed applies the failure bookkeeping: cancelled tasks stay
// cancelled, transient failures under budget become retry_pending with a
// backoff deadline, everything else is failed.
func (b *Base) finishFailed(ctx context.Context, task *db.Task, skillErr error, log *zap.Logger) *db.Task {
	kind := fault.KindOf(skillErr)

	if errors.Is(skillErr, context.Canceled) {
		now := time.Now().UTC()
		fields := map[string]any{
			"error":        skillErr.Error(),
			"error_kind":   "cancelled",
			"completed_at": now,
		}
		if err := b.tasks.UpdateStatus(ctx, task.ID, db.TaskCancelled, fields); err != nil {
			log.Error("task transition to cancelled failed", zap.Error(err))
		}
		task.Status = db.TaskCancelled
		task.Error = skillErr.Error()
		task.ErrorKind = "cancelled"
		task.CompletedAt = &now
		b.metrics.TaskFinished(b.role, db.TaskCancelled)
		log.Info("skill cancelled")
		return task
	}

	retryCount := task.RetryCount + 1
	status := db.TaskFailed
	fields := map[string]any{
		"error":       skillErr.Error(),
		"error_kind":  kind.String(),
		"retry_count": retryCount,
	}

	retryable := kind == fault.KindTransient || kind == fault.KindTimeout ||
		kind == fault.KindExhausted || kind == fault.KindCircuitOpen
	if retryable && retryCount < task.MaxRetries {
		status = db.TaskRetryPending
		next := time.Now().UTC().Add(retry.Backoff(b.retryCfg, retryCount))
		fields["next_retry_at"] = next
		task.NextRetryAt = &next
	} else {
		now := time.Now().UTC()
		fields["completed_at"] = now
		task.CompletedAt = &now
	}

	if err := b.tasks.UpdateStatus(ctx, task.ID, status, fields); err != nil {
		log.Error("task failure bookkeeping failed", zap.Error(err))
	}
	task.Status = status
	task.Error = skillErr.Error()
	task.ErrorKind = kind.String()
	task.RetryCount = retryCount
	b.metrics.TaskFinished(b.role, status)
	log.Warn("skill failed",
		zap.String("kind", kind.String()),
		zap.String("status", status),
		zap.Error(skillErr))
	return task
}

func (b *Base) handleTasksGet(ctx context.Context, req *protocol.Request) *protocol.Response {
	var tp TaskParams
	if err := b.DecodeParams(req.Params, &tp); err != nil {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, err.Error())
	}
	task, err := b.tasks.Get(ctx, tp.TaskID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return protocol.NewError(req.ID, protocol.CodeTaskNotFound, "unknown task "+tp.TaskID.String())
		}
		b.logger.Error("task lookup failed", zap.Error(err))
		return protocol.NewError(req.ID, protocol.CodeInternal, "task lookup failed")
	}
	return b.result(req.ID, viewOf(task))
}

func (b *Base) handleTasksCancel(ctx context.Context, req *protocol.Request) *protocol.Response {
	var tp TaskParams
	if err := b.DecodeParams(req.Params, &tp); err != nil {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, err.Error())
	}
	task, err := b.tasks.Get(ctx, tp.TaskID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return protocol.NewError(req.ID, protocol.CodeTaskNotFound, "unknown task "+tp.TaskID.String())
		}
		b.logger.Error("task lookup failed", zap.Error(err))
		return protocol.NewError(req.ID, protocol.CodeInternal, "task lookup failed")
	}
	if db.TaskTerminal(task.Status) {
		return protocol.NewError(req.ID, protocol.CodeTaskTerminal, "task is already "+task.Status)
	}

	// Signal the in-flight handler, if any. The handler notices the
	// cancellation at its next suspension point and writes the terminal
	// status itself; for a task that never started running we write it here.
	b.mu.Lock()
	cancel, running := b.inflight[task.ID]
	b.mu.Unlock()
	if running {
		cancel()
	} else {
		now := time.Now().UTC()
		fields := map[string]any{"error_kind": "cancelled", "completed_at": now}
		if err := b.tasks.UpdateStatus(ctx, task.ID, db.TaskCancelled, fields); err != nil {
			b.logger.Error("task transition to cancelled failed", zap.Error(err))
		}
		task.Status = db.TaskCancelled
		task.CompletedAt = &now
	}
	return b.result(req.ID, viewOf(task))
}

// DecodeParams unmarshals and validates a params object into v. Returns a
// KindInvalidParams fault on any problem, so role skills can reuse it for
// their own typed parameter structs.
func (b *Base) DecodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fault.New(fault.KindInvalidParams, "missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fault.Wrap(fault.KindInvalidParams, err, "malformed params")
	}
	if err := b.validate.Struct(v); err != nil {
		return fault.Wrap(fault.KindInvalidParams, err, "invalid params")
	}
	return nil
}

func (b *Base) result(id json.RawMessage, v any) *protocol.Response {
	resp, err := protocol.NewResult(id, v)
	if err != nil {
		b.logger.Error("response marshal failed", zap.Error(err))
		return protocol.NewError(id, protocol.CodeInternal, "response marshal failed")
	}
	return resp
}
