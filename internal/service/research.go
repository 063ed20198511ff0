// Package service implements the research application service: task
// creation, listing, timeline reads, and the submission path that admits
// a run into the executor.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/knowhub/research-orchestrator/internal/config"
	"github.com/knowhub/research-orchestrator/internal/db"
	"github.com/knowhub/research-orchestrator/internal/executor"
	"github.com/knowhub/research-orchestrator/internal/llm"
	"github.com/knowhub/research-orchestrator/internal/models"
	"github.com/knowhub/research-orchestrator/internal/timeline"
	"github.com/knowhub/research-orchestrator/internal/workflow"
)

// Client-facing sentinel errors; the transport layer maps them to 4xx.
var (
	ErrEmptyContent    = errors.New("message content is empty")
	ErrTaskNotFound    = errors.New("research task not found")
	ErrNotOwner        = errors.New("research task not owned by user")
	ErrInvalidState    = errors.New("research task status does not allow submission")
	ErrSubmitConflict  = errors.New("research task submission conflict")
	ErrModelNotFound   = errors.New("requested model is not configured")
	ErrModelIncomplete = errors.New("model configuration is incomplete")
	ErrBudgetNotFound  = errors.New("budget level is not configured")
)

const defaultBudgetName = "HIGH"

// Runner executes a research run; satisfied by workflow.Pipeline.
type Runner interface {
	Run(ctx context.Context, st *workflow.State)
}

// Research wires the durable store, the timeline, the model lifecycle,
// the budget registry and the executor behind the public operations.
type Research struct {
	db      *db.Client
	store   *timeline.Store
	models  *models.Lifecycle
	budgets *config.BudgetRegistry
	model   config.ModelConfig
	runner  Runner
	exec    *executor.Pool
	pub     *workflow.Publisher
	logger  *zap.Logger
}

func NewResearch(
	dbc *db.Client,
	store *timeline.Store,
	lifecycle *models.Lifecycle,
	budgets *config.BudgetRegistry,
	model config.ModelConfig,
	runner Runner,
	exec *executor.Pool,
	pub *workflow.Publisher,
	logger *zap.Logger,
) *Research {
	return &Research{
		db:      dbc,
		store:   store,
		models:  lifecycle,
		budgets: budgets,
		model:   model,
		runner:  runner,
		exec:    exec,
		pub:     pub,
		logger:  logger,
	}
}

// CreateTasks tops the user's pool of NEW tasks up to num and returns
// the ids of the num oldest NEW tasks. Existing NEW tasks are reused
// rather than duplicated.
func (r *Research) CreateTasks(ctx context.Context, userID int64, num int) ([]string, error) {
	if num < 1 {
		num = 1
	}

	tasks, err := r.db.ListTasksByUserAndStatus(ctx, userID, workflow.StatusNew.String())
	if err != nil {
		return nil, err
	}
	for len(tasks) < num {
		task, err := r.db.CreateTask(ctx, userID)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}

	ids := make([]string, 0, num)
	for _, task := range tasks[:num] {
		ids = append(ids, task.ID)
		r.store.CacheOwnership(ctx, task.ID, userID)
	}
	return ids, nil
}

// ListTasks returns every task of the user, most recently updated first.
func (r *Research) ListTasks(ctx context.Context, userID int64) ([]db.Task, error) {
	return r.db.ListTasksByUser(ctx, userID)
}

// GetStatus returns one task after an ownership check.
func (r *Research) GetStatus(ctx context.Context, userID int64, taskID string) (*db.Task, error) {
	if !r.store.VerifyOwnership(ctx, taskID, userID) {
		return nil, ErrNotOwner
	}
	task, err := r.db.GetTask(ctx, taskID)
	if errors.Is(err, db.ErrTaskNotFound) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

// TaskTimeline is a task's full history split by entry kind.
type TaskTimeline struct {
	Task     *db.Task           `json:"task"`
	Messages []db.ChatMessage   `json:"messages"`
	Events   []db.WorkflowEvent `json:"events"`
}

// GetMessages returns the task and its complete timeline.
func (r *Research) GetMessages(ctx context.Context, userID int64, taskID string) (*TaskTimeline, error) {
	task, err := r.GetStatus(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}

	entries, err := r.store.GetTimeline(ctx, taskID, 0)
	if err != nil {
		return nil, err
	}

	out := &TaskTimeline{Task: task}
	for _, e := range entries {
		switch e.Kind {
		case timeline.KindMessage:
			out.Messages = append(out.Messages, *e.Message)
		case timeline.KindEvent:
			out.Events = append(out.Events, *e.Event)
		}
	}
	return out, nil
}

// SendMessage submits a user message and starts a research run. The
// QUEUE transition is a single conditional update; of concurrent
// submissions for one task exactly one wins. On admission the estimated
// start time is returned and a transient QUEUE event is pushed to live
// clients.
func (r *Research) SendMessage(ctx context.Context, userID int64, taskID, content, modelID, budgetName string) (time.Time, error) {
	if content == "" {
		return time.Time{}, ErrEmptyContent
	}

	affected, err := r.db.TryTransitionToQueue(ctx, taskID, userID)
	if err != nil {
		return time.Time{}, err
	}
	if affected == 0 {
		return time.Time{}, r.diagnoseRejection(ctx, userID, taskID)
	}

	task, err := r.db.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, db.ErrTaskNotFound) {
			return time.Time{}, ErrTaskNotFound
		}
		// NEED_CLARIFICATION is also CAS-eligible, so resubmission
		// stays possible even without knowing the task's history.
		r.releaseRejected(ctx, taskID, true)
		return time.Time{}, err
	}
	startedBefore := task.StartedAt.Valid

	resolvedModelID := task.ModelID.String
	resolvedBudget := task.Budget.String
	if resolvedModelID == "" {
		modelCfg, err := r.resolveModel(modelID)
		if err != nil {
			r.releaseRejected(ctx, taskID, startedBefore)
			return time.Time{}, err
		}
		resolvedModelID = modelCfg.ID
		resolvedBudget = budgetName
		if resolvedBudget == "" {
			resolvedBudget = defaultBudgetName
		}
		if _, err := r.db.SetTaskInfoIfUnset(ctx, taskID, resolvedModelID, resolvedBudget, titleFrom(content)); err != nil {
			r.releaseRejected(ctx, taskID, startedBefore)
			return time.Time{}, err
		}
	}

	modelCfg, err := r.resolveModel(resolvedModelID)
	if err != nil {
		r.releaseRejected(ctx, taskID, startedBefore)
		return time.Time{}, err
	}
	if err := r.models.Add(taskID, modelCfg); err != nil {
		r.releaseRejected(ctx, taskID, startedBefore)
		return time.Time{}, ErrModelIncomplete
	}

	level, ok := r.budgets.Level(resolvedBudget)
	if !ok {
		r.models.Remove(taskID)
		r.releaseRejected(ctx, taskID, startedBefore)
		return time.Time{}, ErrBudgetNotFound
	}

	if _, err := r.store.SaveMessage(ctx, taskID, llm.RoleUser, content); err != nil {
		r.models.Remove(taskID)
		r.releaseRejected(ctx, taskID, startedBefore)
		return time.Time{}, err
	}

	history, err := r.chatHistory(ctx, taskID)
	if err != nil {
		r.models.Remove(taskID)
		r.releaseRejected(ctx, taskID, startedBefore)
		return time.Time{}, err
	}

	st := workflow.NewState(taskID, userID, history, level)
	estimate, err := r.exec.Submit(taskID, func() {
		r.runner.Run(context.Background(), st)
	})
	if err != nil {
		r.models.Remove(taskID)
		r.releaseRejected(ctx, taskID, startedBefore)
		return time.Time{}, err
	}

	r.pub.PublishTempEvent(ctx, taskID, timeline.EventQueue,
		fmt.Sprintf("排队中：预计 %s 开始执行", estimate.Format("15:04")))
	return estimate, nil
}

// releaseRejected undoes the QUEUE transition for a submission that
// failed after winning it, so the task does not wedge in QUEUE. A task
// that has run before goes back to NEED_CLARIFICATION, a fresh one to
// NEW; both remain eligible for the next submission.
func (r *Research) releaseRejected(ctx context.Context, taskID string, startedBefore bool) {
	restored := workflow.StatusNew
	if startedBefore {
		restored = workflow.StatusNeedClarification
	}
	if err := r.db.UpdateTaskStatus(ctx, taskID, restored.String(), false, false, 0, 0); err != nil {
		r.logger.Error("failed to restore task status after rejected submission",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// diagnoseRejection turns a lost QUEUE transition into a deterministic
// client error.
func (r *Research) diagnoseRejection(ctx context.Context, userID int64, taskID string) error {
	task, err := r.db.GetTask(ctx, taskID)
	if errors.Is(err, db.ErrTaskNotFound) {
		return ErrTaskNotFound
	}
	if err != nil {
		return err
	}
	if task.UserID != userID {
		return ErrNotOwner
	}
	status := workflow.Status(task.Status)
	if status != workflow.StatusNew && status != workflow.StatusNeedClarification {
		return ErrInvalidState
	}
	return ErrSubmitConflict
}

func (r *Research) resolveModel(requestedID string) (config.ModelConfig, error) {
	cfg := r.model
	if cfg.ID == "" {
		cfg.ID = "default"
	}
	if requestedID != "" && requestedID != cfg.ID {
		return config.ModelConfig{}, ErrModelNotFound
	}
	if cfg.Model == "" || cfg.APIKey == "" {
		return config.ModelConfig{}, ErrModelIncomplete
	}
	return cfg, nil
}

func (r *Research) chatHistory(ctx context.Context, taskID string) ([]llm.Message, error) {
	msgs, err := r.db.ListMessages(ctx, taskID)
	if err != nil {
		return nil, err
	}
	history := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleUser, llm.RoleAssistant:
			history = append(history, llm.Message{Role: m.Role, Content: m.Content})
		}
	}
	return history, nil
}

// titleFrom derives the task title from the first message.
func titleFrom(content string) string {
	runes := []rune(content)
	if len(runes) > 20 {
		return string(runes[:20])
	}
	return content
}
