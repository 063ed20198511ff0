// Package workflow implements the four-stage research pipeline:
// Scope interprets the request, Supervisor plans and delegates,
// Researcher gathers findings per subtopic, Report synthesizes them.
// Each stage is gated on the status declared by the previous one.
package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/knowhub/research-orchestrator/internal/eventhub"
	"github.com/knowhub/research-orchestrator/internal/llm"
	"github.com/knowhub/research-orchestrator/internal/metrics"
	"github.com/knowhub/research-orchestrator/internal/models"
	"github.com/knowhub/research-orchestrator/internal/search"
	"github.com/knowhub/research-orchestrator/internal/sequence"
	"github.com/knowhub/research-orchestrator/internal/timeline"
)

// TaskStore is the durable status sink for pipeline transitions.
type TaskStore interface {
	UpdateTaskStatus(ctx context.Context, taskID, status string, setStart, setComplete bool, inputTokens, outputTokens int64) error
}

// Pipeline holds the collaborators shared by all stages. One Pipeline
// serves the whole process; per-run state lives in State.
type Pipeline struct {
	models *models.Lifecycle
	search search.Searcher
	pub    *Publisher
	seq    *sequence.Generator
	hub    *eventhub.Hub
	tasks  TaskStore
	logger *zap.Logger
}

func NewPipeline(
	lifecycle *models.Lifecycle,
	searcher search.Searcher,
	pub *Publisher,
	seq *sequence.Generator,
	hub *eventhub.Hub,
	tasks TaskStore,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		models: lifecycle,
		search: searcher,
		pub:    pub,
		seq:    seq,
		hub:    hub,
		tasks:  tasks,
		logger: logger,
	}
}

// Run drives one research task end to end. It is executed on an
// executor worker; cleanup always runs, whatever the outcome: the
// sequence registry entry is dropped, live clients get the terminal
// status, and the task's model handles are released.
func (p *Pipeline) Run(ctx context.Context, st *State) {
	started := time.Now()
	metrics.RunsStarted.Inc()

	defer func() {
		p.seq.Reset(st.TaskID)
		p.hub.Complete(st.TaskID, st.Status.String())
		p.models.Remove(st.TaskID)
		metrics.RunsCompleted.WithLabelValues(st.Status.String()).Inc()
		metrics.RunDuration.Observe(time.Since(started).Seconds())
		metrics.TaskTokensUsed.Observe(float64(st.TotalInputTokens + st.TotalOutputTokens))
	}()

	st.Status = StatusStart
	p.updateTask(ctx, st, StatusStart)

	if err := p.stage(ctx, st, "scope", p.runScope); err != nil {
		p.fail(ctx, st, err)
		return
	}
	switch st.Status {
	case StatusFailed:
		p.logger.Warn("scope stage failed", zap.String("task_id", st.TaskID))
		p.publishError(ctx, st, "范围分析失败", "")
		p.updateTask(ctx, st, StatusFailed)
		return
	case StatusNeedClarification:
		p.logger.Info("scope stage requires clarification", zap.String("task_id", st.TaskID))
		p.updateTask(ctx, st, StatusNeedClarification)
		return
	case StatusInScope:
	default:
		p.unexpected(ctx, st, "范围分析状态异常")
		return
	}

	if err := p.stage(ctx, st, "supervisor", p.runSupervisor); err != nil {
		p.fail(ctx, st, err)
		return
	}
	switch st.Status {
	case StatusFailed:
		p.logger.Warn("supervisor stage failed", zap.String("task_id", st.TaskID))
		p.publishError(ctx, st, "研究规划失败", "")
		p.updateTask(ctx, st, StatusFailed)
		return
	case StatusInResearch:
	default:
		p.unexpected(ctx, st, "研究规划状态异常")
		return
	}

	if err := p.stage(ctx, st, "report", p.runReport); err != nil {
		p.fail(ctx, st, err)
		return
	}
	switch st.Status {
	case StatusFailed:
		p.logger.Warn("report stage failed", zap.String("task_id", st.TaskID))
		p.publishError(ctx, st, "报告生成失败", "")
		p.updateTask(ctx, st, StatusFailed)
		return
	case StatusInReport:
	default:
		p.unexpected(ctx, st, "报告生成状态异常")
		return
	}

	st.Status = StatusCompleted
	p.updateTask(ctx, st, StatusCompleted)
	p.logger.Info("final report generated", zap.String("task_id", st.TaskID))
}

func (p *Pipeline) stage(ctx context.Context, st *State, name string, fn func(context.Context, *State) error) error {
	started := time.Now()
	err := fn(ctx, st)
	metrics.StageDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
	return err
}

// fail handles an error escaping a stage. Workflow faults get the
// workflow wording; anything else is reported as a system error.
func (p *Pipeline) fail(ctx context.Context, st *State, err error) {
	st.Status = StatusFailed
	var fault *Fault
	if errors.As(err, &fault) {
		p.logger.Error("workflow failed",
			zap.String("task_id", st.TaskID), zap.Error(err))
		p.publishError(ctx, st, "研究过程中发生错误", "")
	} else {
		p.logger.Error("unexpected error",
			zap.String("task_id", st.TaskID), zap.Error(err))
		p.publishError(ctx, st, "系统错误，请稍后重试", "")
	}
	p.updateTask(ctx, st, StatusFailed)
}

// unexpected handles a stage ending in a status outside its contract.
func (p *Pipeline) unexpected(ctx context.Context, st *State, title string) {
	p.logger.Warn("unexpected stage status",
		zap.String("task_id", st.TaskID),
		zap.String("status", st.Status.String()),
	)
	statusNote := "status=" + st.Status.String()
	st.Status = StatusFailed
	p.publishError(ctx, st, title, statusNote)
	p.updateTask(ctx, st, StatusFailed)
}

func (p *Pipeline) publishError(ctx context.Context, st *State, title, content string) {
	if _, err := p.pub.PublishEvent(ctx, st.TaskID, timeline.EventError, title, content, 0); err != nil {
		p.logger.Error("failed to publish error event",
			zap.String("task_id", st.TaskID), zap.Error(err))
	}
}

func (p *Pipeline) updateTask(ctx context.Context, st *State, status Status) {
	setStart := status == StatusStart
	setComplete := status == StatusCompleted ||
		status == StatusFailed ||
		status == StatusNeedClarification
	if err := p.tasks.UpdateTaskStatus(ctx, st.TaskID, status.String(),
		setStart, setComplete, st.TotalInputTokens, st.TotalOutputTokens); err != nil {
		p.logger.Error("failed to update task status",
			zap.String("task_id", st.TaskID),
			zap.String("status", status.String()),
			zap.Error(err),
		)
	}
}

func today() string {
	return time.Now().Format("2006-01-02")
}

// bufferString renders a conversation for inclusion in a prompt.
func bufferString(msgs []llm.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func lastUserContent(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}
