package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/knowhub/research-orchestrator/internal/config"
	"github.com/knowhub/research-orchestrator/internal/db"
	"github.com/knowhub/research-orchestrator/internal/eventhub"
	"github.com/knowhub/research-orchestrator/internal/llm"
	"github.com/knowhub/research-orchestrator/internal/models"
	"github.com/knowhub/research-orchestrator/internal/search"
	"github.com/knowhub/research-orchestrator/internal/sequence"
	"github.com/knowhub/research-orchestrator/internal/timeline"
)

// fakeDurable is an in-memory stand-in for the database client.
type fakeDurable struct {
	mu       sync.Mutex
	nextID   int64
	messages []db.ChatMessage
	events   []db.WorkflowEvent
	statuses []string
}

func (f *fakeDurable) InsertMessage(_ context.Context, msg *db.ChatMessage) (*db.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	stored := *msg
	stored.ID = f.nextID
	f.messages = append(f.messages, stored)
	return &stored, nil
}

func (f *fakeDurable) InsertEvent(_ context.Context, ev *db.WorkflowEvent) (*db.WorkflowEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	stored := *ev
	stored.ID = f.nextID
	f.events = append(f.events, stored)
	return &stored, nil
}

func (f *fakeDurable) ListMessages(context.Context, string) ([]db.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]db.ChatMessage(nil), f.messages...), nil
}

func (f *fakeDurable) ListEvents(context.Context, string) ([]db.WorkflowEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]db.WorkflowEvent(nil), f.events...), nil
}

func (f *fakeDurable) IsTaskOwner(context.Context, string, int64) (bool, error) {
	return true, nil
}

func (f *fakeDurable) MaxSequence(context.Context, string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var max int64
	for _, m := range f.messages {
		if m.SequenceNo > max {
			max = m.SequenceNo
		}
	}
	for _, e := range f.events {
		if e.SequenceNo > max {
			max = e.SequenceNo
		}
	}
	return max, nil
}

func (f *fakeDurable) UpdateTaskStatus(_ context.Context, _ string, status string, _, _ bool, _, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeDurable) lastStatus() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return ""
	}
	return f.statuses[len(f.statuses)-1]
}

func (f *fakeDurable) eventByTitle(title string) *db.WorkflowEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.events {
		if f.events[i].Title == title {
			return &f.events[i]
		}
	}
	return nil
}

// scriptedModel plays back model responses in order; a nil response
// slot yields an error.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*llm.Response
	calls     int
}

func (m *scriptedModel) next() (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls >= len(m.responses) {
		return nil, errors.New("scripted model exhausted")
	}
	resp := m.responses[m.calls]
	m.calls++
	if resp == nil {
		return nil, errors.New("injected model failure")
	}
	return resp, nil
}

func (m *scriptedModel) Chat(context.Context, llm.Request) (*llm.Response, error) {
	return m.next()
}

func (m *scriptedModel) ChatStream(_ context.Context, _ llm.Request, onDelta func(string)) (*llm.Response, error) {
	resp, err := m.next()
	if err != nil {
		return nil, err
	}
	onDelta(resp.Text)
	return resp, nil
}

type fixedSearcher struct{}

func (fixedSearcher) Search(_ context.Context, query string, _ int, _ string) []search.Result {
	return []search.Result{{URL: "https://example.com", Title: "hit for " + query, Content: "details"}}
}

type pipelineEnv struct {
	durable *fakeDurable
	seq     *sequence.Generator
	life    *models.Lifecycle
	hub     *eventhub.Hub
	pipe    *Pipeline
}

func newPipelineEnv(t *testing.T, model *scriptedModel) *pipelineEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	durable := &fakeDurable{}
	seq := sequence.NewGenerator(durable)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := timeline.NewStore(durable, rdb, seq, logger)

	hub := eventhub.NewHub(store, logger)
	pub := NewPublisher(store, hub)

	factory := models.NewFactoryWithBuilder(func(config.ModelConfig) (llm.Client, llm.StreamingClient) {
		return model, model
	}, logger)
	life := models.NewLifecycle(factory)

	pipe := NewPipeline(life, fixedSearcher{}, pub, seq, hub, durable, logger)
	return &pipelineEnv{durable: durable, seq: seq, life: life, hub: hub, pipe: pipe}
}

func (e *pipelineEnv) newState(t *testing.T, taskID string) *State {
	t.Helper()
	require.NoError(t, e.life.Add(taskID, config.ModelConfig{ID: "m1", Model: "test-model"}))
	history := []llm.Message{{Role: llm.RoleUser, Content: "研究量子计算的商业应用"}}
	return NewState(taskID, 7, history, config.BudgetLevel{MaxConductCount: 2, MaxSearchCount: 3, MaxConcurrentUnits: 1})
}

func textResponse(s string) *llm.Response {
	return &llm.Response{Text: s, Usage: llm.TokenUsage{InputTokens: 10, OutputTokens: 5}}
}

func toolResponse(name, args string) *llm.Response {
	return &llm.Response{
		ToolCalls: []llm.ToolCall{{ID: "call-1", Name: name, Arguments: []byte(args)}},
		Usage:     llm.TokenUsage{InputTokens: 10, OutputTokens: 5},
	}
}

func TestRunStopsForClarification(t *testing.T) {
	model := &scriptedModel{responses: []*llm.Response{
		textResponse(`{"need_clarification": true, "question": "您想了解哪个行业的应用?", "verification": ""}`),
	}}
	env := newPipelineEnv(t, model)
	st := env.newState(t, "task-clarify")

	env.pipe.Run(context.Background(), st)

	require.Equal(t, StatusNeedClarification, st.Status)
	require.Equal(t, "NEED_CLARIFICATION", env.durable.lastStatus())

	// Exactly one assistant message carrying the question.
	require.Len(t, env.durable.messages, 1)
	require.Equal(t, llm.RoleAssistant, env.durable.messages[0].Role)
	require.Equal(t, "您想了解哪个行业的应用?", env.durable.messages[0].Content)

	// The follow-up event threads under the opening scope event.
	ev := env.durable.eventByTitle("需要您提供更多信息")
	require.NotNil(t, ev)
	require.Equal(t, timeline.EventScope, ev.Type)
	require.True(t, ev.ParentEventID.Valid)

	// Cleanup ran: handles released, sequence entry dropped.
	require.False(t, env.life.Has("task-clarify"))
	require.False(t, env.seq.Active("task-clarify"))
}

func TestRunCompletesEndToEnd(t *testing.T) {
	model := &scriptedModel{responses: []*llm.Response{
		textResponse(`{"need_clarification": false, "question": "", "verification": "将开始研究量子计算的商业应用"}`),
		textResponse(`{"research_brief": "量子计算在金融与制药行业的商业应用现状"}`),
		toolResponse(toolConductResearch, `{"researchTopic": "量子计算在金融行业的应用"}`),
		toolResponse(toolTavilySearch, `{"query": "quantum computing finance"}`),
		textResponse("研究已充分"),
		textResponse("金融行业的量子计算应用发现汇总"),
		toolResponse(toolResearchComplete, `{}`),
		textResponse("# 研究报告\n量子计算商业应用综述"),
	}}
	env := newPipelineEnv(t, model)
	st := env.newState(t, "task-full")

	// A live client should observe the terminal frame.
	conn, _, err := env.hub.Connect(context.Background(), 7, "task-full", "c1", -1)
	require.NoError(t, err)

	env.pipe.Run(context.Background(), st)

	require.Equal(t, StatusCompleted, st.Status)
	require.Equal(t, "COMPLETED", env.durable.lastStatus())
	require.Equal(t, 1, st.Governor.SearchCount())
	require.Len(t, st.SupervisorNotes, 1)
	require.Equal(t, "# 研究报告\n量子计算商业应用综述", st.Report)
	require.NotZero(t, st.TotalInputTokens)

	// The final report lands on the timeline as an assistant message.
	require.Len(t, env.durable.messages, 1)
	require.Equal(t, llm.RoleAssistant, env.durable.messages[0].Role)
	require.Equal(t, st.Report, env.durable.messages[0].Content)

	require.NotNil(t, env.durable.eventByTitle("研究需求已明确"))
	require.NotNil(t, env.durable.eventByTitle("深入研究: 量子计算在金融行业的应用"))
	require.NotNil(t, env.durable.eventByTitle("搜索: quantum computing finance"))
	require.NotNil(t, env.durable.eventByTitle("研究报告已完成"))

	// Stream frames end with completion and the channel closes.
	var sawReport, sawComplete bool
	for f := range conn.Frames() {
		switch f.Kind {
		case eventhub.FrameReport:
			sawReport = true
		case eventhub.FrameComplete:
			sawComplete = true
			require.Equal(t, "COMPLETED", f.Status)
		}
	}
	require.True(t, sawReport)
	require.True(t, sawComplete)

	require.False(t, env.life.Has("task-full"))
	require.False(t, env.seq.Active("task-full"))
}

func TestWorkflowFaultFailsRun(t *testing.T) {
	model := &scriptedModel{responses: []*llm.Response{
		textResponse(`{"need_clarification": false, "question": "", "verification": "开始研究"}`),
		textResponse(`{"research_brief": "简报"}`),
		toolResponse(toolConductResearch, `{"researchTopic": "子主题"}`),
		toolResponse(toolTavilySearch, `not json at all`),
	}}
	env := newPipelineEnv(t, model)
	st := env.newState(t, "task-fault")

	env.pipe.Run(context.Background(), st)

	require.Equal(t, StatusFailed, st.Status)
	require.Equal(t, "FAILED", env.durable.lastStatus())

	ev := env.durable.eventByTitle("研究过程中发生错误")
	require.NotNil(t, ev)
	require.Equal(t, timeline.EventError, ev.Type)

	require.False(t, env.life.Has("task-fault"))
	require.False(t, env.seq.Active("task-fault"))
}

func TestModelErrorFailsRunAsSystemError(t *testing.T) {
	model := &scriptedModel{responses: []*llm.Response{
		textResponse(`{"need_clarification": false, "question": "", "verification": "开始研究"}`),
		nil, // research brief call fails
	}}
	env := newPipelineEnv(t, model)
	st := env.newState(t, "task-err")

	env.pipe.Run(context.Background(), st)

	require.Equal(t, StatusFailed, st.Status)
	require.Equal(t, "FAILED", env.durable.lastStatus())
	require.NotNil(t, env.durable.eventByTitle("系统错误，请稍后重试"))
}

func TestUnparseableClarificationFailsScope(t *testing.T) {
	model := &scriptedModel{responses: []*llm.Response{
		textResponse("plain text, not the requested JSON"),
	}}
	env := newPipelineEnv(t, model)
	st := env.newState(t, "task-badjson")

	env.pipe.Run(context.Background(), st)

	require.Equal(t, StatusFailed, st.Status)
	require.NotNil(t, env.durable.eventByTitle("范围分析失败"))
}
