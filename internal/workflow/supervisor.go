package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/knowhub/research-orchestrator/internal/llm"
	"github.com/knowhub/research-orchestrator/internal/timeline"
)

const conductLimitMessage = "已达到研究委派上限，请调用 researchComplete 结束研究"

// runSupervisor plans the research and delegates subtopics to the
// researcher, one conductResearch call per subtopic, bounded by the
// budget's MaxConductCount.
func (p *Pipeline) runSupervisor(ctx context.Context, st *State) error {
	st.Status = StatusInResearch

	eventID, err := p.pub.PublishEvent(ctx, st.TaskID, timeline.EventSupervisor,
		"正在规划研究任务...", st.ResearchBrief, 0)
	if err != nil {
		return err
	}
	st.SupervisorEventID = eventID

	chat, err := p.models.Chat(st.TaskID)
	if err != nil {
		return err
	}

	mem := []llm.Message{
		{Role: llm.RoleSystem, Content: fmt.Sprintf(supervisorPrompt, today(), st.Budget.MaxConductCount)},
		{Role: llm.RoleUser, Content: st.ResearchBrief},
	}

	maxIterations := 2 * st.Budget.MaxConductCount
	for st.SupervisorIterations < maxIterations {
		resp, err := chat.Chat(ctx, llm.Request{
			Messages:   mem,
			Tools:      supervisorTools,
			ToolChoice: llm.ToolChoiceRequired,
		})
		if err != nil {
			return err
		}
		st.AddUsage(resp.Usage)
		mem = append(mem, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		if !resp.HasToolCalls() {
			break
		}

		done := false
		for _, call := range resp.ToolCalls {
			switch call.Name {
			case toolResearchComplete:
				done = true
				mem = append(mem, toolResult(call, "Research process marked complete."))
			case toolConductResearch:
				result, err := p.delegate(ctx, st, call)
				if err != nil {
					return err
				}
				mem = append(mem, toolResult(call, result))
			default:
				p.logger.Warn("supervisor requested unknown tool",
					zap.String("task_id", st.TaskID),
					zap.String("tool", call.Name),
				)
			}
		}
		if done {
			break
		}
		st.SupervisorIterations++
	}

	_, err = p.pub.PublishEvent(ctx, st.TaskID, timeline.EventSupervisor,
		"研究规划完成", fmt.Sprintf("已完成 %d 个研究方向", st.ConductCount), st.SupervisorEventID)
	return err
}

// delegate runs the researcher for one conductResearch call. Calls past
// the budget ceiling are answered with the limit message instead of a
// researcher run.
func (p *Pipeline) delegate(ctx context.Context, st *State, call llm.ToolCall) (string, error) {
	if st.ConductCount >= st.Budget.MaxConductCount {
		p.logger.Warn("conductResearch limit reached",
			zap.String("task_id", st.TaskID),
			zap.Int("conduct_count", st.ConductCount),
		)
		return conductLimitMessage, nil
	}

	var args struct {
		ResearchTopic string `json:"researchTopic"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return "", Faultf("parse conductResearch arguments", err)
	}

	st.ResearchTopic = args.ResearchTopic
	st.ConductCount++

	findings, err := p.runResearcher(ctx, st)
	if err != nil {
		return "", err
	}
	st.SupervisorNotes = append(st.SupervisorNotes, findings)
	return findings, nil
}

func toolResult(call llm.ToolCall, content string) llm.Message {
	return llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
	}
}
