package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/knowhub/research-orchestrator/internal/llm"
	"github.com/knowhub/research-orchestrator/internal/timeline"
)

// runScope interprets the chat history: either a clarifying question is
// sent back to the user (run stops at NEED_CLARIFICATION) or a research
// brief is produced and the run proceeds.
func (p *Pipeline) runScope(ctx context.Context, st *State) error {
	st.Status = StatusInScope

	userInput := lastUserContent(st.ChatHistory)
	eventID, err := p.pub.PublishEvent(ctx, st.TaskID, timeline.EventScope,
		"正在分析您的研究需求...", userInput, 0)
	if err != nil {
		return err
	}
	st.ScopeEventID = eventID

	mem := append([]llm.Message(nil), st.ChatHistory...)
	mem, err = p.clarify(ctx, st, mem)
	if err != nil {
		return err
	}
	if st.Status == StatusFailed || st.Clarify == nil || st.Clarify.NeedClarification {
		return nil
	}
	return p.writeResearchBrief(ctx, st, mem)
}

func (p *Pipeline) clarify(ctx context.Context, st *State, mem []llm.Message) ([]llm.Message, error) {
	chat, err := p.models.Chat(st.TaskID)
	if err != nil {
		return mem, err
	}

	prompt := fmt.Sprintf(clarifyPrompt, bufferString(mem), today())
	resp, err := chat.Chat(ctx, llm.Request{
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		ResponseSchema: clarifySchema,
	})
	if err != nil {
		return mem, err
	}
	st.AddUsage(resp.Usage)

	var result ClarifyResult
	if err := json.Unmarshal([]byte(resp.Text), &result); err != nil {
		p.logger.Error("failed to parse clarification response",
			zap.String("task_id", st.TaskID),
			zap.String("response", resp.Text),
			zap.Error(err),
		)
		st.Status = StatusFailed
		return mem, nil
	}
	st.Clarify = &result

	if result.NeedClarification {
		mem = append(mem, llm.Message{Role: llm.RoleAssistant, Content: result.Question})
		st.Status = StatusNeedClarification
		if _, err := p.pub.PublishEvent(ctx, st.TaskID, timeline.EventScope,
			"需要您提供更多信息", result.Question, st.ScopeEventID); err != nil {
			return mem, err
		}
		if _, err := p.pub.PublishMessage(ctx, st.TaskID, llm.RoleAssistant, result.Question); err != nil {
			return mem, err
		}
		return mem, nil
	}

	mem = append(mem, llm.Message{Role: llm.RoleAssistant, Content: result.Verification})
	_, err = p.pub.PublishEvent(ctx, st.TaskID, timeline.EventScope,
		"研究需求已明确", result.Verification, st.ScopeEventID)
	return mem, err
}

func (p *Pipeline) writeResearchBrief(ctx context.Context, st *State, mem []llm.Message) error {
	chat, err := p.models.Chat(st.TaskID)
	if err != nil {
		return err
	}

	prompt := fmt.Sprintf(researchBriefPrompt, bufferString(mem), today())
	resp, err := chat.Chat(ctx, llm.Request{
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		ResponseSchema: researchBriefSchema,
	})
	if err != nil {
		return err
	}
	st.AddUsage(resp.Usage)

	var question ResearchQuestion
	if err := json.Unmarshal([]byte(resp.Text), &question); err != nil {
		p.logger.Error("failed to parse research brief response",
			zap.String("task_id", st.TaskID),
			zap.String("response", resp.Text),
			zap.Error(err),
		)
		st.Status = StatusFailed
		return nil
	}

	st.ResearchBrief = question.ResearchBrief
	_, err = p.pub.PublishEvent(ctx, st.TaskID, timeline.EventScope,
		"已制定研究计划", question.ResearchBrief, st.ScopeEventID)
	return err
}
