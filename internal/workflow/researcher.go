package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/knowhub/research-orchestrator/internal/llm"
	"github.com/knowhub/research-orchestrator/internal/search"
	"github.com/knowhub/research-orchestrator/internal/timeline"
)

// runResearcher executes the iterative tool-calling loop for one
// delegated subtopic and returns the compressed findings. The loop is
// bounded by the run's budget governor; search quota and iteration caps
// are shared across all subtopics of the run.
func (p *Pipeline) runResearcher(ctx context.Context, st *State) (string, error) {
	p.logger.Info("researcher started",
		zap.String("task_id", st.TaskID),
		zap.String("topic", st.ResearchTopic),
	)

	eventID, err := p.pub.PublishEvent(ctx, st.TaskID, timeline.EventResearch,
		"深入研究: "+st.ResearchTopic, "", st.ResearchEventID)
	if err != nil {
		return "", err
	}
	st.ResearchEventID = eventID

	chat, err := p.models.Chat(st.TaskID)
	if err != nil {
		return "", err
	}

	mem := []llm.Message{
		{Role: llm.RoleSystem, Content: fmt.Sprintf(researcherPrompt, today())},
		{Role: llm.RoleUser, Content: st.ResearchTopic},
	}

	for st.Governor.ContinueLoop() {
		resp, err := chat.Chat(ctx, llm.Request{
			Messages:   mem,
			Tools:      researcherTools,
			ToolChoice: llm.ToolChoiceRequired,
		})
		if err != nil {
			return "", err
		}
		st.AddUsage(resp.Usage)
		mem = append(mem, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		mem, err = p.researchAction(ctx, st, resp.ToolCalls, mem)
		if err != nil {
			return "", err
		}

		if !resp.HasToolCalls() {
			break
		}
		st.Governor.RecordIteration()
	}

	return p.compressResearch(ctx, st, mem)
}

func (p *Pipeline) researchAction(ctx context.Context, st *State, calls []llm.ToolCall, mem []llm.Message) ([]llm.Message, error) {
	for _, call := range calls {
		var result string

		switch call.Name {
		case toolTavilySearch:
			ok, msg := st.Governor.AllowSearch()
			if !ok {
				p.logger.Warn("search quota reached",
					zap.String("task_id", st.TaskID),
					zap.Int("search_count", st.Governor.SearchCount()),
				)
				mem = append(mem, toolResult(call, msg))
				continue
			}

			var args struct {
				Query      string `json:"query"`
				MaxResults int    `json:"maxResults"`
				Topic      string `json:"topic"`
			}
			if err := json.Unmarshal(call.Arguments, &args); err != nil {
				return mem, Faultf("parse tavilySearch arguments", err)
			}
			if args.MaxResults <= 0 {
				args.MaxResults = 3
			}
			if args.Topic == "" {
				args.Topic = "general"
			}

			results := p.search.Search(ctx, args.Query, args.MaxResults, args.Topic)
			st.SearchResults[args.Query] = results
			result = search.FormatResults(args.Query, results)
			st.Governor.RecordSearch()

			if _, err := p.pub.PublishEvent(ctx, st.TaskID, timeline.EventSearch,
				"搜索: "+args.Query, fmt.Sprintf("获取到 %d 条结果", len(results)),
				st.ResearchEventID); err != nil {
				return mem, err
			}

		case toolThink:
			var args struct {
				Reflection string `json:"reflection"`
			}
			if err := json.Unmarshal(call.Arguments, &args); err != nil {
				return mem, Faultf("parse thinkTool arguments", err)
			}
			result = args.Reflection
			if _, err := p.pub.PublishEvent(ctx, st.TaskID, timeline.EventResearch,
				"分析中...", result, st.ResearchEventID); err != nil {
				return mem, err
			}

		default:
			p.logger.Warn("researcher requested unknown tool",
				zap.String("task_id", st.TaskID),
				zap.String("tool", call.Name),
			)
			continue
		}

		st.ResearcherNotes = append(st.ResearcherNotes, fmt.Sprintf("[%s] %s", call.Name, result))
		mem = append(mem, toolResult(call, result))
	}
	return mem, nil
}

// compressResearch folds the tool transcript into a standalone findings
// document for the supervisor.
func (p *Pipeline) compressResearch(ctx context.Context, st *State, mem []llm.Message) (string, error) {
	chat, err := p.models.Chat(st.TaskID)
	if err != nil {
		return "", err
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: fmt.Sprintf(compressSystemPrompt, today())}}
	if len(mem) > 2 {
		messages = append(messages, mem[2:]...)
	}
	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: fmt.Sprintf(compressHumanPrompt, st.ResearchTopic),
	})

	resp, err := chat.Chat(ctx, llm.Request{Messages: messages})
	if err != nil {
		return "", err
	}
	st.AddUsage(resp.Usage)

	st.CompressedResearch = resp.Text
	if _, err := p.pub.PublishEvent(ctx, st.TaskID, timeline.EventResearch,
		"已完成该主题研究", preview(resp.Text), st.ResearchEventID); err != nil {
		return "", err
	}
	return resp.Text, nil
}

// preview keeps event content readable in timeline listings.
func preview(s string) string {
	runes := []rune(s)
	if len(runes) <= 200 {
		return s
	}
	return string(runes[:200]) + "..."
}
