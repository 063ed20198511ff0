package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/knowhub/research-orchestrator/internal/llm"
	"github.com/knowhub/research-orchestrator/internal/timeline"
)

// runReport synthesizes every subtopic's findings into the final report.
// The report is streamed to live clients as it is generated, then
// published as the closing assistant message.
func (p *Pipeline) runReport(ctx context.Context, st *State) error {
	st.Status = StatusInReport

	if _, err := p.pub.PublishEvent(ctx, st.TaskID, timeline.EventReport,
		"正在生成研究报告...", "", 0); err != nil {
		return err
	}

	stream, err := p.models.Streaming(st.TaskID)
	if err != nil {
		return err
	}

	prompt := fmt.Sprintf(reportPrompt,
		st.ResearchBrief,
		today(),
		strings.Join(st.SupervisorNotes, "\n"),
	)
	resp, err := stream.ChatStream(ctx,
		llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}}},
		func(delta string) {
			p.pub.PublishReportStream(st.TaskID, delta)
		},
	)
	if err != nil {
		return err
	}
	st.AddUsage(resp.Usage)
	st.Report = resp.Text

	if _, err := p.pub.PublishEvent(ctx, st.TaskID, timeline.EventReport,
		"研究报告已完成", "", 0); err != nil {
		return err
	}
	_, err = p.pub.PublishMessage(ctx, st.TaskID, llm.RoleAssistant, resp.Text)
	return err
}
