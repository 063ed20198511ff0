package workflow

import (
	"github.com/knowhub/research-orchestrator/internal/budget"
	"github.com/knowhub/research-orchestrator/internal/config"
	"github.com/knowhub/research-orchestrator/internal/llm"
	"github.com/knowhub/research-orchestrator/internal/search"
)

// ClarifyResult is the structured output of the scope clarification
// call. Exactly one of Question or Verification carries content.
type ClarifyResult struct {
	NeedClarification bool   `json:"need_clarification"`
	Question          string `json:"question"`
	Verification      string `json:"verification"`
}

// ResearchQuestion is the structured research brief.
type ResearchQuestion struct {
	ResearchBrief string `json:"research_brief"`
}

// State is the in-memory run state for one research task. It is owned
// exclusively by the executor worker running the task; nothing here is
// safe for concurrent use and nothing needs to be.
type State struct {
	TaskID string
	UserID int64
	Status Status

	ChatHistory []llm.Message

	Clarify       *ClarifyResult
	ResearchBrief string

	Budget   config.BudgetLevel
	Governor *budget.Governor

	SupervisorIterations int
	ConductCount         int
	SupervisorNotes      []string

	ResearchTopic      string
	ResearcherNotes    []string
	CompressedResearch string

	SearchResults map[string][]search.Result

	Report string

	// Most recent event id per stage, used to thread follow-up events
	// under their parent.
	ScopeEventID      int64
	SupervisorEventID int64
	ResearchEventID   int64

	TotalInputTokens  int64
	TotalOutputTokens int64
}

// NewState builds run state for a task with its frozen budget level.
func NewState(taskID string, userID int64, history []llm.Message, level config.BudgetLevel) *State {
	return &State{
		TaskID:        taskID,
		UserID:        userID,
		Status:        StatusQueue,
		ChatHistory:   history,
		Budget:        level,
		Governor:      budget.NewGovernor(level),
		SearchResults: make(map[string][]search.Result),
	}
}

// AddUsage accumulates token counts from one model call.
func (s *State) AddUsage(u llm.TokenUsage) {
	s.TotalInputTokens += u.InputTokens
	s.TotalOutputTokens += u.OutputTokens
}
