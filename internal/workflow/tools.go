package workflow

import (
	"encoding/json"

	"github.com/knowhub/research-orchestrator/internal/llm"
)

// Tool names shared between the stage loops and their dispatch code.
const (
	toolConductResearch  = "conductResearch"
	toolResearchComplete = "researchComplete"
	toolTavilySearch     = "tavilySearch"
	toolThink            = "thinkTool"
)

var supervisorTools = []llm.ToolSpec{
	{
		Name:        toolConductResearch,
		Description: "Tool for delegating a research task to a specialized sub-agent.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"researchTopic": {
					"type": "string",
					"description": "The topic to research. Should be a single topic described in high detail (at least a paragraph)."
				}
			},
			"required": ["researchTopic"]
		}`),
	},
	{
		Name:        toolResearchComplete,
		Description: "Tool for indicating that the research process is complete.",
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
	},
}

var researcherTools = []llm.ToolSpec{
	{
		Name:        toolTavilySearch,
		Description: "Search the web for information on a query.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "The search query to execute."},
				"maxResults": {"type": "integer", "description": "Maximum number of results to return.", "default": 3},
				"topic": {"type": "string", "enum": ["general", "news", "finance"], "default": "general"}
			},
			"required": ["query"]
		}`),
	},
	{
		Name:        toolThink,
		Description: "Tool for reflection on the research progress and deciding next steps.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"reflection": {"type": "string", "description": "Your detailed reflection on the research progress, findings, gaps, and next steps."}
			},
			"required": ["reflection"]
		}`),
	},
}

// Structured-output JSON schemas for the scope calls.
var (
	clarifySchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"need_clarification": {"type": "boolean"},
			"question": {"type": "string"},
			"verification": {"type": "string"}
		},
		"required": ["need_clarification", "question", "verification"]
	}`)

	researchBriefSchema = json.RawMessage(`{
		"type": "object",
		"properties": {
			"research_brief": {"type": "string"}
		},
		"required": ["research_brief"]
	}`)
)
