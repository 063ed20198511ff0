package timeline

import (
	"github.com/knowhub/research-orchestrator/internal/db"
)

// Entry kinds.
const (
	KindMessage = "message"
	KindEvent   = "event"
)

// Workflow event types.
const (
	EventQueue      = "QUEUE"
	EventScope      = "SCOPE"
	EventSupervisor = "SUPERVISOR"
	EventResearch   = "RESEARCH"
	EventSearch     = "SEARCH"
	EventReport     = "REPORT"
	EventError      = "ERROR"
)

// Entry is one ordered item on a task timeline: either a chat message or a
// workflow event. Sequence numbers are unique per task across both kinds.
// Entries are append-only and never mutated after creation.
type Entry struct {
	Kind       string            `json:"kind"`
	TaskID     string            `json:"task_id"`
	SequenceNo int64             `json:"sequence_no"`
	Message    *db.ChatMessage   `json:"message,omitempty"`
	Event      *db.WorkflowEvent `json:"event,omitempty"`
}

func messageEntry(m *db.ChatMessage) Entry {
	return Entry{
		Kind:       KindMessage,
		TaskID:     m.TaskID,
		SequenceNo: m.SequenceNo,
		Message:    m,
	}
}

func eventEntry(e *db.WorkflowEvent) Entry {
	return Entry{
		Kind:       KindEvent,
		TaskID:     e.TaskID,
		SequenceNo: e.SequenceNo,
		Event:      e,
	}
}
