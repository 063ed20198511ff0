package db

import (
	"database/sql"
	"time"
)

// Task is one end-to-end research session. Rows are never deleted; terminal
// outcomes are recorded in Status.
type Task struct {
	ID                string         `db:"id" json:"id"`
	UserID            int64          `db:"user_id" json:"user_id"`
	Status            string         `db:"status" json:"status"`
	Title             sql.NullString `db:"title" json:"title,omitempty"`
	ModelID           sql.NullString `db:"model_id" json:"model_id,omitempty"`
	Budget            sql.NullString `db:"budget" json:"budget,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	StartedAt         sql.NullTime   `db:"started_at" json:"started_at,omitempty"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
	CompletedAt       sql.NullTime   `db:"completed_at" json:"completed_at,omitempty"`
	TotalInputTokens  int64          `db:"total_input_tokens" json:"total_input_tokens"`
	TotalOutputTokens int64          `db:"total_output_tokens" json:"total_output_tokens"`
}

// ChatMessage is one user/assistant turn on a task timeline.
type ChatMessage struct {
	ID         int64     `db:"id" json:"id"`
	TaskID     string    `db:"task_id" json:"task_id"`
	Role       string    `db:"role" json:"role"`
	Content    string    `db:"content" json:"content"`
	SequenceNo int64     `db:"sequence_no" json:"sequence_no"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// WorkflowEvent is one pipeline progress event on a task timeline. Follow-up
// events thread under ParentEventID.
type WorkflowEvent struct {
	ID            int64         `db:"id" json:"id"`
	TaskID        string        `db:"task_id" json:"task_id"`
	Type          string        `db:"type" json:"type"`
	Title         string        `db:"title" json:"title"`
	Content       string        `db:"content" json:"content,omitempty"`
	ParentEventID sql.NullInt64 `db:"parent_event_id" json:"parent_event_id,omitempty"`
	SequenceNo    int64         `db:"sequence_no" json:"sequence_no"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
}
