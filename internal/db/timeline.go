package db

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertMessage persists a chat message and returns the stored row.
func (c *Client) InsertMessage(ctx context.Context, msg *ChatMessage) (*ChatMessage, error) {
	var out ChatMessage
	err := c.db.GetContext(ctx, &out, `
		INSERT INTO chat_message (task_id, role, content, sequence_no, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING *
	`, msg.TaskID, msg.Role, msg.Content, msg.SequenceNo)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &out, nil
}

// InsertEvent persists a workflow event and returns the stored row,
// including the generated id used for threading child events.
func (c *Client) InsertEvent(ctx context.Context, ev *WorkflowEvent) (*WorkflowEvent, error) {
	parent := sql.NullInt64{}
	if ev.ParentEventID.Valid {
		parent = ev.ParentEventID
	}
	var out WorkflowEvent
	err := c.db.GetContext(ctx, &out, `
		INSERT INTO workflow_event (task_id, type, title, content, parent_event_id, sequence_no, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING *
	`, ev.TaskID, ev.Type, ev.Title, ev.Content, parent, ev.SequenceNo)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return &out, nil
}

// ListMessages returns all messages for a task ordered by sequence.
func (c *Client) ListMessages(ctx context.Context, taskID string) ([]ChatMessage, error) {
	var msgs []ChatMessage
	err := c.db.SelectContext(ctx, &msgs, `
		SELECT * FROM chat_message WHERE task_id = $1 ORDER BY sequence_no ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// ListEvents returns all workflow events for a task ordered by sequence.
func (c *Client) ListEvents(ctx context.Context, taskID string) ([]WorkflowEvent, error) {
	var evs []WorkflowEvent
	err := c.db.SelectContext(ctx, &evs, `
		SELECT * FROM workflow_event WHERE task_id = $1 ORDER BY sequence_no ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return evs, nil
}
