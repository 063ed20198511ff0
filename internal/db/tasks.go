package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrTaskNotFound is returned when a task id has no row.
var ErrTaskNotFound = errors.New("task not found")

// CreateTask inserts a fresh task in NEW status and returns it.
func (c *Client) CreateTask(ctx context.Context, userID int64) (*Task, error) {
	id := uuid.New().String()
	var task Task
	err := c.db.GetContext(ctx, &task, `
		INSERT INTO research_task (id, user_id, status, created_at, updated_at)
		VALUES ($1, $2, 'NEW', NOW(), NOW())
		RETURNING *
	`, id, userID)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &task, nil
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := c.db.GetContext(ctx, &task, `SELECT * FROM research_task WHERE id = $1`, taskID)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// ListTasksByUser returns the user's tasks, most recently updated first.
func (c *Client) ListTasksByUser(ctx context.Context, userID int64) ([]Task, error) {
	var tasks []Task
	err := c.db.SelectContext(ctx, &tasks, `
		SELECT * FROM research_task WHERE user_id = $1 ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// ListTasksByUserAndStatus returns the user's tasks in a given status,
// oldest first.
func (c *Client) ListTasksByUserAndStatus(ctx context.Context, userID int64, status string) ([]Task, error) {
	var tasks []Task
	err := c.db.SelectContext(ctx, &tasks, `
		SELECT * FROM research_task WHERE user_id = $1 AND status = $2 ORDER BY created_at ASC
	`, userID, status)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	return tasks, nil
}

// TryTransitionToQueue performs the conditional admission update: the task
// moves to QUEUE only if it currently sits in NEW or NEED_CLARIFICATION and
// belongs to userID. Returns the number of rows affected — concurrent
// submissions race here and exactly one observes 1.
func (c *Client) TryTransitionToQueue(ctx context.Context, taskID string, userID int64) (int64, error) {
	res, err := c.db.ExecContext(ctx, `
		UPDATE research_task
		SET status = 'QUEUE', updated_at = NOW()
		WHERE id = $1 AND user_id = $2
		  AND status IN ('NEW', 'NEED_CLARIFICATION')
	`, taskID, userID)
	if err != nil {
		return 0, fmt.Errorf("transition to queue: %w", err)
	}
	return res.RowsAffected()
}

// UpdateTaskStatus records a status change and running token totals.
// setStart/setComplete stamp started_at/completed_at respectively.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status string, setStart, setComplete bool, inputTokens, outputTokens int64) error {
	query := `UPDATE research_task SET status = $2, updated_at = NOW(),
		total_input_tokens = $3, total_output_tokens = $4`
	if setStart {
		query += `, started_at = NOW()`
	}
	if setComplete {
		query += `, completed_at = NOW()`
	}
	query += ` WHERE id = $1`

	if _, err := c.db.ExecContext(ctx, query, taskID, status, inputTokens, outputTokens); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

// SetTaskInfoIfUnset fills in model/budget/title once, on the first
// submission for a task. The model_id IS NULL guard makes it idempotent.
func (c *Client) SetTaskInfoIfUnset(ctx context.Context, taskID, modelID, budget, title string) (int64, error) {
	res, err := c.db.ExecContext(ctx, `
		UPDATE research_task
		SET model_id = $2, budget = $3, title = $4, updated_at = NOW()
		WHERE id = $1 AND model_id IS NULL
	`, taskID, modelID, budget, title)
	if err != nil {
		return 0, fmt.Errorf("set task info: %w", err)
	}
	return res.RowsAffected()
}

// IsTaskOwner reports whether the task belongs to the user.
func (c *Client) IsTaskOwner(ctx context.Context, taskID string, userID int64) (bool, error) {
	var n int
	err := c.db.GetContext(ctx, &n, `
		SELECT COUNT(1) FROM research_task WHERE id = $1 AND user_id = $2
	`, taskID, userID)
	if err != nil {
		return false, fmt.Errorf("check ownership: %w", err)
	}
	return n > 0, nil
}

// MaxSequence returns the highest sequence number used by either entry kind
// for a task, 0 if the timeline is empty. Seeds the sequence generator.
func (c *Client) MaxSequence(ctx context.Context, taskID string) (int64, error) {
	var max int64
	err := c.db.GetContext(ctx, &max, `
		SELECT COALESCE(MAX(sequence_no), 0) FROM (
			SELECT sequence_no FROM chat_message WHERE task_id = $1
			UNION ALL
			SELECT sequence_no FROM workflow_event WHERE task_id = $1
		) t
	`, taskID)
	if err != nil {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	return max, nil
}
