package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	messageColumns = []string{"id", "task_id", "role", "content", "sequence_no", "created_at"}
	eventColumns   = []string{"id", "task_id", "type", "title", "content", "parent_event_id", "sequence_no", "created_at"}
)

func TestInsertMessageReturnsStoredRow(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectQuery(`INSERT INTO chat_message`).
		WithArgs("t-1", "user", "研究量子计算", int64(3)).
		WillReturnRows(sqlmock.NewRows(messageColumns).
			AddRow(11, "t-1", "user", "研究量子计算", 3, time.Now()))

	out, err := c.InsertMessage(context.Background(), &ChatMessage{
		TaskID: "t-1", Role: "user", Content: "研究量子计算", SequenceNo: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(11), out.ID)
	assert.Equal(t, int64(3), out.SequenceNo)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertEventThreadsUnderParent(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectQuery(`INSERT INTO workflow_event`).
		WithArgs("t-1", "RESEARCH", "深入研究: 量子纠错", "", int64(5), int64(9)).
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow(21, "t-1", "RESEARCH", "深入研究: 量子纠错", "", 5, 9, time.Now()))

	out, err := c.InsertEvent(context.Background(), &WorkflowEvent{
		TaskID:        "t-1",
		Type:          "RESEARCH",
		Title:         "深入研究: 量子纠错",
		ParentEventID: sql.NullInt64{Int64: 5, Valid: true},
		SequenceNo:    9,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(21), out.ID)
	require.True(t, out.ParentEventID.Valid)
	assert.Equal(t, int64(5), out.ParentEventID.Int64)
}

func TestInsertEventWithoutParent(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectQuery(`INSERT INTO workflow_event`).
		WithArgs("t-1", "SCOPE", "正在分析您的研究需求...", "", nil, int64(1)).
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow(1, "t-1", "SCOPE", "正在分析您的研究需求...", "", nil, 1, time.Now()))

	out, err := c.InsertEvent(context.Background(), &WorkflowEvent{
		TaskID: "t-1", Type: "SCOPE", Title: "正在分析您的研究需求...", SequenceNo: 1,
	})
	require.NoError(t, err)
	assert.False(t, out.ParentEventID.Valid)
}

func TestListMessagesOrderedBySequence(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectQuery(`SELECT \* FROM chat_message WHERE task_id`).
		WithArgs("t-1").
		WillReturnRows(sqlmock.NewRows(messageColumns).
			AddRow(1, "t-1", "user", "first", 1, time.Now()).
			AddRow(2, "t-1", "assistant", "second", 4, time.Now()))

	msgs, err := c.ListMessages(context.Background(), "t-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, int64(4), msgs[1].SequenceNo)
}

func TestListEventsEmptyTimeline(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectQuery(`SELECT \* FROM workflow_event WHERE task_id`).
		WithArgs("t-1").
		WillReturnRows(sqlmock.NewRows(eventColumns))

	evs, err := c.ListEvents(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Empty(t, evs)
}
