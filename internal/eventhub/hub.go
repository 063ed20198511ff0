// Package eventhub fans research timeline items out to live stream
// clients. Connections are registered per task and keyed by client id,
// so a reconnecting client replaces its stale registration instead of
// leaking it.
package eventhub

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/knowhub/research-orchestrator/internal/metrics"
	"github.com/knowhub/research-orchestrator/internal/timeline"
)

// ErrNotOwner is returned by Connect when the user does not own the task.
var ErrNotOwner = errors.New("eventhub: task not owned by user")

// ErrReplayOverflow is returned by Connect when live traffic outran the
// connection buffer before the replay read finished. The client retries
// with the same Last-Event-ID.
var ErrReplayOverflow = errors.New("eventhub: live backlog overflowed during replay")

// FrameKind discriminates the payloads a connection receives.
type FrameKind string

const (
	FrameTimeline FrameKind = "timeline"
	FrameReport   FrameKind = "report"
	FrameComplete FrameKind = "complete"
)

// Frame is one unit of delivery to a stream client.
type Frame struct {
	Kind     FrameKind       `json:"kind"`
	Entry    *timeline.Entry `json:"entry,omitempty"`
	Delta    string          `json:"delta,omitempty"`
	Status   string          `json:"status,omitempty"`
	Replayed bool            `json:"-"`
}

// connBuffer is the per-connection channel depth. A client that falls
// this far behind is evicted rather than allowed to stall the run.
const connBuffer = 64

// Conn is a single client's view of a task stream.
type Conn struct {
	TaskID   string
	ClientID string

	mu        sync.Mutex
	frames    chan Frame
	closed    bool
	replaying bool
	held      []Frame
}

// Frames returns the delivery channel. It is closed when the connection
// is evicted or the task completes.
func (c *Conn) Frames() <-chan Frame { return c.frames }

// trySend reports false only when the buffer is full on a live
// connection. Sends to a closed connection are silently dropped; while
// the replay read is in flight, frames are held aside so the bounded
// buffer never forces an eviction of a connection that has not been
// handed out yet.
func (c *Conn) trySend(f Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	if c.replaying {
		c.held = append(c.held, f)
		return true
	}
	select {
	case c.frames <- f:
		return true
	default:
		return false
	}
}

// endReplay flips the connection live and moves held frames into the
// buffer, dropping timeline items the replay already covered. Reports
// false when the held backlog overflows the buffer.
func (c *Conn) endReplay(maxReplayedSeq int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaying = false
	held := c.held
	c.held = nil
	if c.closed {
		return true
	}
	for _, f := range held {
		if f.Kind == FrameTimeline && f.Entry != nil && f.Entry.SequenceNo <= maxReplayedSeq {
			continue
		}
		select {
		case c.frames <- f:
		default:
			return false
		}
	}
	return true
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.frames)
	}
}

// Timeline is the slice of the timeline store the hub needs: ownership
// checks on connect and replay reads for resumption.
type Timeline interface {
	VerifyOwnership(ctx context.Context, taskID string, userID int64) bool
	GetTimeline(ctx context.Context, taskID string, afterSeq int64) ([]timeline.Entry, error)
}

// Hub is the live connection registry.
type Hub struct {
	mu       sync.RWMutex
	byTask   map[string]map[string]*Conn
	timeline Timeline
	logger   *zap.Logger
}

func NewHub(tl Timeline, logger *zap.Logger) *Hub {
	return &Hub{
		byTask:   make(map[string]map[string]*Conn),
		timeline: tl,
		logger:   logger,
	}
}

// Connect verifies ownership, registers the client and, when
// lastSeenSeq is non-negative, returns every persisted entry after it
// as replay frames. The transport writes the replay before reading the
// live channel. Registration happens before the replay read, so entries
// persisted during the read arrive live; duplicate delivery around the
// replay boundary is filtered by sequence number, gaps cannot occur.
func (h *Hub) Connect(ctx context.Context, userID int64, taskID, clientID string, lastSeenSeq int64) (*Conn, []Frame, error) {
	if !h.timeline.VerifyOwnership(ctx, taskID, userID) {
		return nil, nil, ErrNotOwner
	}

	conn := &Conn{
		TaskID:    taskID,
		ClientID:  clientID,
		frames:    make(chan Frame, connBuffer),
		replaying: lastSeenSeq >= 0,
	}

	h.mu.Lock()
	conns := h.byTask[taskID]
	if conns == nil {
		conns = make(map[string]*Conn)
		h.byTask[taskID] = conns
	}
	if prev, ok := conns[clientID]; ok {
		prev.close()
		metrics.HubConnections.Dec()
	}
	conns[clientID] = conn
	h.mu.Unlock()
	metrics.HubConnections.Inc()

	var replay []Frame
	if lastSeenSeq >= 0 {
		entries, err := h.timeline.GetTimeline(ctx, taskID, lastSeenSeq)
		if err != nil {
			h.Disconnect(taskID, clientID)
			return nil, nil, err
		}
		replay = make([]Frame, 0, len(entries))
		maxSeq := lastSeenSeq
		for i := range entries {
			e := entries[i]
			if e.SequenceNo > maxSeq {
				maxSeq = e.SequenceNo
			}
			replay = append(replay, Frame{Kind: FrameTimeline, Entry: &e, Replayed: true})
		}
		if !conn.endReplay(maxSeq) {
			h.logger.Warn("evicting stream client, live backlog during replay",
				zap.String("task_id", taskID),
				zap.String("client_id", clientID),
			)
			h.Disconnect(taskID, clientID)
			return nil, nil, ErrReplayOverflow
		}
	}

	h.logger.Info("stream client connected",
		zap.String("task_id", taskID),
		zap.String("client_id", clientID),
		zap.Int64("last_seen_seq", lastSeenSeq),
		zap.Int("replayed", len(replay)),
	)
	return conn, replay, nil
}

// Disconnect removes one client registration, typically when its
// transport goes away before the task finishes.
func (h *Hub) Disconnect(taskID, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.byTask[taskID]
	conn, ok := conns[clientID]
	if !ok {
		return
	}
	delete(conns, clientID)
	if len(conns) == 0 {
		delete(h.byTask, taskID)
	}
	conn.close()
	metrics.HubConnections.Dec()
}

// SendTimelineItem multicasts a timeline entry to every client of the
// task. Delivery is best effort per connection.
func (h *Hub) SendTimelineItem(taskID string, entry timeline.Entry) {
	h.broadcast(taskID, Frame{Kind: FrameTimeline, Entry: &entry})
}

// SendReportStream multicasts a partial report text delta.
func (h *Hub) SendReportStream(taskID, delta string) {
	h.broadcast(taskID, Frame{Kind: FrameReport, Delta: delta})
}

// Complete notifies every client of the terminal status and
// deregisters them all. Late sends for the task become no-ops.
func (h *Hub) Complete(taskID, finalStatus string) {
	h.mu.Lock()
	conns := h.byTask[taskID]
	delete(h.byTask, taskID)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.trySend(Frame{Kind: FrameComplete, Status: finalStatus})
		conn.close()
		metrics.HubConnections.Dec()
	}
}

// broadcast delivers without ever blocking the workflow goroutine: a
// connection with a full buffer is evicted.
func (h *Hub) broadcast(taskID string, frame Frame) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.byTask[taskID]))
	for _, c := range h.byTask[taskID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if !conn.trySend(frame) {
			h.logger.Warn("evicting slow stream client",
				zap.String("task_id", taskID),
				zap.String("client_id", conn.ClientID),
			)
			h.Disconnect(taskID, conn.ClientID)
		}
	}
}
