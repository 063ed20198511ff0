package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/knowhub/research-orchestrator/internal/eventhub"
)

const heartbeatInterval = 15 * time.Second

// handleSSE streams a task's timeline over Server-Sent Events.
// GET /api/v1/research/sse with headers X-Research-Id, X-Client-Id and
// optionally Last-Event-ID for resumption.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}
	taskID := r.Header.Get("X-Research-Id")
	clientID := r.Header.Get("X-Client-Id")
	if taskID == "" || clientID == "" {
		writeError(w, http.StatusBadRequest, "X-Research-Id and X-Client-Id headers required")
		return
	}
	lastSeen := int64(-1)
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseInt(lei, 10, 64); err == nil {
			lastSeen = n
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	conn, replay, err := h.hub.Connect(r.Context(), uid, taskID, clientID, lastSeen)
	if err != nil {
		h.writeStreamError(w, err)
		return
	}
	defer h.hub.Disconnect(taskID, clientID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprintf(w, ": connected to research %s\n\n", taskID)
	for _, frame := range replay {
		writeSSEFrame(w, frame)
	}
	flusher.Flush()

	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE client disconnected",
				zap.String("task_id", taskID),
				zap.String("client_id", clientID),
			)
			return
		case <-hb.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case frame, open := <-conn.Frames():
			if !open {
				return
			}
			writeSSEFrame(w, frame)
			flusher.Flush()
			if frame.Kind == eventhub.FrameComplete {
				return
			}
		}
	}
}

// writeSSEFrame renders one hub frame in SSE wire format. Timeline
// frames carry the sequence number as the event id so Last-Event-ID
// resumption lines up with the timeline order.
func writeSSEFrame(w http.ResponseWriter, frame eventhub.Frame) {
	if frame.Kind == eventhub.FrameTimeline && frame.Entry != nil && frame.Entry.SequenceNo >= 0 {
		fmt.Fprintf(w, "id: %d\n", frame.Entry.SequenceNo)
	}
	fmt.Fprintf(w, "event: %s\n", frame.Kind)
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func (h *Handler) writeStreamError(w http.ResponseWriter, err error) {
	if err == eventhub.ErrNotOwner {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	if err == eventhub.ErrReplayOverflow {
		writeError(w, http.StatusServiceUnavailable, "系统繁忙，请稍后重试")
		return
	}
	h.logger.Error("stream connect failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}
