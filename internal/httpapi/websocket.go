package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // secured via proxy in prod
}

// handleWS streams a task's timeline over a WebSocket.
// GET /api/v1/research/ws?research_id=<id>&client_id=<id>&last_event_id=<seq>
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}
	taskID := r.URL.Query().Get("research_id")
	clientID := r.URL.Query().Get("client_id")
	if taskID == "" || clientID == "" {
		writeError(w, http.StatusBadRequest, "research_id and client_id required")
		return
	}
	lastSeen := int64(-1)
	if raw := r.URL.Query().Get("last_event_id"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			lastSeen = n
		}
	}

	conn, replay, err := h.hub.Connect(r.Context(), uid, taskID, clientID, lastSeen)
	if err != nil {
		h.writeStreamError(w, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.Disconnect(taskID, clientID)
		return
	}
	defer ws.Close()
	defer h.hub.Disconnect(taskID, clientID)

	for _, frame := range replay {
		if err := ws.WriteJSON(frame); err != nil {
			return
		}
	}

	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	// Reader pump: discard client messages, detect closure.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case frame, open := <-conn.Frames():
			if !open {
				return
			}
			if err := ws.WriteJSON(frame); err != nil {
				h.logger.Debug("websocket write failed",
					zap.String("task_id", taskID),
					zap.String("client_id", clientID),
					zap.Error(err),
				)
				return
			}
		}
	}
}
