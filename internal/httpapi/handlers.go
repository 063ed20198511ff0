// Package httpapi is the transport boundary: REST endpoints for task
// management plus SSE and WebSocket streams fed by the event hub.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/knowhub/research-orchestrator/internal/eventhub"
	"github.com/knowhub/research-orchestrator/internal/executor"
	"github.com/knowhub/research-orchestrator/internal/service"
)

// Handler exposes the research service over HTTP.
type Handler struct {
	svc    *service.Research
	hub    *eventhub.Hub
	logger *zap.Logger
}

func NewHandler(svc *service.Research, hub *eventhub.Hub, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, hub: hub, logger: logger}
}

// RegisterRoutes registers all research routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/research/create", h.handleCreate)
	mux.HandleFunc("GET /api/v1/research/list", h.handleList)
	mux.HandleFunc("GET /api/v1/research/sse", h.handleSSE)
	mux.HandleFunc("GET /api/v1/research/ws", h.handleWS)
	mux.HandleFunc("GET /api/v1/research/{id}", h.handleStatus)
	mux.HandleFunc("GET /api/v1/research/{id}/messages", h.handleMessages)
	mux.HandleFunc("POST /api/v1/research/{id}/messages", h.handleSendMessage)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// result is the uniform response envelope.
type result struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result{Code: 0, Message: "ok", Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(result{Code: status, Message: msg})
}

// userID extracts the caller identity from the X-User-Id header.
// Authentication itself happens upstream; this service only consumes
// the asserted identity.
func userID(r *http.Request) (int64, bool) {
	raw := r.Header.Get("X-User-Id")
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrNotOwner):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrEmptyContent),
		errors.Is(err, service.ErrModelNotFound),
		errors.Is(err, service.ErrModelIncomplete),
		errors.Is(err, service.ErrBudgetNotFound):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrInvalidState),
		errors.Is(err, service.ErrSubmitConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, executor.ErrQueueFull),
		errors.Is(err, executor.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, "系统繁忙，请稍后重试")
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleCreate tops the user's NEW task pool up to num ids.
// GET /api/v1/research/create?num=3
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}
	num := 1
	if raw := r.URL.Query().Get("num"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "num must be an integer")
			return
		}
		num = n
	}

	ids, err := h.svc.CreateTasks(r.Context(), uid, num)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeOK(w, map[string]any{"research_ids": ids})
}

// GET /api/v1/research/list
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}
	tasks, err := h.svc.ListTasks(r.Context(), uid)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeOK(w, tasks)
}

// GET /api/v1/research/{id}
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}
	task, err := h.svc.GetStatus(r.Context(), uid, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeOK(w, task)
}

// GET /api/v1/research/{id}/messages
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}
	tl, err := h.svc.GetMessages(r.Context(), uid, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeOK(w, tl)
}

type sendMessageRequest struct {
	Content string `json:"content"`
	ModelID string `json:"model_id"`
	Budget  string `json:"budget"`
}

// handleSendMessage submits a user message and starts (or resumes) the
// research run for the task.
// POST /api/v1/research/{id}/messages
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	taskID := r.PathValue("id")
	estimate, err := h.svc.SendMessage(r.Context(), uid, taskID, req.Content, req.ModelID, req.Budget)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeOK(w, map[string]any{
		"id":              taskID,
		"content":         "已接受任务",
		"estimated_start": estimate,
	})
}
