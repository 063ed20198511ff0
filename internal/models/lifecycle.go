package models

import (
	"errors"
	"sync"

	"github.com/knowhub/research-orchestrator/internal/config"
	"github.com/knowhub/research-orchestrator/internal/llm"
)

// ErrNoModelForTask is returned when a task has no registered handles.
var ErrNoModelForTask = errors.New("no model handles registered for task")

// Lifecycle owns the per-task model handle pools. Handles are created once
// at the point a task's model is resolved (submission time) and removed in
// the pipeline's cleanup step; the registries never grow unbounded because
// every Add is paired with a Remove on the terminal transition.
type Lifecycle struct {
	factory *Factory

	mu      sync.RWMutex
	chat    map[string]llm.Client
	stream  map[string]llm.StreamingClient
}

func NewLifecycle(factory *Factory) *Lifecycle {
	return &Lifecycle{
		factory: factory,
		chat:    make(map[string]llm.Client),
		stream:  make(map[string]llm.StreamingClient),
	}
}

// Add builds and registers both handle kinds for the task.
func (l *Lifecycle) Add(taskID string, cfg config.ModelConfig) error {
	chat, stream, err := l.factory.Handles(cfg)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.chat[taskID] = chat
	l.stream[taskID] = stream
	l.mu.Unlock()
	return nil
}

// Chat returns the task's synchronous handle.
func (l *Lifecycle) Chat(taskID string) (llm.Client, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.chat[taskID]
	if !ok {
		return nil, ErrNoModelForTask
	}
	return c, nil
}

// Streaming returns the task's streaming handle.
func (l *Lifecycle) Streaming(taskID string) (llm.StreamingClient, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.stream[taskID]
	if !ok {
		return nil, ErrNoModelForTask
	}
	return s, nil
}

// Remove drops the task's handles from both pools.
func (l *Lifecycle) Remove(taskID string) {
	l.mu.Lock()
	delete(l.chat, taskID)
	delete(l.stream, taskID)
	l.mu.Unlock()
}

// Has reports whether any handle is registered for the task. Used by tests
// to verify cleanup.
func (l *Lifecycle) Has(taskID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, chatOK := l.chat[taskID]
	_, streamOK := l.stream[taskID]
	return chatOK || streamOK
}
