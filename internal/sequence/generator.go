package sequence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Source provides the durable high-water mark for a task's timeline,
// shared across both entry kinds.
type Source interface {
	MaxSequence(ctx context.Context, taskID string) (int64, error)
}

// Generator issues strictly increasing per-task sequence numbers. A task's
// counter is seeded lazily from the Source and removed on Reset, so the next
// run for the task reseeds from durable storage — correct even across
// process restarts.
type Generator struct {
	source   Source
	mu       sync.Mutex
	counters map[string]*atomic.Int64
}

func NewGenerator(source Source) *Generator {
	return &Generator{
		source:   source,
		counters: make(map[string]*atomic.Int64),
	}
}

// Next returns the next sequence number for taskID.
func (g *Generator) Next(ctx context.Context, taskID string) (int64, error) {
	g.mu.Lock()
	counter, ok := g.counters[taskID]
	if !ok {
		max, err := g.source.MaxSequence(ctx, taskID)
		if err != nil {
			g.mu.Unlock()
			return 0, fmt.Errorf("seed sequence for task %s: %w", taskID, err)
		}
		counter = &atomic.Int64{}
		counter.Store(max)
		g.counters[taskID] = counter
	}
	g.mu.Unlock()
	return counter.Add(1), nil
}

// Current returns the latest issued number, 0 if the task has no counter.
func (g *Generator) Current(taskID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if counter, ok := g.counters[taskID]; ok {
		return counter.Load()
	}
	return 0
}

// Reset removes the task's counter. Called in pipeline cleanup on every
// terminal transition.
func (g *Generator) Reset(taskID string) {
	g.mu.Lock()
	delete(g.counters, taskID)
	g.mu.Unlock()
}

// Active reports whether a counter exists for the task. Used by tests to
// verify cleanup.
func (g *Generator) Active(taskID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.counters[taskID]
	return ok
}
