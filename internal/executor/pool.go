// Package executor provides a bounded worker pool for research runs.
// Admission is all-or-nothing: a run is either enqueued with a start
// estimate or rejected immediately, never blocked.
package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/knowhub/research-orchestrator/internal/metrics"
)

// ErrQueueFull is returned by Submit when the backlog is at capacity.
var ErrQueueFull = errors.New("executor: queue full")

// ErrShutdown is returned by Submit once Shutdown has been called.
var ErrShutdown = errors.New("executor: pool is shut down")

type job struct {
	taskID string
	run    func()
}

// Pool runs submitted research tasks on a fixed set of workers with a
// bounded backlog.
type Pool struct {
	maxWorkers   int
	perBatch     time.Duration
	queue        chan job
	active       atomic.Int64
	logger       *zap.Logger
	wg           sync.WaitGroup
	shutdownOnce sync.Once

	// mu orders Submit's enqueue against Shutdown closing the queue.
	mu     sync.Mutex
	closed bool

	// now is swappable so estimate tests are deterministic.
	now func() time.Time
}

// New starts maxWorkers workers over a queue of queueCapacity slots.
// perBatchTimeout is the pessimistic duration of one batch of runs,
// used only for wait estimates.
func New(maxWorkers, queueCapacity int, perBatchTimeout time.Duration, logger *zap.Logger) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueCapacity < 0 {
		queueCapacity = 0
	}
	p := &Pool{
		maxWorkers: maxWorkers,
		perBatch:   perBatchTimeout,
		queue:      make(chan job, queueCapacity),
		logger:     logger,
		now:        time.Now,
	}
	for i := 0; i < maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	logger.Info("research executor started",
		zap.Int("max_pool_size", maxWorkers),
		zap.Int("queue_capacity", queueCapacity),
	)
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.queue {
		metrics.ExecutorQueueDepth.Set(float64(len(p.queue)))
		p.active.Add(1)
		metrics.ExecutorActiveWorkers.Inc()
		p.runOne(j)
		p.active.Add(-1)
		metrics.ExecutorActiveWorkers.Dec()
	}
}

// runOne isolates panic recovery so a broken task never kills a worker.
func (p *Pool) runOne(j job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("research task panicked",
				zap.String("task_id", j.taskID),
				zap.Any("panic", r),
			)
		}
	}()
	j.run()
}

// Submit enqueues a run and returns the estimated start time. When all
// workers are busy the estimate is derived from the queue position:
// position p and pool size n land the run in batch ceil(p/n), each
// batch costing perBatchTimeout.
func (p *Pool) Submit(taskID string, run func()) (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return time.Time{}, ErrShutdown
	}
	estimate := p.estimate()
	select {
	case p.queue <- job{taskID: taskID, run: run}:
		metrics.ExecutorQueueDepth.Set(float64(len(p.queue)))
		p.logger.Info("research task enqueued",
			zap.String("task_id", taskID),
			zap.Time("estimated_start", estimate),
		)
		return estimate, nil
	default:
		metrics.ExecutorRejections.Inc()
		p.logger.Warn("research task rejected, queue full",
			zap.String("task_id", taskID))
		return time.Time{}, ErrQueueFull
	}
}

func (p *Pool) estimate() time.Time {
	now := p.now()
	if int(p.active.Load()) < p.maxWorkers {
		return now
	}
	position := len(p.queue) + 1
	batch := (position + p.maxWorkers - 1) / p.maxWorkers
	return now.Add(time.Duration(batch) * p.perBatch)
}

// Shutdown stops accepting work and waits for in-flight runs, bounded
// by ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
