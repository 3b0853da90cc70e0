// Package workerpool runs tasks on a bounded set of workers with retries.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned by Submit after Close
var ErrClosed = errors.New("worker pool closed")

// Task is a unit of work
type Task struct {
	ID      string
	Payload interface{}
}

// Result is the outcome of one task after its last attempt
type Result struct {
	TaskID   string
	Attempts int
	Err      error
}

// WorkerFunc processes one task
type WorkerFunc func(ctx context.Context, task *Task) error

// Config holds worker pool configuration
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is the number of extra attempts after a failure
	MaxRetries int
	// RetryDelay grows linearly with the attempt number
	RetryDelay time.Duration
	// IsRetryable decides whether a failure is retried. Defaults to always.
	IsRetryable func(err error) bool
}

// DefaultConfig returns defaults sized for batch jobs such as report backfills
func DefaultConfig() Config {
	return Config{
		Workers:    4,
		QueueSize:  64,
		MaxRetries: 2,
		RetryDelay: 200 * time.Millisecond,
	}
}

// Pool manages a pool of workers
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	tasks   chan *Task
	results chan *Result
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	submitted int64
	completed int64
	failed    int64
	retried   int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = func(error) bool { return true }
	}

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		tasks:      make(chan *Task, cfg.QueueSize),
		results:    make(chan *Result, cfg.QueueSize),
	}, nil
}

// Start launches the workers. They stop when ctx is cancelled or the pool
// is closed and drained.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	go func() {
		p.wg.Wait()
		close(p.results)
	}()
	p.logger.Debug("worker pool started", zap.Int("workers", p.config.Workers))
}

// Submit queues a task, blocking while the queue is full
func (p *Pool) Submit(ctx context.Context, task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.tasks <- task:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks. Queued tasks still run; Results is closed
// once they finish.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
}

// Results returns the result channel. It must be drained by the caller.
func (p *Pool) Results() <-chan *Result {
	return p.results
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		result := p.run(ctx, task)
		if result.Err != nil {
			atomic.AddInt64(&p.failed, 1)
			p.logger.Error("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", id),
				zap.Int("attempts", result.Attempts),
				zap.Error(result.Err))
		} else {
			atomic.AddInt64(&p.completed, 1)
		}
		p.results <- result
	}
}

func (p *Pool) run(ctx context.Context, task *Task) *Result {
	var err error
	attempt := 0
	for attempt < p.config.MaxRetries+1 {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &Result{TaskID: task.ID, Attempts: attempt, Err: ctxErr}
		}
		attempt++
		if err = p.workerFunc(ctx, task); err == nil {
			return &Result{TaskID: task.ID, Attempts: attempt}
		}
		if !p.config.IsRetryable(err) || attempt > p.config.MaxRetries {
			break
		}

		atomic.AddInt64(&p.retried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		timer := time.NewTimer(p.config.RetryDelay * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return &Result{TaskID: task.ID, Attempts: attempt, Err: ctx.Err()}
		case <-timer.C:
		}
	}
	return &Result{TaskID: task.ID, Attempts: attempt, Err: err}
}

// Stats holds pool counters
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Retried   int64
	Queued    int
	Workers   int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: atomic.LoadInt64(&p.submitted),
		Completed: atomic.LoadInt64(&p.completed),
		Failed:    atomic.LoadInt64(&p.failed),
		Retried:   atomic.LoadInt64(&p.retried),
		Queued:    len(p.tasks),
		Workers:   p.config.Workers,
	}
}
