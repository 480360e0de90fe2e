// Package workers provides a bounded worker pool for CPU-bound simulation
// tasks.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed. ctx is cancelled when the
// task times out or the pool stops.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc is a function that can be used as a Task
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// Observer receives task outcomes, e.g. for Prometheus.
type Observer interface {
	ObserveTask(pool string, elapsed time.Duration, outcome string)
	ObserveQueue(pool string, depth int)
}

// Task outcomes reported to the Observer.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomePanic     = "panic"
)

// Pool manages a pool of worker goroutines
type Pool struct {
	logger   *zap.Logger
	config   *PoolConfig
	observer Observer

	taskQueue chan Task
	wg        sync.WaitGroup
	submitMu  sync.RWMutex // held shared while enqueueing; drain waits on it

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	panics    atomic.Int64
	started   time.Time
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	Name            string        // Pool name for logging
	NumWorkers      int           // Number of worker goroutines
	QueueSize       int           // Size of the task queue
	TaskTimeout     time.Duration // Zero disables the per-task timeout
	ShutdownTimeout time.Duration // Timeout for graceful shutdown
	PanicRecovery   bool          // Enable panic recovery in workers
}

// DefaultPoolConfig returns one worker per CPU; simulations are CPU bound.
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		NumWorkers:      runtime.NumCPU(),
		QueueSize:       1024,
		TaskTimeout:     10 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
		PanicRecovery:   true,
	}
}

// PoolStats contains pool statistics
type PoolStats struct {
	Name           string        `json:"name"`
	Workers        int           `json:"workers"`
	QueueLength    int           `json:"queue_length"`
	TasksSubmitted int64         `json:"tasks_submitted"`
	TasksCompleted int64         `json:"tasks_completed"`
	TasksFailed    int64         `json:"tasks_failed"`
	TasksTimeout   int64         `json:"tasks_timeout"`
	PanicRecovered int64         `json:"panic_recovered"`
	Uptime         time.Duration `json:"uptime"`
}

// NewPool creates a new worker pool. observer may be nil.
func NewPool(logger *zap.Logger, config *PoolConfig, observer Observer) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	if config.NumWorkers < 1 {
		config.NumWorkers = 1
	}
	if config.QueueSize < 1 {
		config.QueueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:    logger,
		config:    config,
		observer:  observer,
		taskQueue: make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start initializes and starts all workers
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}
	p.started = time.Now()

	p.logger.Info("Starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queue_size", p.config.QueueSize),
	)

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(p.logger.With(zap.Int("worker_id", i)))
	}
}

func (p *Pool) run(logger *zap.Logger) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			// Wait out submitters that saw the pool running.
			p.submitMu.Lock()
			p.submitMu.Unlock()
			p.drain(logger)
			return
		case task := <-p.taskQueue:
			p.observeQueue()
			p.execute(logger, task)
		}
	}
}

// drain hands queued tasks the cancelled pool context so waiters are
// released.
func (p *Pool) drain(logger *zap.Logger) {
	for {
		select {
		case task := <-p.taskQueue:
			p.execute(logger, task)
		default:
			return
		}
	}
}

// execute runs a task inline with timeout and panic recovery.
func (p *Pool) execute(logger *zap.Logger, task Task) {
	start := time.Now()

	ctx := p.ctx
	if p.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(p.ctx, p.config.TaskTimeout)
		defer cancel()
	}

	err := p.safeExecute(logger, ctx, task)

	outcome := OutcomeCompleted
	var perr *PanicError
	switch {
	case err == nil:
		p.completed.Add(1)
	case errors.As(err, &perr):
		outcome = OutcomePanic
		p.failed.Add(1)
	case errors.Is(err, context.DeadlineExceeded):
		outcome = OutcomeTimeout
		p.timedOut.Add(1)
		logger.Warn("Task timed out", zap.Duration("timeout", p.config.TaskTimeout))
	default:
		outcome = OutcomeFailed
		p.failed.Add(1)
		logger.Debug("Task failed", zap.Error(err))
	}

	if p.observer != nil {
		p.observer.ObserveTask(p.config.Name, time.Since(start), outcome)
	}
}

func (p *Pool) safeExecute(logger *zap.Logger, ctx context.Context, task Task) (err error) {
	if p.config.PanicRecovery {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				logger.Error("Worker recovered from panic", zap.Any("panic", r))
				err = &PanicError{Recovered: r}
			}
		}()
	}
	return task.Execute(ctx)
}

// Submit adds a task to the queue without blocking.
func (p *Pool) Submit(task Task) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if !p.running.Load() || p.ctx.Err() != nil {
		return ErrPoolStopped
	}

	select {
	case p.taskQueue <- task:
		p.submitted.Add(1)
		p.observeQueue()
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitCtx adds a task to the queue, waiting for space until ctx is done.
func (p *Pool) SubmitCtx(ctx context.Context, task Task) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if !p.running.Load() || p.ctx.Err() != nil {
		return ErrPoolStopped
	}

	select {
	case p.taskQueue <- task:
		p.submitted.Add(1)
		p.observeQueue()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolStopped
	}
}

// SubmitWait submits a task and waits for completion
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	done := make(chan error, 1)
	wrapper := TaskFunc(func(tctx context.Context) (err error) {
		defer func() { done <- err }()
		return task.Execute(tctx)
	})

	if err := p.SubmitCtx(ctx, wrapper); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels running tasks and waits for the workers to exit.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}

	p.logger.Info("Stopping worker pool", zap.String("name", p.config.Name))
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped gracefully", zap.String("name", p.config.Name))
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("Worker pool shutdown timed out",
			zap.String("name", p.config.Name),
			zap.Duration("timeout", p.config.ShutdownTimeout),
		)
		return ErrShutdownTimeout
	}
}

func (p *Pool) observeQueue() {
	if p.observer != nil {
		p.observer.ObserveQueue(p.config.Name, len(p.taskQueue))
	}
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	var uptime time.Duration
	if !p.started.IsZero() {
		uptime = time.Since(p.started)
	}
	return PoolStats{
		Name:           p.config.Name,
		Workers:        p.config.NumWorkers,
		QueueLength:    len(p.taskQueue),
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksTimeout:   p.timedOut.Load(),
		PanicRecovered: p.panics.Load(),
		Uptime:         uptime,
	}
}

// Errors
var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "task queue is full"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError represents a pool error
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError represents a recovered panic
type PanicError struct {
	Recovered interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.Recovered)
}

// BatchError collects the failures of a batch. Index i of Errors belongs to
// task Indexes[i].
type BatchError struct {
	Errors  []error
	Indexes []int
	Total   int
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%d of %d tasks failed: %v", len(e.Errors), e.Total, e.Errors[0])
}

// AllFailed reports whether no task in the batch succeeded.
func (e *BatchError) AllFailed() bool {
	return len(e.Errors) == e.Total
}

// RunBatch submits every task and waits for all of them. It returns a
// *BatchError if any task failed or could not be submitted.
func (p *Pool) RunBatch(ctx context.Context, tasks []Task) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		berr = &BatchError{Total: len(tasks)}
	)
	fail := func(i int, err error) {
		mu.Lock()
		berr.Errors = append(berr.Errors, err)
		berr.Indexes = append(berr.Indexes, i)
		mu.Unlock()
	}

	for i, task := range tasks {
		i, task := i, task
		wg.Add(1)
		wrapper := TaskFunc(func(tctx context.Context) (err error) {
			defer wg.Done()
			defer func() {
				if err != nil {
					fail(i, err)
				}
			}()
			if p.config.PanicRecovery {
				defer func() {
					if r := recover(); r != nil {
						err = &PanicError{Recovered: r}
					}
				}()
			}
			return task.Execute(tctx)
		})
		if err := p.SubmitCtx(ctx, wrapper); err != nil {
			wg.Done()
			fail(i, fmt.Errorf("failed to submit task %d: %w", i, err))
		}
	}

	wg.Wait()
	if len(berr.Errors) > 0 {
		return berr
	}
	return nil
}
