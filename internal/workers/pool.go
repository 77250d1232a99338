// Package workers provides a bounded pool of goroutines for work that must
// not block its caller, such as outbound alert delivery.
package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work. ctx is cancelled when the task's timeout expires
// or the pool is stopped.
type Task func(ctx context.Context) error

// PoolConfig configures a pool.
type PoolConfig struct {
	Name            string
	NumWorkers      int
	QueueSize       int
	TaskTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultPoolConfig returns a small pool suited to network I/O.
func DefaultPoolConfig(name string) PoolConfig {
	return PoolConfig{
		Name:            name,
		NumWorkers:      2,
		QueueSize:       256,
		TaskTimeout:     2 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
	}
}

// PoolStats are lifetime counters.
type PoolStats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
	Panics    int64 `json:"panics"`
	Queued    int   `json:"queued"`
}

// Pool runs submitted tasks on a fixed set of workers.
type Pool struct {
	logger *zap.Logger
	config PoolConfig

	queue   chan Task
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
	running bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	panics    atomic.Int64
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

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Recovered any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Recovered)
}

// NewPool creates a stopped pool.
func NewPool(logger *zap.Logger, config PoolConfig) *Pool {
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger: logger.Named("workers").With(zap.String("pool", config.Name)),
		config: config,
		queue:  make(chan Task, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	p.logger.Debug("Starting worker pool",
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queueSize", p.config.QueueSize))

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.work()
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for task := range p.queue {
		p.execute(task)
	}
}

func (p *Pool) execute(task Task) {
	ctx := p.ctx
	if p.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.TaskTimeout)
		defer cancel()
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				err = &PanicError{Recovered: r}
			}
		}()
		return task(ctx)
	}()

	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("Task failed", zap.Error(err))
		return
	}
	p.completed.Add(1)
}

// Submit queues task without blocking. It fails when the pool is stopped
// or the queue is full.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		p.rejected.Add(1)
		return ErrPoolStopped
	}
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrQueueFull
	}
}

// Stop stops accepting tasks and waits for the queue to drain. Tasks still
// running after ShutdownTimeout have their context cancelled.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var timeout <-chan time.Time
	if p.config.ShutdownTimeout > 0 {
		timer := time.NewTimer(p.config.ShutdownTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-done:
		p.cancel()
		return nil
	case <-timeout:
		p.cancel()
		<-done
		p.logger.Warn("Worker pool shutdown timed out",
			zap.Duration("timeout", p.config.ShutdownTimeout))
		return ErrShutdownTimeout
	}
}

// Stats returns the pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
		Panics:    p.panics.Load(),
		Queued:    len(p.queue),
	}
}
