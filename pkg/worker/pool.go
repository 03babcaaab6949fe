package worker

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"callcoach-server/pkg/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TaskFunc is a unit of background work. Returned errors are logged by the
// runner; callers never observe them.
type TaskFunc func(ctx context.Context) error

// Runner executes fire-and-forget tasks with centralized error logging.
// Go reports whether the task was accepted.
type Runner interface {
	Go(name string, fields logrus.Fields, fn TaskFunc) bool
}

// Task is a queued unit of work
type Task struct {
	ID      string
	Name    string
	Fields  logrus.Fields
	Fn      TaskFunc
	Created time.Time
}

// PoolStats tracks pool counters
type PoolStats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Queued    int   `json:"queued"`
	Workers   int   `json:"workers"`
}

// Pool is a fixed set of goroutines consuming a bounded task queue.
type Pool struct {
	logger      *logrus.Entry
	workerCount int
	taskTimeout time.Duration

	taskChan chan Task
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	started bool
	stopped bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewPool creates a pool. workerCount <= 0 selects runtime.NumCPU().
// Each task runs under a context bounded by taskTimeout.
func NewPool(workerCount int, taskTimeout time.Duration, logger *logrus.Logger) *Pool {
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	if taskTimeout <= 0 {
		taskTimeout = time.Minute
	}

	queueSize := workerCount * 128
	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		logger:      logger.WithField("component", "worker_pool"),
		workerCount: workerCount,
		taskTimeout: taskTimeout,
		taskChan:    make(chan Task, queueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the workers
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started || p.stopped {
		return
	}

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.work(i + 1)
	}

	p.started = true
	p.logger.WithField("worker_count", p.workerCount).Info("Worker pool started")
}

// Stop stops accepting tasks and waits for queued ones to finish, or for ctx
// to expire, whichever comes first. Running tasks are cancelled on expiry.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.taskChan)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("Worker pool stopped")
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.WithField("queued", len(p.taskChan)).Warn("Worker pool stop deadline exceeded, cancelling tasks")
		return ctx.Err()
	}
}

// Go enqueues a task. When the queue is full the task is dropped and logged.
func (p *Pool) Go(name string, fields logrus.Fields, fn TaskFunc) bool {
	if fn == nil {
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started || p.stopped {
		p.logger.WithFields(fields).WithField("task", name).Warn("Worker pool not running, dropping task")
		p.dropped.Add(1)
		metrics.RecordBackgroundTask(name, "dropped")
		return false
	}

	task := Task{
		ID:      uuid.NewString(),
		Name:    name,
		Fields:  fields,
		Fn:      fn,
		Created: time.Now(),
	}

	select {
	case p.taskChan <- task:
		p.submitted.Add(1)
		return true
	default:
		p.dropped.Add(1)
		metrics.RecordBackgroundTask(name, "dropped")
		p.logger.WithFields(fields).WithField("task", name).Warn("Worker pool queue full, dropping task")
		return false
	}
}

// Stats returns a snapshot of pool counters
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Queued:    len(p.taskChan),
		Workers:   p.workerCount,
	}
}

func (p *Pool) work(id int) {
	defer p.wg.Done()

	for task := range p.taskChan {
		ctx, cancel := context.WithTimeout(p.ctx, p.taskTimeout)
		err := execute(ctx, p.logger, task)
		cancel()

		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}

	p.logger.WithField("worker_id", id).Debug("Worker exited")
}

// execute runs one task, converting panics into errors and logging failures.
func execute(ctx context.Context, logger *logrus.Entry, task Task) (err error) {
	start := time.Now()
	entry := logger.WithFields(task.Fields).WithField("task", task.Name)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			metrics.RecordBackgroundTask(task.Name, "panic")
			entry.WithField("panic", r).Error("Background task panic recovered")
		}
	}()

	if err = task.Fn(ctx); err != nil {
		metrics.RecordBackgroundTask(task.Name, "error")
		entry.WithError(err).WithField("elapsed_ms", time.Since(start).Milliseconds()).Error("Background task failed")
		return err
	}

	metrics.RecordBackgroundTask(task.Name, "ok")
	return nil
}
