// Package pool runs acquisitions on a fixed number of workers so message
// handling never waits on extraction work.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrQueueFull = errors.New("acquisition queue is full")
	ErrClosed    = errors.New("worker pool is stopped")
)

// Task is one unit of work. Run must return once ctx is done.
type Task struct {
	ID  string
	Run func(ctx context.Context)
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers   int    `json:"workers"`
	Queued    int    `json:"queued"`
	Running   int64  `json:"running"`
	Completed uint64 `json:"completed"`
}

// Config configures the pool.
type Config struct {
	Workers   int
	QueueSize int
	Logger    *slog.Logger
}

// Pool is a bounded worker pool. Submit never blocks.
type Pool struct {
	workers int
	logger  *slog.Logger
	queue   chan Task

	mu      sync.RWMutex
	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running   atomic.Int64
	completed atomic.Uint64
}

func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{
		workers: cfg.Workers,
		logger:  cfg.Logger.With("component", "pool"),
		queue:   make(chan Task, cfg.QueueSize),
	}
}

// Start launches the workers. Tasks receive a context derived from ctx
// that is also cancelled by Stop.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.started {
		return fmt.Errorf("worker pool already started")
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Info("starting worker pool", "workers", p.workers, "queue_size", cap(p.queue))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return nil
}

// Submit enqueues t without blocking.
func (p *Pool) Submit(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task %q has no run function", t.ID)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop cancels running tasks, waits for the workers to return and drops
// anything still queued.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	p.logger.Info("stopping worker pool")
	if started {
		p.cancel()
		p.wg.Wait()
	}

	dropped := 0
	for {
		select {
		case t := <-p.queue:
			dropped++
			p.logger.Warn("dropping queued task on shutdown", "task", t.ID)
		default:
			if dropped > 0 {
				p.logger.Warn("worker pool stopped with queued tasks", "dropped", dropped)
			}
			return
		}
	}
}

// Stats reports queue depth and activity.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Queued:    len(p.queue),
		Running:   p.running.Load(),
		Completed: p.completed.Load(),
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debug("worker stopped", "worker_id", id)
			return
		case t := <-p.queue:
			p.execute(id, t)
		}
	}
}

func (p *Pool) execute(workerID int, t Task) {
	p.running.Add(1)
	start := time.Now()
	defer func() {
		p.running.Add(-1)
		p.completed.Add(1)
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "worker_id", workerID, "task", t.ID, "panic", r)
		}
	}()

	p.logger.Debug("executing task", "worker_id", workerID, "task", t.ID)
	t.Run(p.ctx)
	p.logger.Debug("task completed", "worker_id", workerID, "task", t.ID, "duration_ms", time.Since(start).Milliseconds())
}
