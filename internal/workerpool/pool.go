// Package workerpool runs the engine's background work on a fixed set of
// goroutines fed from a bounded queue.
package workerpool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheChosenO1/pamplejuce/internal/logging"
)

var log = logging.L("workerpool")

const DefaultWorkers = 4

var (
	ErrPoolStopped = errors.New("workerpool: pool is stopped")
	ErrQueueFull   = errors.New("workerpool: queue is full")
)

type Task func()

type Stats struct {
	Workers   int
	Queued    int
	Running   int64
	Completed uint64
	Rejected  uint64
	Panicked  uint64
}

// Pool rejects work instead of queueing without bound. Its context is
// cancelled as soon as draining starts so long-running tasks can return.
type Pool struct {
	workers int
	tasks   chan Task

	ctx    context.Context
	cancel context.CancelFunc

	// gate is read-held by every enqueue. Drain takes it exclusively once
	// stopped is set, after which no sender can touch tasks.
	gate      sync.RWMutex
	stopped   atomic.Bool
	pending   sync.WaitGroup
	closeOnce sync.Once

	running   atomic.Int64
	completed atomic.Uint64
	rejected  atomic.Uint64
	panicked  atomic.Uint64
}

// New starts a pool with the given number of workers and queue capacity.
func New(workers, queueSize int) *Pool {
	workers = max(workers, 1)
	queueSize = max(queueSize, 1)

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers: workers,
		tasks:   make(chan Task, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		go p.work()
	}
	log.Info("worker pool started", "workers", workers, "queueSize", queueSize)
	return p
}

// Context is cancelled when the pool starts draining.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Submit queues task without blocking. It reports false when the pool is
// stopped or the queue is full.
func (p *Pool) Submit(task Task) bool {
	err := p.enqueue(context.Background(), task, false)
	if errors.Is(err, ErrQueueFull) {
		log.Warn("task rejected, queue full", "queued", len(p.tasks))
	}
	return err == nil
}

// SubmitWait queues task, waiting for room until ctx is done or the pool
// stops.
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	return p.enqueue(ctx, task, true)
}

func (p *Pool) SubmitTimeout(task Task, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.SubmitWait(ctx, task)
}

func (p *Pool) enqueue(ctx context.Context, task Task, wait bool) error {
	p.gate.RLock()
	defer p.gate.RUnlock()

	if p.stopped.Load() {
		p.rejected.Add(1)
		return ErrPoolStopped
	}

	p.pending.Add(1)
	select {
	case p.tasks <- task:
		return nil
	default:
	}
	if !wait {
		p.pending.Done()
		p.rejected.Add(1)
		return ErrQueueFull
	}

	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		p.pending.Done()
		p.rejected.Add(1)
		return errors.Join(ErrQueueFull, ctx.Err())
	case <-p.ctx.Done():
		p.pending.Done()
		p.rejected.Add(1)
		return ErrPoolStopped
	}
}

// StopAccepting makes every later submission fail with ErrPoolStopped.
// Queued tasks still run.
func (p *Pool) StopAccepting() {
	p.stopped.Store(true)
}

// Drain cancels the pool context and waits, until ctx is done, for queued
// and running tasks. Workers exit once the queue empties.
func (p *Pool) Drain(ctx context.Context) {
	p.StopAccepting()
	p.cancel()

	p.gate.Lock()
	p.gate.Unlock()

	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("worker pool drained", "completed", p.completed.Load())
	case <-ctx.Done():
		log.Warn("worker pool drain timed out", "running", p.running.Load(), "queued", len(p.tasks))
	}

	p.closeOnce.Do(func() { close(p.tasks) })
}

// Shutdown is an alias for Drain.
func (p *Pool) Shutdown(ctx context.Context) {
	p.Drain(ctx)
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Queued:    len(p.tasks),
		Running:   p.running.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Panicked:  p.panicked.Load(),
	}
}

func (p *Pool) work() {
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	p.running.Add(1)
	defer func() {
		p.running.Add(-1)
		if r := recover(); r != nil {
			p.panicked.Add(1)
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		} else {
			p.completed.Add(1)
		}
		p.pending.Done()
	}()
	task()
}
