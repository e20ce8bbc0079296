// Package workerpool is a bounded FIFO pool for agent-loop jobs.
//
// Submit never blocks: when the queue is full it fails fast with
// ErrQueueFull so the gateway can answer with a 503-equivalent instead of
// stalling the connection's event loop.
package workerpool

import (
	"errors"
	"log/slog"
	"runtime"
	"sync"
)

// ErrQueueFull is returned by Submit when the queue is at capacity.
var ErrQueueFull = errors.New("worker queue is full")

// DefaultQueueSize bounds the task queue when none is configured.
const DefaultQueueSize = 1000

// Pool runs submitted closures on a fixed set of workers.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// New creates and starts a pool. workers defaults to the hardware
// concurrency with a floor of 4; queueSize defaults to DefaultQueueSize.
func New(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers < 4 {
			workers = 4
		}
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	p := &Pool{tasks: make(chan func(), queueSize)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	slog.Info("Worker pool started", "workers", workers, "queue_size", queueSize)
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for fn := range p.tasks {
		fn()
	}
}

// Submit enqueues fn for execution. Fails with ErrQueueFull when the queue
// is at capacity and with an error after Stop.
func (p *Pool) Submit(fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return errors.New("worker pool is stopped")
	}
	select {
	case p.tasks <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop drains the queue and joins the workers. Safe to call once.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	slog.Info("Worker pool stopped")
}

// QueueDepth reports the number of queued tasks, for monitoring.
func (p *Pool) QueueDepth() int {
	return len(p.tasks)
}
