package ingestion

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
)

// ErrDispatcherStopped is returned by Submit after Stop.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Dispatcher runs jobs on a fixed set of workers. Jobs with the same
// partition key always run on the same worker, one at a time, in
// submission order.
type Dispatcher struct {
	queues []chan func(context.Context)
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// NewDispatcher creates a Dispatcher with the given number of workers, each
// buffering up to depth pending jobs.
func NewDispatcher(workers, depth int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if depth < 0 {
		depth = 0
	}
	d := &Dispatcher{queues: make([]chan func(context.Context), workers)}
	for i := range d.queues {
		d.queues[i] = make(chan func(context.Context), depth)
	}
	return d
}

// Start launches the workers. Jobs receive ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	for _, q := range d.queues {
		d.wg.Add(1)
		go func(q chan func(context.Context)) {
			defer d.wg.Done()
			for job := range q {
				job(ctx)
			}
		}(q)
	}
}

// Submit queues job on the worker owning key. It blocks while that worker's
// queue is full, which propagates backpressure to the transport.
func (d *Dispatcher) Submit(ctx context.Context, key string, job func(context.Context)) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		return ErrDispatcherStopped
	}

	select {
	case d.queues[d.partition(key)] <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops accepting jobs, lets queued jobs finish and waits for the
// workers to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		for _, q := range d.queues {
			close(q)
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Workers returns the number of partitions.
func (d *Dispatcher) Workers() int {
	return len(d.queues)
}

func (d *Dispatcher) partition(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.queues)))
}
