package fanout

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/adred-codev/realtime/internal/monitoring"
)

// Task is one unit of local delivery.
type Task func()

// WorkerPool runs remote deliveries off the bus subscriber goroutine.
//
// Tasks are sharded by key onto a fixed set of workers, each with its own
// queue, so everything for one room runs in submission order. A full queue
// drops the task instead of blocking the bus client.
type WorkerPool struct {
	queues  []chan Task
	wg      sync.WaitGroup
	dropped atomic.Int64
	logger  zerolog.Logger

	mu      sync.RWMutex
	stopped bool
}

// NewWorkerPool creates workers workers with queueSize slots each.
func NewWorkerPool(workers, queueSize int, logger zerolog.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	queues := make([]chan Task, workers)
	for i := range queues {
		queues[i] = make(chan Task, queueSize)
	}
	return &WorkerPool{
		queues: queues,
		logger: logger.With().Str("component", "delivery_pool").Logger(),
	}
}

// Start launches the workers. They exit when ctx is cancelled or Stop is called.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := range wp.queues {
		wp.wg.Add(1)
		go wp.worker(ctx, wp.queues[i])
	}
}

func (wp *WorkerPool) worker(ctx context.Context, queue chan Task) {
	defer wp.wg.Done()
	for {
		select {
		case task, ok := <-queue:
			if !ok {
				return
			}
			if task != nil {
				monitoring.Guard(wp.logger, "deliveryTask", task)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Submit queues task on the worker that owns key. It returns false when the
// task was dropped.
func (wp *WorkerPool) Submit(key string, task Task) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		wp.dropped.Add(1)
		return false
	}
	select {
	case wp.queues[wp.shard(key)] <- task:
		return true
	default:
		wp.dropped.Add(1)
		return false
	}
}

func (wp *WorkerPool) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(wp.queues)))
}

// Stop drains queued tasks and waits for the workers.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	for _, q := range wp.queues {
		close(q)
	}
	wp.mu.Unlock()
	wp.wg.Wait()
}

func (wp *WorkerPool) Dropped() int64 {
	return wp.dropped.Load()
}

// QueueDepth is the number of tasks waiting across all workers.
func (wp *WorkerPool) QueueDepth() int {
	n := 0
	for _, q := range wp.queues {
		n += len(q)
	}
	return n
}
