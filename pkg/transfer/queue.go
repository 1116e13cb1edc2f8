package transfer

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/nexuscore/nexusd/internal/logger"
)

// QueueConfig configures a Queue.
type QueueConfig struct {
	// QueueSize is the maximum number of pending tasks.
	// Default: 1000
	QueueSize int

	// Workers is the number of concurrent task workers.
	// Default: 4
	Workers int
}

// DefaultQueueConfig returns sensible defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		QueueSize: 1000,
		Workers:   4,
	}
}

// taskItem wraps a Task with its heap index for container/heap bookkeeping.
type taskItem struct {
	task  Task
	index int
	seq   uint64
}

// taskHeap is a max-heap on Priority, FIFO among equal priorities via seq.
type taskHeap []*taskItem

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority() != h[j].task.Priority() {
		return h[i].task.Priority() > h[j].task.Priority()
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *taskHeap) Push(x any) {
	item := x.(*taskItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is a bounded, priority-ordered task queue drained by a fixed worker
// pool. Zero value is not usable; construct with NewQueue.
type Queue struct {
	cfg QueueConfig

	mu      sync.Mutex
	cond    *sync.Cond
	h       taskHeap
	nextSeq uint64
	size    int
	closed  bool

	started   bool
	wg        sync.WaitGroup
	stopCh    chan struct{}
	stoppedCh chan struct{}

	statsMu   sync.Mutex
	completed int
	failed    int
}

// NewQueue creates a Queue with the given configuration, applying defaults
// for non-positive fields.
func NewQueue(cfg QueueConfig) *Queue {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	q := &Queue{
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.h)
	return q
}

// Start launches the worker pool. Safe to call multiple times; subsequent
// calls are a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	logger.Info("Starting transfer queue", "workers", q.cfg.Workers)

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}

	go func() {
		q.wg.Wait()
		close(q.stoppedCh)
	}()
}

// Stop signals all workers to drain in-flight work and exit, waiting up to
// timeout before giving up. Safe to call before Start or more than once.
func (q *Queue) Stop(timeout time.Duration) {
	q.mu.Lock()
	if !q.started || q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stopCh)
	q.cond.Broadcast()

	select {
	case <-q.stoppedCh:
		logger.Info("Transfer queue stopped gracefully")
	case <-time.After(timeout):
		pending, _, _ := q.Stats()
		logger.Warn("Transfer queue stop timed out", "pending", pending)
	}
}

// Enqueue submits a task for background execution, returning false if the
// queue is at capacity.
func (q *Queue) Enqueue(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.size >= q.cfg.QueueSize {
		return false
	}

	q.nextSeq++
	heap.Push(&q.h, &taskItem{task: t, seq: q.nextSeq})
	q.size++
	q.cond.Signal()
	return true
}

// Pending returns the number of queued-but-not-yet-executing tasks.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Stats returns pending, completed, and failed task counts.
func (q *Queue) Stats() (pending, completed, failed int) {
	q.statsMu.Lock()
	completed, failed = q.completed, q.failed
	q.statsMu.Unlock()
	return q.Pending(), completed, failed
}

func (q *Queue) pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.size == 0 {
		return nil, false
	}

	item := heap.Pop(&q.h).(*taskItem)
	q.size--
	return item.task, true
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			q.drain(ctx)
			return
		case <-ctx.Done():
			return
		default:
		}

		t, ok := q.pop()
		if !ok {
			return
		}
		q.run(ctx, t)
	}
}

// drain executes whatever remains in the queue once after a Stop signal, so
// work already accepted by Enqueue still completes before shutdown.
func (q *Queue) drain(ctx context.Context) {
	for {
		q.mu.Lock()
		if q.size == 0 {
			q.mu.Unlock()
			return
		}
		item := heap.Pop(&q.h).(*taskItem)
		q.size--
		q.mu.Unlock()
		q.run(ctx, item.task)
	}
}

func (q *Queue) run(ctx context.Context, t Task) {
	err := t.Execute(ctx)

	q.statsMu.Lock()
	if err != nil {
		q.failed++
	} else {
		q.completed++
	}
	q.statsMu.Unlock()

	if err != nil {
		logger.ErrorCtx(ctx, "Transfer task failed", logger.Operation(t.Describe()), logger.Err(err))
		return
	}
	logger.DebugCtx(ctx, "Transfer task completed", logger.Operation(t.Describe()))
}
