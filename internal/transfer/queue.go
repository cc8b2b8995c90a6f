package transfer

import (
	"container/heap"
	"sync"

	"github.com/google/uuid"

	"github.com/NamanBalaji/mediagate/internal/logger"
)

// queueItem wraps a transfer ID with its priority for the heap.
type queueItem struct {
	ID       uuid.UUID
	Priority int
	seq      uint64
	index    int
}

// transferHeap is a max-heap by Priority, FIFO among equal priorities.
type transferHeap []*queueItem

func (h transferHeap) Len() int { return len(h) }
func (h transferHeap) Less(i, j int) bool {
	if h[i].Priority == h[j].Priority {
		return h[i].seq < h[j].seq
	}
	return h[i].Priority > h[j].Priority
}

func (h transferHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *transferHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *transferHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	item.index = -1
	*h = old[:n-1]
	return item
}

// QueueProcessor runs queued transfers, at most maxConcurrent at a time.
// Its dispatch loop exits when stopCh is closed.
type QueueProcessor struct {
	mu            sync.Mutex
	cond          *sync.Cond
	heap          transferHeap
	runFn         func(uuid.UUID) error
	maxConcurrent int
	activeCount   int
	nextSeq       uint64
	stopCh        <-chan struct{}
}

// NewQueueProcessor creates and starts the processor loop.
func NewQueueProcessor(maxConcurrent int, runFn func(uuid.UUID) error, stopCh <-chan struct{}) *QueueProcessor {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	qp := &QueueProcessor{
		heap:          make(transferHeap, 0),
		runFn:         runFn,
		maxConcurrent: maxConcurrent,
		stopCh:        stopCh,
	}
	qp.cond = sync.NewCond(&qp.mu)

	go qp.dispatchLoop()

	// wake a waiting dispatchLoop on stop
	go func() {
		<-stopCh
		qp.cond.L.Lock()
		qp.cond.Broadcast()
		qp.cond.L.Unlock()
	}()

	return qp
}

// Enqueue adds a transfer ID with its priority into the queue.
func (q *QueueProcessor) Enqueue(id uuid.UUID, priority int) {
	q.mu.Lock()
	heap.Push(&q.heap, &queueItem{ID: id, Priority: priority, seq: q.nextSeq})
	q.nextSeq++
	logger.Debugf("Enqueued transfer %s (priority %d)", id, priority)
	q.cond.Signal()
	q.mu.Unlock()
}

// Len returns the number of transfers waiting for a slot.
func (q *QueueProcessor) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Active returns the number of transfers currently running.
func (q *QueueProcessor) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeCount
}

func (q *QueueProcessor) stopped() bool {
	select {
	case <-q.stopCh:
		return true
	default:
		return false
	}
}

// dispatchLoop pops items when slots free and starts workers.
func (q *QueueProcessor) dispatchLoop() {
	for {
		q.mu.Lock()
		for (q.activeCount >= q.maxConcurrent || len(q.heap) == 0) && !q.stopped() {
			q.cond.Wait()
		}
		if q.stopped() {
			q.mu.Unlock()
			return
		}

		item := heap.Pop(&q.heap).(*queueItem)
		q.activeCount++
		q.mu.Unlock()

		go func(id uuid.UUID) {
			defer func() {
				q.mu.Lock()
				q.activeCount--
				q.cond.Signal()
				q.mu.Unlock()
			}()

			logger.Debugf("Running transfer %s", id)
			if err := q.runFn(id); err != nil {
				logger.Errorf("Transfer %s failed: %v", id, err)
			}
		}(item.ID)
	}
}
