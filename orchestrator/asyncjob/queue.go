// Package asyncjob implements the Async Job Manager: a bounded priority
// queue and fixed worker pool that run deferred InferenceRequests through
// an orchestrator.Engine, with durable job state via an injected JobStore.
package asyncjob

import (
	"container/heap"
	"sync"

	"github.com/BaSui01/agentflow/types"
)

// DefaultQueueCapacity is the bounded queue size; submissions beyond it
// fail with QUEUE_FULL.
const DefaultQueueCapacity = 1000

// queueItem is one pending submission. Higher priority pops first; ties
// resolve by submission order (FIFO), tracked via seq.
type queueItem struct {
	jobID    string
	priority int
	seq      int64
	index    int
}

// priorityHeap is a container/heap.Interface over queueItem, max-priority
// first with FIFO tie-break on seq.
type priorityHeap []*queueItem

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// boundedQueue wraps priorityHeap with a capacity limit and a monotonic
// sequence counter, guarded by a mutex; idle workers wait on notify (with
// a one-second fallback timer in Manager.worker) rather than busy-polling.
type boundedQueue struct {
	mu       sync.Mutex
	heap     priorityHeap
	capacity int
	nextSeq  int64
	byJob    map[string]*queueItem

	notify chan struct{}
}

func newBoundedQueue(capacity int) *boundedQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &boundedQueue{
		heap:     make(priorityHeap, 0, capacity),
		capacity: capacity,
		byJob:    make(map[string]*queueItem),
		notify:   make(chan struct{}, 1),
	}
}

// push adds jobID with priority. Returns ErrQueueFull if the queue is at
// capacity.
func (q *boundedQueue) push(jobID string, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) >= q.capacity {
		return types.NewError(types.ErrQueueFull, "async job queue is full").WithRetryable(true)
	}

	item := &queueItem{jobID: jobID, priority: priority, seq: q.nextSeq}
	q.nextSeq++
	heap.Push(&q.heap, item)
	q.byJob[jobID] = item
	q.wake()
	return nil
}

func (q *boundedQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop removes and returns the highest-priority job id, or ("", false) if
// the queue is empty.
func (q *boundedQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return "", false
	}
	item := heap.Pop(&q.heap).(*queueItem)
	delete(q.byJob, item.jobID)
	return item.jobID, true
}

// remove removes jobID from the queue if still present (used by
// cancellation of a PENDING job). Reports whether it was found.
func (q *boundedQueue) remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byJob[jobID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, item.index)
	delete(q.byJob, jobID)
	return true
}

func (q *boundedQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
