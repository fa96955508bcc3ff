package pipeline

import (
	"sync"

	"github.com/sourcegraph/conc"

	cierrors "github.com/Aman-CERP/cardindex/internal/errors"
)

// ErrShuttingDown is returned when work is offered to a stopped queue.
var ErrShuttingDown = cierrors.New(cierrors.ErrCodeShuttingDown, "indexing pipeline is shutting down", nil)

// Queue is an unbounded FIFO drained by exactly one consumer goroutine.
type Queue struct {
	handle func(WorkItem)

	mu      sync.Mutex
	items   []WorkItem
	stopped bool

	wake      chan struct{}
	done      chan struct{}
	wg        conc.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	rest      []WorkItem
}

// NewQueue creates a queue that passes each item to handle. The consumer
// starts with Start.
func NewQueue(handle func(WorkItem)) *Queue {
	return &Queue{
		handle: handle,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the consumer. Further calls do nothing.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		q.wg.Go(q.consume)
	})
}

// Push appends item. It fails with ErrShuttingDown once Stop was called.
func (q *Queue) Push(item WorkItem) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrShuttingDown
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of items waiting for dispatch.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns a copy of the waiting items in dispatch order.
func (q *Queue) Pending() []WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]WorkItem(nil), q.items...)
}

// Stop refuses new items, removes the undispatched ones and waits for the
// item being handled, if any. It returns the removed items in FIFO order.
// Later calls return the same slice.
func (q *Queue) Stop() []WorkItem {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		q.rest = q.items
		q.items = nil
		q.mu.Unlock()

		close(q.done)
		q.wg.Wait()
	})
	return q.rest
}

func (q *Queue) consume() {
	for {
		item, ok := q.next()
		if ok {
			q.handle(item)
			continue
		}
		select {
		case <-q.wake:
		case <-q.done:
			return
		}
	}
}

func (q *Queue) next() (WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || len(q.items) == 0 {
		return WorkItem{}, false
	}
	item := q.items[0]
	q.items[0] = WorkItem{}
	q.items = q.items[1:]
	return item, true
}
