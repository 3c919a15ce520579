package dispatch

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/dropbox/godropbox/time2"

	"auditline/internal/domain"
)

// task is either a fan-out of an intent (channel empty) or one delivery
// attempt on one channel.
type task struct {
	intent    domain.NotificationIntent
	channel   domain.Channel
	address   string
	payload   Rendered
	attempt   int
	notBefore time.Time

	seq   uint64
	index int
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].notBefore.Equal(h[j].notBefore) {
		return h[i].seq < h[j].seq
	}
	return h[i].notBefore.Before(h[j].notBefore)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// delayQueue releases tasks once their notBefore has passed. It waits on the
// clock instead of polling.
type delayQueue struct {
	mu    sync.Mutex
	items taskHeap
	seq   uint64
	clock time2.Clock
	wake  chan struct{}
}

func newDelayQueue(clock time2.Clock) *delayQueue {
	return &delayQueue{clock: clock, wake: make(chan struct{}, 1)}
}

func (q *delayQueue) push(t *task) {
	q.mu.Lock()
	q.seq++
	t.seq = q.seq
	heap.Push(&q.items, t)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *delayQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// run hands due tasks to out until ctx is done. Sends on out block while all
// workers are busy, which bounds in-flight sends to the pool size.
func (q *delayQueue) run(ctx context.Context, out chan<- *task) {
	for {
		var due *task
		var wait <-chan time.Time
		q.mu.Lock()
		if len(q.items) > 0 {
			if d := q.items[0].notBefore.Sub(q.clock.Now()); d <= 0 {
				due = heap.Pop(&q.items).(*task)
			} else {
				wait = q.clock.After(d)
			}
		}
		q.mu.Unlock()

		if due != nil {
			select {
			case out <- due:
				continue
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-wait:
		}
	}
}
