package events

import (
	"sync/atomic"
	"time"
)

// Queue is a bounded multi-producer/single-consumer hand-off queue.
//
// Offer never blocks: when the queue is full the newest element is dropped
// and Offer returns false — the caller decides whether that is worth a
// metric. Poll blocks up to the given timeout. FIFO order holds per producer;
// there is no total order across producers.
type Queue[T any] struct {
	ch      chan T
	dropped atomic.Int64
}

func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Offer enqueues v if there is room. Returns false (drop-newest) when full.
func (q *Queue[T]) Offer(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Poll dequeues the next element, waiting up to timeout. The second return
// is false on timeout.
func (q *Queue[T]) Poll(timeout time.Duration) (T, bool) {
	var zero T
	if timeout <= 0 {
		select {
		case v := <-q.ch:
			return v, true
		default:
			return zero, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-q.ch:
		return v, true
	case <-timer.C:
		return zero, false
	}
}

// PollChan exposes the consumer end for select loops.
func (q *Queue[T]) PollChan() <-chan T { return q.ch }

// Len is the number of queued elements at this instant.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap is the configured capacity.
func (q *Queue[T]) Cap() int { return cap(q.ch) }

// Dropped is the number of elements rejected because the queue was full.
func (q *Queue[T]) Dropped() int64 { return q.dropped.Load() }
