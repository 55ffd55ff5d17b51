package grpctx

import "sync/atomic"

// atomicIntrusiveQueue is a multi-producer single-consumer intrusive list.
// The head word holds one of three values: nil (consumer active, queue
// empty), the inactive sentinel (the consumer needs a wakeup on the next
// enqueue), or the most recently enqueued operation. The sentinel is the
// address of a queue-owned stub node, which is never enqueued and therefore
// never a valid item address.
//
// Adapted from the libunifex-style atomic intrusive queue: producers push
// with a CAS loop, the consumer takes the whole list with a single exchange
// and reverses it to FIFO order.
type atomicIntrusiveQueue struct {
	head atomic.Pointer[operation]
	stub operation
}

func (q *atomicIntrusiveQueue) inactiveSentinel() *operation { return &q.stub }

// markInactive initializes the queue with the producer marked inactive. Only
// valid before any concurrent use.
func (q *atomicIntrusiveQueue) markInactive() { q.head.Store(&q.stub) }

// enqueue pushes item and reports whether the consumer was inactive. Exactly
// one producer observes each inactive to active transition; that producer
// must wake the consumer.
func (q *atomicIntrusiveQueue) enqueue(item *operation) (wasInactive bool) {
	inactive := q.inactiveSentinel()
	for {
		old := q.head.Load()
		if old == inactive {
			item.next = nil
		} else {
			item.next = old
		}
		if q.head.CompareAndSwap(old, item) {
			return old == inactive
		}
	}
}

// tryMarkActive transitions inactive to active-empty. Used by the consumer
// on startup and resume.
func (q *atomicIntrusiveQueue) tryMarkActive() bool {
	return q.head.CompareAndSwap(q.inactiveSentinel(), nil)
}

// tryMarkInactive transitions active-empty to inactive; fails if the queue
// holds items.
func (q *atomicIntrusiveQueue) tryMarkInactive() bool {
	return q.head.CompareAndSwap(nil, q.inactiveSentinel())
}

// tryMarkInactiveOrDequeueAll either marks the consumer inactive (empty
// queue, returns an empty list) or takes the whole list in FIFO order. Not
// valid while the consumer is already marked inactive.
func (q *atomicIntrusiveQueue) tryMarkInactiveOrDequeueAll() intrusiveQueue {
	if q.tryMarkInactive() {
		return intrusiveQueue{}
	}
	return makeReversed(q.head.Swap(nil))
}

// dequeueAll unconditionally takes the list and leaves the producer marked
// inactive. Used on the terminal shutdown path.
func (q *atomicIntrusiveQueue) dequeueAll() intrusiveQueue {
	head := q.head.Swap(q.inactiveSentinel())
	if head == nil || head == q.inactiveSentinel() {
		return intrusiveQueue{}
	}
	return makeReversed(head)
}
