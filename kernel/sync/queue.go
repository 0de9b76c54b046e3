package sync

import (
	"sync/atomic"

	xcpu "golang.org/x/sys/cpu"
)

// queueSlot stores a single queued value together with a sequence number
// that tells producers and consumers whether the slot is ready for them.
type queueSlot struct {
	seq   uint64
	value uint64
}

// Queue is a bounded, lock-free, multi-producer multi-consumer FIFO queue of
// uint64 values. Push and Pop never block and never allocate, which makes
// them safe to call from interrupt handlers.
//
// Each slot carries a sequence number: a slot at position pos is free for a
// producer when seq == pos and holds a value for a consumer when
// seq == pos+1. Consumers release the slot for the next lap by storing
// pos+capacity.
type Queue struct {
	_    xcpu.CacheLinePad
	head uint64
	_    xcpu.CacheLinePad
	tail uint64
	_    xcpu.CacheLinePad

	capacity uint64
	slots    []queueSlot
}

// NewQueue creates a queue that can hold up to capacity values. The capacity
// is fixed for the lifetime of the queue. NewQueue allocates and must only
// be called after the Go allocator has been initialized.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}

	q := &Queue{
		capacity: uint64(capacity),
		slots:    make([]queueSlot, capacity),
	}

	for i := range q.slots {
		q.slots[i].seq = uint64(i)
	}

	return q
}

// Push appends v to the queue. It returns false if the queue is full.
func (q *Queue) Push(v uint64) bool {
	pos := atomic.LoadUint64(&q.tail)
	for {
		slot := &q.slots[pos%q.capacity]
		seq := atomic.LoadUint64(&slot.seq)

		switch diff := int64(seq - pos); {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&q.tail, pos, pos+1) {
				slot.value = v
				atomic.StoreUint64(&slot.seq, pos+1)
				return true
			}
			pos = atomic.LoadUint64(&q.tail)
		case diff < 0:
			// The slot still holds a value from the previous lap.
			return false
		default:
			pos = atomic.LoadUint64(&q.tail)
		}
	}
}

// Pop removes the value at the front of the queue. The second return value is
// false if the queue is empty.
func (q *Queue) Pop() (uint64, bool) {
	pos := atomic.LoadUint64(&q.head)
	for {
		slot := &q.slots[pos%q.capacity]
		seq := atomic.LoadUint64(&slot.seq)

		switch diff := int64(seq - (pos + 1)); {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&q.head, pos, pos+1) {
				v := slot.value
				atomic.StoreUint64(&slot.seq, pos+q.capacity)
				return v, true
			}
			pos = atomic.LoadUint64(&q.head)
		case diff < 0:
			return 0, false
		default:
			pos = atomic.LoadUint64(&q.head)
		}
	}
}

// Len returns the number of queued values. The result is a snapshot and may
// be stale by the time the caller inspects it.
func (q *Queue) Len() int {
	for {
		tail := atomic.LoadUint64(&q.tail)
		head := atomic.LoadUint64(&q.head)
		if atomic.LoadUint64(&q.tail) == tail {
			return int(tail - head)
		}
	}
}

// IsEmpty returns true if the queue contains no values.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return int(q.capacity)
}
