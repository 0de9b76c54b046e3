package task

import (
	"coopos/kernel"
	"coopos/kernel/sync"
	"sync/atomic"
)

var (
	errTaskQueueFull = &kernel.Error{Module: "task", Message: "task queue full"}
)

// Waker reschedules a task by pushing its id to the executor's ready queue.
// Wake never allocates or blocks and may be called from interrupt context.
type Waker struct {
	id    TaskID
	queue *sync.Queue

	// queued is set when the id is pushed to the ready queue and cleared
	// by the executor right before the task is polled. Wakes that arrive
	// in between are coalesced.
	queued uint32
}

func newWaker(id TaskID, queue *sync.Queue) *Waker {
	return &Waker{id: id, queue: queue}
}

// TaskID returns the id of the task woken by this waker.
func (w *Waker) TaskID() TaskID {
	return w.id
}

// Wake schedules the task to be polled again. A full ready queue means that
// tasks are being woken faster than they can be polled; this is treated as
// a fatal error.
func (w *Waker) Wake() {
	if !atomic.CompareAndSwapUint32(&w.queued, 0, 1) {
		return
	}

	if !w.queue.Push(uint64(w.id)) {
		panic(errTaskQueueFull)
	}
}

// AtomicWaker states.
const (
	waiting     uint32 = 0
	registering uint32 = 1
	waking      uint32 = 2
)

// AtomicWaker holds a single waker that can be registered by a polling task
// while an interrupt handler concurrently takes and invokes it.
type AtomicWaker struct {
	state uint32
	waker *Waker
}

// Register stores w as the waker to invoke on the next call to Wake. If a
// Wake call races with Register, w is invoked right away so the wake-up is
// not lost.
func (a *AtomicWaker) Register(w *Waker) {
	switch {
	case atomic.CompareAndSwapUint32(&a.state, waiting, registering):
		a.waker = w

		if atomic.CompareAndSwapUint32(&a.state, registering, waiting) {
			return
		}

		// A concurrent Wake observed the registering state; it left the
		// waker in place for us to invoke.
		pending := a.waker
		a.waker = nil
		atomic.StoreUint32(&a.state, waiting)
		if pending != nil {
			pending.Wake()
		}
	case atomic.LoadUint32(&a.state) == waking:
		w.Wake()
	}
}

// Take removes and returns the registered waker or nil if no waker is
// registered or the waker is being updated.
func (a *AtomicWaker) Take() *Waker {
	if fetchOr(&a.state, waking) != waiting {
		return nil
	}

	w := a.waker
	a.waker = nil
	clearBits(&a.state, waking)
	return w
}

// Wake invokes the registered waker, if any.
func (a *AtomicWaker) Wake() {
	if w := a.Take(); w != nil {
		w.Wake()
	}
}

// fetchOr sets bits in *addr and returns the previous value.
func fetchOr(addr *uint32, bits uint32) uint32 {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, old|bits) {
			return old
		}
	}
}

// clearBits clears bits in *addr.
func clearBits(addr *uint32, bits uint32) {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, old&^bits) {
			return
		}
	}
}
