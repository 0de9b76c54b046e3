package keyboard

import (
	"coopos/kernel"
	"coopos/kernel/kfmt"
	"coopos/kernel/sync"
	"coopos/kernel/task"
	"sync/atomic"
	"unsafe"
)

// ScancodeQueueCapacity is the number of scancodes buffered between the
// keyboard interrupt handler and the task consuming them.
const ScancodeQueueCapacity = 100

var (
	// scancodeQueue points to the sync.Queue that AddScancode pushes to.
	// It stays nil until a ScancodeStream is created.
	scancodeQueue unsafe.Pointer

	// queueWaker holds the waker of the task blocked on an empty queue.
	queueWaker task.AtomicWaker

	streamCreated uint32

	errStreamExists = &kernel.Error{Module: "keyboard", Message: "scancode stream already created"}
)

// AddScancode is invoked by the keyboard interrupt handler to queue a raw
// scancode for the task reading the scancode stream. It must not block or
// allocate. Scancodes that arrive before the stream exists or while the queue
// is full are dropped with a warning on the diagnostic sink.
func AddScancode(code uint8) {
	q := (*sync.Queue)(atomic.LoadPointer(&scancodeQueue))
	if q == nil {
		kfmt.Diagf("WARNING: scancode queue uninitialized\n")
		return
	}

	if !q.Push(uint64(code)) {
		kfmt.Diagf("WARNING: scancode queue full; dropping keyboard input\n")
		return
	}

	queueWaker.Wake()
}

// ScancodeStream provides asynchronous access to the scancodes queued by
// the keyboard interrupt handler. Only one stream may exist.
type ScancodeStream struct {
	queue *sync.Queue
}

// NewScancodeStream allocates the scancode queue and returns the stream that
// reads from it. Calling it more than once returns an error.
func NewScancodeStream() (*ScancodeStream, *kernel.Error) {
	if !atomic.CompareAndSwapUint32(&streamCreated, 0, 1) {
		return nil, errStreamExists
	}

	q := sync.NewQueue(ScancodeQueueCapacity)
	atomic.StorePointer(&scancodeQueue, unsafe.Pointer(q))
	return &ScancodeStream{queue: q}, nil
}

// PollNext returns the next queued scancode. If the queue is empty, the
// waker in cx is registered and task.Pending is returned; the waker is
// invoked as soon as AddScancode queues a new scancode.
func (s *ScancodeStream) PollNext(cx *task.Context) (uint8, task.PollState) {
	if code, ok := s.queue.Pop(); ok {
		return uint8(code), task.Ready
	}

	queueWaker.Register(cx.Waker())

	// A scancode may have been queued between the first Pop and Register.
	if code, ok := s.queue.Pop(); ok {
		queueWaker.Take()
		return uint8(code), task.Ready
	}

	return 0, task.Pending
}

// keypressPrinter is a never-ending task that decodes scancodes from a
// stream and echoes them to the console.
type keypressPrinter struct {
	stream   *ScancodeStream
	keyboard *Keyboard
}

// PrintKeypresses returns a task that decodes every scancode read from
// stream using layout and prints the resulting characters. Keys without a
// character mapping are printed by name. The task never completes.
func PrintKeypresses(stream *ScancodeStream, layout Layout) task.Future {
	return &keypressPrinter{
		stream:   stream,
		keyboard: New(layout, IgnoreControl),
	}
}

func (p *keypressPrinter) Poll(cx *task.Context) task.PollState {
	for {
		code, state := p.stream.PollNext(cx)
		if state == task.Pending {
			return task.Pending
		}

		ev, ok := p.keyboard.AddByte(code)
		if !ok {
			continue
		}

		key, ok := p.keyboard.ProcessKeyEvent(ev)
		if !ok {
			continue
		}

		if key.IsRune() {
			kfmt.Printf("%c", key.Rune)
		} else {
			kfmt.Printf("%s", key.Key.String())
		}
	}
}
