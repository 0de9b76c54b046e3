package task

import (
	"coopos/kernel"
	"coopos/kernel/cpu"
	"coopos/kernel/sync"
	"sync/atomic"
)

// DefaultQueueCapacity is the ready queue size used by the kernel executor.
const DefaultQueueCapacity = 100

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	disableInterruptsFn       = cpu.DisableInterrupts
	enableInterruptsFn        = cpu.EnableInterrupts
	enableInterruptsAndHaltFn = cpu.EnableInterruptsAndHalt

	errDuplicateTask = &kernel.Error{Module: "task", Message: "task with same id already spawned"}
)

// Executor polls spawned tasks whenever they are woken. Only tasks whose id
// has been pushed to the ready queue are polled.
type Executor struct {
	tasks map[TaskID]*Task

	// contexts caches the poll context, and with it the waker, of each
	// task that has been polled at least once.
	contexts map[TaskID]*Context
	queue    *sync.Queue
}

// NewExecutor returns an executor whose ready queue can hold queueCapacity
// task ids.
func NewExecutor(queueCapacity int) *Executor {
	return &Executor{
		tasks:    make(map[TaskID]*Task),
		contexts: make(map[TaskID]*Context),
		queue:    sync.NewQueue(queueCapacity),
	}
}

// Spawn wraps future into a new task and schedules it for its first poll.
func (e *Executor) Spawn(future Future) TaskID {
	t := NewTask(future)
	e.spawnTask(t)
	return t.id
}

func (e *Executor) spawnTask(t *Task) {
	if _, exists := e.tasks[t.id]; exists {
		panic(errDuplicateTask)
	}

	e.tasks[t.id] = t
	if !e.queue.Push(uint64(t.id)) {
		panic(errTaskQueueFull)
	}
}

// TaskCount returns the number of spawned tasks that have not completed.
func (e *Executor) TaskCount() int {
	return len(e.tasks)
}

// RunReady polls every task in the ready queue until the queue is empty.
// Ids of tasks that already completed are skipped. Completed tasks and their
// cached contexts are released.
func (e *Executor) RunReady() {
	for {
		next, ok := e.queue.Pop()
		if !ok {
			return
		}

		id := TaskID(next)
		t, exists := e.tasks[id]
		if !exists {
			continue
		}

		cx, exists := e.contexts[id]
		if !exists {
			cx = NewContext(newWaker(id, e.queue))
			e.contexts[id] = cx
		}

		atomic.StoreUint32(&cx.waker.queued, 0)
		if t.poll(cx) == Ready {
			delete(e.tasks, id)
			delete(e.contexts, id)
		}
	}
}

// Run polls tasks as they become ready and halts the CPU while there is no
// work. Run never returns.
func (e *Executor) Run() {
	for {
		e.RunReady()
		e.sleepIfIdle()
	}
}

// sleepIfIdle halts the CPU until the next interrupt if the ready queue is
// empty. Interrupts are disabled while checking the queue and re-enabled
// atomically with the halt so a wake-up that fires in between is not
// missed.
func (e *Executor) sleepIfIdle() {
	disableInterruptsFn()
	if e.queue.IsEmpty() {
		enableInterruptsAndHaltFn()
		return
	}
	enableInterruptsFn()
}
