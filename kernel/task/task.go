// Package task implements cooperative multitasking on top of pollable
// futures. Tasks are resumed by an Executor whenever their Waker is invoked;
// wakers only push the task id to a lock-free queue so they can be called
// from interrupt handlers.
package task

import (
	"sync/atomic"
)

// PollState is returned by Future.Poll.
type PollState uint8

const (
	// Pending indicates that the future cannot make progress until its
	// waker is invoked.
	Pending PollState = iota

	// Ready indicates that the future has completed.
	Ready
)

// Future is a computation that makes progress each time it is polled. A
// future that returns Pending must arrange for the waker in the supplied
// Context to be invoked once it can make progress again.
type Future interface {
	Poll(cx *Context) PollState
}

// FutureFunc adapts a plain function to the Future interface.
type FutureFunc func(cx *Context) PollState

// Poll implements Future.
func (f FutureFunc) Poll(cx *Context) PollState {
	return f(cx)
}

// Context is passed to Future.Poll and gives access to the waker of the
// task that is being polled.
type Context struct {
	waker *Waker
}

// NewContext returns a Context for the supplied waker.
func NewContext(w *Waker) *Context {
	return &Context{waker: w}
}

// Waker returns the waker for the task being polled.
func (cx *Context) Waker() *Waker {
	return cx.waker
}

// TaskID uniquely identifies a task.
type TaskID uint64

// nextTaskID holds the id assigned to the next task.
var nextTaskID uint64

func newTaskID() TaskID {
	return TaskID(atomic.AddUint64(&nextTaskID, 1) - 1)
}

// Task pairs a future with a unique id. Tasks are always handled by
// pointer; the future they wrap is never copied or moved once spawned.
type Task struct {
	id     TaskID
	future Future
}

// NewTask wraps a future into a new task with a fresh id.
func NewTask(future Future) *Task {
	return &Task{id: newTaskID(), future: future}
}

// ID returns the task id.
func (t *Task) ID() TaskID {
	return t.id
}

func (t *Task) poll(cx *Context) PollState {
	return t.future.Poll(cx)
}
