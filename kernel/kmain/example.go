package kmain

import (
	"coopos/kernel/kfmt"
	"coopos/kernel/task"
)

// numberFuture resolves to a fixed value on its first poll.
type numberFuture struct {
	n int
}

func (f *numberFuture) Poll(_ *task.Context) (int, task.PollState) {
	return f.n, task.Ready
}

func asyncNumber() *numberFuture {
	return &numberFuture{n: 42}
}

// exampleTask awaits asyncNumber and prints the result.
func exampleTask() task.Future {
	number := asyncNumber()
	return task.FutureFunc(func(cx *task.Context) task.PollState {
		n, state := number.Poll(cx)
		if state == task.Pending {
			return task.Pending
		}

		kfmt.Printf("async number: %d\n", n)
		return task.Ready
	})
}
