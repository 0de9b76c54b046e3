package kmain

import (
	"coopos/device/qemu"
	"coopos/kernel"
	"coopos/kernel/kfmt"
	"coopos/kernel/mm/heap"
	"coopos/kernel/task"
	"unsafe"
)

// selfTest is an in-kernel check executed when the kernel is booted with the
// "selftest" command line flag.
type selfTest struct {
	name string
	fn   func() *kernel.Error
}

var (
	exitFn            = qemu.Exit
	heapAllocationsFn = heap.Allocations

	selfTests = []selfTest{
		{"breakpoint exception", testBreakpoint},
		{"simple allocation", testSimpleAllocation},
		{"large vec", testLargeVec},
		{"many boxes", testManyBoxes},
		{"many boxes long lived", testManyBoxesLongLived},
		{"executor", testExecutor},
	}

	errHeapCorrupted    = &kernel.Error{Module: "selftest", Message: "heap contents corrupted"}
	errLiveAllocations  = &kernel.Error{Module: "selftest", Message: "unexpected live heap allocation count"}
	errTaskNotCompleted = &kernel.Error{Module: "selftest", Message: "task did not complete"}
	errHeapNotUsed      = &kernel.Error{Module: "selftest", Message: "runtime allocation did not reach the kernel heap"}
)

// report writes to both the console and the diagnostic (serial) sink.
func report(format string, args ...interface{}) {
	kfmt.Printf(format, args...)
	kfmt.Diagf(format, args...)
}

// runSelfTests runs every self test and exits QEMU with ExitSuccess. A
// failing test, or a kernel panic while the tests run, prints "[failed]" and
// exits with ExitFailed.
func runSelfTests() {
	kfmt.SetPanicHook(func(_ *kernel.Error) {
		report("[failed]\n")
		exitFn(qemu.ExitFailed)
	})
	defer kfmt.SetPanicHook(nil)

	report("Running %d tests\n", len(selfTests))
	for _, t := range selfTests {
		report("%s...\t", t.name)
		if err := t.fn(); err != nil {
			report("[failed]\n\n[%s] %s\n", err.Module, err.Message)
			exitFn(qemu.ExitFailed)
			return
		}
		report("[ok]\n")
	}

	exitFn(qemu.ExitSuccess)
}

// ptr converts a heap address into a pointer.
func ptr(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}

func testBreakpoint() *kernel.Error {
	breakpointFn()
	return nil
}

func testSimpleAllocation() *kernel.Error {
	a := heap.MustAlloc(8, 8)
	b := heap.MustAlloc(8, 8)
	*(*uint64)(ptr(a)) = 41
	*(*uint64)(ptr(b)) = 13

	ok := *(*uint64)(ptr(a)) == 41 && *(*uint64)(ptr(b)) == 13
	heap.Free(a, 8, 8)
	heap.Free(b, 8, 8)

	if !ok {
		return errHeapCorrupted
	}
	return nil
}

// testLargeVec grows a slice well past the runtime's first arena chunk. The
// extra arena memory is carved out of the kernel heap, so the number of live
// heap allocations must grow with it.
func testLargeVec() *kernel.Error {
	const n = 1 << 19

	base := heapAllocationsFn()

	v := make([]uint64, 0)
	for i := uint64(0); i < n; i++ {
		v = append(v, i)
	}

	var sum uint64
	for _, x := range v {
		sum += x
	}

	if sum != (n-1)*n/2 {
		return errHeapCorrupted
	}

	if heapAllocationsFn() <= base {
		return errHeapNotUsed
	}
	return nil
}

func testManyBoxes() *kernel.Error {
	base := heap.Allocations()
	for i := uintptr(0); i < heap.HeapSize; i++ {
		addr := heap.MustAlloc(8, 8)
		*(*uintptr)(ptr(addr)) = i
		if *(*uintptr)(ptr(addr)) != i {
			return errHeapCorrupted
		}
		heap.Free(addr, 8, 8)
	}

	if heap.Allocations() != base {
		return errLiveAllocations
	}
	return nil
}

func testManyBoxesLongLived() *kernel.Error {
	base := heap.Allocations()

	longLived := heap.MustAlloc(8, 8)
	*(*uint64)(ptr(longLived)) = 1

	for i := uintptr(0); i < heap.HeapSize; i++ {
		addr := heap.MustAlloc(8, 8)
		*(*uintptr)(ptr(addr)) = i
		if *(*uintptr)(ptr(addr)) != i {
			return errHeapCorrupted
		}
		heap.Free(addr, 8, 8)
	}

	ok := *(*uint64)(ptr(longLived)) == 1 && heap.Allocations() == base+1
	heap.Free(longLived, 8, 8)
	if !ok {
		return errHeapCorrupted
	}
	return nil
}

func testExecutor() *kernel.Error {
	var polls int

	exec := task.NewExecutor(task.DefaultQueueCapacity)
	exec.Spawn(task.FutureFunc(func(_ *task.Context) task.PollState {
		polls++
		return task.Ready
	}))
	exec.RunReady()

	if polls != 1 || exec.TaskCount() != 0 {
		return errTaskNotCompleted
	}
	return nil
}
