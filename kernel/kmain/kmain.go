// Package kmain contains the kernel entrypoint that brings up the kernel
// subsystems in order and then hands control to the task executor.
package kmain

import (
	"coopos/device/keyboard"
	"coopos/kernel"
	"coopos/kernel/cpu"
	"coopos/kernel/goruntime"
	"coopos/kernel/hal"
	"coopos/kernel/irq"
	"coopos/kernel/kfmt"
	"coopos/kernel/mm/heap"
	"coopos/kernel/mm/pmm"
	"coopos/kernel/mm/vmm"
	"coopos/kernel/task"
	"coopos/multiboot"
)

var (
	// The following functions are mocked by tests.
	irqInitFn        = irq.Init
	vmmInitFn        = vmm.Init
	memoryMapFn      = multiboot.MemoryMap
	pmmInitFn        = pmm.Init
	heapInitFn       = heap.Init
	goruntimeInitFn  = goruntime.Init
	detectHardwareFn = hal.DetectHardware
	breakpointFn     = cpu.Breakpoint
	cmdLineValueFn   = multiboot.BootCmdLineValue
	runSelfTestsFn   = runSelfTests
	runExecutorFn    = (*task.Executor).Run

	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errUnknownLayout = &kernel.Error{Module: "kmain", Message: "unknown keyboard layout"}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. The rt0 code passes the physical address of the
// multiboot info payload, the virtual address where the bootstrap stage
// mapped all of physical memory and the physical addresses of the kernel
// image start and end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, physMemOffset, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(physMemOffset + multibootInfoPtr)

	kfmt.Printf("Hello World!\n")

	if err := initSubsystems(physMemOffset, kernelStart, kernelEnd); err != nil {
		panic(err)
	}

	printCPUInfo()

	// The breakpoint handler returns so execution resumes right after the
	// int3 instruction.
	breakpointFn()
	kfmt.Printf("It did not crash!\n")

	if _, selfTest := cmdLineValueFn("selftest"); selfTest {
		runSelfTestsFn()
	}

	exec, err := newKernelExecutor()
	if err != nil {
		panic(err)
	}
	runExecutorFn(exec)

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// initSubsystems brings up interrupt handling, the page mapper, the frame
// allocator, the kernel heap, the Go allocator and finally the devices, in
// that order.
func initSubsystems(physMemOffset, kernelStart, kernelEnd uintptr) *kernel.Error {
	if err := irqInitFn(); err != nil {
		return err
	}

	mapper, err := vmmInitFn(physMemOffset)
	if err != nil {
		return err
	}

	frameAlloc := pmmInitFn(memoryMapFn(), kernelStart, kernelEnd)

	if err = heapInitFn(mapper, frameAlloc); err != nil {
		return err
	} else if err = goruntimeInitFn(mapper, frameAlloc); err != nil {
		return err
	}

	detectHardwareFn(physMemOffset)
	return nil
}

func printCPUInfo() {
	kfmt.Printf("[kmain] cpu vendor: %s, features:", cpu.Vendor())
	cpu.VisitFeatures(func(name string, supported bool) {
		if supported {
			kfmt.Printf(" %s", name)
		}
	})
	kfmt.Printf("\n")
}

// newKernelExecutor returns an executor with the example task and the
// keypress printer already spawned.
func newKernelExecutor() (*task.Executor, *kernel.Error) {
	layoutName, _ := cmdLineValueFn("kbdlayout")
	layout, ok := keyboard.LayoutByName(layoutName)
	if !ok {
		return nil, errUnknownLayout
	}

	stream, err := keyboard.NewScancodeStream()
	if err != nil {
		return nil, err
	}

	exec := task.NewExecutor(task.DefaultQueueCapacity)
	exec.Spawn(exampleTask())
	exec.Spawn(keyboard.PrintKeypresses(stream, layout))
	return exec, nil
}
