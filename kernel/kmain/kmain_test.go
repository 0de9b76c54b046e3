package kmain

import (
	"bytes"
	"coopos/device/keyboard"
	"coopos/device/qemu"
	"coopos/kernel"
	"coopos/kernel/cpu"
	"coopos/kernel/goruntime"
	"coopos/kernel/hal"
	"coopos/kernel/irq"
	"coopos/kernel/kfmt"
	"coopos/kernel/mm"
	"coopos/kernel/mm/heap"
	"coopos/kernel/mm/pmm"
	"coopos/kernel/mm/vmm"
	"coopos/kernel/task"
	"coopos/multiboot"
	"reflect"
	"strings"
	"testing"
)

func restoreFns() {
	irqInitFn = irq.Init
	vmmInitFn = vmm.Init
	memoryMapFn = multiboot.MemoryMap
	pmmInitFn = pmm.Init
	heapInitFn = heap.Init
	goruntimeInitFn = goruntime.Init
	detectHardwareFn = hal.DetectHardware
	breakpointFn = cpu.Breakpoint
	cmdLineValueFn = multiboot.BootCmdLineValue
	runSelfTestsFn = runSelfTests
	exitFn = qemu.Exit
	heapAllocationsFn = heap.Allocations
}

func captureOutput(t *testing.T) *bytes.Buffer {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	buf.Reset()
	t.Cleanup(func() { kfmt.SetOutputSink(nil) })
	return &buf
}

func TestInitSubsystems(t *testing.T) {
	defer restoreFns()

	const (
		physOffset  = uintptr(0x10000000000)
		kernelStart = uintptr(0x100000)
		kernelEnd   = uintptr(0x200000)
	)

	var (
		calls     []string
		mapper    = &vmm.Mapper{}
		allocator = &pmm.BootInfoAllocator{}
		memMap    = []multiboot.MemoryRegion{
			{Start: 0x100000, End: 0x8000000, Kind: multiboot.RegionUsable},
		}
	)

	mockAll := func() {
		irqInitFn = func() *kernel.Error {
			calls = append(calls, "irq")
			return nil
		}
		vmmInitFn = func(off uintptr) (*vmm.Mapper, *kernel.Error) {
			if off != physOffset {
				t.Errorf("expected vmm.Init to get offset 0x%x; got 0x%x", physOffset, off)
			}
			calls = append(calls, "vmm")
			return mapper, nil
		}
		memoryMapFn = func() []multiboot.MemoryRegion {
			return memMap
		}
		pmmInitFn = func(regions []multiboot.MemoryRegion, start, end uintptr) *pmm.BootInfoAllocator {
			if len(regions) != len(memMap) || regions[0] != memMap[0] {
				t.Errorf("expected pmm.Init to get the bootloader memory map; got %v", regions)
			}
			if start != kernelStart || end != kernelEnd {
				t.Errorf("unexpected kernel image range 0x%x - 0x%x", start, end)
			}
			calls = append(calls, "pmm")
			return allocator
		}
		heapInitFn = func(m heap.PageMapper, fa mm.FrameAllocator) *kernel.Error {
			if m != heap.PageMapper(mapper) || fa != mm.FrameAllocator(allocator) {
				t.Error("expected heap to be initialized with the kernel mapper and frame allocator")
			}
			calls = append(calls, "heap")
			return nil
		}
		goruntimeInitFn = func(m *vmm.Mapper, fa mm.FrameAllocator) *kernel.Error {
			calls = append(calls, "goruntime")
			return nil
		}
		detectHardwareFn = func(off uintptr) {
			calls = append(calls, "hal")
		}
	}

	t.Run("success", func(t *testing.T) {
		calls = nil
		mockAll()

		if err := initSubsystems(physOffset, kernelStart, kernelEnd); err != nil {
			t.Fatal(err)
		}

		if exp := []string{"irq", "vmm", "pmm", "heap", "goruntime", "hal"}; !reflect.DeepEqual(calls, exp) {
			t.Fatalf("expected init order %v; got %v", exp, calls)
		}
	})

	expErr := &kernel.Error{Module: "test", Message: "init failed"}
	specs := []struct {
		fail     func()
		expCalls []string
	}{
		{
			func() { irqInitFn = func() *kernel.Error { return expErr } },
			nil,
		},
		{
			func() {
				vmmInitFn = func(_ uintptr) (*vmm.Mapper, *kernel.Error) { return nil, expErr }
			},
			[]string{"irq"},
		},
		{
			func() {
				heapInitFn = func(_ heap.PageMapper, _ mm.FrameAllocator) *kernel.Error { return expErr }
			},
			[]string{"irq", "vmm", "pmm"},
		},
		{
			func() {
				goruntimeInitFn = func(_ *vmm.Mapper, _ mm.FrameAllocator) *kernel.Error { return expErr }
			},
			[]string{"irq", "vmm", "pmm", "heap"},
		},
	}

	for specIndex, spec := range specs {
		calls = nil
		mockAll()
		spec.fail()

		if err := initSubsystems(physOffset, kernelStart, kernelEnd); err != expErr {
			t.Errorf("[spec %d] expected to get error %v; got %v", specIndex, expErr, err)
		}

		if !reflect.DeepEqual(calls, spec.expCalls) {
			t.Errorf("[spec %d] expected calls %v; got %v", specIndex, spec.expCalls, calls)
		}
	}
}

func TestExampleTask(t *testing.T) {
	buf := captureOutput(t)

	if n, state := asyncNumber().Poll(nil); n != 42 || state != task.Ready {
		t.Fatalf("expected asyncNumber to resolve to 42; got %d", n)
	}

	exec := task.NewExecutor(task.DefaultQueueCapacity)
	exec.Spawn(exampleTask())
	exec.RunReady()

	if exec.TaskCount() != 0 {
		t.Fatal("expected example task to complete after a single drain pass")
	}

	if exp := "async number: 42\n"; buf.String() != exp {
		t.Fatalf("expected output %q; got %q", exp, buf.String())
	}
}

func TestNewKernelExecutor(t *testing.T) {
	defer restoreFns()

	t.Run("unknown layout", func(t *testing.T) {
		cmdLineValueFn = func(key string) (string, bool) {
			if key == "kbdlayout" {
				return "colemak", true
			}
			return "", false
		}

		if _, err := newKernelExecutor(); err != errUnknownLayout {
			t.Fatalf("expected errUnknownLayout; got %v", err)
		}
	})

	t.Run("success", func(t *testing.T) {
		buf := captureOutput(t)
		cmdLineValueFn = func(_ string) (string, bool) { return "", false }

		exec, err := newKernelExecutor()
		if err != nil {
			t.Fatal(err)
		}

		if exec.TaskCount() != 2 {
			t.Fatalf("expected 2 spawned tasks; got %d", exec.TaskCount())
		}

		exec.RunReady()

		// the example task completes; the keypress printer waits for input
		if exec.TaskCount() != 1 {
			t.Fatalf("expected 1 pending task; got %d", exec.TaskCount())
		}

		keyboard.AddScancode(0x23) // h
		keyboard.AddScancode(0x17) // i
		exec.RunReady()

		if exp := "async number: 42\nhi"; buf.String() != exp {
			t.Fatalf("expected output %q; got %q", exp, buf.String())
		}

		// the scancode stream can only be created once
		if _, err := newKernelExecutor(); err == nil {
			t.Fatal("expected a second executor to fail to create a scancode stream")
		}
	})
}

func TestPrintCPUInfo(t *testing.T) {
	buf := captureOutput(t)

	printCPUInfo()

	if !strings.HasPrefix(buf.String(), "[kmain] cpu vendor: ") || !strings.HasSuffix(buf.String(), "\n") {
		t.Fatalf("unexpected cpu info output: %q", buf.String())
	}
}

func TestRunSelfTests(t *testing.T) {
	defer func(orig []selfTest) {
		selfTests = orig
		restoreFns()
	}(selfTests)

	var exitCodes []qemu.ExitCode
	exitFn = func(code qemu.ExitCode) { exitCodes = append(exitCodes, code) }

	t.Run("all pass", func(t *testing.T) {
		buf := captureOutput(t)
		exitCodes = nil
		selfTests = []selfTest{
			{"first", func() *kernel.Error { return nil }},
			{"second", func() *kernel.Error { return nil }},
		}

		runSelfTests()

		if exp := "Running 2 tests\nfirst...\t[ok]\nsecond...\t[ok]\n"; buf.String() != exp {
			t.Fatalf("expected output %q; got %q", exp, buf.String())
		}

		if len(exitCodes) != 1 || exitCodes[0] != qemu.ExitSuccess {
			t.Fatalf("expected a single ExitSuccess; got %v", exitCodes)
		}
	})

	t.Run("failure", func(t *testing.T) {
		buf := captureOutput(t)
		exitCodes = nil
		selfTests = []selfTest{
			{"broken", func() *kernel.Error { return errHeapCorrupted }},
			{"never run", func() *kernel.Error {
				t.Error("expected tests after a failure to be skipped")
				return nil
			}},
		}

		runSelfTests()

		if !strings.HasPrefix(buf.String(), "Running 2 tests\nbroken...\t[failed]\n") ||
			!strings.Contains(buf.String(), "[selftest] heap contents corrupted") {
			t.Fatalf("unexpected output %q", buf.String())
		}

		if len(exitCodes) != 1 || exitCodes[0] != qemu.ExitFailed {
			t.Fatalf("expected a single ExitFailed; got %v", exitCodes)
		}
	})
}

func TestHostSafeSelfTests(t *testing.T) {
	defer restoreFns()

	var (
		breakpoints int
		heapBlocks  uint64
	)
	breakpointFn = func() { breakpoints++ }

	// Runtime arena growth is served by the kernel heap.
	heapAllocationsFn = func() uint64 {
		heapBlocks++
		return heapBlocks
	}

	for _, fn := range []func() *kernel.Error{testBreakpoint, testLargeVec, testExecutor} {
		if err := fn(); err != nil {
			t.Fatal(err)
		}
	}

	if breakpoints != 1 {
		t.Fatalf("expected one breakpoint; got %d", breakpoints)
	}
}

func TestLargeVecWithoutHeapGrowth(t *testing.T) {
	defer restoreFns()

	heapAllocationsFn = func() uint64 { return 3 }

	if err := testLargeVec(); err != errHeapNotUsed {
		t.Fatalf("expected errHeapNotUsed; got %v", err)
	}
}
