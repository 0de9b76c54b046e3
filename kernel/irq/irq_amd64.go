// Package irq brings up the descriptor tables and the interrupt controller
// and installs the kernel's exception and hardware interrupt handlers.
package irq

import (
	"coopos/device/keyboard"
	"coopos/device/serial"
	"coopos/kernel"
	"coopos/kernel/cpu"
	"coopos/kernel/gate"
	"coopos/kernel/gdt"
	"coopos/kernel/kfmt"
	"coopos/kernel/pic"
	"sync/atomic"
)

// keyboardDataPort is the PS/2 controller data port.
const keyboardDataPort = 0x60

var (
	initialized uint32
	ticks       uint64

	// doubleFaultMsg is written straight to the UART by the double fault
	// handler.
	doubleFaultMsg = []byte("\r\nEXCEPTION: DOUBLE FAULT; system halted\r\n")

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	gdtInitFn          = gdt.Init
	gateInitFn         = gate.Init
	picInitFn          = pic.Init
	picUnmaskFn        = pic.Unmask
	sendEOIFn          = pic.SendEOI
	enableInterruptsFn = cpu.EnableInterrupts
	handleInterruptFn  = gate.HandleInterrupt
	readCR2Fn          = cpu.ReadCR2
	portReadByteFn     = cpu.PortReadByte
	portWriteByteFn    = cpu.PortWriteByte
	haltFn             = cpu.Halt
	addScancodeFn      = keyboard.AddScancode

	errAlreadyInitialized = &kernel.Error{Module: "irq", Message: "interrupt infrastructure already initialized"}
	errUnrecoverableFault = &kernel.Error{Module: "irq", Message: "page/gpf fault"}
)

// Init loads the GDT (with the double fault stack in its TSS), installs the
// exception and IRQ handlers, loads the IDT, remaps the PIC and unmasks the
// timer and keyboard lines and finally enables interrupts. Init may only be
// called once.
func Init() *kernel.Error {
	if !atomic.CompareAndSwapUint32(&initialized, 0, 1) {
		return errAlreadyInitialized
	}

	gdtInitFn()

	handleInterruptFn(gate.Breakpoint, 0, breakpointHandler)
	handleInterruptFn(gate.DoubleFault, gdt.DoubleFaultIST, doubleFaultHandler)
	handleInterruptFn(gate.GPFException, 0, generalProtectionFaultHandler)
	handleInterruptFn(gate.PageFaultException, 0, pageFaultHandler)
	handleInterruptFn(gate.InterruptNumber(pic.Vector(pic.IRQTimer)), 0, timerHandler)
	handleInterruptFn(gate.InterruptNumber(pic.Vector(pic.IRQKeyboard)), 0, keyboardHandler)
	gateInitFn(gdt.KernelCodeSelector)

	picInitFn()
	picUnmaskFn(pic.IRQTimer)
	picUnmaskFn(pic.IRQKeyboard)

	enableInterruptsFn()
	return nil
}

// Ticks returns the number of timer interrupts received so far.
func Ticks() uint64 {
	return atomic.LoadUint64(&ticks)
}

func breakpointHandler(regs *gate.Registers) {
	kfmt.Printf("\nEXCEPTION: BREAKPOINT\n")
	kfmt.Diagf("EXCEPTION: BREAKPOINT at 0x%x\n", regs.RIP)
	regs.DumpTo(kfmt.GetOutputSink())
}

// doubleFaultHandler runs on the IST stack. The regular stack may be
// corrupted so it only uses nosplit code to report the fault before halting.
//
//go:nosplit
func doubleFaultHandler(_ *gate.Registers) {
	for i := 0; i < len(doubleFaultMsg); i++ {
		portWriteByteFn(serial.COM1, doubleFaultMsg[i])
	}
	haltFn()
}

func generalProtectionFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nEXCEPTION: GENERAL PROTECTION FAULT\nError code: 0x%x\n", regs.Info)
	kfmt.Diagf("EXCEPTION: GENERAL PROTECTION FAULT; error code: 0x%x, RIP: 0x%x\n", regs.Info, regs.RIP)
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(errUnrecoverableFault)
}

func pageFaultHandler(regs *gate.Registers) {
	faultAddress := uintptr(readCR2Fn())
	reason := pageFaultReason(regs.Info)

	kfmt.Printf("\nEXCEPTION: PAGE FAULT\nAccessed address: 0x%16x\nError code: 0x%x (%s)\n", faultAddress, regs.Info, reason)
	kfmt.Diagf("EXCEPTION: PAGE FAULT; address: 0x%x, error code: 0x%x (%s)\n", faultAddress, regs.Info, reason)
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(errUnrecoverableFault)
}

// pageFaultReason decodes the page fault error code.
func pageFaultReason(errorCode uint64) string {
	switch {
	case errorCode&(1<<3) != 0:
		return "page table has reserved bit set"
	case errorCode&(1<<4) != 0:
		return "instruction fetch"
	case errorCode&(1<<2) != 0:
		return "page-fault in user-mode"
	case errorCode == 0:
		return "read from non-present page"
	case errorCode == 1:
		return "page protection violation (read)"
	case errorCode == 2:
		return "write to non-present page"
	case errorCode == 3:
		return "page protection violation (write)"
	default:
		return "unknown"
	}
}

func timerHandler(_ *gate.Registers) {
	atomic.AddUint64(&ticks, 1)
	sendEOIFn(pic.IRQTimer)
}

func keyboardHandler(_ *gate.Registers) {
	addScancodeFn(portReadByteFn(keyboardDataPort))
	sendEOIFn(pic.IRQKeyboard)
}
