// Package qemu signals the outcome of a kernel run to the host through the
// isa-debug-exit device (-device isa-debug-exit,iobase=0xf4,iosize=0x04).
package qemu

import "coopos/kernel/cpu"

// ExitCode is written to the debug exit port. QEMU terminates with status
// (code << 1) | 1, so ExitSuccess maps to host status 33.
type ExitCode uint32

const (
	// ExitSuccess reports that every self test passed. The host sees exit
	// status 33.
	ExitSuccess ExitCode = 0x10

	// ExitFailed reports a failed self test or a kernel panic during the
	// self tests. The host sees exit status 35.
	ExitFailed ExitCode = 0x11
)

const debugExitPort = 0xf4

var (
	portWriteDwordFn = cpu.PortWriteDword
	haltFn           = cpu.Halt
)

// Exit asks QEMU to terminate with code. When not running under QEMU the
// write is ignored and Exit parks the CPU instead.
func Exit(code ExitCode) {
	portWriteDwordFn(debugExitPort, uint32(code))

	for {
		haltFn()
	}
}
