// Package pic drives the pair of cascaded 8259 programmable interrupt
// controllers.
package pic

import "coopos/kernel/cpu"

// IRQ identifies an interrupt line on the chained controllers. Lines 0-7 are
// served by the master and lines 8-15 by the slave.
type IRQ uint8

const (
	// IRQTimer is the programmable interval timer line.
	IRQTimer = IRQ(0)

	// IRQKeyboard is the PS/2 keyboard line.
	IRQKeyboard = IRQ(1)

	// irqCascade connects the slave controller to the master.
	irqCascade = IRQ(2)
)

const (
	// MasterOffset and SlaveOffset are the vectors that IRQ 0 and IRQ 8
	// are remapped to. The default mapping overlaps the CPU exceptions.
	MasterOffset = 32
	SlaveOffset  = MasterOffset + 8

	masterCommand = uint16(0x20)
	masterData    = uint16(0x21)
	slaveCommand  = uint16(0xa0)
	slaveData     = uint16(0xa1)

	// waitPort is an unused port; writing to it gives the controllers
	// time to process the previous command on older hardware.
	waitPort = uint16(0x80)

	cmdInit    = 0x11
	cmdEOI     = 0x20
	mode8086   = 0x01
	allMasked  = 0xff
	slaveLine  = 1 << irqCascade
	slaveIdent = uint8(irqCascade)
)

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
)

// Vector returns the interrupt vector that the supplied line is delivered on.
func Vector(irq IRQ) uint8 {
	return MasterOffset + uint8(irq)
}

// Init remaps both controllers to MasterOffset and SlaveOffset and masks all
// lines except the cascade line. Individual lines are enabled with Unmask.
func Init() {
	write := func(port uint16, value uint8) {
		portWriteByteFn(port, value)
		portWriteByteFn(waitPort, 0)
	}

	// ICW1: start the initialization sequence
	write(masterCommand, cmdInit)
	write(slaveCommand, cmdInit)

	// ICW2: vector offsets
	write(masterData, MasterOffset)
	write(slaveData, SlaveOffset)

	// ICW3: wiring between master and slave
	write(masterData, slaveLine)
	write(slaveData, slaveIdent)

	// ICW4: 8086 mode
	write(masterData, mode8086)
	write(slaveData, mode8086)

	portWriteByteFn(masterData, allMasked&^slaveLine)
	portWriteByteFn(slaveData, allMasked)
}

// Unmask enables delivery of the supplied line.
func Unmask(irq IRQ) {
	port, bit := maskPort(irq)
	portWriteByteFn(port, portReadByteFn(port)&^bit)
}

// Mask disables delivery of the supplied line.
func Mask(irq IRQ) {
	port, bit := maskPort(irq)
	portWriteByteFn(port, portReadByteFn(port)|bit)
}

// SendEOI signals the end of interrupt handling for the supplied line. Lines
// served by the slave need an EOI sent to both controllers.
func SendEOI(irq IRQ) {
	if irq >= 8 {
		portWriteByteFn(slaveCommand, cmdEOI)
	}
	portWriteByteFn(masterCommand, cmdEOI)
}

func maskPort(irq IRQ) (uint16, uint8) {
	if irq >= 8 {
		return slaveData, 1 << (irq - 8)
	}
	return masterData, 1 << irq
}
