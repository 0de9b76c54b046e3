// Package serial drives a 16550-compatible UART. The kernel uses the first
// port as a diagnostic sink so that output remains visible on headless runs.
package serial

import (
	"coopos/device"
	"coopos/kernel"
	"coopos/kernel/cpu"
	"coopos/kernel/kfmt"
	"coopos/multiboot"
	"io"
)

// COM1 is the I/O base of the first serial port.
const COM1 = 0x3f8

// Register offsets relative to the port base.
const (
	regData        = 0 // DLAB=0: rx/tx buffer; DLAB=1: divisor low byte
	regIntEnable   = 1 // DLAB=0: interrupt enable; DLAB=1: divisor high byte
	regFIFOControl = 2
	regLineControl = 3
	regModemCtrl   = 4
	regLineStatus  = 5
)

const (
	lineControlDLAB = 0x80
	lineControl8N1  = 0x03

	// enable FIFO, clear rx/tx FIFOs, 14-byte threshold
	fifoEnableClear14 = 0xc7

	// DTR, RTS and OUT2 asserted
	modemReady = 0x0b

	lineStatusTxEmpty = 0x20

	// BaudDivisor selects 38400 baud from the 115200 Hz base clock.
	BaudDivisor = 115200 / 38400

	// txSpinLimit bounds the wait for the transmit holding register so a
	// missing UART cannot hang the kernel.
	txSpinLimit = 1 << 16
)

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
	cmdLineValueFn  = multiboot.BootCmdLineValue
)

// Port is a 16550 UART configured for 38400 baud, 8 data bits, no parity and
// one stop bit.
type Port struct {
	base uint16
}

// NewPort returns a driver for the UART at base. The port is not programmed
// until DriverInit is called.
func NewPort(base uint16) *Port {
	return &Port{base: base}
}

// Base returns the I/O base of the port.
func (p *Port) Base() uint16 {
	return p.base
}

// WriteByte implements io.ByteWriter. It waits until the transmitter is
// ready before sending b.
func (p *Port) WriteByte(b byte) error {
	for spin := 0; spin < txSpinLimit; spin++ {
		if portReadByteFn(p.base+regLineStatus)&lineStatusTxEmpty != 0 {
			break
		}
	}

	portWriteByteFn(p.base+regData, b)
	return nil
}

// Write implements io.Writer.
func (p *Port) Write(data []byte) (int, error) {
	for _, b := range data {
		p.WriteByte(b)
	}

	return len(data), nil
}

// DriverName returns the name of this driver.
func (p *Port) DriverName() string {
	return "serial_16550"
}

// DriverVersion returns the version of this driver.
func (p *Port) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit programs the UART line settings.
func (p *Port) DriverInit(w io.Writer) *kernel.Error {
	// mask UART interrupts; output is polled
	portWriteByteFn(p.base+regIntEnable, 0)

	portWriteByteFn(p.base+regLineControl, lineControlDLAB)
	portWriteByteFn(p.base+regData, uint8(BaudDivisor&0xff))
	portWriteByteFn(p.base+regIntEnable, uint8(BaudDivisor>>8))
	portWriteByteFn(p.base+regLineControl, lineControl8N1)

	portWriteByteFn(p.base+regFIFOControl, fifoEnableClear14)
	portWriteByteFn(p.base+regModemCtrl, modemReady)

	kfmt.Fprintf(w, "port 0x%x at %d baud\n", p.base, 115200/BaudDivisor)
	return nil
}

// probeForCOM1 returns a driver for COM1 unless the "serial=off" boot
// command line option is present.
func probeForCOM1(_ uintptr) device.Driver {
	if v, ok := cmdLineValueFn("serial"); ok && v == "off" {
		return nil
	}

	return NewPort(COM1)
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderEarly,
		Probe: probeForCOM1,
	})
}
