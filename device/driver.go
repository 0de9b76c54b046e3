// Package device defines the interface implemented by device drivers and the
// registry that kernel/hal uses to probe for hardware.
package device

import (
	"coopos/kernel"
	"io"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer in
	// conjunction with a call to kfmt.Fprintf.
	DriverInit(io.Writer) *kernel.Error
}

// ProbeFn scans for the presence of a particular piece of hardware and
// returns a driver for it or nil if the hardware is not present. Memory
// mapped devices are reached by adding their physical address to
// physMemOffset.
type ProbeFn func(physMemOffset uintptr) Driver

// DetectOrder specifies when a driver is probed relative to the others.
type DetectOrder int8

const (
	// DetectOrderEarly is used by drivers that other drivers rely on for
	// reporting diagnostics, such as the serial port.
	DetectOrderEarly DetectOrder = -64

	// DetectOrderConsole is used by console drivers.
	DetectOrderConsole DetectOrder = 0

	// DetectOrderLast is used by drivers that attach to devices found in
	// earlier passes, such as terminals that attach to a console.
	DetectOrderLast DetectOrder = 127
)

// DriverInfo describes a registered driver.
type DriverInfo struct {
	// Order controls when the driver's probe function runs.
	Order DetectOrder

	// Probe is invoked to detect the hardware handled by the driver.
	Probe ProbeFn
}

// DriverInfoList implements sort.Interface, ordering entries by Order.
type DriverInfoList []*DriverInfo

func (l DriverInfoList) Len() int           { return len(l) }
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }
func (l DriverInfoList) Swap(i, j int)      { l[i], l[j] = l[j], l[i] }

var registeredDrivers DriverInfoList

// RegisterDriver adds info to the list of drivers probed by the hal. Drivers
// call it from an init block.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the registered drivers in registration order.
func DriverList() DriverInfoList {
	return registeredDrivers
}
