// Package hal probes for the devices that back kernel output and links them
// to kfmt.
package hal

import (
	"bytes"
	"coopos/device"
	"coopos/device/serial"
	"coopos/device/tty"
	"coopos/device/video/console"
	"coopos/kernel/kfmt"
	"sort"
)

// managedDevices contains the devices discovered by the HAL.
type managedDevices struct {
	activeConsole console.Device
	activeTTY     tty.Device
	diagPort      *serial.Port

	// activeDrivers tracks all initialized device drivers.
	activeDrivers []device.Driver
}

var (
	devices managedDevices
	strBuf  bytes.Buffer

	// The following functions are mocked by tests.
	setOutputSinkFn     = kfmt.SetOutputSink
	setDiagnosticSinkFn = kfmt.SetDiagnosticSink
)

// ActiveTTY returns the currently active TTY.
func ActiveTTY() tty.Device {
	return devices.activeTTY
}

// ActiveConsole returns the currently active console.
func ActiveConsole() console.Device {
	return devices.activeConsole
}

// DiagnosticPort returns the serial port used as the kfmt diagnostic sink or
// nil if serial output is disabled.
func DiagnosticPort() *serial.Port {
	return devices.diagPort
}

// DetectHardware probes for hardware devices and initializes the appropriate
// drivers. Memory-mapped devices are accessed through the physical memory
// mapping that starts at physMemOffset.
func DetectHardware(physMemOffset uintptr) {
	drivers := device.DriverList()
	sort.Sort(drivers)

	probe(drivers, physMemOffset)
}

// probe executes the probe function for each driver and invokes
// onDriverInit for each successfully initialized driver.
func probe(driverInfoList device.DriverInfoList, physMemOffset uintptr) {
	var w kfmt.PrefixWriter

	for _, info := range driverInfoList {
		drv := info.Probe(physMemOffset)
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		onDriverInit(drv)
		devices.activeDrivers = append(devices.activeDrivers, drv)
	}
}

// onDriverInit is invoked by probe() whenever a piece of hardware is detected
// and successfully initialized.
func onDriverInit(drv device.Driver) {
	switch drvImpl := drv.(type) {
	case *serial.Port:
		if devices.diagPort != nil {
			return
		}

		devices.diagPort = drvImpl
		setDiagnosticSinkFn(drvImpl)
	case console.Device:
		if devices.activeConsole != nil {
			return
		}

		devices.activeConsole = drvImpl
		if devices.activeTTY != nil {
			linkTTYToConsole()
		}
	case tty.Device:
		if devices.activeTTY != nil {
			return
		}

		devices.activeTTY = drvImpl
		if devices.activeConsole != nil {
			linkTTYToConsole()
		}
	}
}

// linkTTYToConsole connects the active TTY device to the active console
// device, syncs their contents and makes the TTY the kfmt output sink.
func linkTTYToConsole() {
	devices.activeTTY.AttachTo(devices.activeConsole)
	devices.activeTTY.SetState(tty.StateActive)
	setOutputSinkFn(devices.activeTTY)
}
