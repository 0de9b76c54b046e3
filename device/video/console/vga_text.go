package console

import (
	"coopos/device"
	"coopos/kernel"
	"coopos/kernel/cpu"
	"coopos/kernel/kfmt"
	"io"
	"reflect"
	"unsafe"
)

const (
	// VgaTextPhysAddr is the physical address of the text mode framebuffer.
	VgaTextPhysAddr = 0xb8000

	defaultColumns = 80
	defaultRows    = 25

	crtcIndexPort  = 0x3d4
	crtcDataPort   = 0x3d5
	crtcCursorLow  = 0x0f
	crtcCursorHigh = 0x0e
)

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteByteFn = cpu.PortWriteByte
)

// VgaTextConsole implements an EGA-compatible text console using VGA mode
// 0x3. Each cell in the framebuffer is a uint16 holding the character in the
// low byte and the colors in the high byte (4 bits each, background in the
// upper nibble).
//
// The console defaults to light gray text on a black background and uses
// space as the clear character.
type VgaTextConsole struct {
	width  uint32
	height uint32

	fbAddr uintptr
	fb     []uint16

	defaultFg Color
	defaultBg Color
	clearChar uint16
}

// NewVgaTextConsole creates a vga text console whose framebuffer is
// reachable at the virtual address fbAddr.
func NewVgaTextConsole(columns, rows uint32, fbAddr uintptr) *VgaTextConsole {
	return &VgaTextConsole{
		width:     columns,
		height:    rows,
		fbAddr:    fbAddr,
		clearChar: uint16(' '),
		defaultFg: LightGray,
		defaultBg: Black,
	}
}

func cell(ch uint16, fg, bg Color) uint16 {
	return uint16((bg&0xf)<<4|(fg&0xf))<<8 | ch
}

// Dimensions returns the console width and height in characters.
func (cons *VgaTextConsole) Dimensions() (uint32, uint32) {
	return cons.width, cons.height
}

// DefaultColors returns the default foreground and background colors
// used by this console.
func (cons *VgaTextConsole) DefaultColors() (fg Color, bg Color) {
	return cons.defaultFg, cons.defaultBg
}

// Fill sets the contents of the specified rectangular region to the requested
// color. Both x and y coordinates are 1-based.
func (cons *VgaTextConsole) Fill(x, y, width, height uint32, fg, bg Color) {
	var (
		clr                  = cell(cons.clearChar, fg, bg)
		rowOffset, colOffset uint32
	)

	// clip rectangle
	if x == 0 {
		x = 1
	} else if x >= cons.width {
		x = cons.width
	}

	if y == 0 {
		y = 1
	} else if y >= cons.height {
		y = cons.height
	}

	if x+width-1 > cons.width {
		width = cons.width - x + 1
	}

	if y+height-1 > cons.height {
		height = cons.height - y + 1
	}

	rowOffset = ((y - 1) * cons.width) + (x - 1)
	for ; height > 0; height, rowOffset = height-1, rowOffset+cons.width {
		for colOffset = rowOffset; colOffset < rowOffset+width; colOffset++ {
			cons.fb[colOffset] = clr
		}
	}
}

// Scroll the console contents to the specified direction. The caller
// is responsible for updating (e.g. clear or replace) the contents of
// the region that was scrolled.
func (cons *VgaTextConsole) Scroll(dir ScrollDir, lines uint32) {
	if lines == 0 || lines > cons.height {
		return
	}

	offset := lines * cons.width

	switch dir {
	case ScrollDirUp:
		copy(cons.fb, cons.fb[offset:cons.height*cons.width])
	case ScrollDirDown:
		copy(cons.fb[offset:cons.height*cons.width], cons.fb)
	}
}

// Write a char to the specified location. Colors outside the EGA range are
// replaced by the console defaults. Both x and y coordinates are 1-based.
func (cons *VgaTextConsole) Write(ch byte, fg, bg Color, x, y uint32) {
	if x < 1 || x > cons.width || y < 1 || y > cons.height {
		return
	}

	if fg > White {
		fg = cons.defaultFg
	}
	if bg > White {
		bg = cons.defaultBg
	}

	cons.fb[((y-1)*cons.width)+(x-1)] = cell(uint16(ch), fg, bg)
}

// SetCursor moves the hardware cursor to (x, y).
func (cons *VgaTextConsole) SetCursor(x, y uint32) {
	if x < 1 || x > cons.width || y < 1 || y > cons.height {
		return
	}

	pos := uint16((y-1)*cons.width + (x - 1))
	portWriteByteFn(crtcIndexPort, crtcCursorLow)
	portWriteByteFn(crtcDataPort, uint8(pos))
	portWriteByteFn(crtcIndexPort, crtcCursorHigh)
	portWriteByteFn(crtcDataPort, uint8(pos>>8))
}

// DriverName returns the name of this driver.
func (cons *VgaTextConsole) DriverName() string {
	return "vga_text_console"
}

// DriverVersion returns the version of this driver.
func (cons *VgaTextConsole) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit initializes this driver. The framebuffer is already reachable
// through the physical memory mapping set up by the bootloader so no new
// mappings are required.
func (cons *VgaTextConsole) DriverInit(w io.Writer) *kernel.Error {
	cells := int(cons.width * cons.height)
	cons.fb = *(*[]uint16)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  cells,
		Cap:  cells,
		Data: cons.fbAddr,
	}))

	kfmt.Fprintf(w, "%dx%d framebuffer at 0x%x\n", cons.width, cons.height, cons.fbAddr)
	return nil
}

// probeForVgaTextConsole returns an 80x25 text console over the VGA
// framebuffer. The bootloader leaves the adapter in text mode 0x3 and the
// bootstrap stage maps all physical memory, so the buffer is reached through
// physMemOffset.
func probeForVgaTextConsole(physMemOffset uintptr) device.Driver {
	return NewVgaTextConsole(defaultColumns, defaultRows, physMemOffset+VgaTextPhysAddr)
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderConsole,
		Probe: probeForVgaTextConsole,
	})
}
