package tty

import (
	"coopos/device"
	"coopos/device/video/console"
	"coopos/kernel"
	"io"
)

// unprintable is the code page 437 glyph (a filled square) shown in place of
// bytes that have no printable ASCII representation.
const unprintable = 0xfe

type vtCell struct {
	ch     byte
	fg, bg console.Color
}

// VT implements a terminal supporting scrollback. The terminal interprets the
// following special characters:
//   - \r (carriage-return)
//   - \n (line-feed)
//   - \b (backspace)
//   - \t (tab; expanded to tabWidth spaces)
//
// Any other byte outside the printable ASCII range is rendered as a filled
// square.
type VT struct {
	cons   console.Device
	cursor console.CursorSetter

	termWidth      uint32
	termHeight     uint32
	viewportWidth  uint32
	viewportHeight uint32

	// The number of additional lines of output that are buffered by the
	// terminal to support scrolling up.
	scrollback uint32

	// The terminal contents; termWidth*termHeight cells, row-major.
	cells []vtCell

	tabWidth         uint8
	defaultFg, curFg console.Color
	defaultBg, curBg console.Color
	cursorX          uint32
	cursorY          uint32
	viewportY        uint32
	cellOffset       uint32
	state            State
}

// NewVT creates a new virtual terminal device. The tabWidth parameter controls
// tab expansion whereas the scrollback parameter defines the line count that
// gets buffered by the terminal to provide scrolling beyond the console
// height.
func NewVT(tabWidth uint8, scrollback uint32) *VT {
	return &VT{
		tabWidth:   tabWidth,
		scrollback: scrollback,
		cursorX:    1,
		cursorY:    1,
	}
}

// AttachTo connects a TTY to a console instance and clears the terminal
// contents.
func (t *VT) AttachTo(cons console.Device) {
	if cons == nil {
		return
	}

	t.cons = cons
	t.cursor, _ = cons.(console.CursorSetter)
	t.viewportWidth, t.viewportHeight = cons.Dimensions()
	t.viewportY = 0
	t.defaultFg, t.defaultBg = cons.DefaultColors()
	t.curFg, t.curBg = t.defaultFg, t.defaultBg
	t.termWidth, t.termHeight = t.viewportWidth, t.viewportHeight+t.scrollback
	t.cursorX, t.cursorY = 1, 1
	t.cellOffset = 0

	t.cells = make([]vtCell, t.termWidth*t.termHeight)
	t.clearCells(t.cells)
}

func (t *VT) clearCells(cells []vtCell) {
	for i := range cells {
		cells[i] = vtCell{' ', t.defaultFg, t.defaultBg}
	}
}

// State returns the TTY's state.
func (t *VT) State() State {
	return t.state
}

// SetState updates the TTY's state. Activating the terminal redraws the
// visible part of its contents on the attached console.
func (t *VT) SetState(newState State) {
	if t.state == newState {
		return
	}

	t.state = newState
	if t.state != StateActive || t.cons == nil {
		return
	}

	for y := uint32(1); y <= t.viewportHeight; y++ {
		row := t.cells[(y-1+t.viewportY)*t.viewportWidth:]
		for x := uint32(1); x <= t.viewportWidth; x++ {
			c := row[x-1]
			t.cons.Write(c.ch, c.fg, c.bg, x, y)
		}
	}
	t.syncCursor()
}

// SetColors sets the foreground and background colors for subsequent writes.
func (t *VT) SetColors(fg, bg console.Color) {
	t.curFg, t.curBg = fg, bg
}

// CursorPosition returns the current cursor position.
func (t *VT) CursorPosition() (uint32, uint32) {
	return t.cursorX, t.cursorY
}

// SetCursorPosition sets the current cursor position to (x,y).
func (t *VT) SetCursorPosition(x, y uint32) {
	if t.cons == nil {
		return
	}

	if x < 1 {
		x = 1
	} else if x > t.viewportWidth {
		x = t.viewportWidth
	}

	if y < 1 {
		y = 1
	} else if y > t.viewportHeight {
		y = t.viewportHeight
	}

	t.cursorX, t.cursorY = x, y
	t.updateCellOffset()
}

// Write implements io.Writer.
func (t *VT) Write(data []byte) (int, error) {
	if t.cons == nil {
		return 0, io.ErrClosedPipe
	}

	for _, b := range data {
		t.put(b)
	}
	t.syncCursor()

	return len(data), nil
}

// WriteByte implements io.ByteWriter.
func (t *VT) WriteByte(b byte) error {
	if t.cons == nil {
		return io.ErrClosedPipe
	}

	t.put(b)
	t.syncCursor()
	return nil
}

func (t *VT) put(b byte) {
	switch {
	case b == '\r':
		t.cr()
	case b == '\n':
		t.lf(true)
	case b == '\b':
		if t.cursorX > 1 {
			t.SetCursorPosition(t.cursorX-1, t.cursorY)
			t.doWrite(' ', false)
		}
	case b == '\t':
		for i := uint8(0); i < t.tabWidth; i++ {
			t.doWrite(' ', true)
		}
	case b < 0x20 || b > 0x7e:
		t.doWrite(unprintable, true)
	default:
		t.doWrite(b, true)
	}
}

// doWrite stores b with the current colors at the cursor position and
// mirrors it to the console when the terminal is active. If advanceCursor is
// true the cursor moves to the next cell, wrapping to a new line at the end
// of the viewport.
func (t *VT) doWrite(b byte, advanceCursor bool) {
	if t.state == StateActive {
		t.cons.Write(b, t.curFg, t.curBg, t.cursorX, t.cursorY)
	}

	t.cells[t.cellOffset] = vtCell{b, t.curFg, t.curBg}

	if advanceCursor {
		t.cellOffset++
		t.cursorX++
		if t.cursorX > t.viewportWidth {
			t.lf(true)
		}
	}
}

// cr moves the cursor to the start of the current line.
func (t *VT) cr() {
	t.cursorX = 1
	t.updateCellOffset()
}

// lf advances the cursor by one line. Once the cursor is on the last
// viewport line the viewport slides down through the scrollback area and,
// when the end of the buffer is reached, the buffered contents are shifted up
// by one line.
func (t *VT) lf(withCR bool) {
	if withCR {
		t.cursorX = 1
	}

	if t.cursorY < t.viewportHeight {
		t.cursorY++
		t.updateCellOffset()
		return
	}

	if t.viewportY+t.viewportHeight < t.termHeight {
		t.viewportY++
	} else {
		start := t.viewportY * t.viewportWidth
		last := (t.viewportY + t.viewportHeight - 1) * t.viewportWidth
		copy(t.cells[start:last], t.cells[start+t.viewportWidth:])
		t.clearCells(t.cells[last : last+t.viewportWidth])
	}

	if t.state == StateActive {
		t.cons.Scroll(console.ScrollDirUp, 1)
		t.cons.Fill(1, t.cursorY, t.termWidth, 1, t.defaultFg, t.defaultBg)
	}

	t.updateCellOffset()
}

// updateCellOffset calculates the index of the cell under the cursor taking
// into account the viewport position.
func (t *VT) updateCellOffset() {
	t.cellOffset = (t.viewportY+t.cursorY-1)*t.viewportWidth + t.cursorX - 1
}

func (t *VT) syncCursor() {
	if t.state == StateActive && t.cursor != nil {
		t.cursor.SetCursor(t.cursorX, t.cursorY)
	}
}

// DriverName returns the name of this driver.
func (t *VT) DriverName() string {
	return "vt"
}

// DriverVersion returns the version of this driver.
func (t *VT) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit initializes this driver.
func (t *VT) DriverInit(_ io.Writer) *kernel.Error { return nil }

func probeForVT(_ uintptr) device.Driver {
	return NewVT(DefaultTabWidth, DefaultScrollback)
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderLast,
		Probe: probeForVT,
	})
}
