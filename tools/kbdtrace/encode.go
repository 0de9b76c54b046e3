package main

import (
	"errors"
	"strings"
)

const (
	scShiftLeft   = 0x2a
	scControlLeft = 0x1d
	scRelease     = 0x80
	scExtended    = 0xe0

	runeEOT       = 0x04
	runeEscape    = 0x1b
	runeBackspace = 0x7f
)

var errEndOfInput = errors.New("end of input")

var (
	// unshiftedKeys and shiftedKeys list the characters of the US104 layout
	// in the same order as the scancodes in keyScancodes.
	unshiftedKeys = "`1234567890-=qwertyuiop[]asdfghjkl;'\\zxcvbnm,./"
	shiftedKeys   = "~!@#$%^&*()_+QWERTYUIOP{}ASDFGHJKL:\"|ZXCVBNM<>?"
	keyScancodes  = []uint8{
		0x29, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d,
		0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18, 0x19, 0x1a, 0x1b,
		0x1e, 0x1f, 0x20, 0x21, 0x22, 0x23, 0x24, 0x25, 0x26, 0x27, 0x28, 0x2b,
		0x2c, 0x2d, 0x2e, 0x2f, 0x30, 0x31, 0x32, 0x33, 0x34, 0x35,
	}

	// ansiArrows maps the final byte of an "ESC [ x" cursor key sequence to
	// the extended make code of the arrow key.
	ansiArrows = map[rune]uint8{
		'A': 0x48,
		'B': 0x50,
		'C': 0x4d,
		'D': 0x4b,
	}
)

// runeSource is implemented by *tty.TTY.
type runeSource interface {
	ReadRune() (rune, error)
	Buffered() bool
}

// press returns the make and break codes for a single key.
func press(code uint8) []uint8 {
	return []uint8{code, code | scRelease}
}

// wrap surrounds the codes of a key press with the press and release of the
// modifier key mod.
func wrap(mod uint8, codes []uint8) []uint8 {
	out := append([]uint8{mod}, codes...)
	return append(out, mod|scRelease)
}

// encodeRune translates a character read from a raw mode terminal into the
// set 1 scancodes a PS/2 keyboard would send for it. It returns nil for
// characters with no US104 key.
func encodeRune(r rune) []uint8 {
	switch r {
	case '\r', '\n':
		return press(0x1c)
	case '\t':
		return press(0x0f)
	case ' ':
		return press(0x39)
	case runeBackspace, '\b':
		return press(0x0e)
	case runeEscape:
		return press(0x01)
	}

	if idx := strings.IndexRune(unshiftedKeys, r); idx >= 0 {
		return press(keyScancodes[idx])
	}

	if idx := strings.IndexRune(shiftedKeys, r); idx >= 0 {
		return wrap(scShiftLeft, press(keyScancodes[idx]))
	}

	// ctrl+a .. ctrl+z
	if r >= 0x01 && r <= 0x1a {
		return wrap(scControlLeft, encodeRune('a'+r-1))
	}

	return nil
}

// readKey reads the next key from src and returns its scancodes. Escape
// followed by buffered input is parsed as an ANSI cursor key sequence and
// ctrl+d returns errEndOfInput.
func readKey(src runeSource) ([]uint8, error) {
	r, err := src.ReadRune()
	if err != nil {
		return nil, err
	}

	if r == runeEOT {
		return nil, errEndOfInput
	}

	if r != runeEscape || !src.Buffered() {
		return encodeRune(r), nil
	}

	if r, err = src.ReadRune(); err != nil {
		return nil, err
	} else if r != '[' || !src.Buffered() {
		return append(press(0x01), encodeRune(r)...), nil
	}

	if r, err = src.ReadRune(); err != nil {
		return nil, err
	}

	code, ok := ansiArrows[r]
	if !ok {
		return nil, nil
	}

	return []uint8{scExtended, code, scExtended, code | scRelease}, nil
}
