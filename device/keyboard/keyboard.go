// Package keyboard decodes PS/2 scancode set 1 input and exposes it to the
// task executor as an asynchronous stream of scancodes.
package keyboard

// Keyboard turns a raw scancode byte stream into key events and key events
// into decoded characters using the configured layout.
type Keyboard struct {
	layout        Layout
	handleControl HandleControl
	mods          Modifiers
	extended      bool
}

// New returns a keyboard decoder for the given layout. Num lock starts
// enabled, matching the power-on state of most PC keyboards.
func New(layout Layout, handleControl HandleControl) *Keyboard {
	return &Keyboard{
		layout:        layout,
		handleControl: handleControl,
		mods:          Modifiers{NumLock: true},
	}
}

// Modifiers returns the current modifier state.
func (k *Keyboard) Modifiers() Modifiers { return k.mods }

// AddByte feeds a single scancode byte to the decoder. It returns false while
// a multi-byte sequence is incomplete or if the byte does not map to a known
// key.
func (k *Keyboard) AddByte(code uint8) (KeyEvent, bool) {
	if code == scancodeExtended {
		k.extended = true
		return KeyEvent{}, false
	}

	extended := k.extended
	k.extended = false
	return decodeSet1(code, extended)
}

// ProcessKeyEvent updates the modifier state and decodes key presses. It
// returns false for releases and for the modifier keys themselves.
func (k *Keyboard) ProcessKeyEvent(ev KeyEvent) (DecodedKey, bool) {
	down := ev.State == KeyDown

	switch ev.Code {
	case ShiftLeft:
		k.mods.LShift = down
		return DecodedKey{}, false
	case ShiftRight:
		k.mods.RShift = down
		return DecodedKey{}, false
	case ControlLeft:
		k.mods.LCtrl = down
		return DecodedKey{}, false
	case ControlRight:
		k.mods.RCtrl = down
		return DecodedKey{}, false
	case AltLeft:
		k.mods.Alt = down
		return DecodedKey{}, false
	case AltRight:
		k.mods.AltGr = down
		return DecodedKey{}, false
	case CapsLock:
		if down {
			k.mods.CapsLock = !k.mods.CapsLock
		}
		return DecodedKey{}, false
	case NumpadLock:
		if down {
			k.mods.NumLock = !k.mods.NumLock
		}
		return DecodedKey{}, false
	}

	if !down {
		return DecodedKey{}, false
	}

	return k.layout.MapKeyCode(ev.Code, &k.mods, k.handleControl), true
}
