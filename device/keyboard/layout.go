package keyboard

// HandleControl selects how letter keys are decoded while a ctrl key is held.
type HandleControl uint8

const (
	// MapLettersToUnicode turns ctrl+letter into the matching ASCII control
	// character (ctrl+A = 0x01 and so on).
	MapLettersToUnicode HandleControl = iota

	// IgnoreControl decodes letters as if ctrl was not held.
	IgnoreControl
)

// Modifiers tracks the state of the modifier and lock keys.
type Modifiers struct {
	LShift, RShift bool
	LCtrl, RCtrl   bool
	Alt, AltGr     bool
	CapsLock       bool
	NumLock        bool
}

// Shifted returns true if either shift key is held.
func (m *Modifiers) Shifted() bool { return m.LShift || m.RShift }

// Ctrl returns true if either ctrl key is held.
func (m *Modifiers) Ctrl() bool { return m.LCtrl || m.RCtrl }

// Caps returns true if letters should be decoded in upper case.
func (m *Modifiers) Caps() bool { return m.Shifted() != m.CapsLock }

// DecodedKey is the result of running a key press through a layout. If Rune
// is non-zero the key produced a character; otherwise Key holds the raw key
// code of a key without a character mapping (arrows, function keys and the
// like).
type DecodedKey struct {
	Rune rune
	Key  KeyCode
}

// IsRune returns true if the key decoded to a character.
func (k DecodedKey) IsRune() bool { return k.Rune != 0 }

// Layout maps key codes to characters for a particular keyboard layout.
type Layout interface {
	MapKeyCode(code KeyCode, mods *Modifiers, handleControl HandleControl) DecodedKey
}

// LayoutByName returns the layout registered under name.
func LayoutByName(name string) (Layout, bool) {
	switch name {
	case "us104", "":
		return US104{}, true
	}
	return nil, false
}

// US104 is the standard US 104-key layout.
type US104 struct{}

type keyPair struct {
	plain, shifted rune
}

var us104Symbols = map[KeyCode]keyPair{
	BackTick:           {'`', '~'},
	Key1:               {'1', '!'},
	Key2:               {'2', '@'},
	Key3:               {'3', '#'},
	Key4:               {'4', '$'},
	Key5:               {'5', '%'},
	Key6:               {'6', '^'},
	Key7:               {'7', '&'},
	Key8:               {'8', '*'},
	Key9:               {'9', '('},
	Key0:               {'0', ')'},
	Minus:              {'-', '_'},
	Equals:             {'=', '+'},
	BracketSquareLeft:  {'[', '{'},
	BracketSquareRight: {']', '}'},
	BackSlash:          {'\\', '|'},
	SemiColon:          {';', ':'},
	Quote:              {'\'', '"'},
	Comma:              {',', '<'},
	Fullstop:           {'.', '>'},
	Slash:              {'/', '?'},
}

var us104Letters = map[KeyCode]rune{
	A: 'a', B: 'b', C: 'c', D: 'd', E: 'e', F: 'f', G: 'g', H: 'h', I: 'i',
	J: 'j', K: 'k', L: 'l', M: 'm', N: 'n', O: 'o', P: 'p', Q: 'q', R: 'r',
	S: 's', T: 't', U: 'u', V: 'v', W: 'w', X: 'x', Y: 'y', Z: 'z',
}

// numpadKeys lists the numpad characters when num lock is on and the raw key
// reported when it is off.
var numpadKeys = map[KeyCode]struct {
	r   rune
	raw KeyCode
}{
	Numpad0:      {'0', Insert},
	Numpad1:      {'1', End},
	Numpad2:      {'2', ArrowDown},
	Numpad3:      {'3', PageDown},
	Numpad4:      {'4', ArrowLeft},
	Numpad5:      {'5', Numpad5},
	Numpad6:      {'6', ArrowRight},
	Numpad7:      {'7', Home},
	Numpad8:      {'8', ArrowUp},
	Numpad9:      {'9', PageUp},
	NumpadPeriod: {'.', Delete},
}

// MapKeyCode implements Layout.
func (US104) MapKeyCode(code KeyCode, mods *Modifiers, handleControl HandleControl) DecodedKey {
	if r, ok := us104Letters[code]; ok {
		switch {
		case mods.Ctrl() && handleControl == MapLettersToUnicode:
			return DecodedKey{Rune: r - 'a' + 1}
		case mods.Caps():
			return DecodedKey{Rune: r - 'a' + 'A'}
		default:
			return DecodedKey{Rune: r}
		}
	}

	if pair, ok := us104Symbols[code]; ok {
		if mods.Shifted() {
			return DecodedKey{Rune: pair.shifted}
		}
		return DecodedKey{Rune: pair.plain}
	}

	if np, ok := numpadKeys[code]; ok {
		if mods.NumLock {
			return DecodedKey{Rune: np.r}
		}
		return DecodedKey{Key: np.raw}
	}

	switch code {
	case Escape:
		return DecodedKey{Rune: 0x1b}
	case Backspace:
		return DecodedKey{Rune: 0x08}
	case Tab:
		return DecodedKey{Rune: '\t'}
	case Enter, NumpadEnter:
		return DecodedKey{Rune: '\n'}
	case Spacebar:
		return DecodedKey{Rune: ' '}
	case Delete:
		return DecodedKey{Rune: 0x7f}
	case NumpadSlash:
		return DecodedKey{Rune: '/'}
	case NumpadStar:
		return DecodedKey{Rune: '*'}
	case NumpadMinus:
		return DecodedKey{Rune: '-'}
	case NumpadPlus:
		return DecodedKey{Rune: '+'}
	}

	return DecodedKey{Key: code}
}
