package keyboard

// KeyCode identifies a physical key independently of the active layout.
type KeyCode uint8

// Key codes. The zero value is reserved for unknown keys.
const (
	KeyUnknown KeyCode = iota
	Escape
	F1
	F2
	F3
	F4
	F5
	F6
	F7
	F8
	F9
	F10
	F11
	F12
	PrintScreen
	ScrollLock
	PauseBreak
	BackTick
	Key1
	Key2
	Key3
	Key4
	Key5
	Key6
	Key7
	Key8
	Key9
	Key0
	Minus
	Equals
	Backspace
	Insert
	Home
	PageUp
	NumpadLock
	NumpadSlash
	NumpadStar
	NumpadMinus
	Tab
	Q
	W
	E
	R
	T
	Y
	U
	I
	O
	P
	BracketSquareLeft
	BracketSquareRight
	BackSlash
	Delete
	End
	PageDown
	Numpad7
	Numpad8
	Numpad9
	NumpadPlus
	CapsLock
	A
	S
	D
	F
	G
	H
	J
	K
	L
	SemiColon
	Quote
	Enter
	Numpad4
	Numpad5
	Numpad6
	ShiftLeft
	Z
	X
	C
	V
	B
	N
	M
	Comma
	Fullstop
	Slash
	ShiftRight
	ArrowUp
	Numpad1
	Numpad2
	Numpad3
	NumpadEnter
	ControlLeft
	WindowsLeft
	AltLeft
	Spacebar
	AltRight
	WindowsRight
	Apps
	ControlRight
	ArrowLeft
	ArrowDown
	ArrowRight
	Numpad0
	NumpadPeriod

	keyCodeCount
)

var keyCodeNames = [keyCodeCount]string{
	KeyUnknown:         "Unknown",
	Escape:             "Escape",
	F1:                 "F1",
	F2:                 "F2",
	F3:                 "F3",
	F4:                 "F4",
	F5:                 "F5",
	F6:                 "F6",
	F7:                 "F7",
	F8:                 "F8",
	F9:                 "F9",
	F10:                "F10",
	F11:                "F11",
	F12:                "F12",
	PrintScreen:        "PrintScreen",
	ScrollLock:         "ScrollLock",
	PauseBreak:         "PauseBreak",
	BackTick:           "BackTick",
	Key1:               "Key1",
	Key2:               "Key2",
	Key3:               "Key3",
	Key4:               "Key4",
	Key5:               "Key5",
	Key6:               "Key6",
	Key7:               "Key7",
	Key8:               "Key8",
	Key9:               "Key9",
	Key0:               "Key0",
	Minus:              "Minus",
	Equals:             "Equals",
	Backspace:          "Backspace",
	Insert:             "Insert",
	Home:               "Home",
	PageUp:             "PageUp",
	NumpadLock:         "NumpadLock",
	NumpadSlash:        "NumpadSlash",
	NumpadStar:         "NumpadStar",
	NumpadMinus:        "NumpadMinus",
	Tab:                "Tab",
	Q:                  "Q",
	W:                  "W",
	E:                  "E",
	R:                  "R",
	T:                  "T",
	Y:                  "Y",
	U:                  "U",
	I:                  "I",
	O:                  "O",
	P:                  "P",
	BracketSquareLeft:  "BracketSquareLeft",
	BracketSquareRight: "BracketSquareRight",
	BackSlash:          "BackSlash",
	Delete:             "Delete",
	End:                "End",
	PageDown:           "PageDown",
	Numpad7:            "Numpad7",
	Numpad8:            "Numpad8",
	Numpad9:            "Numpad9",
	NumpadPlus:         "NumpadPlus",
	CapsLock:           "CapsLock",
	A:                  "A",
	S:                  "S",
	D:                  "D",
	F:                  "F",
	G:                  "G",
	H:                  "H",
	J:                  "J",
	K:                  "K",
	L:                  "L",
	SemiColon:          "SemiColon",
	Quote:              "Quote",
	Enter:              "Enter",
	Numpad4:            "Numpad4",
	Numpad5:            "Numpad5",
	Numpad6:            "Numpad6",
	ShiftLeft:          "ShiftLeft",
	Z:                  "Z",
	X:                  "X",
	C:                  "C",
	V:                  "V",
	B:                  "B",
	N:                  "N",
	M:                  "M",
	Comma:              "Comma",
	Fullstop:           "Fullstop",
	Slash:              "Slash",
	ShiftRight:         "ShiftRight",
	ArrowUp:            "ArrowUp",
	Numpad1:            "Numpad1",
	Numpad2:            "Numpad2",
	Numpad3:            "Numpad3",
	NumpadEnter:        "NumpadEnter",
	ControlLeft:        "ControlLeft",
	WindowsLeft:        "WindowsLeft",
	AltLeft:            "AltLeft",
	Spacebar:           "Spacebar",
	AltRight:           "AltRight",
	WindowsRight:       "WindowsRight",
	Apps:               "Apps",
	ControlRight:       "ControlRight",
	ArrowLeft:          "ArrowLeft",
	ArrowDown:          "ArrowDown",
	ArrowRight:         "ArrowRight",
	Numpad0:            "Numpad0",
	NumpadPeriod:       "NumpadPeriod",
}

// String returns the name of the key.
func (k KeyCode) String() string {
	if k >= keyCodeCount {
		return keyCodeNames[KeyUnknown]
	}
	return keyCodeNames[k]
}
