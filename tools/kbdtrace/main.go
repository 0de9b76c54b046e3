// kbdtrace reads keystrokes from the controlling terminal, converts them to
// the PS/2 scancodes a real keyboard would generate and runs them through
// the kernel keyboard decoder, printing every decoding step. Press ctrl+d
// to exit.
package main

import (
	"coopos/device/keyboard"
	"flag"
	"fmt"
	"io"
	"os"

	tty "github.com/mattn/go-tty"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[kbdtrace] error: %s\n", err.Error())
	os.Exit(1)
}

// tracer feeds scancodes to a keyboard decoder and logs the result of each
// stage to w.
type tracer struct {
	w   io.Writer
	kbd *keyboard.Keyboard
}

func newTracer(w io.Writer, layout keyboard.Layout, handleControl keyboard.HandleControl) *tracer {
	return &tracer{
		w:   w,
		kbd: keyboard.New(layout, handleControl),
	}
}

// feed decodes a single scancode byte. Lines end in "\r\n" as the terminal
// is in raw mode.
func (t *tracer) feed(code uint8) {
	fmt.Fprintf(t.w, "0x%02x", code)

	ev, ok := t.kbd.AddByte(code)
	if !ok {
		fmt.Fprint(t.w, "\r\n")
		return
	}

	state := "up"
	if ev.State == keyboard.KeyDown {
		state = "down"
	}
	fmt.Fprintf(t.w, "\t%s %s", ev.Code, state)

	if key, ok := t.kbd.ProcessKeyEvent(ev); ok {
		if key.IsRune() {
			fmt.Fprintf(t.w, "\t=> %q", key.Rune)
		} else {
			fmt.Fprintf(t.w, "\t=> %s", key.Key)
		}
	}
	fmt.Fprint(t.w, "\r\n")
}

// run traces keys read from src until ctrl+d is pressed or src fails.
func (t *tracer) run(src runeSource) error {
	for {
		codes, err := readKey(src)
		if err != nil {
			if err == io.EOF || err == errEndOfInput {
				return nil
			}
			return err
		}

		for _, code := range codes {
			t.feed(code)
		}
	}
}

func main() {
	layoutName := flag.String("layout", "us104", "keyboard layout to decode with")
	mapCtrl := flag.Bool("map-ctrl", false, "map ctrl+letter to control characters")
	flag.Parse()

	layout, ok := keyboard.LayoutByName(*layoutName)
	if !ok {
		exit(fmt.Errorf("unknown layout %q", *layoutName))
	}

	handleControl := keyboard.IgnoreControl
	if *mapCtrl {
		handleControl = keyboard.MapLettersToUnicode
	}

	t, err := tty.Open()
	if err != nil {
		exit(err)
	}
	defer t.Close()

	restore := t.MustRaw()
	defer restore()

	fmt.Fprint(t.Output(), "tracing keyboard input; press ctrl+d to exit\r\n")
	if err = newTracer(t.Output(), layout, handleControl).run(t); err != nil {
		restore()
		exit(err)
	}
}
