package kfmt

import (
	"coopos/kernel"
	"coopos/kernel/cpu"
	"io"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	// panicHookFn, if set, is invoked after the panic banner has been
	// printed and before the CPU is halted. The self-test harness uses it
	// to report the failure to the host.
	panicHookFn func(*kernel.Error)

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// SetPanicHook registers a function that Panic invokes right before halting
// the CPU. Passing nil removes the hook.
func SetPanicHook(hook func(*kernel.Error)) {
	panicHookFn = hook
}

// Panic outputs the supplied error (if not nil) to the console and the
// diagnostic sink and halts the CPU. Calls to Panic never return. Panic also
// works as a redirection target for calls to panic() (resolved via
// runtime.gopanic)
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	printBanner(outputSink, err)
	if diagnosticSink != nil && diagnosticSink != outputSink {
		printBanner(diagnosticSink, err)
	}

	if panicHookFn != nil {
		panicHookFn(err)
	}

	cpuHaltFn()
}

func printBanner(w io.Writer, err *kernel.Error) {
	Fprintf(w, "\n-----------------------------------\n")
	if err != nil {
		Fprintf(w, "[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Fprintf(w, "*** kernel panic: system halted ***")
	Fprintf(w, "\n-----------------------------------\n")
}

// panicString serves as a redirect target for runtime.throw
//go:redirect-from runtime.throw
func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}
