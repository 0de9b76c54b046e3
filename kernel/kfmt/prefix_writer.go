package kfmt

import (
	"bytes"
	"io"
)

// PrefixWriter is an io.Writer that injects Prefix at the beginning of each
// line written to Sink. A nil Sink sends the output wherever Printf would,
// so a PrefixWriter declared before the console is up still ends up on it.
type PrefixWriter struct {
	Sink   io.Writer
	Prefix []byte

	// midLine is set while the last byte written was not a line feed.
	midLine bool
}

// outputSinkWriter forwards writes to the active output sink or the early
// print buffer.
type outputSinkWriter struct{}

func (outputSinkWriter) Write(p []byte) (int, error) {
	doWrite(outputSink, p)
	return len(p), nil
}

// Write writes p line by line, emitting the prefix before every line. The
// returned byte count does not include the injected prefixes.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	sink := w.Sink
	if sink == nil {
		sink = outputSinkWriter{}
	}

	var written int
	for len(p) != 0 {
		if !w.midLine {
			sink.Write(w.Prefix)
		}

		end := len(p)
		if lf := bytes.IndexByte(p, '\n'); lf != -1 {
			end = lf + 1
		}

		n, err := sink.Write(p[:end])
		written += n
		if err != nil {
			return written, err
		}

		w.midLine = p[end-1] != '\n'
		p = p[end:]
	}

	return written, nil
}
