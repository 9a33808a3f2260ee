package kfmt

import "io"

// PrefixWriter wraps an io.Writer and stamps a subsystem tag at the start of
// every line. The boot stages each hold one (`[pmm] `, `[image] `, `[smp] `
// and so on) so interleaved progress output stays attributable.
type PrefixWriter struct {
	// Sink receives all writes.
	Sink io.Writer

	// Prefix is injected at the beginning of each line.
	Prefix []byte

	// midLine tracks whether the current output line has already been
	// prefixed.
	midLine bool
}

// Write forwards p to the sink, injecting the prefix after each newline. The
// injected prefix bytes are not counted in the returned length.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written, start int

	if !w.midLine && len(p) != 0 {
		w.Sink.Write(w.Prefix)
		w.midLine = true
	}

	for i := 0; i < len(p); i++ {
		if p[i] != '\n' {
			continue
		}

		n, err := w.Sink.Write(p[start : i+1])
		written += n
		if err != nil {
			return written, err
		}

		w.midLine = false
		if i+1 != len(p) {
			w.Sink.Write(w.Prefix)
			w.midLine = true
		}
		start = i + 1
	}

	if start < len(p) {
		n, err := w.Sink.Write(p[start:])
		written += n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}
