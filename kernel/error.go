// Package kernel defines the error propagation primitives shared by every
// stage of the boot pipeline.
package kernel

import "io"

// MaxChainDepth bounds the number of frames a Chain can record. Deeper
// failures keep their earliest frames; the trail is diagnostic, not
// exhaustive.
const MaxChainDepth = 8

// Error describes a loader error. All loader errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that no allocator is guaranteed to exist at failure time so
// we cannot use errors.New.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Chain accumulates the propagation trail of a failure without allocating.
// The zero value is ready to use. A Chain lives on the stack of the boot
// routine that owns it (or in static storage) and is threaded by pointer
// through the operations it covers; it must never be shared across cores.
type Chain struct {
	frames [MaxChainDepth]*Error
	depth  int
}

// Report records frame as the next link in the chain and returns it so that
// callers can propagate in a single statement:
//
//	return chain.Report(ErrAllocationFailed)
//
// Frames beyond MaxChainDepth are counted but not stored; the earliest frames
// are the ones worth keeping since they name the root cause.
func (c *Chain) Report(frame *Error) *Error {
	if c.depth < MaxChainDepth {
		c.frames[c.depth] = frame
	}
	c.depth++
	return frame
}

// Ensure checks cond and, when it does not hold, records frame and returns
// it. Callers return the frame immediately so that no statement after the
// failed check executes:
//
//	if err := chain.Ensure(hdr.machine == machineAmd64, ErrBadMachine); err != nil {
//		return err
//	}
func (c *Chain) Ensure(cond bool, frame *Error) *Error {
	if cond {
		return nil
	}
	return c.Report(frame)
}

// Depth returns the number of frames reported so far, including any dropped
// past MaxChainDepth.
func (c *Chain) Depth() int {
	return c.depth
}

// Frames returns the recorded trail, root cause first.
func (c *Chain) Frames() []*Error {
	n := c.depth
	if n > MaxChainDepth {
		n = MaxChainDepth
	}
	return c.frames[:n]
}

// Reset discards the recorded trail so the Chain can be reused.
func (c *Chain) Reset() {
	for i := range c.frames {
		c.frames[i] = nil
	}
	c.depth = 0
}

// Write dumps the trail to w, one frame per line, root cause first. The
// output is emitted byte by byte so that no intermediate buffer needs to be
// allocated.
func (c *Chain) Write(w io.Writer) {
	var buf [1]byte

	emit := func(s string) {
		for i := 0; i < len(s); i++ {
			buf[0] = s[i]
			w.Write(buf[:])
		}
	}

	for _, frame := range c.Frames() {
		emit("[")
		emit(frame.Module)
		emit("] ")
		emit(frame.Message)
		emit("\n")
	}
}
