package kfmt

import "io"

// ringBufferSize is the capacity of the early output buffer. The loader's
// pre-console output is a handful of progress lines, so 4 KiB keeps the full
// transcript in the common case. Must be a power of 2.
const ringBufferSize = 4096

// ringBuffer buffers Printf output produced before a console sink has been
// registered. When the buffer wraps, the oldest bytes are dropped; losing the
// head of the transcript beats losing the tail, which is where a boot failure
// shows up.
type ringBuffer struct {
	buf  [ringBufferSize]byte
	r, w int
}

// Write appends p, overwriting the oldest data when the buffer is full. It
// never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buf[rb.w] = b
		rb.w = (rb.w + 1) & (ringBufferSize - 1)
		if rb.w == rb.r {
			rb.r = (rb.r + 1) & (ringBufferSize - 1)
		}
	}
	return len(p), nil
}

// Read drains up to len(p) buffered bytes into p, returning io.EOF once the
// buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.r == rb.w {
		return 0, io.EOF
	}

	n := 0
	for rb.r != rb.w && n < len(p) {
		p[n] = rb.buf[rb.r]
		rb.r = (rb.r + 1) & (ringBufferSize - 1)
		n++
	}
	return n, nil
}
