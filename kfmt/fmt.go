// Package kfmt implements the boot console formatter. It is usable from the
// very first instruction of the loader: nothing in this package allocates, so
// it works before any memory management has been brought up, and output
// produced before a console sink exists is parked in a ring buffer.
package kfmt

import (
	"io"
	"unsafe"
)

// numBufSize is the scratch space used while formatting a single number. 64
// bits in base 8 plus sign and padding fit comfortably.
const numBufSize = 32

var (
	badVerb    = []byte("%!(NOVERB)")
	badArgType = []byte("%!(WRONGTYPE)")
	missingArg = []byte("%!(MISSING)")
	extraArg   = []byte("%!(EXTRA)")
	boolTrue   = []byte("true")
	boolFalse  = []byte("false")

	// numBuf is shared scratch for number formatting. The loader is
	// single-threaded until cores are handed off and started cores never
	// call back into the loader's console, so a package-level buffer is
	// safe.
	numBuf [numBufSize]byte

	// oneByte carries single characters into doWrite without slicing the
	// format string, which would allocate.
	oneByte = []byte{0}

	// earlyBuffer collects output emitted before SetOutputSink is called.
	earlyBuffer ringBuffer

	// sink receives all Printf output once set. While nil, output goes to
	// earlyBuffer.
	sink io.Writer
)

// SetOutputSink directs all subsequent Printf output to w and drains any
// output buffered before the sink existed.
func SetOutputSink(w io.Writer) {
	sink = w
	if w != nil {
		io.Copy(w, &earlyBuffer)
	}
}

// Printf formats and prints to the active output sink. It supports a subset
// of the fmt verbs:
//
//	%s  string or []byte
//	%d  integer, base 10
//	%x  integer, base 16, lower case
//	%o  integer, base 8
//	%t  bool
//
// An optional decimal width may precede the verb; strings and base-10
// integers are left-padded with spaces, base-16 and base-8 integers with
// zeroes. All built-in integer types are accepted. Pointer and float verbs
// are deliberately absent: supporting them drags in reflect, whose
// interface conversions allocate.
//
// Printf never allocates, which is the reason it exists instead of fmt.
func Printf(format string, args ...interface{}) {
	Fprintf(sink, format, args...)
}

// Fprintf behaves like Printf but writes to w. A nil w targets the early
// output ring buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		i      int
		argIdx int
	)

	for i < len(format) {
		ch := format[i]
		if ch != '%' {
			writeByte(w, ch)
			i++
			continue
		}

		// Consume "%", then an optional width, then the verb.
		i++
		width := 0
		for ; i < len(format); i++ {
			ch = format[i]
			if ch < '0' || ch > '9' {
				break
			}
			width = width*10 + int(ch-'0')
		}

		if i == len(format) {
			doWrite(w, badVerb)
			break
		}

		switch ch {
		case '%':
			writeByte(w, '%')
		case 's', 'd', 'x', 'o', 't':
			if argIdx >= len(args) {
				doWrite(w, missingArg)
				i++
				continue
			}
			arg := args[argIdx]
			argIdx++
			switch ch {
			case 's':
				fmtString(w, arg, width)
			case 'd':
				fmtInt(w, arg, 10, width)
			case 'x':
				fmtInt(w, arg, 16, width)
			case 'o':
				fmtInt(w, arg, 8, width)
			case 't':
				fmtBool(w, arg)
			}
		default:
			doWrite(w, badVerb)
		}
		i++
	}

	for ; argIdx < len(args); argIdx++ {
		doWrite(w, extraArg)
	}
}

// writeByte emits a single byte through the shared one-byte buffer; slicing
// the format string instead would trigger an allocation.
func writeByte(w io.Writer, ch byte) {
	oneByte[0] = ch
	doWrite(w, oneByte)
}

// fmtBool prints v as "true" or "false".
func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	if !ok {
		doWrite(w, badArgType)
		return
	}
	if b {
		doWrite(w, boolTrue)
		return
	}
	doWrite(w, boolFalse)
}

// fmtString prints a string or []byte value, left-padding with spaces up to
// width.
func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		for i := len(s); i < width; i++ {
			writeByte(w, ' ')
		}
		// A string-to-[]byte conversion allocates; emit byte by byte.
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		for i := len(s); i < width; i++ {
			writeByte(w, ' ')
		}
		doWrite(w, s)
	default:
		doWrite(w, badArgType)
	}
}

// fmtInt prints an integer value in the requested base, left-padded to width
// with spaces (base 10) or zeroes (base 8 and 16).
func fmtInt(w io.Writer, v interface{}, base, width int) {
	var (
		uval uint64
		neg  bool
	)

	switch t := v.(type) {
	case uint:
		uval = uint64(t)
	case uint8:
		uval = uint64(t)
	case uint16:
		uval = uint64(t)
	case uint32:
		uval = uint64(t)
	case uint64:
		uval = t
	case uintptr:
		uval = uint64(t)
	case int:
		uval, neg = absInt(int64(t))
	case int8:
		uval, neg = absInt(int64(t))
	case int16:
		uval, neg = absInt(int64(t))
	case int32:
		uval, neg = absInt(int64(t))
	case int64:
		uval, neg = absInt(t)
	default:
		doWrite(w, badArgType)
		return
	}

	padCh := byte(' ')
	if base != 10 {
		padCh = '0'
	}
	if width >= numBufSize {
		width = numBufSize - 1
	}

	// Render digits least significant first, then padding and sign, then
	// reverse in place.
	n := 0
	for {
		digit := byte(uval % uint64(base))
		if digit < 10 {
			numBuf[n] = digit + '0'
		} else {
			numBuf[n] = digit - 10 + 'a'
		}
		n++
		uval /= uint64(base)
		if uval == 0 {
			break
		}
	}

	if neg && padCh == ' ' {
		numBuf[n] = '-'
		n++
		neg = false
	}
	for n < width {
		numBuf[n] = padCh
		n++
	}
	if neg {
		// Zero-padded negative number: the sign goes in front of the
		// padding.
		numBuf[n] = '-'
		n++
	}

	for l, r := 0, n-1; l < r; l, r = l+1, r-1 {
		numBuf[l], numBuf[r] = numBuf[r], numBuf[l]
	}

	doWrite(w, numBuf[:n])
}

func absInt(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

// doWrite routes p to the sink or, when no sink exists yet, to the early ring
// buffer. The noEscape indirection hides p from escape analysis: the call
// through the io.Writer interface would otherwise flag p as escaping and make
// the compiler heap-allocate the argument slices of every Printf call.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
		return
	}
	earlyBuffer.Write(p)
}

// noEscape hides a pointer from escape analysis (see runtime/stubs.go).
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
