package fwsim

import (
	"encoding/binary"
)

// Sample kernel image geometry.
const (
	SampleKernelBase  = 0x140000000
	SampleKernelEntry = SampleKernelBase + 0x1010
)

// SampleKernel builds a minimal x86-64 PE image with a text and a data
// section, suitable for serving over the simulated boot transport. The
// image is never executed; the simulator's cores run Go kernel stubs.
func SampleKernel() []byte {
	const (
		peOff   = 0x40
		optSize = 0x38

		machineAmd64 = 0x8664
		charCode     = 0x00000020
		charMemRead  = 0x40000000
		charMemWrite = 0x80000000
	)

	type section struct {
		virtAddr uint32
		virtSize uint32
		chars    uint32
		raw      []byte
	}

	text := make([]byte, 0x200)
	for i := range text {
		text[i] = 0xcc
	}
	sections := []section{
		{virtAddr: 0x1000, virtSize: 0x1000, chars: charCode | charMemRead, raw: text},
		{virtAddr: 0x2000, virtSize: 0x2000, chars: charMemRead | charMemWrite, raw: make([]byte, 0x100)},
	}

	tableOff := peOff + 0x18 + optSize
	buf := make([]byte, tableOff+len(sections)*40)

	buf[0], buf[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(buf[0x3c:], peOff)

	copy(buf[peOff:], []byte{'P', 'E', 0, 0})
	binary.LittleEndian.PutUint16(buf[peOff+0x04:], machineAmd64)
	binary.LittleEndian.PutUint16(buf[peOff+0x06:], uint16(len(sections)))
	binary.LittleEndian.PutUint16(buf[peOff+0x14:], optSize)
	binary.LittleEndian.PutUint32(buf[peOff+0x18+0x10:], 0x1010)
	binary.LittleEndian.PutUint64(buf[peOff+0x18+0x18:], SampleKernelBase)

	for i, s := range sections {
		hdr := buf[tableOff+i*40:]
		binary.LittleEndian.PutUint32(hdr[8:], s.virtSize)
		binary.LittleEndian.PutUint32(hdr[12:], s.virtAddr)
		binary.LittleEndian.PutUint32(hdr[16:], uint32(len(s.raw)))
		binary.LittleEndian.PutUint32(hdr[20:], uint32(len(buf)))
		binary.LittleEndian.PutUint32(hdr[36:], s.chars)
		buf = append(buf, s.raw...)
	}

	return buf
}
