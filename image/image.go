// Package image fetches the kernel over the boot transport and parses its
// PE container into the segment list the mapper and the activation sequencer
// consume. Parsing is read-only: segment payloads stay inside the download
// buffer and the zero-fill tail of each segment is recorded, not performed.
package image

import (
	"encoding/binary"

	"github.com/ctfhacker/paintbrush/firmware"
	"github.com/ctfhacker/paintbrush/kernel"
	"github.com/ctfhacker/paintbrush/mem"
)

var (
	// ErrInvalidImage is the summary frame reported for every rejected
	// image. The chain carries a more specific cause frame beneath it.
	ErrInvalidImage = &kernel.Error{Module: "image", Message: "kernel image rejected"}

	// ErrBadMzMagic is reported when the file does not start with "MZ".
	ErrBadMzMagic = &kernel.Error{Module: "image", Message: "MZ magic missing at offset 0"}

	// ErrBadPeSignature is reported when the header located via e_lfanew
	// does not carry the PE signature.
	ErrBadPeSignature = &kernel.Error{Module: "image", Message: "PE signature missing at e_lfanew offset"}

	// ErrBadMachine is reported for any machine type other than x86-64.
	ErrBadMachine = &kernel.Error{Module: "image", Message: "image machine type is not AMD64"}

	// ErrTruncatedHeader is reported when a header or the section table
	// extends past the end of the file.
	ErrTruncatedHeader = &kernel.Error{Module: "image", Message: "header extends past end of image"}

	// ErrTooManySections is reported when the section count exceeds the
	// fixed segment capacity.
	ErrTooManySections = &kernel.Error{Module: "image", Message: "image section count exceeds segment capacity"}

	// ErrSectionOutOfBounds is reported when a section's raw data range
	// extends past the end of the file.
	ErrSectionOutOfBounds = &kernel.Error{Module: "image", Message: "section raw data extends past end of image"}

	// ErrSegmentOverlap is reported when two segments claim overlapping
	// virtual address ranges.
	ErrSegmentOverlap = &kernel.Error{Module: "image", Message: "segments overlap in virtual address space"}

	// ErrEntryOutsideImage is reported when the entry point does not fall
	// inside any segment.
	ErrEntryOutsideImage = &kernel.Error{Module: "image", Message: "entry point outside all segments"}
)

// Perms describes the memory permissions a segment requires.
type Perms uint8

const (
	// PermRead marks a readable segment.
	PermRead Perms = 1 << iota

	// PermWrite marks a writable segment.
	PermWrite

	// PermExec marks an executable segment.
	PermExec
)

// Section characteristic bits that translate into segment permissions.
const (
	charCode     = 0x00000020
	charMemRead  = 0x40000000
	charMemWrite = 0x80000000
)

// Offsets of the header fields the loader needs. The PE-relative offsets are
// measured from the "PE\0\0" signature; the optional header begins 0x18
// bytes after it.
const (
	mzMagicLen     = 2
	lfanewOff      = 0x3c
	peMachineOff   = 0x04
	peNumSectsOff  = 0x06
	peOptSizeOff   = 0x14
	peOptHeaderOff = 0x18
	optEntryRvaOff = 0x10
	optImageBase   = 0x18
	optMinSize     = 0x20

	machineAmd64 = 0x8664

	sectionHeaderLen = 40
	sectVirtSizeOff  = 8
	sectVirtAddrOff  = 12
	sectRawSizeOff   = 16
	sectRawPtrOff    = 20
	sectCharsOff     = 36
)

// maxSegments bounds the number of segments a parsed image may carry. It
// matches the partition-range capacity of the handoff record so every
// per-core structure stays fixed size.
const maxSegments = 16

// Segment describes one loadable region of the kernel image.
type Segment struct {
	// VirtAddr is the absolute virtual address the segment must occupy
	// (image base plus the section's RVA).
	VirtAddr mem.VirtAddr

	// RawOffset and RawSize locate the segment's initialized bytes
	// inside the download buffer.
	RawOffset uint64
	RawSize   uint64

	// MemSize is the in-memory size. Bytes beyond RawSize are a
	// zero-fill tail the backing populator must clear.
	MemSize uint64

	// Perms are the permissions the mapper applies to the segment.
	Perms Perms
}

// ZeroFill returns the number of trailing bytes that must be cleared when
// the segment is populated.
func (s *Segment) ZeroFill() uint64 {
	return s.MemSize - s.RawSize
}

// contains returns true if the virtual address falls inside the segment.
func (s *Segment) contains(addr mem.VirtAddr) bool {
	return addr >= s.VirtAddr && addr < s.VirtAddr+mem.VirtAddr(s.MemSize)
}

// ParsedImage is the immutable result of a successful parse.
type ParsedImage struct {
	// Entry is the absolute virtual address of the kernel entry point.
	Entry mem.VirtAddr

	// ImageBase is the image's preferred load address.
	ImageBase mem.VirtAddr

	segments [maxSegments]Segment
	count    int
}

// Segments returns the parsed segments in ascending virtual address order.
func (p *ParsedImage) Segments() []Segment {
	return p.segments[:p.count]
}

// Fetch downloads the named kernel image over the boot transport into buf
// and returns the received prefix of buf.
func Fetch(fw firmware.Services, chain *kernel.Chain, name string, buf []byte) ([]byte, *kernel.Error) {
	got, err := fw.ReadFile(name, buf)
	if err != nil {
		return nil, chain.Report(err)
	}
	return buf[:got], nil
}

// Parse validates data as an x86-64 PE image and extracts its loadable
// segments. The returned image references offsets into data; data must stay
// alive and unmodified until every segment backing has been populated.
func Parse(data []byte, chain *kernel.Chain) (*ParsedImage, *kernel.Error) {
	reject := func(cause *kernel.Error) *kernel.Error {
		chain.Report(cause)
		return chain.Report(ErrInvalidImage)
	}

	if len(data) < lfanewOff+4 {
		return nil, reject(ErrTruncatedHeader)
	}
	if data[0] != 'M' || data[1] != 'Z' {
		return nil, reject(ErrBadMzMagic)
	}

	peOff := uint64(binary.LittleEndian.Uint32(data[lfanewOff:]))
	if peOff+peOptHeaderOff+optMinSize > uint64(len(data)) {
		return nil, reject(ErrTruncatedHeader)
	}

	hdr := data[peOff:]
	if hdr[0] != 'P' || hdr[1] != 'E' || hdr[2] != 0 || hdr[3] != 0 {
		return nil, reject(ErrBadPeSignature)
	}
	if binary.LittleEndian.Uint16(hdr[peMachineOff:]) != machineAmd64 {
		return nil, reject(ErrBadMachine)
	}

	numSections := int(binary.LittleEndian.Uint16(hdr[peNumSectsOff:]))
	if numSections > maxSegments {
		return nil, reject(ErrTooManySections)
	}

	opt := hdr[peOptHeaderOff:]
	entryRva := uint64(binary.LittleEndian.Uint32(opt[optEntryRvaOff:]))
	imageBase := binary.LittleEndian.Uint64(opt[optImageBase:])

	// The section table immediately follows the optional header.
	optSize := uint64(binary.LittleEndian.Uint16(hdr[peOptSizeOff:]))
	tableOff := peOff + peOptHeaderOff + optSize
	tableEnd := tableOff + uint64(numSections)*sectionHeaderLen
	if tableEnd > uint64(len(data)) {
		return nil, reject(ErrTruncatedHeader)
	}

	parsed := &ParsedImage{
		Entry:     mem.VirtAddr(imageBase + entryRva),
		ImageBase: mem.VirtAddr(imageBase),
	}

	for i := 0; i < numSections; i++ {
		sect := data[tableOff+uint64(i)*sectionHeaderLen:]

		virtSize := uint64(binary.LittleEndian.Uint32(sect[sectVirtSizeOff:]))
		virtAddr := uint64(binary.LittleEndian.Uint32(sect[sectVirtAddrOff:]))
		rawSize := uint64(binary.LittleEndian.Uint32(sect[sectRawSizeOff:]))
		rawPtr := uint64(binary.LittleEndian.Uint32(sect[sectRawPtrOff:]))
		chars := binary.LittleEndian.Uint32(sect[sectCharsOff:])

		if virtSize == 0 && rawSize == 0 {
			continue
		}
		if rawPtr+rawSize > uint64(len(data)) {
			return nil, reject(ErrSectionOutOfBounds)
		}

		memSize := virtSize
		if memSize < rawSize {
			memSize = rawSize
		}

		seg := Segment{
			VirtAddr:  mem.VirtAddr(imageBase + virtAddr),
			RawOffset: rawPtr,
			RawSize:   rawSize,
			MemSize:   memSize,
			Perms:     permsFromCharacteristics(chars),
		}
		if err := parsed.addSorted(seg); err != nil {
			return nil, reject(err)
		}
	}

	entryHosted := false
	for i := 0; i < parsed.count; i++ {
		if parsed.segments[i].contains(parsed.Entry) {
			entryHosted = true
			break
		}
	}
	if !entryHosted {
		return nil, reject(ErrEntryOutsideImage)
	}

	return parsed, nil
}

// addSorted inserts seg in ascending virtual address order, rejecting any
// overlap in virtual address space.
func (p *ParsedImage) addSorted(seg Segment) *kernel.Error {
	segEnd := seg.VirtAddr + mem.VirtAddr(seg.MemSize)

	pos := 0
	for pos < p.count && p.segments[pos].VirtAddr < seg.VirtAddr {
		pos++
	}
	if pos > 0 {
		prev := &p.segments[pos-1]
		if prev.VirtAddr+mem.VirtAddr(prev.MemSize) > seg.VirtAddr {
			return ErrSegmentOverlap
		}
	}
	if pos < p.count && p.segments[pos].VirtAddr < segEnd {
		return ErrSegmentOverlap
	}

	copy(p.segments[pos+1:p.count+1], p.segments[pos:p.count])
	p.segments[pos] = seg
	p.count++
	return nil
}

// permsFromCharacteristics maps section characteristic bits onto segment
// permissions.
func permsFromCharacteristics(chars uint32) Perms {
	var perms Perms
	if chars&charCode != 0 {
		perms |= PermExec
	}
	if chars&charMemRead != 0 {
		perms |= PermRead
	}
	if chars&charMemWrite != 0 {
		perms |= PermWrite
	}
	return perms
}
