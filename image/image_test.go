package image

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctfhacker/paintbrush/firmware"
	"github.com/ctfhacker/paintbrush/kernel"
	"github.com/ctfhacker/paintbrush/mem"
)

type sectionSpec struct {
	virtAddr uint32
	virtSize uint32
	chars    uint32
	payload  []byte
}

// buildImage assembles a minimal x86-64 PE image: MZ stub, PE header at
// 0x40, optional header, section table and raw section data appended in
// order.
func buildImage(machine uint16, entryRva uint32, imageBase uint64, sections []sectionSpec) []byte {
	const (
		peOff   = 0x40
		optSize = 0x38
	)

	tableOff := peOff + peOptHeaderOff + optSize
	buf := make([]byte, tableOff+len(sections)*sectionHeaderLen)

	buf[0], buf[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(buf[lfanewOff:], peOff)

	copy(buf[peOff:], []byte{'P', 'E', 0, 0})
	binary.LittleEndian.PutUint16(buf[peOff+peMachineOff:], machine)
	binary.LittleEndian.PutUint16(buf[peOff+peNumSectsOff:], uint16(len(sections)))
	binary.LittleEndian.PutUint16(buf[peOff+peOptSizeOff:], optSize)
	binary.LittleEndian.PutUint32(buf[peOff+peOptHeaderOff+optEntryRvaOff:], entryRva)
	binary.LittleEndian.PutUint64(buf[peOff+peOptHeaderOff+optImageBase:], imageBase)

	for i, s := range sections {
		hdr := buf[tableOff+i*sectionHeaderLen:]
		binary.LittleEndian.PutUint32(hdr[sectVirtSizeOff:], s.virtSize)
		binary.LittleEndian.PutUint32(hdr[sectVirtAddrOff:], s.virtAddr)
		binary.LittleEndian.PutUint32(hdr[sectRawSizeOff:], uint32(len(s.payload)))
		binary.LittleEndian.PutUint32(hdr[sectRawPtrOff:], uint32(len(buf)))
		binary.LittleEndian.PutUint32(hdr[sectCharsOff:], s.chars)
		buf = append(buf, s.payload...)
	}

	return buf
}

func TestParse(t *testing.T) {
	const imageBase = 0x140000000

	text := sectionSpec{
		virtAddr: 0x1000,
		virtSize: 0x1000,
		chars:    charCode | charMemRead,
		payload:  make([]byte, 0x200),
	}
	data := sectionSpec{
		virtAddr: 0x2000,
		virtSize: 0x3000,
		chars:    charMemRead | charMemWrite,
		payload:  make([]byte, 0x100),
	}

	// Sections deliberately supplied out of virtual address order.
	buf := buildImage(machineAmd64, 0x1100, imageBase, []sectionSpec{data, text})

	var chain kernel.Chain
	parsed, err := Parse(buf, &chain)
	require.Nil(t, err)
	assert.Equal(t, 0, chain.Depth())

	assert.Equal(t, mem.VirtAddr(imageBase), parsed.ImageBase)
	assert.Equal(t, mem.VirtAddr(imageBase+0x1100), parsed.Entry)

	segs := parsed.Segments()
	require.Len(t, segs, 2)

	// Ascending virtual address order regardless of table order.
	assert.Equal(t, mem.VirtAddr(imageBase+0x1000), segs[0].VirtAddr)
	assert.Equal(t, PermRead|PermExec, segs[0].Perms)
	assert.Equal(t, uint64(0x200), segs[0].RawSize)
	assert.Equal(t, uint64(0x1000), segs[0].MemSize)
	assert.Equal(t, uint64(0xe00), segs[0].ZeroFill())

	assert.Equal(t, mem.VirtAddr(imageBase+0x2000), segs[1].VirtAddr)
	assert.Equal(t, PermRead|PermWrite, segs[1].Perms)
	assert.Equal(t, uint64(0x3000), segs[1].MemSize)
}

func TestParseRejections(t *testing.T) {
	const imageBase = 0x140000000

	goodSection := sectionSpec{
		virtAddr: 0x1000,
		virtSize: 0x1000,
		chars:    charCode | charMemRead,
		payload:  make([]byte, 0x80),
	}

	specs := []struct {
		build func() []byte
		cause *kernel.Error
	}{
		// Missing MZ magic.
		{
			func() []byte {
				buf := buildImage(machineAmd64, 0x1000, imageBase, []sectionSpec{goodSection})
				buf[0] = 'X'
				return buf
			},
			ErrBadMzMagic,
		},
		// Missing PE signature.
		{
			func() []byte {
				buf := buildImage(machineAmd64, 0x1000, imageBase, []sectionSpec{goodSection})
				buf[0x40] = 'Q'
				return buf
			},
			ErrBadPeSignature,
		},
		// i386 image on an x86-64 loader.
		{
			func() []byte {
				return buildImage(0x014c, 0x1000, imageBase, []sectionSpec{goodSection})
			},
			ErrBadMachine,
		},
		// File shorter than the MZ stub.
		{
			func() []byte { return []byte{'M', 'Z', 0} },
			ErrTruncatedHeader,
		},
		// e_lfanew pointing past the end of the file.
		{
			func() []byte {
				buf := buildImage(machineAmd64, 0x1000, imageBase, []sectionSpec{goodSection})
				binary.LittleEndian.PutUint32(buf[lfanewOff:], uint32(len(buf)))
				return buf
			},
			ErrTruncatedHeader,
		},
		// Section count beyond what the header region holds.
		{
			func() []byte {
				buf := buildImage(machineAmd64, 0x1000, imageBase, []sectionSpec{goodSection})
				binary.LittleEndian.PutUint16(buf[0x40+peNumSectsOff:], maxSegments+1)
				return buf
			},
			ErrTooManySections,
		},
		// Section raw data running past the end of the file.
		{
			func() []byte {
				buf := buildImage(machineAmd64, 0x1000, imageBase, []sectionSpec{goodSection})
				tableOff := 0x40 + peOptHeaderOff + 0x38
				binary.LittleEndian.PutUint32(buf[tableOff+sectRawPtrOff:], uint32(len(buf)-4))
				return buf
			},
			ErrSectionOutOfBounds,
		},
		// Two sections claiming overlapping virtual ranges.
		{
			func() []byte {
				clash := goodSection
				clash.virtAddr = 0x1800
				return buildImage(machineAmd64, 0x1000, imageBase,
					[]sectionSpec{goodSection, clash})
			},
			ErrSegmentOverlap,
		},
		// Entry point outside every segment.
		{
			func() []byte {
				return buildImage(machineAmd64, 0x9000, imageBase, []sectionSpec{goodSection})
			},
			ErrEntryOutsideImage,
		},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			var chain kernel.Chain
			parsed, err := Parse(spec.build(), &chain)

			assert.Nil(t, parsed)
			assert.Same(t, ErrInvalidImage, err)
			require.Equal(t, 2, chain.Depth())
			assert.Same(t, spec.cause, chain.Frames()[0])
			assert.Same(t, ErrInvalidImage, chain.Frames()[1])
		})
	}
}

type stubTransport struct {
	files map[string][]byte
}

func (s *stubTransport) MemoryMap([]firmware.MemoryDescriptor) (int, *kernel.Error) {
	return 0, firmware.ErrMemoryMapFailed
}

func (s *stubTransport) ReadFile(name string, buf []byte) (int, *kernel.Error) {
	data, ok := s.files[name]
	if !ok {
		return 0, firmware.ErrFileNotFound
	}
	if len(buf) < len(data) {
		return 0, firmware.ErrBufferTooSmall
	}
	return copy(buf, data), nil
}

func (s *stubTransport) ProcessorCount() (firmware.ProcessorCount, *kernel.Error) {
	return firmware.ProcessorCount{Total: 1, Enabled: 1}, nil
}

func (s *stubTransport) StartProcessor(int, mem.PhysAddr, mem.PhysAddr) *kernel.Error {
	return firmware.ErrStartProcessorFailed
}

func (s *stubTransport) ExitBootServices() *kernel.Error { return nil }
func (s *stubTransport) Stall(uint64)                    {}
func (s *stubTransport) IdentityTableRoot() mem.PhysAddr { return 0 }

func TestFetch(t *testing.T) {
	fw := &stubTransport{files: map[string][]byte{
		"paintbrush.kern": {0xde, 0xad, 0xbe, 0xef},
	}}

	var buf [16]byte
	var chain kernel.Chain

	got, err := Fetch(fw, &chain, "paintbrush.kern", buf[:])
	require.Nil(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, got)

	_, err = Fetch(fw, &chain, "missing.kern", buf[:])
	assert.Same(t, firmware.ErrFileNotFound, err)
	assert.Equal(t, []*kernel.Error{firmware.ErrFileNotFound}, chain.Frames())
}
