package firmware

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// elfSeg describes one program header in a synthetic ELF.
type elfSeg struct {
	typ    uint32 // elf.ProgType value
	paddr  uint32
	data   []byte
	memsz  uint32 // 0 means len(data)
	filesz int    // -1 means len(data)
}

const (
	ptNull = 0
	ptLoad = 1
)

// buildELF assembles a minimal 32-bit little-endian ELF with only program
// headers, which is all the image builder reads.
func buildELF(t *testing.T, entry uint32, segs []elfSeg) []byte {
	t.Helper()

	const (
		ehSize = 52
		phSize = 32
	)

	var buf bytes.Buffer
	le := binary.LittleEndian

	ident := make([]byte, 16)
	copy(ident, "\x7fELF")
	ident[4] = 1 // ELFCLASS32
	ident[5] = 1 // ELFDATA2LSB
	ident[6] = 1 // EV_CURRENT
	buf.Write(ident)

	w32 := func(v uint32) {
		var b [4]byte
		le.PutUint32(b[:], v)
		buf.Write(b[:])
	}
	w16 := func(v uint16) {
		var b [2]byte
		le.PutUint16(b[:], v)
		buf.Write(b[:])
	}

	w16(2)    // e_type: ET_EXEC
	w16(94)   // e_machine: EM_XTENSA
	w32(1)    // e_version
	w32(entry)
	w32(ehSize) // e_phoff
	w32(0)      // e_shoff
	w32(0)      // e_flags
	w16(ehSize)
	w16(phSize)
	w16(uint16(len(segs)))
	w16(0) // e_shentsize
	w16(0) // e_shnum
	w16(0) // e_shstrndx

	dataOff := uint32(ehSize + phSize*len(segs))
	for _, s := range segs {
		filesz := uint32(len(s.data))
		if s.filesz >= 0 {
			filesz = uint32(s.filesz)
		}
		memsz := s.memsz
		if memsz == 0 {
			memsz = filesz
		}
		w32(s.typ)
		w32(dataOff)  // p_offset
		w32(s.paddr)  // p_vaddr (identity-mapped in these fixtures)
		w32(s.paddr)  // p_paddr
		w32(filesz)
		w32(memsz)
		w32(5) // p_flags: R+X
		w32(4) // p_align
		dataOff += uint32(len(s.data))
	}
	for _, s := range segs {
		buf.Write(s.data)
	}

	return buf.Bytes()
}

func fill(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestBuild_TwoLoadableSegments(t *testing.T) {
	data := buildELF(t, 0x1000, []elfSeg{
		{typ: ptLoad, paddr: 0x1000, data: fill(16, 0xAA), filesz: -1},
		{typ: ptLoad, paddr: 0x2000, data: fill(32, 0xBB), filesz: -1},
	})

	img, err := Build(data, ESP32)
	require.NoError(t, err)

	require.Len(t, img.Segments, 2)
	assert.Equal(t, uint32(0x1000), img.Segments[0].Addr)
	assert.Equal(t, fill(16, 0xAA), img.Segments[0].Data)
	assert.Equal(t, uint32(0x2000), img.Segments[1].Addr)
	assert.Equal(t, fill(32, 0xBB), img.Segments[1].Data)
	assert.Equal(t, uint32(0x1000), img.Entry)
	assert.Equal(t, 48, img.TotalBytes())
}

func TestBuild_SkipsNonLoadableAndEmpty(t *testing.T) {
	data := buildELF(t, 0, []elfSeg{
		{typ: ptNull, paddr: 0x9000, data: fill(8, 0x01), filesz: -1},
		{typ: ptLoad, paddr: 0x3000, data: nil, filesz: 0, memsz: 64}, // .bss-like
		{typ: ptLoad, paddr: 0x1000, data: fill(4, 0x02), filesz: -1},
	})

	img, err := Build(data, ESP32)
	require.NoError(t, err)
	require.Len(t, img.Segments, 1)
	assert.Equal(t, uint32(0x1000), img.Segments[0].Addr)
}

func TestBuild_MergesOnlyContiguous(t *testing.T) {
	data := buildELF(t, 0, []elfSeg{
		{typ: ptLoad, paddr: 0x1000, data: fill(16, 0x01), filesz: -1},
		{typ: ptLoad, paddr: 0x1010, data: fill(16, 0x02), filesz: -1}, // adjacent
		{typ: ptLoad, paddr: 0x1030, data: fill(16, 0x03), filesz: -1}, // 16-byte gap
	})

	img, err := Build(data, ESP32)
	require.NoError(t, err)

	require.Len(t, img.Segments, 2)
	assert.Equal(t, uint32(0x1000), img.Segments[0].Addr)
	assert.Equal(t, append(fill(16, 0x01), fill(16, 0x02)...), img.Segments[0].Data)
	assert.Equal(t, uint32(0x1030), img.Segments[1].Addr)
}

func TestBuild_SortsByAddress(t *testing.T) {
	data := buildELF(t, 0, []elfSeg{
		{typ: ptLoad, paddr: 0x8000, data: fill(8, 0x02), filesz: -1},
		{typ: ptLoad, paddr: 0x1000, data: fill(8, 0x01), filesz: -1},
	})

	img, err := Build(data, ESP32)
	require.NoError(t, err)
	require.Len(t, img.Segments, 2)
	assert.True(t, img.Segments[0].Addr < img.Segments[1].Addr)
}

func TestBuild_TranslatesCacheAddresses(t *testing.T) {
	// ESP32 DROM window starts at 0x3F400000 and maps flash offset 0.
	data := buildELF(t, 0, []elfSeg{
		{typ: ptLoad, paddr: 0x3F400020, data: fill(8, 0x0D), filesz: -1},
		// IROM window starts at 0x400D0000 and maps flash offset 0x10000.
		{typ: ptLoad, paddr: 0x400D0000, data: fill(8, 0x0E), filesz: -1},
	})

	img, err := Build(data, ESP32)
	require.NoError(t, err)
	require.Len(t, img.Segments, 2)
	assert.Equal(t, uint32(0x20), img.Segments[0].Addr)
	assert.Equal(t, uint32(0x10000), img.Segments[1].Addr)
}

func TestBuild_AddressOutOfRange(t *testing.T) {
	data := buildELF(t, 0, []elfSeg{
		{typ: ptLoad, paddr: 0x50000000, data: fill(8, 0x01), filesz: -1},
	})

	_, err := Build(data, ESP32)
	var le *LayoutError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ESP32, le.Chip)
	assert.Equal(t, uint64(0x50000000), le.Address)
}

// buildELF64 assembles a minimal 64-bit ELF with one loadable segment, for
// load addresses that cannot be expressed in an ELF32 program header.
func buildELF64(t *testing.T, paddr uint64, data []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	le := binary.LittleEndian
	w16 := func(v uint16) {
		var b [2]byte
		le.PutUint16(b[:], v)
		buf.Write(b[:])
	}
	w32 := func(v uint32) {
		var b [4]byte
		le.PutUint32(b[:], v)
		buf.Write(b[:])
	}
	w64 := func(v uint64) {
		var b [8]byte
		le.PutUint64(b[:], v)
		buf.Write(b[:])
	}

	ident := make([]byte, 16)
	copy(ident, "\x7fELF")
	ident[4] = 2 // ELFCLASS64
	ident[5] = 1 // ELFDATA2LSB
	ident[6] = 1 // EV_CURRENT
	buf.Write(ident)

	w16(2)  // e_type: ET_EXEC
	w16(94) // e_machine: EM_XTENSA
	w32(1)  // e_version
	w64(0)  // e_entry
	w64(64) // e_phoff
	w64(0)  // e_shoff
	w32(0)  // e_flags
	w16(64) // e_ehsize
	w16(56) // e_phentsize
	w16(1)  // e_phnum
	w16(0)  // e_shentsize
	w16(0)  // e_shnum
	w16(0)  // e_shstrndx

	w32(ptLoad)
	w32(5)       // p_flags: R+X
	w64(64 + 56) // p_offset
	w64(paddr)   // p_vaddr
	w64(paddr)   // p_paddr
	w64(uint64(len(data)))
	w64(uint64(len(data)))
	w64(8) // p_align
	buf.Write(data)

	return buf.Bytes()
}

func TestBuild_64BitAddressReportedUntruncated(t *testing.T) {
	// 0x1_0000_0000 truncates to 0 in 32 bits; the error must carry the
	// real address.
	data := buildELF64(t, 0x1_0000_0000, fill(8, 0x01))

	_, err := Build(data, ESP32)
	var le *LayoutError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, uint64(0x1_0000_0000), le.Address)
}

func TestBuild_OverlapRejected(t *testing.T) {
	data := buildELF(t, 0, []elfSeg{
		{typ: ptLoad, paddr: 0x1000, data: fill(32, 0x01), filesz: -1},
		{typ: ptLoad, paddr: 0x1010, data: fill(32, 0x02), filesz: -1},
	})

	_, err := Build(data, ESP32)
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Error(), "overlap")
}

func TestBuild_NotELF(t *testing.T) {
	_, err := Build([]byte("definitely not an elf"), ESP32)
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
}

func TestBuild_NoLoadableSegments(t *testing.T) {
	data := buildELF(t, 0, []elfSeg{
		{typ: ptNull, paddr: 0x1000, data: fill(8, 0x01), filesz: -1},
	})

	_, err := Build(data, ESP32)
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Error(), "no loadable segments")
}

// Reassembling the segments onto a zero-filled address space must reproduce
// exactly the loadable bytes of the source image.
func TestBuild_RoundTripLoadableBytes(t *testing.T) {
	segsIn := []elfSeg{
		{typ: ptLoad, paddr: 0x1000, data: fill(16, 0x11), filesz: -1},
		{typ: ptLoad, paddr: 0x1010, data: fill(16, 0x22), filesz: -1},
		{typ: ptLoad, paddr: 0x4000, data: fill(64, 0x33), filesz: -1},
	}
	data := buildELF(t, 0, segsIn)

	img, err := Build(data, ESP32)
	require.NoError(t, err)

	space := make([]byte, 0x8000)
	for _, s := range img.Segments {
		copy(space[s.Addr:], s.Data)
	}

	want := make([]byte, 0x8000)
	for _, s := range segsIn {
		copy(want[s.paddr:], s.data)
	}
	assert.Equal(t, want, space)

	// Pairwise non-overlapping, sorted.
	for i := 1; i < len(img.Segments); i++ {
		assert.True(t, img.Segments[i-1].End() <= img.Segments[i].Addr)
	}
}
