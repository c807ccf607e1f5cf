// Package firmware turns a firmware ELF into the flashable memory layout the
// simulator expects: an ordered list of contiguous flash segments.
package firmware

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"sort"
)

// FlashSegment is one contiguous range of bytes destined for raw flash.
// Segments produced by Build are sorted by address and pairwise non-overlapping.
type FlashSegment struct {
	Addr uint32
	Data []byte
}

// End returns the first address past the segment.
func (s FlashSegment) End() uint32 { return s.Addr + uint32(len(s.Data)) }

// Image is the flashable form of a firmware ELF.
type Image struct {
	Chip     Chip
	Entry    uint32
	Segments []FlashSegment
}

// Load reads the ELF at path and builds its flash image for chip.
func Load(path string, chip Chip) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read firmware image: %w", err)
	}
	img, err := Build(data, chip)
	if err != nil {
		var fe *FormatError
		if errors.As(err, &fe) {
			fe.Path = path
		}
		return nil, err
	}
	return img, nil
}

// Build parses ELF bytes and produces the flash image for chip.
//
// Only PT_LOAD program segments with a non-zero file size are considered.
// The physical (load) address of each segment is translated from flash-cache
// virtual space to a raw flash offset where required. Adjacent segments are
// merged only when truly contiguous; gaps are preserved so the simulator can
// treat them as erased.
func Build(data []byte, chip Chip) (*Image, error) {
	layout, ok := chipLayouts[chip]
	if !ok {
		return nil, fmt.Errorf("unknown chip %q", chip)
	}

	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, &FormatError{Reason: "not a valid ELF file", Err: err}
	}
	defer f.Close()

	var segs []FlashSegment
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}

		if prog.Paddr > 0xFFFFFFFF {
			return nil, &LayoutError{Chip: chip, Address: prog.Paddr}
		}
		addr32 := uint32(prog.Paddr)
		addr, ok := layout.translate(addr32)
		if !ok {
			return nil, &LayoutError{Chip: chip, Address: prog.Paddr}
		}

		buf := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(buf, 0); err != nil {
			return nil, &FormatError{Reason: fmt.Sprintf("read segment at 0x%08X", addr32), Err: err}
		}

		// addr+len must not wrap the 32-bit flash address space.
		if uint64(addr)+uint64(len(buf)) > 0x100000000 {
			return nil, &LayoutError{Chip: chip, Address: uint64(addr)}
		}

		segs = append(segs, FlashSegment{Addr: addr, Data: buf})
	}

	if len(segs) == 0 {
		return nil, &FormatError{Reason: "no loadable segments"}
	}

	sort.Slice(segs, func(i, j int) bool { return segs[i].Addr < segs[j].Addr })

	merged, err := mergeContiguous(segs)
	if err != nil {
		return nil, err
	}

	return &Image{
		Chip:     chip,
		Entry:    uint32(f.Entry),
		Segments: merged,
	}, nil
}

// mergeContiguous coalesces exactly-adjacent segments and rejects overlaps.
// Input must be sorted by address.
func mergeContiguous(segs []FlashSegment) ([]FlashSegment, error) {
	out := make([]FlashSegment, 0, len(segs))
	for _, s := range segs {
		if len(out) == 0 {
			out = append(out, FlashSegment{Addr: s.Addr, Data: append([]byte(nil), s.Data...)})
			continue
		}
		last := &out[len(out)-1]
		switch {
		case s.Addr == last.End():
			last.Data = append(last.Data, s.Data...)
		case s.Addr < last.End():
			return nil, &FormatError{
				Reason: fmt.Sprintf("segments overlap at 0x%08X", s.Addr),
			}
		default:
			out = append(out, FlashSegment{Addr: s.Addr, Data: append([]byte(nil), s.Data...)})
		}
	}
	return out, nil
}

// TotalBytes returns the number of flashable bytes across all segments.
func (img *Image) TotalBytes() int {
	n := 0
	for _, s := range img.Segments {
		n += len(s.Data)
	}
	return n
}
