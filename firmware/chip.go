package firmware

import (
	"fmt"
	"strings"
)

// Chip identifies a supported target chip family.
type Chip string

// Supported chips.
const (
	ESP32   Chip = "esp32"
	ESP32S2 Chip = "esp32s2"
	ESP32S3 Chip = "esp32s3"
	ESP32C3 Chip = "esp32c3"
	ESP32C6 Chip = "esp32c6"
	ESP32H2 Chip = "esp32h2"
)

// ParseChip converts a user-supplied chip name (case-insensitive) into a Chip.
func ParseChip(s string) (Chip, error) {
	c := Chip(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case ESP32, ESP32S2, ESP32S3, ESP32C3, ESP32C6, ESP32H2:
		return c, nil
	}
	return "", fmt.Errorf("unknown chip %q (supported: %s)", s, strings.Join(chipNames(), ", "))
}

func chipNames() []string {
	names := make([]string, 0, len(chipLayouts))
	for _, c := range []Chip{ESP32, ESP32S2, ESP32S3, ESP32C3, ESP32C6, ESP32H2} {
		names = append(names, string(c))
	}
	return names
}

// String implements fmt.Stringer.
func (c Chip) String() string { return string(c) }

// cacheWindow is a virtual flash-cache address range. Sections linked into a
// window live in flash at flashBase plus their offset within the window.
type cacheWindow struct {
	start     uint32
	end       uint32 // exclusive
	flashBase uint32
}

// chipLayout describes the flash geometry of one chip family.
type chipLayout struct {
	flashSize uint32 // addressable raw flash, starting at offset 0
	windows   []cacheWindow
}

// chipLayouts holds per-chip flash windows and cache mappings. Sizes are the
// maximum addressable flash for the family, not a particular board's part.
var chipLayouts = map[Chip]chipLayout{
	ESP32: {
		flashSize: 16 << 20,
		windows: []cacheWindow{
			{start: 0x3F400000, end: 0x3F800000, flashBase: 0x0},     // DROM
			{start: 0x400D0000, end: 0x40400000, flashBase: 0x10000}, // IROM
		},
	},
	ESP32S2: {
		flashSize: 16 << 20,
		windows: []cacheWindow{
			{start: 0x3F000000, end: 0x3F3F0000, flashBase: 0x0},
			{start: 0x40080000, end: 0x40800000, flashBase: 0x10000},
		},
	},
	ESP32S3: {
		flashSize: 32 << 20,
		windows: []cacheWindow{
			{start: 0x3C000000, end: 0x3E000000, flashBase: 0x0},
			{start: 0x42000000, end: 0x44000000, flashBase: 0x10000},
		},
	},
	ESP32C3: {
		flashSize: 16 << 20,
		windows: []cacheWindow{
			{start: 0x3C000000, end: 0x3C800000, flashBase: 0x0},
			{start: 0x42000000, end: 0x42800000, flashBase: 0x10000},
		},
	},
	ESP32C6: {
		flashSize: 16 << 20,
		windows: []cacheWindow{
			{start: 0x42000000, end: 0x43000000, flashBase: 0x0},
		},
	},
	ESP32H2: {
		flashSize: 16 << 20,
		windows: []cacheWindow{
			{start: 0x42000000, end: 0x42800000, flashBase: 0x0},
		},
	},
}

// translate maps a section load address to a raw flash offset. Addresses
// already inside the raw flash range pass through unchanged; addresses inside
// a cache window are mapped back to their flash offset. Anything else is out
// of range for the chip.
func (l chipLayout) translate(addr uint32) (uint32, bool) {
	if addr < l.flashSize {
		return addr, true
	}
	for _, w := range l.windows {
		if addr >= w.start && addr < w.end {
			return w.flashBase + (addr - w.start), true
		}
	}
	return 0, false
}
