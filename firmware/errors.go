package firmware

import "fmt"

// FormatError indicates that the input is not a usable firmware image:
// it is not valid ELF, has no loadable content, or its loadable content
// is self-contradictory (overlapping segments).
type FormatError struct {
	Path   string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("invalid firmware image %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("invalid firmware image: %s", e.Reason)
}

// Unwrap returns the underlying error, if any.
func (e *FormatError) Unwrap() error { return e.Err }

// LayoutError indicates that a loadable segment targets an address outside
// the flash range (raw or cache-mapped) of the configured chip.
type LayoutError struct {
	Chip    Chip
	Address uint64
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("segment address 0x%08X is outside the flash range of %s", e.Address, e.Chip)
}
