// SPDX-License-Identifier: Unlicense OR MIT

package paging

// Error is the error type returned by table operations. The sentinel
// values below are compared with errors.Is.
type Error string

const (
	// ErrNotPresent is returned when the frame of an absent entry is
	// requested.
	ErrNotPresent = Error("paging: entry not present")
	// ErrUnexpectedHugePage is returned when a walk would descend
	// through, or subdivide, an entry mapping a huge page.
	ErrUnexpectedHugePage = Error("paging: entry maps a huge page")
	// ErrNotHugePage is returned by Entry.HugeFrame for entries that
	// do not map a huge page.
	ErrNotHugePage = Error("paging: entry does not map a huge page")
	// ErrInvalidFrameAddress is returned for frame addresses that are
	// not page aligned or exceed the physical address width.
	ErrInvalidFrameAddress = Error("paging: invalid frame address")
	// ErrOutOfMemory is returned when the frame allocator is exhausted.
	ErrOutOfMemory = Error("paging: out of memory")
	// ErrIndexOutOfRange is the panic value for table indices outside
	// [0, EntryCount).
	ErrIndexOutOfRange = Error("paging: table index out of range")
)

func (e Error) Error() string {
	return string(e)
}
