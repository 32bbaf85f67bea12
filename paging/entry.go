// SPDX-License-Identifier: Unlicense OR MIT

package paging

import "fmt"

// Entry is the hardware representation of a page table entry: flag
// bits 0-8 and 63, and a 4 KiB aligned physical address in bits 12-51.
type Entry uint64

// frameMask extracts the physical address bits of an entry.
const frameMask = Entry(maxPhys - 1) &^ (PageSize - 1)

// IsUnused reports whether the present flag is clear. The remaining
// bits of an unused entry carry no meaning.
func (e Entry) IsUnused() bool {
	return Flags(e)&FlagPresent == 0
}

// IsHuge reports whether the entry is a present huge page mapping.
func (e Entry) IsHuge() bool {
	return !e.IsUnused() && Flags(e)&FlagHugePage != 0
}

func (e *Entry) SetUnused() {
	*e = 0
}

// Flags returns the attribute bits of the entry.
func (e Entry) Flags() Flags {
	return Flags(e) & allFlags
}

// PointedFrame returns the 4 KiB frame or child table the entry points
// to.
func (e Entry) PointedFrame() (PhysAddr, error) {
	if e.IsUnused() {
		return 0, ErrNotPresent
	}
	if e.IsHuge() {
		return 0, ErrUnexpectedHugePage
	}
	return PhysAddr(e & frameMask), nil
}

// HugeFrame returns the start of the huge page the entry maps.
func (e Entry) HugeFrame() (PhysAddr, error) {
	if e.IsUnused() {
		return 0, ErrNotPresent
	}
	if !e.IsHuge() {
		return 0, ErrNotHugePage
	}
	return PhysAddr(e & frameMask), nil
}

// Set points the entry to frame. The present flag is always set;
// SetUnused is the only way to clear it.
func (e *Entry) Set(frame PhysAddr, flags Flags) error {
	if !IsAligned(frame, PageSize) || frame >= maxPhys {
		return fmt.Errorf("%w: %#x", ErrInvalidFrameAddress, uint64(frame))
	}
	flags = flags&allFlags | FlagPresent
	*e = Entry(frame) | Entry(flags)
	return nil
}

// SetFlags replaces the attribute bits and keeps the frame address.
func (e *Entry) SetFlags(flags Flags) {
	*e &^= Entry(allFlags)
	*e |= Entry(flags & allFlags)
}

func (e Entry) String() string {
	if e.IsUnused() {
		return "Entry(unused)"
	}
	return fmt.Sprintf("Entry(%#x, %v)", uint64(e&frameMask), e.Flags())
}
