// SPDX-License-Identifier: Unlicense OR MIT

// Package paging implements the x86_64 4-level page table structures
// and walks them through the recursive mapping of the top level
// table.
package paging

import "golang.org/x/exp/constraints"

const (
	// Page sizes
	PageSize    = 1 << 12
	PageSize2MB = 1 << 21
	PageSize1GB = 1 << 30

	// EntryCount is the number of entries in every table.
	EntryCount = 512

	// Levels is the depth of the table hierarchy.
	Levels = 4

	// PhysAddrWidth is the maximum physical address width in bits.
	PhysAddrWidth = 52
	// VirtAddrWidth is the number of significant virtual address bits.
	VirtAddrWidth = 48

	pageShift   = 12
	indexBits   = 9
	indexMask   = EntryCount - 1
	maxPhys     = 1 << PhysAddrWidth
	virtMask    = 1<<VirtAddrWidth - 1
	virtSignBit = 1 << (VirtAddrWidth - 1)
)

// PhysAddr is a physical memory address.
type PhysAddr uint64

// VirtAddr is a virtual memory address.
type VirtAddr uint64

// Index selects one of the EntryCount entries of a table.
type Index uint16

// levelShifts is the shift of each level's index field, top first.
var levelShifts = [Levels]uint{39, 30, 21, 12}

// Index returns the index of the address into the table at depth
// (0 for the PML4, 3 for the page table).
func (a VirtAddr) Index(depth int) Index {
	return Index((a >> levelShifts[depth]) & indexMask)
}

// Indices returns the four table indices of the address, top first.
func (a VirtAddr) Indices() [Levels]Index {
	var idx [Levels]Index
	for d := range idx {
		idx[d] = a.Index(d)
	}
	return idx
}

// PageOffset returns the offset within the 4 KiB page.
func (a VirtAddr) PageOffset() uint64 {
	return uint64(a) & (PageSize - 1)
}

// IsCanonical reports whether the upper 16 bits of the address are a
// sign extension of bit 47.
func (a VirtAddr) IsCanonical() bool {
	return Canonical(uint64(a)) == a
}

// Canonical truncates addr to VirtAddrWidth bits and sign extends the
// result.
func Canonical(addr uint64) VirtAddr {
	addr &= virtMask
	if addr&virtSignBit != 0 {
		addr |= ^uint64(virtMask)
	}
	return VirtAddr(addr)
}

// Valid reports whether the index addresses a table entry.
func (i Index) Valid() bool {
	return i < EntryCount
}

// AlignDown rounds v down to a multiple of align, which must be a
// power of two.
func AlignDown[T constraints.Unsigned](v, align T) T {
	return v &^ (align - 1)
}

// AlignUp rounds v up to a multiple of align, which must be a power
// of two.
func AlignUp[T constraints.Unsigned](v, align T) T {
	return (v + align - 1) &^ (align - 1)
}

// IsAligned reports whether v is a multiple of align.
func IsAligned[T constraints.Unsigned](v, align T) bool {
	return v&(align-1) == 0
}
