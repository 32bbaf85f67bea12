// SPDX-License-Identifier: Unlicense OR MIT

package paging

import "fmt"

// RecursiveIndex is the PML4 entry that points back to the PML4
// itself. Following it once at every level lands on the PML4; following
// it fewer times exposes the lower level tables as ordinary pages.
const RecursiveIndex Index = EntryCount - 1

// AddressOf returns the virtual address of the table reached from the
// PML4 by following path, assuming the PML4 maps itself at recursive.
// An empty path addresses the PML4, a path of three indices a page
// table. A full path of four indices yields the address of the mapped
// page itself.
func AddressOf(recursive Index, path ...Index) VirtAddr {
	if len(path) > Levels {
		panic("paging: AddressOf: path longer than the hierarchy")
	}
	fill := Levels - len(path)
	var a uint64
	for d := 0; d < Levels; d++ {
		idx := recursive
		if d >= fill {
			idx = path[d-fill]
		}
		if !idx.Valid() {
			panic(fmt.Errorf("%w: %d", ErrIndexOutOfRange, idx))
		}
		a = a<<indexBits | uint64(idx)
	}
	return Canonical(a << pageShift)
}

// ChildAddress returns the virtual address of the table referenced by
// entry i of the table at parent. The index fields of parent move up
// one level and i takes the lowest one.
func ChildAddress(parent VirtAddr, i Index) VirtAddr {
	if !i.Valid() {
		panic(fmt.Errorf("%w: %d", ErrIndexOutOfRange, i))
	}
	return Canonical(uint64(parent)<<indexBits | uint64(i)<<pageShift)
}

// RootAddress is the fixed virtual address of the active PML4.
func RootAddress() VirtAddr {
	return AddressOf(RecursiveIndex)
}

// ActiveTable returns the handle to the PML4 currently loaded in CR3.
// Callers must serialize modifications of the hierarchy.
func ActiveTable(mem Memory) *Table[PML4] {
	return NewTable[PML4](mem, RootAddress())
}

// InstallRecursive points the recursive entry of pml4, stored at
// frame, to itself. It is used when preparing a new address space.
func InstallRecursive(pml4 *RawTable, frame PhysAddr) error {
	return pml4[RecursiveIndex].Set(frame, FlagPresent|FlagWritable)
}
