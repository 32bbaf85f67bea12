// SPDX-License-Identifier: Unlicense OR MIT

package paging

import "unsafe"

// Memory resolves the virtual address of a table to its storage.
type Memory interface {
	TableAt(addr VirtAddr) *RawTable
}

// Direct is the Memory of code running on the processor whose active
// page tables are walked: virtual addresses are dereferenced as is and
// the MMU resolves them through the recursive entry.
type Direct struct{}

//go:nosplit
func (Direct) TableAt(addr VirtAddr) *RawTable {
	return (*RawTable)(unsafe.Pointer(uintptr(addr)))
}
