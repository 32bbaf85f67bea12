// SPDX-License-Identifier: Unlicense OR MIT

package physmem

import (
	"fmt"

	"eliasnaur.com/paging/paging"
)

// ptePhysPageMask extracts the physical address of an entry, bits
// 12-51.
const ptePhysPageMask = 0x000ffffffffff000

// PageFault describes a failed translation.
type PageFault struct {
	Addr paging.VirtAddr
	// Depth is the level of the table whose entry failed the
	// translation, 0 for the PML4.
	Depth  int
	Reason string
}

func (f *PageFault) Error() string {
	return fmt.Sprintf("physmem: page fault at %#x (depth %d): %s", uint64(f.Addr), f.Depth, f.Reason)
}

// MMU translates virtual addresses by walking the page tables rooted
// at the frame loaded into its CR3 register. It implements
// paging.Memory.
type MMU struct {
	mem   *Memory
	cr3   paging.PhysAddr
	walks int
}

// NewMMU returns an MMU for mem with root as its active PML4.
func NewMMU(mem *Memory, root paging.PhysAddr) *MMU {
	return &MMU{mem: mem, cr3: root}
}

// Root returns the frame of the active PML4.
func (u *MMU) Root() paging.PhysAddr {
	return u.cr3
}

// SetRoot loads frame into CR3 and returns the previous value.
func (u *MMU) SetRoot(frame paging.PhysAddr) paging.PhysAddr {
	old := u.cr3
	u.cr3 = frame
	return old
}

// Walks returns the number of translations performed.
func (u *MMU) Walks() int {
	return u.walks
}

// Translate returns the physical address of addr.
func (u *MMU) Translate(addr paging.VirtAddr) (paging.PhysAddr, error) {
	u.walks++
	if !addr.IsCanonical() {
		return 0, &PageFault{Addr: addr, Reason: "non-canonical address"}
	}
	table := u.cr3
	for d := 0; d < paging.Levels; d++ {
		e := u.mem.Table(table)[addr.Index(d)]
		if e.IsUnused() {
			return 0, &PageFault{Addr: addr, Depth: d, Reason: "not present"}
		}
		if d < paging.Levels-1 && e.Flags().Contains(paging.FlagHugePage) {
			var size uint64
			switch d {
			case 1:
				size = paging.PageSize1GB
			case 2:
				size = paging.PageSize2MB
			default:
				return 0, &PageFault{Addr: addr, Depth: d, Reason: "reserved huge page bit"}
			}
			base := uint64(e) & ptePhysPageMask &^ (size - 1)
			return paging.PhysAddr(base + uint64(addr)&(size-1)), nil
		}
		table = paging.PhysAddr(uint64(e) & ptePhysPageMask)
	}
	return table + paging.PhysAddr(addr.PageOffset()), nil
}

// TableAt implements paging.Memory. Like the processor, it faults on
// addresses that do not translate.
func (u *MMU) TableAt(addr paging.VirtAddr) *paging.RawTable {
	paddr, err := u.Translate(addr)
	if err != nil {
		panic(err)
	}
	return u.mem.Table(paddr)
}

// Load reads the 64-bit word at addr.
func (u *MMU) Load(addr paging.VirtAddr) (uint64, error) {
	w, err := u.word(addr)
	if err != nil {
		return 0, err
	}
	return *w, nil
}

// Store writes the 64-bit word at addr.
func (u *MMU) Store(addr paging.VirtAddr, v uint64) error {
	w, err := u.word(addr)
	if err != nil {
		return err
	}
	*w = v
	return nil
}

func (u *MMU) word(addr paging.VirtAddr) (*uint64, error) {
	if !paging.IsAligned(addr, 8) {
		return nil, fmt.Errorf("physmem: unaligned word address %#x", uint64(addr))
	}
	paddr, err := u.Translate(addr)
	if err != nil {
		return nil, err
	}
	page := u.mem.Table(paging.AlignDown(paddr, paging.PageSize))
	return (*uint64)(&page[paddr%paging.PageSize/8]), nil
}
