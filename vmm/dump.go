// SPDX-License-Identifier: Unlicense OR MIT

package vmm

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"

	"eliasnaur.com/paging/paging"
)

// ErrOverlap is returned by Verify when two mappings share physical
// memory.
var ErrOverlap = errors.New("vmm: overlapping physical ranges")

// Range is a single mapping of a page of any size.
type Range struct {
	VAddr paging.VirtAddr
	PAddr paging.PhysAddr
	Size  uint64
	Flags paging.Flags
}

func (r Range) String() string {
	return fmt.Sprintf("vaddr: %#x paddr: %#x size: %#x flags: %v", uint64(r.VAddr), uint64(r.PAddr), r.Size, r.Flags)
}

// Dump returns every mapping in virtual address order. The recursive
// entry is skipped.
func (m *Mapper) Dump() []Range {
	var entries []Range
	m.root.Range(func(i paging.Index, pml4e paging.Entry) bool {
		if i == paging.RecursiveIndex {
			return true
		}
		pdpt, ok := paging.NextTable[paging.PML4, paging.PDPT](m.root, i)
		if !ok {
			return true
		}
		vaddr := uint64(i) << 39
		pdpt.Range(func(i paging.Index, pdpte paging.Entry) bool {
			vaddr := vaddr | uint64(i)<<30
			if pdpte.IsHuge() {
				// 1GB page.
				entries = append(entries, hugeRange(vaddr, pdpte, paging.PageSize1GB))
				return true
			}
			pd, _ := paging.NextTable[paging.PDPT, paging.PD](pdpt, i)
			pd.Range(func(i paging.Index, pde paging.Entry) bool {
				vaddr := vaddr | uint64(i)<<21
				if pde.IsHuge() {
					// 2MB page.
					entries = append(entries, hugeRange(vaddr, pde, paging.PageSize2MB))
					return true
				}
				pt, _ := paging.NextTable[paging.PD, paging.PT](pd, i)
				pt.Range(func(i paging.Index, e paging.Entry) bool {
					// 4kb page.
					paddr, err := e.PointedFrame()
					if err != nil {
						return true
					}
					entries = append(entries, Range{
						VAddr: paging.Canonical(vaddr | uint64(i)<<12),
						PAddr: paddr,
						Size:  paging.PageSize,
						Flags: e.Flags(),
					})
					return true
				})
				return true
			})
			return true
		})
		return true
	})
	return entries
}

func hugeRange(vaddr uint64, e paging.Entry, size uint64) Range {
	paddr, _ := e.HugeFrame()
	return Range{
		VAddr: paging.Canonical(vaddr),
		PAddr: paging.AlignDown(paddr, paging.PhysAddr(size)),
		Size:  size,
		Flags: e.Flags(),
	}
}

// Verify reports an error wrapping ErrOverlap if any two ranges map
// overlapping physical memory.
func Verify(ranges []Range) error {
	sorted := slices.Clone(ranges)
	slices.SortFunc(sorted, func(r1, r2 Range) int {
		switch {
		case r1.PAddr < r2.PAddr:
			return -1
		case r1.PAddr > r2.PAddr:
			return 1
		case r1.Size < r2.Size:
			return -1
		case r1.Size > r2.Size:
			return 1
		}
		return 0
	})
	var errs []error
	for i := 0; i < len(sorted)-1; i++ {
		r1, r2 := sorted[i], sorted[i+1]
		if uint64(r1.PAddr)+r1.Size > uint64(r2.PAddr) {
			errs = append(errs, fmt.Errorf("%w: %v and %v", ErrOverlap, r1, r2))
		}
	}
	return errors.Join(errs...)
}
