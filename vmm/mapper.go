// SPDX-License-Identifier: Unlicense OR MIT

// Package vmm maps virtual pages to physical frames on top of the
// recursively mapped page tables of package paging.
package vmm

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"eliasnaur.com/paging/paging"
)

var (
	ErrAlreadyMapped   = errors.New("vmm: page already mapped")
	ErrNotMapped       = errors.New("vmm: page not mapped")
	ErrUnaligned       = errors.New("vmm: address not page aligned")
	ErrNonCanonical    = errors.New("vmm: non-canonical address")
	ErrReservedAddress = errors.New("vmm: address in the recursive mapping")
	ErrInvalidRange    = errors.New("vmm: invalid address range")
)

// Mapper modifies the page tables reachable from a PML4. Like the
// tables themselves, a Mapper must not be used concurrently.
type Mapper struct {
	root       *paging.Table[paging.PML4]
	alloc      paging.FrameAllocator
	log        *zap.Logger
	invalidate func(paging.VirtAddr)
	flush      func()
	hugePages  bool
}

type Option func(m *Mapper)

// WithLogger sets the logger for map and unmap traces.
func WithLogger(log *zap.Logger) Option {
	return func(m *Mapper) {
		m.log = log
	}
}

// WithInvalidate sets the function called with every unmapped page,
// typically to flush its TLB entry.
func WithInvalidate(fn func(paging.VirtAddr)) Option {
	return func(m *Mapper) {
		m.invalidate = fn
	}
}

// WithFlush sets the function that flushes every TLB entry, called
// when Using repoints the recursive entry.
func WithFlush(fn func()) Option {
	return func(m *Mapper) {
		m.flush = fn
	}
}

// WithHugePages lets MapRange use 2 MiB and 1 GiB pages.
func WithHugePages(enable bool) Option {
	return func(m *Mapper) {
		m.hugePages = enable
	}
}

// New returns a Mapper for the hierarchy rooted at root, allocating
// tables and frames from alloc.
func New(root *paging.Table[paging.PML4], alloc paging.FrameAllocator, opts ...Option) *Mapper {
	m := &Mapper{
		root:       root,
		alloc:      alloc,
		log:        zap.NewNop(),
		invalidate: func(paging.VirtAddr) {},
		flush:      func() {},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Translate returns the physical address addr maps to.
func (m *Mapper) Translate(addr paging.VirtAddr) (paging.PhysAddr, bool) {
	frame, ok := m.TranslatePage(paging.AlignDown(addr, paging.PageSize))
	if !ok {
		return 0, false
	}
	return frame + paging.PhysAddr(addr.PageOffset()), true
}

// TranslatePage returns the frame the page at addr maps to, following
// huge page mappings.
func (m *Mapper) TranslatePage(page paging.VirtAddr) (paging.PhysAddr, bool) {
	if !page.IsCanonical() {
		return 0, false
	}
	idx := page.Indices()
	pdpt, ok := paging.NextTable[paging.PML4, paging.PDPT](m.root, idx[0])
	if !ok {
		return 0, false
	}
	if e := pdpt.Entry(idx[1]); e.IsHuge() {
		return hugeFrame(e, page, paging.PageSize1GB)
	}
	pd, ok := paging.NextTable[paging.PDPT, paging.PD](pdpt, idx[1])
	if !ok {
		return 0, false
	}
	if e := pd.Entry(idx[2]); e.IsHuge() {
		return hugeFrame(e, page, paging.PageSize2MB)
	}
	pt, ok := paging.NextTable[paging.PD, paging.PT](pd, idx[2])
	if !ok {
		return 0, false
	}
	frame, err := pt.Entry(idx[3]).PointedFrame()
	if err != nil {
		return 0, false
	}
	return frame, true
}

func hugeFrame(e paging.Entry, page paging.VirtAddr, size uint64) (paging.PhysAddr, bool) {
	start, err := e.HugeFrame()
	if err != nil {
		return 0, false
	}
	start = paging.AlignDown(start, paging.PhysAddr(size))
	return start + paging.PhysAddr(uint64(page)&(size-1)), true
}

// IsMapped reports whether page translates to a frame.
func (m *Mapper) IsMapped(page paging.VirtAddr) bool {
	_, ok := m.TranslatePage(page)
	return ok
}

// Map points page to frame, creating the intermediate tables as
// needed. The page must not already be mapped.
func (m *Mapper) Map(page paging.VirtAddr, frame paging.PhysAddr, flags paging.Flags) error {
	if err := checkPage(page); err != nil {
		return err
	}
	if !paging.IsAligned(frame, paging.PageSize) {
		return fmt.Errorf("%w: frame %#x", ErrUnaligned, uint64(frame))
	}
	pt, err := m.leafTable(page, flags)
	if err != nil {
		return fmt.Errorf("vmm: map %#x: %w", uint64(page), err)
	}
	e := pt.EntryMut(page.Index(3))
	if !e.IsUnused() {
		return fmt.Errorf("%w: %#x -> %v", ErrAlreadyMapped, uint64(page), *e)
	}
	if err := e.Set(frame, flags.Without(paging.FlagHugePage)); err != nil {
		return err
	}
	m.log.Debug("map",
		zap.Uint64("page", uint64(page)),
		zap.Uint64("frame", uint64(frame)),
		zap.Stringer("flags", e.Flags()))
	return nil
}

// IdentityMap maps frame at the virtual address equal to its physical
// address.
func (m *Mapper) IdentityMap(frame paging.PhysAddr, flags paging.Flags) error {
	return m.Map(paging.VirtAddr(frame), frame, flags)
}

// MapToAny maps page to a newly allocated frame and returns it.
func (m *Mapper) MapToAny(page paging.VirtAddr, flags paging.Flags) (paging.PhysAddr, error) {
	frame, err := m.alloc.Allocate()
	if err != nil {
		return 0, fmt.Errorf("vmm: map %#x to any frame: %w", uint64(page), err)
	}
	if err := m.Map(page, frame, flags); err != nil {
		m.alloc.Deallocate(frame)
		return 0, err
	}
	return frame, nil
}

// MapRange maps the virtual range [start, end) to the physical range
// starting at paddr. With huge pages enabled, suitably aligned parts
// of the range are mapped with 1 GiB or 2 MiB pages.
func (m *Mapper) MapRange(start, end paging.VirtAddr, paddr paging.PhysAddr, flags paging.Flags) error {
	if !paging.IsAligned(paddr, paging.PageSize) {
		return fmt.Errorf("%w: frame %#x", ErrUnaligned, uint64(paddr))
	}
	if err := checkPage(start); err != nil {
		return err
	}
	aligned := paging.AlignUp(end, paging.PageSize)
	if end < start || aligned < end {
		return fmt.Errorf("%w: [%#x, %#x)", ErrInvalidRange, uint64(start), uint64(end))
	}
	end = aligned
	for start < end {
		size := uint64(end - start)
		if err := checkPage(start); err != nil {
			return err
		}
		idx := start.Indices()
		pdpt, err := paging.NextTableCreate[paging.PML4, paging.PDPT](m.root, idx[0], m.alloc)
		if err != nil {
			return err
		}
		propagateUser(m.root.EntryMut(idx[0]), flags)
		if m.fitsHuge(start, paddr, size, paging.PageSize1GB) && pdpt.Entry(idx[1]).IsUnused() {
			// Map a 1 GB page.
			if err := pdpt.EntryMut(idx[1]).Set(paddr, flags|paging.FlagHugePage); err != nil {
				return err
			}
			paddr += paging.PageSize1GB
			start += paging.PageSize1GB
			continue
		}
		pd, err := paging.NextTableCreate[paging.PDPT, paging.PD](pdpt, idx[1], m.alloc)
		if err != nil {
			return err
		}
		propagateUser(pdpt.EntryMut(idx[1]), flags)
		if m.fitsHuge(start, paddr, size, paging.PageSize2MB) && pd.Entry(idx[2]).IsUnused() {
			// Map a 2MB page.
			if err := pd.EntryMut(idx[2]).Set(paddr, flags|paging.FlagHugePage); err != nil {
				return err
			}
			paddr += paging.PageSize2MB
			start += paging.PageSize2MB
			continue
		}
		if err := m.Map(start, paddr, flags); err != nil {
			return err
		}
		paddr += paging.PageSize
		start += paging.PageSize
	}
	return nil
}

func (m *Mapper) fitsHuge(start paging.VirtAddr, paddr paging.PhysAddr, size, pageSize uint64) bool {
	return m.hugePages && size >= pageSize &&
		paging.IsAligned(uint64(start), pageSize) && paging.IsAligned(uint64(paddr), pageSize)
}

// Unmap removes the mapping of page, returns its frame to the
// allocator and invalidates the page. The frame must have come from
// the allocator, as with MapToAny; physmem.Allocator panics on frames
// it never handed out. Use UnmapKeep for frames owned elsewhere, such
// as identity mapped device memory.
func (m *Mapper) Unmap(page paging.VirtAddr) error {
	_, err := m.unmap(page, true)
	return err
}

// UnmapKeep removes the mapping of page and invalidates it, but leaves
// the frame to the caller and returns it.
func (m *Mapper) UnmapKeep(page paging.VirtAddr) (paging.PhysAddr, error) {
	return m.unmap(page, false)
}

func (m *Mapper) unmap(page paging.VirtAddr, free bool) (paging.PhysAddr, error) {
	if err := checkPage(page); err != nil {
		return 0, err
	}
	idx := page.Indices()
	pdpt, ok := paging.NextTable[paging.PML4, paging.PDPT](m.root, idx[0])
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrNotMapped, uint64(page))
	}
	pd, ok := paging.NextTable[paging.PDPT, paging.PD](pdpt, idx[1])
	if !ok {
		return 0, unmapMiss(page, pdpt.Entry(idx[1]))
	}
	pt, ok := paging.NextTable[paging.PD, paging.PT](pd, idx[2])
	if !ok {
		return 0, unmapMiss(page, pd.Entry(idx[2]))
	}
	e := pt.EntryMut(idx[3])
	frame, err := e.PointedFrame()
	if err != nil {
		return 0, fmt.Errorf("%w: %#x", ErrNotMapped, uint64(page))
	}
	e.SetUnused()
	m.invalidate(page)
	if free {
		m.alloc.Deallocate(frame)
	}
	m.log.Debug("unmap",
		zap.Uint64("page", uint64(page)),
		zap.Uint64("frame", uint64(frame)),
		zap.Bool("freed", free))
	return frame, nil
}

func unmapMiss(page paging.VirtAddr, e paging.Entry) error {
	if e.IsHuge() {
		return fmt.Errorf("vmm: unmap %#x: %w", uint64(page), paging.ErrUnexpectedHugePage)
	}
	return fmt.Errorf("%w: %#x", ErrNotMapped, uint64(page))
}

// NewAddressSpace allocates an inactive PML4, zeroes it and points
// its recursive entry to itself. The frame is written through tmp, a
// page that must be unmapped in the active address space.
func (m *Mapper) NewAddressSpace(tmp paging.VirtAddr) (paging.PhysAddr, error) {
	frame, err := m.alloc.Allocate()
	if err != nil {
		return 0, fmt.Errorf("vmm: new address space: %w", err)
	}
	err = m.withTemporary(tmp, frame, func(pml4 *paging.Table[paging.PML4]) error {
		pml4.Zero()
		return paging.InstallRecursive(pml4.Raw(), frame)
	})
	if err != nil {
		m.alloc.Deallocate(frame)
		return 0, err
	}
	m.log.Debug("new address space", zap.Uint64("pml4", uint64(frame)))
	return frame, nil
}

// Using runs fn with the recursive entry of the active PML4 pointing to
// the inactive PML4 at frame, so that fn edits the inactive address
// space through the Mapper. The PML4 at frame must map itself, as
// NewAddressSpace arranges. The active PML4 is reached through tmp,
// an unmapped page, to restore the recursive entry afterwards.
func (m *Mapper) Using(frame paging.PhysAddr, tmp paging.VirtAddr, fn func(*Mapper) error) error {
	backup := m.root.Entry(paging.RecursiveIndex)
	active, err := backup.PointedFrame()
	if err != nil {
		return fmt.Errorf("vmm: active recursive entry: %w", err)
	}
	return m.withTemporary(tmp, active, func(pml4 *paging.Table[paging.PML4]) error {
		if err := m.root.EntryMut(paging.RecursiveIndex).Set(frame, paging.FlagPresent|paging.FlagWritable); err != nil {
			return err
		}
		m.flush()
		defer func() {
			*pml4.EntryMut(paging.RecursiveIndex) = backup
			m.flush()
		}()
		m.log.Debug("using", zap.Uint64("pml4", uint64(frame)))
		return fn(m)
	})
}

// withTemporary maps frame at tmp for the duration of fn, which sees
// it as a PML4. The frame is not freed.
func (m *Mapper) withTemporary(tmp paging.VirtAddr, frame paging.PhysAddr, fn func(pml4 *paging.Table[paging.PML4]) error) error {
	if err := m.Map(tmp, frame, paging.FlagWritable); err != nil {
		return fmt.Errorf("vmm: temporary page: %w", err)
	}
	err := fn(paging.NewTable[paging.PML4](m.root.Memory(), tmp))
	if _, uerr := m.unmap(tmp, false); err == nil {
		err = uerr
	}
	return err
}

// leafTable returns the page table for page, creating missing tables.
func (m *Mapper) leafTable(page paging.VirtAddr, flags paging.Flags) (*paging.Table[paging.PT], error) {
	idx := page.Indices()
	pdpt, err := paging.NextTableCreate[paging.PML4, paging.PDPT](m.root, idx[0], m.alloc)
	if err != nil {
		return nil, err
	}
	propagateUser(m.root.EntryMut(idx[0]), flags)
	pd, err := paging.NextTableCreate[paging.PDPT, paging.PD](pdpt, idx[1], m.alloc)
	if err != nil {
		return nil, err
	}
	propagateUser(pdpt.EntryMut(idx[1]), flags)
	pt, err := paging.NextTableCreate[paging.PD, paging.PT](pd, idx[2], m.alloc)
	if err != nil {
		return nil, err
	}
	propagateUser(pd.EntryMut(idx[2]), flags)
	return pt, nil
}

// propagateUser opens an intermediate entry to user mode if the leaf
// mapping is user accessible; the processor checks every level.
func propagateUser(e *paging.Entry, flags paging.Flags) {
	if flags.Contains(paging.FlagUserAccessible) && !e.Flags().Contains(paging.FlagUserAccessible) {
		e.SetFlags(e.Flags().Union(paging.FlagUserAccessible))
	}
}

func checkPage(page paging.VirtAddr) error {
	if !paging.IsAligned(page, paging.PageSize) {
		return fmt.Errorf("%w: %#x", ErrUnaligned, uint64(page))
	}
	if !page.IsCanonical() {
		return fmt.Errorf("%w: %#x", ErrNonCanonical, uint64(page))
	}
	if page.Index(0) == paging.RecursiveIndex {
		return fmt.Errorf("%w: %#x", ErrReservedAddress, uint64(page))
	}
	return nil
}
