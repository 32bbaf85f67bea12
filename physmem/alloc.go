// SPDX-License-Identifier: Unlicense OR MIT

package physmem

import (
	"fmt"
	"math/bits"

	"eliasnaur.com/paging/paging"
)

// Allocator is a simple allocator for physical frames, tracking free
// frames with a bitmap. It implements paging.FrameAllocator.
type Allocator struct {
	mem   *Memory
	start paging.PhysAddr
	pages int
	// The index into bits of the last allocated block.
	word int
	// bits represent each physical page with one bit, most significant
	// bit first. 1 means free, 0 means allocated or reserved.
	bits []uint64
	free int
}

// NewAllocator returns an allocator for the frames in [start, end) of
// mem, all initially free.
func NewAllocator(mem *Memory, start, end paging.PhysAddr) (*Allocator, error) {
	if !paging.IsAligned(start, paging.PageSize) || !paging.IsAligned(end, paging.PageSize) {
		return nil, fmt.Errorf("physmem: unaligned allocator range %#x-%#x", uint64(start), uint64(end))
	}
	if start >= end || uint64(end) > mem.Size() {
		return nil, fmt.Errorf("physmem: invalid allocator range %#x-%#x", uint64(start), uint64(end))
	}
	pages := int((end - start) / paging.PageSize)
	a := &Allocator{
		mem:   mem,
		start: start,
		pages: pages,
		bits:  make([]uint64, (pages+63)/64),
	}
	a.setFree(true, start, end)
	return a, nil
}

// Free returns the number of free frames.
func (a *Allocator) Free() int {
	return a.free
}

// Reserve marks the frames in [start, end) allocated.
func (a *Allocator) Reserve(start, end paging.PhysAddr) {
	a.setFree(false, start, end)
}

// Allocate returns a zeroed frame or paging.ErrOutOfMemory.
func (a *Allocator) Allocate() (paging.PhysAddr, error) {
	pageIdx, ok := a.nextFreePage()
	if !ok {
		return 0, paging.ErrOutOfMemory
	}
	a.mark(pageIdx)
	frame := a.start + paging.PhysAddr(pageIdx)*paging.PageSize
	*a.mem.Table(frame) = paging.RawTable{}
	return frame, nil
}

// Deallocate returns frame to the allocator. Freeing a frame twice is
// fatal.
func (a *Allocator) Deallocate(frame paging.PhysAddr) {
	if frame < a.start || !paging.IsAligned(frame, paging.PageSize) {
		panic(fmt.Errorf("physmem: deallocate invalid frame %#x", uint64(frame)))
	}
	pageIdx := int((frame - a.start) / paging.PageSize)
	if pageIdx >= a.pages {
		panic(fmt.Errorf("physmem: deallocate invalid frame %#x", uint64(frame)))
	}
	if a.isFree(pageIdx) {
		panic(fmt.Errorf("physmem: double free of frame %#x", uint64(frame)))
	}
	a.setFree(true, frame, frame+paging.PageSize)
}

func (a *Allocator) setFree(free bool, start, end paging.PhysAddr) {
	if !paging.IsAligned(start, paging.PageSize) || !paging.IsAligned(end, paging.PageSize) {
		panic("setFree: unaligned memory range")
	}
	if start > end {
		panic("setFree: start > end")
	}
	if start < a.start || int((end-a.start)/paging.PageSize) > a.pages {
		panic("setFree: range outside allocator")
	}
	startBit := int((start - a.start) / paging.PageSize)
	endBit := int((end - a.start) / paging.PageSize)
	for b := startBit; b < endBit; {
		// Whole words at once, single bits at the edges.
		mask, n := ^uint64(0), 64
		if b%64 != 0 || endBit-b < 64 {
			mask, n = uint64(1)<<(63-b%64), 1
		}
		w := b / 64
		old := a.bits[w]
		if free {
			a.bits[w] |= mask
		} else {
			a.bits[w] &^= mask
		}
		a.free += bits.OnesCount64(a.bits[w]) - bits.OnesCount64(old)
		b += n
	}
}

func (a *Allocator) isFree(pageIdx int) bool {
	return a.bits[pageIdx/64]&(1<<(63-pageIdx%64)) != 0
}

func (a *Allocator) mark(pageIdx int) bool {
	wordIdx := pageIdx / 64
	bit := pageIdx % 64
	mask := uint64(1) << (64 - bit - 1)
	word := a.bits[wordIdx]
	if word&mask == 0 {
		return false
	}
	a.bits[wordIdx] = word &^ mask
	a.free--
	return true
}

func (a *Allocator) nextFreePage() (int, bool) {
	for i := 0; i < len(a.bits); i++ {
		idx := (i + a.word) % len(a.bits)
		w := a.bits[idx]
		b := bits.LeadingZeros64(w)
		if b == 64 {
			continue
		}
		a.word = idx
		return idx*64 + b, true
	}
	return 0, false
}
