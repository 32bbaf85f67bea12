// SPDX-License-Identifier: Unlicense OR MIT

package physmem

import (
	"errors"
	"testing"

	"gotest.tools/v3/assert"

	"eliasnaur.com/paging/paging"
)

func newMemory(t *testing.T, pages int) *Memory {
	t.Helper()
	mem, err := New(uint64(pages) * paging.PageSize)
	assert.NilError(t, err)
	t.Cleanup(func() {
		assert.NilError(t, mem.Close())
	})
	return mem
}

func TestNewInvalidSize(t *testing.T) {
	for _, size := range []uint64{0, 1, paging.PageSize + 8} {
		_, err := New(size)
		assert.ErrorIs(t, err, ErrInvalidSize)
	}
}

func TestAllocateAll(t *testing.T) {
	mem := newMemory(t, 8)
	a, err := NewAllocator(mem, 0, paging.PhysAddr(mem.Size()))
	assert.NilError(t, err)
	assert.Equal(t, a.Free(), 8)

	seen := make(map[paging.PhysAddr]bool)
	for i := 0; i < 8; i++ {
		f, err := a.Allocate()
		assert.NilError(t, err)
		assert.Assert(t, paging.IsAligned(f, paging.PageSize))
		assert.Assert(t, uint64(f) < mem.Size())
		assert.Assert(t, !seen[f], "frame %#x allocated twice", uint64(f))
		seen[f] = true
	}
	assert.Equal(t, a.Free(), 0)
	_, err = a.Allocate()
	assert.ErrorIs(t, err, paging.ErrOutOfMemory)

	a.Deallocate(0x3000)
	assert.Equal(t, a.Free(), 1)
	f, err := a.Allocate()
	assert.NilError(t, err)
	assert.Equal(t, f, paging.PhysAddr(0x3000))
}

func TestAllocateZeroes(t *testing.T) {
	mem := newMemory(t, 1)
	a, err := NewAllocator(mem, 0, paging.PageSize)
	assert.NilError(t, err)
	f, err := a.Allocate()
	assert.NilError(t, err)
	mem.Table(f)[100] = 0xdead000
	a.Deallocate(f)
	f, err = a.Allocate()
	assert.NilError(t, err)
	assert.Equal(t, *mem.Table(f), paging.RawTable{})
}

func TestAllocatorAcrossWords(t *testing.T) {
	const pages = 200
	mem := newMemory(t, pages)
	a, err := NewAllocator(mem, paging.PageSize, pages*paging.PageSize)
	assert.NilError(t, err)
	assert.Equal(t, a.Free(), pages-1)

	// Reserve a range that straddles two bitmap words.
	a.Reserve(60*paging.PageSize, 140*paging.PageSize)
	assert.Equal(t, a.Free(), pages-1-80)

	for a.Free() > 0 {
		f, err := a.Allocate()
		assert.NilError(t, err)
		assert.Assert(t, f >= paging.PageSize, "frame %#x below allocator start", uint64(f))
		reserved := f >= 60*paging.PageSize && f < 140*paging.PageSize
		assert.Assert(t, !reserved, "reserved frame %#x allocated", uint64(f))
	}
	_, err = a.Allocate()
	assert.ErrorIs(t, err, paging.ErrOutOfMemory)
}

func TestDeallocateInvalid(t *testing.T) {
	mem := newMemory(t, 4)
	a, err := NewAllocator(mem, 0, paging.PhysAddr(mem.Size()))
	assert.NilError(t, err)

	for name, frame := range map[string]paging.PhysAddr{
		"double free": 0x1000,
		"unaligned":   0x1008,
		"past end":    0x4000,
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				assert.Assert(t, recover() != nil)
			}()
			a.Deallocate(frame)
		})
	}
}

func TestNewAllocatorInvalidRange(t *testing.T) {
	mem := newMemory(t, 4)
	for _, r := range [][2]paging.PhysAddr{{0x10, 0x2000}, {0x2000, 0x2000}, {0, 0x5000}} {
		_, err := NewAllocator(mem, r[0], r[1])
		assert.Assert(t, err != nil, "range %#x-%#x", uint64(r[0]), uint64(r[1]))
	}
}

func TestBytesOutOfRange(t *testing.T) {
	mem := newMemory(t, 1)
	defer func() {
		err, ok := recover().(error)
		assert.Assert(t, ok)
		assert.Assert(t, errors.Is(err, ErrOutOfRange))
	}()
	mem.Bytes(paging.PageSize-4, 8)
}
