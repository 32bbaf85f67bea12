// SPDX-License-Identifier: Unlicense OR MIT

package paging

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootAddress(t *testing.T) {
	assert.Equal(t, VirtAddr(0xfffffffffffff000), RootAddress())
	assert.True(t, RootAddress().IsCanonical())
}

func TestAddressOf(t *testing.T) {
	tests := []struct {
		name      string
		recursive Index
		path      []Index
		want      VirtAddr
	}{
		{"pml4", RecursiveIndex, nil, 0xfffffffffffff000},
		{"pdpt 0", RecursiveIndex, []Index{0}, 0xffffffffffe00000},
		{"pdpt 3", RecursiveIndex, []Index{3}, 0xffffffffffe03000},
		{"pd", RecursiveIndex, []Index{1, 2}, 0xffffffffc0000000 | 1<<21 | 2<<12},
		{"pt", RecursiveIndex, []Index{1, 2, 3}, 0xffffff8000000000 | 1<<30 | 2<<21 | 3<<12},
		{"page", RecursiveIndex, []Index{1, 2, 3, 4}, 1<<39 | 2<<30 | 3<<21 | 4<<12},
		{"page upper half", RecursiveIndex, []Index{256, 0, 0, 0}, 0xffff800000000000},
		{"recursive 256", 256, nil, 0xffff804020100000},
		{"recursive 0", 0, nil, 0},
		{"recursive 0 pt", 0, []Index{5, 6, 7}, 5<<30 | 6<<21 | 7<<12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AddressOf(tt.recursive, tt.path...)
			assert.Equal(t, tt.want, got, "got %#x want %#x", uint64(got), uint64(tt.want))
			assert.True(t, got.IsCanonical())
		})
	}
}

func TestAddressOfStepwise(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 1000; i++ {
		recursive := Index(r.Intn(EntryCount))
		var path [Levels]Index
		for d := range path {
			path[d] = Index(r.Intn(EntryCount))
		}
		addr := AddressOf(recursive)
		for d := 0; d < Levels; d++ {
			addr = ChildAddress(addr, path[d])
			require.Equal(t, AddressOf(recursive, path[:d+1]...), addr, "recursive %d path %v depth %d", recursive, path, d+1)
		}
		// The full path addresses the page the indices select.
		require.Equal(t, path, addr.Indices())
		require.Zero(t, addr.PageOffset())
	}
}

func TestAddressOfInvalidIndex(t *testing.T) {
	requirePanicsWith(t, ErrIndexOutOfRange, func() {
		AddressOf(RecursiveIndex, 0, EntryCount)
	})
	requirePanicsWith(t, ErrIndexOutOfRange, func() {
		AddressOf(EntryCount)
	})
	requirePanicsWith(t, ErrIndexOutOfRange, func() {
		ChildAddress(RootAddress(), EntryCount)
	})
	assert.Panics(t, func() {
		AddressOf(RecursiveIndex, 1, 2, 3, 4, 5)
	})
}

func TestCanonical(t *testing.T) {
	assert.Equal(t, VirtAddr(0x00007fffffffffff), Canonical(0x00007fffffffffff))
	assert.Equal(t, VirtAddr(0xffff800000000000), Canonical(0x0000800000000000))
	assert.Equal(t, VirtAddr(0x1000), Canonical(0xabcd000000001000))
	assert.False(t, VirtAddr(0x0000800000000000).IsCanonical())
	assert.True(t, VirtAddr(0xffff800000000000).IsCanonical())
}

func TestVirtAddrIndices(t *testing.T) {
	addr := VirtAddr(0xffff_ff7f_bfdf_e123)
	assert.Equal(t, [Levels]Index{510, 510, 510, 510}, addr.Indices())
	assert.Equal(t, uint64(0x123), addr.PageOffset())
	assert.Equal(t, Index(510), addr.Index(0))
}

func TestAlign(t *testing.T) {
	assert.Equal(t, PhysAddr(0x1000), AlignDown(PhysAddr(0x1fff), PageSize))
	assert.Equal(t, PhysAddr(0x2000), AlignUp(PhysAddr(0x1001), PageSize))
	assert.Equal(t, VirtAddr(0x1000), AlignUp(VirtAddr(0x1000), PageSize))
	assert.True(t, IsAligned(uint64(PageSize2MB), PageSize2MB))
	assert.False(t, IsAligned(uint64(PageSize), PageSize2MB))
}

func requirePanicsWith(t *testing.T, target error, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "no panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		require.ErrorIs(t, err, target)
	}()
	fn()
}
