// SPDX-License-Identifier: Unlicense OR MIT

package paging

import (
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagBitPositions(t *testing.T) {
	tests := []struct {
		flag Flags
		bit  uint
	}{
		{FlagPresent, 0},
		{FlagWritable, 1},
		{FlagUserAccessible, 2},
		{FlagWriteThrough, 3},
		{FlagNoCache, 4},
		{FlagAccessed, 5},
		{FlagDirty, 6},
		{FlagHugePage, 7},
		{FlagGlobal, 8},
		{FlagNoExecute, 63},
	}
	for _, tt := range tests {
		assert.Equal(t, Flags(1)<<tt.bit, tt.flag, tt.flag.String())
	}
}

func TestRawTableSize(t *testing.T) {
	assert.EqualValues(t, PageSize, unsafe.Sizeof(RawTable{}))
	assert.EqualValues(t, 8, unsafe.Sizeof(Entry(0)))
	// The level marker must not change the layout of handles.
	assert.Equal(t, unsafe.Sizeof(Table[PML4]{}), unsafe.Sizeof(Table[PT]{}))
}

func TestEntrySet(t *testing.T) {
	tests := []struct {
		name  string
		frame PhysAddr
		flags Flags
	}{
		{"zero frame", 0, FlagWritable},
		{"present only", 0x1000, FlagPresent},
		{"no flags", 0x2000, 0},
		{"highest frame", 0x000ffffffffff000, FlagWritable | FlagGlobal},
		{"all flags", 0x12345000, allFlags},
		{"nx user", 0xabc000, FlagNoExecute | FlagUserAccessible},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e Entry
			require.NoError(t, e.Set(tt.frame, tt.flags))
			assert.False(t, e.IsUnused())
			assert.Equal(t, tt.flags|FlagPresent, e.Flags())
			if tt.flags.Contains(FlagHugePage) {
				frame, err := e.HugeFrame()
				require.NoError(t, err)
				assert.Equal(t, tt.frame, frame)
				return
			}
			frame, err := e.PointedFrame()
			require.NoError(t, err)
			assert.Equal(t, tt.frame, frame)
		})
	}
}

func TestEntrySetRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		frame := PhysAddr(r.Uint64()%maxPhys) &^ (PageSize - 1)
		flags := Flags(r.Uint64()) & allFlags &^ FlagHugePage
		var e Entry
		require.NoError(t, e.Set(frame, flags))
		got, err := e.PointedFrame()
		require.NoError(t, err)
		require.Equal(t, frame, got)
		require.Equal(t, flags|FlagPresent, e.Flags())
	}
}

func TestEntrySetInvalidFrame(t *testing.T) {
	for _, frame := range []PhysAddr{0x1001, 0xfff, 1 << PhysAddrWidth, 1<<PhysAddrWidth + PageSize, ^PhysAddr(0) &^ (PageSize - 1)} {
		e := Entry(0x5003)
		err := e.Set(frame, FlagWritable)
		assert.ErrorIs(t, err, ErrInvalidFrameAddress, "%#x", uint64(frame))
		assert.Equal(t, Entry(0x5003), e, "entry modified by failed Set")
	}
}

func TestEntryUnused(t *testing.T) {
	var e Entry
	assert.True(t, e.IsUnused())
	_, err := e.PointedFrame()
	assert.ErrorIs(t, err, ErrNotPresent)
	_, err = e.HugeFrame()
	assert.ErrorIs(t, err, ErrNotPresent)

	require.NoError(t, e.Set(0x3000, FlagWritable))
	e.SetUnused()
	assert.Equal(t, Entry(0), e)
	e.SetUnused()
	assert.Equal(t, Entry(0), e)

	// Address bits of an absent entry are not interpreted.
	e = Entry(0x7000) | Entry(FlagWritable)
	assert.True(t, e.IsUnused())
	assert.Equal(t, FlagWritable, e.Flags())
	_, err = e.PointedFrame()
	assert.ErrorIs(t, err, ErrNotPresent)
}

func TestEntryHugePage(t *testing.T) {
	var e Entry
	require.NoError(t, e.Set(PageSize2MB, FlagWritable|FlagHugePage))
	assert.True(t, e.IsHuge())
	_, err := e.PointedFrame()
	assert.ErrorIs(t, err, ErrUnexpectedHugePage)
	frame, err := e.HugeFrame()
	require.NoError(t, err)
	assert.Equal(t, PhysAddr(PageSize2MB), frame)

	require.NoError(t, e.Set(PageSize, FlagWritable))
	_, err = e.HugeFrame()
	assert.ErrorIs(t, err, ErrNotHugePage)
}

func TestEntrySetFlags(t *testing.T) {
	var e Entry
	require.NoError(t, e.Set(0x9000, FlagWritable|FlagNoExecute))
	e.SetFlags(FlagPresent | FlagUserAccessible)
	assert.Equal(t, FlagPresent|FlagUserAccessible, e.Flags())
	frame, err := e.PointedFrame()
	require.NoError(t, err)
	assert.Equal(t, PhysAddr(0x9000), frame)
}

func TestFlagsSet(t *testing.T) {
	f := NewFlags(FlagPresent, FlagWritable, FlagNoExecute)
	assert.True(t, f.Contains(FlagPresent|FlagNoExecute))
	assert.False(t, f.Contains(FlagPresent|FlagGlobal))
	assert.True(t, f.Contains(0))
	assert.Equal(t, FlagWritable, f.Intersect(FlagWritable|FlagDirty))
	assert.Equal(t, f|FlagDirty, f.Union(FlagDirty))
	assert.Equal(t, FlagPresent|FlagNoExecute, f.Without(FlagWritable))
	assert.Equal(t, "PRESENT|WRITABLE|NX", f.String())
	assert.Equal(t, "0", Flags(0).String())
	assert.Equal(t, Flags(0), NewFlags())
}

func TestEntryString(t *testing.T) {
	var e Entry
	assert.Equal(t, "Entry(unused)", e.String())
	require.NoError(t, e.Set(0x4000, FlagWritable))
	assert.Equal(t, "Entry(0x4000, PRESENT|WRITABLE)", e.String())
}
