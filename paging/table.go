// SPDX-License-Identifier: Unlicense OR MIT

package paging

import (
	"errors"
	"fmt"
)

// RawTable is the hardware representation of a page table at any
// level. It occupies exactly one 4 KiB frame.
type RawTable [EntryCount]Entry

// Table is a page table of level L, located by its virtual address.
// Two Tables with the same address are the same table. The storage is
// resolved through the Memory view on every access, so a handle at a
// recursive address follows the PML4 currently active.
type Table[L Level] struct {
	addr VirtAddr
	mem  Memory
}

// FrameAllocator supplies physical frames for new tables. Only
// Allocate is used by this package.
type FrameAllocator interface {
	Allocate() (PhysAddr, error)
	Deallocate(frame PhysAddr)
}

// NewTable returns a handle to the table of level L mapped at addr. It
// is for tables reached outside the recursive mapping, such as a PML4
// mapped at a temporary page.
func NewTable[L Level](mem Memory, addr VirtAddr) *Table[L] {
	return &Table[L]{addr: addr, mem: mem}
}

// Addr returns the virtual address of the table.
func (t *Table[L]) Addr() VirtAddr {
	return t.addr
}

// Depth returns 0 for a PML4 through 3 for a PT.
func (t *Table[L]) Depth() int {
	var l L
	return l.depth()
}

// Memory returns the view the table is accessed through.
func (t *Table[L]) Memory() Memory {
	return t.mem
}

// Raw returns the hardware table currently mapped at the table's
// address.
func (t *Table[L]) Raw() *RawTable {
	return t.mem.TableAt(t.addr)
}

// Entry returns a copy of entry i. It panics with ErrIndexOutOfRange
// if i is not a valid index.
func (t *Table[L]) Entry(i Index) Entry {
	return *t.EntryMut(i)
}

// EntryMut returns a pointer to entry i for modification. It panics
// with ErrIndexOutOfRange if i is not a valid index.
func (t *Table[L]) EntryMut(i Index) *Entry {
	if !i.Valid() {
		panic(fmt.Errorf("%w: %d", ErrIndexOutOfRange, i))
	}
	return &t.Raw()[i]
}

// Zero marks every entry unused. Freshly allocated tables must be
// zeroed before they are linked into the hierarchy.
func (t *Table[L]) Zero() {
	*t.Raw() = RawTable{}
}

// Range calls fn for every present entry in index order until fn
// returns false.
func (t *Table[L]) Range(fn func(i Index, e Entry) bool) {
	for i, e := range t.Raw() {
		if e.IsUnused() {
			continue
		}
		if !fn(Index(i), e) {
			return
		}
	}
}

func (t *Table[L]) String() string {
	var l L
	return fmt.Sprintf("%s@%#x", l.name(), uint64(t.addr))
}

// NextTable returns the child table referenced by entry i. It returns
// false if the entry is unused or maps a huge page; memory is not
// accessed in that case.
func NextTable[P Parent[C], C Level](t *Table[P], i Index) (*Table[C], bool) {
	e := t.Entry(i)
	if e.IsUnused() || e.IsHuge() {
		return nil, false
	}
	return NewTable[C](t.mem, ChildAddress(t.addr, i)), true
}

// NextTableCreate returns the child table referenced by entry i,
// allocating, linking and zeroing a new one if the entry is unused.
// An entry mapping a huge page is never replaced.
func NextTableCreate[P Parent[C], C Level](t *Table[P], i Index, alloc FrameAllocator) (*Table[C], error) {
	e := t.EntryMut(i)
	if e.IsHuge() {
		return nil, fmt.Errorf("%v[%d]: %w", t, i, ErrUnexpectedHugePage)
	}
	if !e.IsUnused() {
		return NewTable[C](t.mem, ChildAddress(t.addr, i)), nil
	}
	frame, err := alloc.Allocate()
	if err != nil {
		if !errors.Is(err, ErrOutOfMemory) {
			err = fmt.Errorf("%w: %v", ErrOutOfMemory, err)
		}
		return nil, err
	}
	if err := e.Set(frame, FlagPresent|FlagWritable); err != nil {
		alloc.Deallocate(frame)
		return nil, err
	}
	child := NewTable[C](t.mem, ChildAddress(t.addr, i))
	child.Zero()
	return child, nil
}
