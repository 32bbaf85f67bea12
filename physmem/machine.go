// SPDX-License-Identifier: Unlicense OR MIT

package physmem

import (
	"fmt"

	"eliasnaur.com/paging/paging"
)

// Machine is a simulated computer: RAM, a frame allocator covering
// it and an MMU with an active address space. Frame 0 is reserved.
type Machine struct {
	Mem   *Memory
	Alloc *Allocator
	MMU   *MMU
}

// NewMachine returns a machine with size bytes of RAM and a fresh,
// empty address space loaded.
func NewMachine(size uint64) (*Machine, error) {
	mem, err := New(size)
	if err != nil {
		return nil, err
	}
	alloc, err := NewAllocator(mem, 0, paging.PhysAddr(size))
	if err != nil {
		mem.Close()
		return nil, err
	}
	alloc.Reserve(0, paging.PageSize)
	m := &Machine{Mem: mem, Alloc: alloc, MMU: NewMMU(mem, 0)}
	root, err := m.NewAddressSpace()
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("physmem: boot address space: %w", err)
	}
	m.MMU.SetRoot(root)
	return m, nil
}

// NewAddressSpace allocates an empty PML4 that maps itself through
// paging.RecursiveIndex and returns its frame.
func (m *Machine) NewAddressSpace() (paging.PhysAddr, error) {
	frame, err := m.Alloc.Allocate()
	if err != nil {
		return 0, err
	}
	if err := paging.InstallRecursive(m.Mem.Table(frame), frame); err != nil {
		m.Alloc.Deallocate(frame)
		return 0, err
	}
	return frame, nil
}

// Switch activates the address space rooted at frame and returns the
// frame of the previously active one.
func (m *Machine) Switch(frame paging.PhysAddr) paging.PhysAddr {
	return m.MMU.SetRoot(frame)
}

// Root returns the frame of the active PML4.
func (m *Machine) Root() paging.PhysAddr {
	return m.MMU.Root()
}

// ActiveTable returns the root handle of the active address space.
func (m *Machine) ActiveTable() *paging.Table[paging.PML4] {
	return paging.ActiveTable(m.MMU)
}

func (m *Machine) Close() error {
	return m.Mem.Close()
}
