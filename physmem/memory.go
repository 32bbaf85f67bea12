// SPDX-License-Identifier: Unlicense OR MIT

// Package physmem simulates the physical side of an x86_64 machine:
// RAM, a frame allocator and an MMU that walks the page tables stored
// in that RAM. It lets the paging package run outside a kernel.
package physmem

import (
	"errors"
	"fmt"
	"unsafe"

	"eliasnaur.com/paging/paging"
)

var (
	// ErrInvalidSize is returned for memory sizes that are zero or not
	// a multiple of the page size.
	ErrInvalidSize = errors.New("physmem: invalid memory size")
	// ErrOutOfRange is the panic value for accesses past the end of
	// memory.
	ErrOutOfRange = errors.New("physmem: physical address out of range")
)

// Memory is a contiguous range of simulated RAM starting at physical
// address 0.
type Memory struct {
	buf     []byte
	release func() error
}

// New allocates size bytes of zeroed RAM.
func New(size uint64) (*Memory, error) {
	if size == 0 || !paging.IsAligned(size, paging.PageSize) {
		return nil, fmt.Errorf("%w: %#x", ErrInvalidSize, size)
	}
	buf, release, err := mapMemory(int(size))
	if err != nil {
		return nil, err
	}
	return &Memory{buf: buf, release: release}, nil
}

// Size returns the size of the memory in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.buf))
}

// Close releases the memory. It must not be accessed afterwards.
func (m *Memory) Close() error {
	m.buf = nil
	if m.release == nil {
		return nil
	}
	release := m.release
	m.release = nil
	return release()
}

// Table returns the frame at addr viewed as a page table.
func (m *Memory) Table(addr paging.PhysAddr) *paging.RawTable {
	if !paging.IsAligned(addr, paging.PageSize) {
		panic(fmt.Errorf("physmem: unaligned table address %#x", uint64(addr)))
	}
	b := m.Bytes(addr, paging.PageSize)
	return (*paging.RawTable)(unsafe.Pointer(&b[0]))
}

// Bytes returns the size bytes at addr.
func (m *Memory) Bytes(addr paging.PhysAddr, size int) []byte {
	if uint64(addr)+uint64(size) > m.Size() || size <= 0 {
		panic(fmt.Errorf("%w: %#x+%#x", ErrOutOfRange, uint64(addr), size))
	}
	return m.buf[addr : uint64(addr)+uint64(size) : uint64(addr)+uint64(size)]
}
