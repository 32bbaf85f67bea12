// SPDX-License-Identifier: Unlicense OR MIT

//go:build unix

package physmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapMemory backs RAM with anonymous pages outside the Go heap.
func mapMemory(size int) ([]byte, func() error, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("physmem: mmap %#x bytes: %w", size, err)
	}
	release := func() error {
		return unix.Munmap(buf)
	}
	return buf, release, nil
}
