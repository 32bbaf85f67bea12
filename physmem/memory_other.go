// SPDX-License-Identifier: Unlicense OR MIT

//go:build !unix

package physmem

import "unsafe"

func mapMemory(size int) ([]byte, func() error, error) {
	// Allocate words to keep entries 8-byte aligned.
	words := make([]uint64, size/8)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	return buf, nil, nil
}
