// SPDX-License-Identifier: Unlicense OR MIT

package paging

import "strings"

// Flags is a set of page table entry attributes. The values are the
// hardware bit positions within an Entry.
type Flags uint64

const (
	FlagPresent        Flags = 1 << 0
	FlagWritable       Flags = 1 << 1
	FlagUserAccessible Flags = 1 << 2
	FlagWriteThrough   Flags = 1 << 3
	FlagNoCache        Flags = 1 << 4
	// FlagAccessed and FlagDirty are set by the processor.
	FlagAccessed Flags = 1 << 5
	FlagDirty    Flags = 1 << 6
	// FlagHugePage marks a 1 GiB (PDPT) or 2 MiB (PD) mapping.
	FlagHugePage Flags = 1 << 7
	// FlagGlobal keeps the translation cached across CR3 switches.
	FlagGlobal    Flags = 1 << 8
	FlagNoExecute Flags = 1 << 63

	// allFlags covers every named attribute bit.
	allFlags = FlagPresent | FlagWritable | FlagUserAccessible | FlagWriteThrough |
		FlagNoCache | FlagAccessed | FlagDirty | FlagHugePage | FlagGlobal | FlagNoExecute
)

var flagNames = [...]struct {
	flag Flags
	name string
}{
	{FlagPresent, "PRESENT"},
	{FlagWritable, "WRITABLE"},
	{FlagUserAccessible, "USER"},
	{FlagWriteThrough, "WRITE_THROUGH"},
	{FlagNoCache, "NO_CACHE"},
	{FlagAccessed, "ACCESSED"},
	{FlagDirty, "DIRTY"},
	{FlagHugePage, "HUGE"},
	{FlagGlobal, "GLOBAL"},
	{FlagNoExecute, "NX"},
}

// NewFlags returns the union of flags.
func NewFlags(flags ...Flags) Flags {
	var f Flags
	for _, fl := range flags {
		f |= fl
	}
	return f
}

func (f Flags) Union(o Flags) Flags {
	return f | o
}

func (f Flags) Intersect(o Flags) Flags {
	return f & o
}

// Without returns f with the flags of o cleared.
func (f Flags) Without(o Flags) Flags {
	return f &^ o
}

// Contains reports whether every flag in o is set in f.
func (f Flags) Contains(o Flags) bool {
	return f&o == o
}

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var b strings.Builder
	for _, n := range flagNames {
		if f&n.flag == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('|')
		}
		b.WriteString(n.name)
	}
	return b.String()
}
