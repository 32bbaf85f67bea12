// SPDX-License-Identifier: Unlicense OR MIT

package paging

// Level marks the position of a table in the hierarchy. The interface
// is sealed; the four implementations are PML4, PDPT, PD and PT.
type Level interface {
	depth() int
	name() string
}

// Parent is implemented by the levels whose entries point to tables
// of level C. PT implements no Parent, so the next-table operations
// cannot be instantiated for page tables.
type Parent[C Level] interface {
	Level
	sublevel() C
}

// PML4 is the top level table, the root of the hierarchy.
type PML4 struct{}

// PDPT is the page directory pointer table.
type PDPT struct{}

// PD is the page directory.
type PD struct{}

// PT is the leaf level page table.
type PT struct{}

func (PML4) depth() int { return 0 }
func (PDPT) depth() int { return 1 }
func (PD) depth() int   { return 2 }
func (PT) depth() int   { return 3 }

func (PML4) name() string { return "PML4" }
func (PDPT) name() string { return "PDPT" }
func (PD) name() string   { return "PD" }
func (PT) name() string   { return "PT" }

func (PML4) sublevel() PDPT { return PDPT{} }
func (PDPT) sublevel() PD   { return PD{} }
func (PD) sublevel() PT     { return PT{} }
