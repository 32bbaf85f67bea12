// SPDX-License-Identifier: Unlicense OR MIT

// Command ptdump boots a simulated machine, maps a few pages through
// the recursive page tables and prints the resulting mappings.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"eliasnaur.com/paging/paging"
	"eliasnaur.com/paging/physmem"
	"eliasnaur.com/paging/vmm"
)

var (
	memSize = flag.Uint64("mem", 64<<20, "size of simulated RAM in bytes")
	huge    = flag.Bool("huge", false, "map a 2MB aligned range with huge pages")
	verbose = flag.Bool("v", false, "log every mapping")
)

func main() {
	flag.Parse()
	log, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	err = run(log)
	if err != nil {
		log.Error("ptdump failed", zap.Error(err))
	}
	log.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func run(log *zap.Logger) error {
	m, err := physmem.NewMachine(*memSize)
	if err != nil {
		return err
	}
	defer m.Close()
	log.Info("machine booted",
		zap.Uint64("mem", m.Mem.Size()),
		zap.Uint64("pml4", uint64(m.MMU.Root())),
		zap.Int("free frames", m.Alloc.Free()))

	mapper := vmm.New(m.ActiveTable(), m.Alloc,
		vmm.WithLogger(log.Named("vmm")),
		vmm.WithHugePages(*huge))

	// 42nd PDPT entry.
	addr := paging.VirtAddr(42 * 512 * 512 * paging.PageSize)
	frame, err := mapper.MapToAny(addr, paging.FlagWritable)
	if err != nil {
		return err
	}
	phys, _ := mapper.Translate(addr + 0x123)
	log.Info("mapped page", zap.Uint64("vaddr", uint64(addr)), zap.Uint64("frame", uint64(frame)), zap.Uint64("translated", uint64(phys)))
	if err := m.MMU.Store(addr, 0xdeadbeef); err != nil {
		return err
	}

	for i := 0; i < 4; i++ {
		page := paging.VirtAddr(0x400000 + i*paging.PageSize)
		if _, err := mapper.MapToAny(page, paging.FlagWritable|paging.FlagUserAccessible); err != nil {
			return err
		}
	}
	if *huge {
		// The last 2MB of RAM, kept away from the allocator.
		paddr := paging.AlignDown(paging.PhysAddr(m.Mem.Size())-paging.PageSize2MB, paging.PageSize2MB)
		m.Alloc.Reserve(paddr, paddr+paging.PageSize2MB)
		start := paging.VirtAddr(1 << 30)
		if err := mapper.MapRange(start, start+paging.PageSize2MB, paddr, paging.FlagWritable|paging.FlagNoExecute); err != nil {
			return err
		}
	}
	if err := mapper.Unmap(addr); err != nil {
		return err
	}

	ranges := mapper.Dump()
	for _, r := range ranges {
		fmt.Println(r)
	}
	if err := vmm.Verify(ranges); err != nil {
		log.Warn("verify", zap.Error(err))
	}

	// Build a second address space while it is inactive, then switch
	// to it.
	tmp := paging.VirtAddr(0xcafe000)
	next, err := mapper.NewAddressSpace(tmp)
	if err != nil {
		return err
	}
	err = mapper.Using(next, tmp, func(inner *vmm.Mapper) error {
		_, err := inner.MapToAny(0x400000, paging.FlagWritable|paging.FlagUserAccessible)
		return err
	})
	if err != nil {
		return err
	}
	old := m.Switch(next)
	log.Info("switched address space",
		zap.Uint64("old", uint64(old)),
		zap.Uint64("new", uint64(next)),
		zap.Int("mappings", len(mapper.Dump())))

	log.Info("done",
		zap.Int("mappings", len(ranges)),
		zap.Int("free frames", m.Alloc.Free()),
		zap.Int("mmu walks", m.MMU.Walks()))
	return nil
}
