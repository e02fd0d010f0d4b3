// Package paging builds identity-mapped x86-64 long mode page tables inside
// guest physical memory.
//
// Only the first PML4 and PDPT entries are used, so the mapped range is
// limited to the 1 GiB covered by a single page directory.
package paging

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Size4K uint64 = 4 << 10
	Size2M uint64 = 2 << 20
	Size1G uint64 = 1 << 30

	entriesPerTable = 512
	tableSize       = entriesPerTable * 8
)

// Entry flag bits.
const (
	FlagPresent  uint64 = 1 << 0
	FlagWritable uint64 = 1 << 1
	FlagUser     uint64 = 1 << 2
	FlagPageSize uint64 = 1 << 7

	addrMask uint64 = 0x000f_ffff_ffff_f000
)

const tableFlags = FlagPresent | FlagWritable | FlagUser

var ErrUnsupported = errors.New("unsupported paging configuration")

// Layout holds the guest physical addresses of the paging structures.
// Page tables for 4 KiB mode start at PT and are appended contiguously.
type Layout struct {
	PML4 uint64
	PDPT uint64
	PD   uint64
	PT   uint64
}

// DefaultLayout places the structures right after the first guest page.
var DefaultLayout = LayoutAt(0x1000)

// LayoutAt returns a layout whose PML4 lives at base with the remaining
// structures in the following pages.
func LayoutAt(base uint64) Layout {
	return Layout{
		PML4: base,
		PDPT: base + 0x1000,
		PD:   base + 0x2000,
		PT:   base + 0x3000,
	}
}

// Start is the lowest address used by the paging structures.
func (l Layout) Start() uint64 { return l.PML4 }

// End returns the first address after the paging structures needed to map
// memSize bytes with the given page size.
func (l Layout) End(memSize, pageSize uint64) uint64 {
	if pageSize == Size4K {
		return l.PT + tableCount(memSize)*tableSize
	}
	return l.PD + tableSize
}

func (l Layout) validate() error {
	for _, addr := range []uint64{l.PML4, l.PDPT, l.PD, l.PT} {
		if addr%tableSize != 0 {
			return fmt.Errorf("paging: table address 0x%x is not 4 KiB aligned", addr)
		}
	}
	return nil
}

func tableCount(memSize uint64) uint64 {
	return memSize / Size2M
}

// Validate checks that memSize and pageSize can be mapped with layout and
// that the structures fit inside guest memory.
func Validate(layout Layout, memSize, pageSize uint64) error {
	if pageSize != Size4K && pageSize != Size2M {
		return fmt.Errorf("%w: page size %d", ErrUnsupported, pageSize)
	}
	if memSize == 0 || memSize%Size2M != 0 {
		return fmt.Errorf("%w: memory size %d is not a multiple of 2 MiB", ErrUnsupported, memSize)
	}
	if memSize > Size1G {
		return fmt.Errorf("%w: memory size %d exceeds 1 GiB", ErrUnsupported, memSize)
	}
	if err := layout.validate(); err != nil {
		return err
	}
	if end := layout.End(memSize, pageSize); end > memSize {
		return fmt.Errorf("%w: paging structures end at 0x%x beyond memory size 0x%x", ErrUnsupported, end, memSize)
	}
	return nil
}

// Build writes an identity mapping of [0, memSize) into mem and returns the
// value to load into CR3.
func Build(mem io.WriterAt, layout Layout, memSize, pageSize uint64) (uint64, error) {
	if err := Validate(layout, memSize, pageSize); err != nil {
		return 0, err
	}

	zero := make([]byte, tableSize)
	for addr := layout.Start(); addr < layout.End(memSize, pageSize); addr += tableSize {
		if _, err := mem.WriteAt(zero, int64(addr)); err != nil {
			return 0, fmt.Errorf("paging: clear table at 0x%x: %w", addr, err)
		}
	}

	if err := writeEntry(mem, layout.PML4, 0, layout.PDPT|tableFlags); err != nil {
		return 0, err
	}
	if err := writeEntry(mem, layout.PDPT, 0, layout.PD|tableFlags); err != nil {
		return 0, err
	}

	switch pageSize {
	case Size2M:
		pd := make([]byte, tableSize)
		for i := range tableCount(memSize) {
			binary.LittleEndian.PutUint64(pd[i*8:], (i*Size2M)|tableFlags|FlagPageSize)
		}
		if _, err := mem.WriteAt(pd, int64(layout.PD)); err != nil {
			return 0, fmt.Errorf("paging: write page directory: %w", err)
		}
	case Size4K:
		pt := make([]byte, tableSize)
		for i := range tableCount(memSize) {
			ptAddr := layout.PT + i*tableSize
			if err := writeEntry(mem, layout.PD, i, ptAddr|tableFlags); err != nil {
				return 0, err
			}

			base := i * Size2M
			for j := range uint64(entriesPerTable) {
				binary.LittleEndian.PutUint64(pt[j*8:], (base+j*Size4K)|tableFlags)
			}
			if _, err := mem.WriteAt(pt, int64(ptAddr)); err != nil {
				return 0, fmt.Errorf("paging: write page table at 0x%x: %w", ptAddr, err)
			}
		}
	}

	return layout.PML4, nil
}

func writeEntry(mem io.WriterAt, table, index, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	if _, err := mem.WriteAt(buf[:], int64(table+index*8)); err != nil {
		return fmt.Errorf("paging: write entry %d of table 0x%x: %w", index, table, err)
	}
	return nil
}

// Mapping is one leaf translation found by Walk.
type Mapping struct {
	Virt uint64
	Phys uint64
	Size uint64
}

// Walk decodes the hierarchy rooted at cr3 and returns every present leaf
// mapping in virtual address order.
func Walk(mem io.ReaderAt, cr3 uint64) ([]Mapping, error) {
	var out []Mapping

	pml4, err := readTable(mem, cr3&addrMask)
	if err != nil {
		return nil, err
	}
	for i4, e4 := range pml4 {
		if e4&FlagPresent == 0 {
			continue
		}
		pdpt, err := readTable(mem, e4&addrMask)
		if err != nil {
			return nil, err
		}
		for i3, e3 := range pdpt {
			if e3&FlagPresent == 0 {
				continue
			}
			if e3&FlagPageSize != 0 {
				return nil, fmt.Errorf("paging: 1 GiB pages are not supported")
			}
			pd, err := readTable(mem, e3&addrMask)
			if err != nil {
				return nil, err
			}
			for i2, e2 := range pd {
				if e2&FlagPresent == 0 {
					continue
				}
				virt := uint64(i4)<<39 | uint64(i3)<<30 | uint64(i2)<<21
				if e2&FlagPageSize != 0 {
					out = append(out, Mapping{Virt: virt, Phys: e2 & addrMask &^ (Size2M - 1), Size: Size2M})
					continue
				}
				pt, err := readTable(mem, e2&addrMask)
				if err != nil {
					return nil, err
				}
				for i1, e1 := range pt {
					if e1&FlagPresent == 0 {
						continue
					}
					out = append(out, Mapping{Virt: virt | uint64(i1)<<12, Phys: e1 & addrMask, Size: Size4K})
				}
			}
		}
	}

	return out, nil
}

func readTable(mem io.ReaderAt, addr uint64) ([entriesPerTable]uint64, error) {
	var (
		raw   [tableSize]byte
		table [entriesPerTable]uint64
	)
	if _, err := mem.ReadAt(raw[:], int64(addr)); err != nil {
		return table, fmt.Errorf("paging: read table at 0x%x: %w", addr, err)
	}
	for i := range table {
		table[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return table, nil
}
