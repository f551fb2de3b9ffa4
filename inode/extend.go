package inode

import (
	"encoding/binary"
	"fmt"

	"github.com/kreiley/pebblefs/blockdev"
)

// extend ensures disk addresses every sector needed to hold targetLength
// bytes, allocating any direct/indirect/doubly-indirect slot that is
// currently zero. It mirrors the original's fileExtend/indirectFileExtend:
// direct slots first, then the indirect table, then the doubly-indirect
// table, with every newly allocated sector zero-filled on disk before its
// pointer is published into a parent table or the inode record itself.
//
// Extend failure semantics (see DESIGN.md): if a sub-allocation fails
// partway through, sectors already allocated and published up to that
// point remain owned by the inode — they are not rolled back. They are
// only released when the inode is later both marked removed and fully
// closed. This mirrors the original Pintos fileExtend exactly.
func (t *Table) extend(disk *onDisk, targetLength int64) error {
	target := bytesToSectors(targetLength)
	if target > MaxFileSectors {
		return fmt.Errorf("%w: %d bytes needs %d sectors, max is %d", ErrBadRange, targetLength, target, MaxFileSectors)
	}

	directNeed := target
	if directNeed > MaxDirect {
		directNeed = MaxDirect
	}
	for i := 0; i < directNeed; i++ {
		if disk.direct[i] != 0 {
			continue
		}
		sector, err := t.allocateZeroed()
		if err != nil {
			return fmt.Errorf("%w: direct slot %d: %v", ErrNoSpace, i, err)
		}
		disk.direct[i] = sector
	}
	remaining := target - directNeed
	if remaining <= 0 {
		return nil
	}

	indirectNeed := remaining
	if indirectNeed > MaxIndirect {
		indirectNeed = MaxIndirect
	}
	if err := t.extendIndirect(&disk.indirect, indirectNeed); err != nil {
		return err
	}
	remaining -= indirectNeed
	if remaining <= 0 {
		return nil
	}

	doublyNeed := remaining
	if doublyNeed > MaxDoublyIndirect {
		doublyNeed = MaxDoublyIndirect
	}
	return t.extendDoublyIndirect(&disk.doublyIndirect, doublyNeed)
}

// extendIndirect ensures the first `need` leaf slots of the indirect table
// rooted at *tableSector are allocated, allocating the table sector itself
// first if necessary. Also used, with IndirectEntries meaning "how many
// data sectors one second-level table addresses", as the leaf-level helper
// for extendDoublyIndirect.
func (t *Table) extendIndirect(tableSector *uint32, need int) error {
	if need <= 0 {
		return nil
	}
	if *tableSector == 0 {
		sector, err := t.allocateZeroed()
		if err != nil {
			return fmt.Errorf("%w: indirect table: %v", ErrNoSpace, err)
		}
		*tableSector = sector
	}

	table, err := t.readTable(*tableSector)
	if err != nil {
		return err
	}
	changed := false
	for i := 0; i < need; i++ {
		if table[i] != 0 {
			continue
		}
		sector, err := t.allocateZeroed()
		if err != nil {
			return fmt.Errorf("%w: indirect leaf %d: %v", ErrNoSpace, i, err)
		}
		table[i] = sector
		changed = true
	}
	if changed {
		if err := t.writeTable(*tableSector, table); err != nil {
			return err
		}
	}
	return nil
}

// extendDoublyIndirect is the two-level analogue of extendIndirect: each
// of the first-level table's entries is itself an indirect table handled
// by extendIndirect.
func (t *Table) extendDoublyIndirect(tableSector *uint32, need int) error {
	if need <= 0 {
		return nil
	}
	if *tableSector == 0 {
		sector, err := t.allocateZeroed()
		if err != nil {
			return fmt.Errorf("%w: doubly-indirect table: %v", ErrNoSpace, err)
		}
		*tableSector = sector
	}

	table, err := t.readTable(*tableSector)
	if err != nil {
		return err
	}
	entriesNeeded := (need + IndirectEntries - 1) / IndirectEntries
	changed := false
	remaining := need
	for i := 0; i < entriesNeeded; i++ {
		sub := remaining
		if sub > IndirectEntries {
			sub = IndirectEntries
		}
		before := table[i]
		if err := t.extendIndirect(&table[i], sub); err != nil {
			return err
		}
		if table[i] != before {
			changed = true
		}
		remaining -= sub
	}
	if changed {
		if err := t.writeTable(*tableSector, table); err != nil {
			return err
		}
	}
	return nil
}

// deallocate releases every sector an inode of the given on-disk shape
// addresses, mirroring freeInode/indirectFreeInode: direct slots, then the
// indirect table and its leaves, then the doubly-indirect table, its
// first-level entries, and their leaves.
func (t *Table) deallocate(disk *onDisk) error {
	// Walk every slot rather than only those within length: a failed extend
	// can leave allocated sectors published past the current length.
	sectors := MaxFileSectors

	directCount := sectors
	if directCount > MaxDirect {
		directCount = MaxDirect
	}
	for i := 0; i < directCount; i++ {
		if disk.direct[i] == 0 {
			continue
		}
		if err := t.alloc.Release(disk.direct[i]); err != nil {
			return err
		}
	}
	remaining := sectors - directCount
	if remaining <= 0 {
		return nil
	}

	indirectCount := remaining
	if indirectCount > MaxIndirect {
		indirectCount = MaxIndirect
	}
	if disk.indirect != 0 {
		if err := t.deallocateIndirect(disk.indirect, indirectCount); err != nil {
			return err
		}
	}
	remaining -= indirectCount
	if remaining <= 0 {
		return nil
	}

	doublyCount := remaining
	if doublyCount > MaxDoublyIndirect {
		doublyCount = MaxDoublyIndirect
	}
	if disk.doublyIndirect != 0 {
		return t.deallocateDoubly(disk.doublyIndirect, doublyCount)
	}
	return nil
}

func (t *Table) deallocateIndirect(tableSector uint32, count int) error {
	table, err := t.readTable(tableSector)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		if table[i] == 0 {
			continue
		}
		if err := t.alloc.Release(table[i]); err != nil {
			return err
		}
	}
	return t.alloc.Release(tableSector)
}

func (t *Table) deallocateDoubly(tableSector uint32, count int) error {
	table, err := t.readTable(tableSector)
	if err != nil {
		return err
	}
	entries := (count + IndirectEntries - 1) / IndirectEntries
	remaining := count
	for i := 0; i < entries; i++ {
		sub := remaining
		if sub > IndirectEntries {
			sub = IndirectEntries
		}
		if table[i] != 0 {
			if err := t.deallocateIndirect(table[i], sub); err != nil {
				return err
			}
		}
		remaining -= sub
	}
	return t.alloc.Release(tableSector)
}

// sectorForIndex returns the data sector backing the i'th sector-index of
// disk (0-based), or 0 if that slot is unallocated. i must be within
// MaxFileSectors; callers are expected to have already range-checked
// against the inode's length.
func (t *Table) sectorForIndex(disk *onDisk, i int) (uint32, error) {
	switch {
	case i < MaxDirect:
		return disk.direct[i], nil
	case i < MaxDirect+MaxIndirect:
		if disk.indirect == 0 {
			return 0, nil
		}
		table, err := t.readTable(disk.indirect)
		if err != nil {
			return 0, err
		}
		return table[i-MaxDirect], nil
	case i < MaxDirect+MaxIndirect+MaxDoublyIndirect:
		if disk.doublyIndirect == 0 {
			return 0, nil
		}
		idx := i - MaxDirect - MaxIndirect
		i1, i2 := idx/IndirectEntries, idx%IndirectEntries
		table1, err := t.readTable(disk.doublyIndirect)
		if err != nil {
			return 0, err
		}
		if table1[i1] == 0 {
			return 0, nil
		}
		table2, err := t.readTable(table1[i1])
		if err != nil {
			return 0, err
		}
		return table2[i2], nil
	default:
		return 0, fmt.Errorf("%w: sector index %d beyond max file sectors %d", ErrBadRange, i, MaxFileSectors)
	}
}

func (t *Table) allocateZeroed() (uint32, error) {
	sector, err := t.alloc.Allocate()
	if err != nil {
		return 0, err
	}
	zero := make([]byte, blockdev.SectorSize)
	if err := t.dev.WriteSector(sector, zero); err != nil {
		return 0, err
	}
	return sector, nil
}

func (t *Table) readTable(sector uint32) ([]uint32, error) {
	buf := make([]byte, blockdev.SectorSize)
	if err := t.dev.ReadSector(sector, buf); err != nil {
		return nil, fmt.Errorf("inode: read index table at sector %d: %w", sector, err)
	}
	table := make([]uint32, IndirectEntries)
	for i := range table {
		table[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return table, nil
}

func (t *Table) writeTable(sector uint32, table []uint32) error {
	buf := make([]byte, blockdev.SectorSize)
	for i, s := range table {
		binary.LittleEndian.PutUint32(buf[i*4:], s)
	}
	if err := t.dev.WriteSector(sector, buf); err != nil {
		return fmt.Errorf("inode: write index table at sector %d: %w", sector, err)
	}
	return nil
}
