// Package freemap implements the persistent free-sector bitmap: a bitmap
// over every data sector of the device, itself stored as the contents of
// a reserved-sector inode, self-describing in that its own backing sectors
// are marked used within the bitmap it holds.
package freemap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kreiley/pebblefs/blockdev"
	"github.com/kreiley/pebblefs/inode"
	"github.com/sirupsen/logrus"
)

// ErrNoSpace means no run of the requested size is free.
var ErrNoSpace = errors.New("freemap: no space left on device")

// FreeMap is the in-memory bitmap plus the plumbing to load and flush it
// through its own backing inode. It implements inode.Allocator, which lets
// the inode package allocate/release sectors without importing this
// package back (avoiding an import cycle, since the free map's own file is
// itself an inode).
type FreeMap struct {
	mu      sync.Mutex
	bm      *bitset
	sectors int
	log     *logrus.Logger

	table  *inode.Table
	file   *inode.Inode
	sector uint32
}

// New creates an empty, in-memory-only FreeMap sized for totalSectors.
// Reserved sectors (superblock, the free-map's own inode sector, and the
// root directory's inode sector) are pre-marked used so that the free
// map's own backing file can be created through itself (see Create).
func New(totalSectors uint32, reserved []uint32, log *logrus.Logger) *FreeMap {
	if log == nil {
		log = logrus.StandardLogger()
	}
	fm := &FreeMap{
		bm:      newBitset(int(totalSectors)),
		sectors: int(totalSectors),
		log:     log,
	}
	for _, s := range reserved {
		_ = fm.bm.set(int(s))
	}
	return fm
}

// Allocate reserves and returns one free sector, satisfying inode.Allocator.
func (fm *FreeMap) Allocate() (uint32, error) {
	start, err := fm.AllocateRun(1)
	return start, err
}

// AllocateRun finds count contiguous free sectors, marks them used, and
// returns the starting sector. Spec section 4.2 states the general
// contiguous contract; in this filesystem every caller passes count == 1.
func (fm *FreeMap) AllocateRun(count int) (uint32, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	// The bitmap is rounded up to whole bytes; bits past the device's last
	// sector are never handed out.
	start := fm.bm.firstFreeRun(0, count)
	if start < 0 || start+count > fm.sectors {
		fm.log.WithField("count", count).Warn("freemap: allocation exhausted")
		return 0, fmt.Errorf("%w: no run of %d contiguous sectors", ErrNoSpace, count)
	}
	for i := start; i < start+count; i++ {
		_ = fm.bm.set(i)
	}
	return uint32(start), nil
}

// Release marks one sector as free again, satisfying inode.Allocator's
// single-sector Release.
func (fm *FreeMap) Release(sector uint32) error {
	return fm.ReleaseRun(sector, 1)
}

// ReleaseRun marks the range [start, start+count) free. A no-op for
// count <= 0.
func (fm *FreeMap) ReleaseRun(start uint32, count int) error {
	if count <= 0 {
		return nil
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for i := int(start); i < int(start)+count; i++ {
		if err := fm.bm.clear(i); err != nil {
			return err
		}
	}
	return nil
}

// IsUsed reports whether a sector is currently marked used, for tests that
// check the free-map-conservation invariant.
func (fm *FreeMap) IsUsed(sector uint32) (bool, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.bm.isSet(int(sector))
}

// UsedCount returns the total number of sectors currently marked used.
func (fm *FreeMap) UsedCount() int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.bm.countSet()
}

// Create persists a freshly constructed FreeMap's bitmap for the first
// time: it creates the backing inode at freeMapSector through table (using
// itself, fm, as the allocator — the data sectors the bitmap's own file
// needs are allocated from the very bitmap being persisted), then writes
// the current in-memory bitmap contents into it. Called only during
// format.
func (fm *FreeMap) Create(dev blockdev.Device, table *inode.Table, freeMapSector uint32) error {
	fm.mu.Lock()
	bytes := fm.bm.toBytes()
	fm.mu.Unlock()

	if err := table.Create(freeMapSector, int64(len(bytes)), false); err != nil {
		return fmt.Errorf("freemap: create backing file: %w", err)
	}
	file, err := table.Open(freeMapSector)
	if err != nil {
		return fmt.Errorf("freemap: open freshly created backing file: %w", err)
	}
	// Re-snapshot now that the backing file's own data sectors are marked.
	fm.mu.Lock()
	bytes = fm.bm.toBytes()
	fm.mu.Unlock()
	if _, err := file.WriteAt(bytes, 0); err != nil {
		_ = file.Close()
		return fmt.Errorf("freemap: write initial bitmap: %w", err)
	}

	fm.table = table
	fm.file = file
	fm.sector = freeMapSector
	return nil
}

// Load reads the bitmap from its backing inode at mount time, replacing
// fm's in-memory bitmap with what was persisted in a previous session.
// fm must already have been constructed with New and handed to the Table
// used here as that Table's Allocator — Load is the second half of the
// bootstrap: the Table needs an Allocator to exist before it can open
// anything, and the real bitmap contents are only available by opening
// the free map's own backing file through that same Table.
func (fm *FreeMap) Load(table *inode.Table, freeMapSector uint32, totalSectors uint32) error {
	file, err := table.Open(freeMapSector)
	if err != nil {
		return fmt.Errorf("freemap: open backing file: %w", err)
	}

	nbytes := (int(totalSectors) + 7) / 8
	buf := make([]byte, nbytes)
	if _, err := file.ReadAt(buf, 0); err != nil {
		_ = file.Close()
		return fmt.Errorf("freemap: read bitmap: %w", err)
	}

	fm.mu.Lock()
	fm.bm = bitsetFromBytes(buf)
	fm.table = table
	fm.file = file
	fm.sector = freeMapSector
	fm.mu.Unlock()
	return nil
}

// Open loads the bitmap from its backing inode at mount time, for a
// device that was already formatted in a previous session. This
// convenience wrapper is only safe when table was constructed with an
// Allocator other than the FreeMap being opened (e.g. in tests against a
// fixed-layout device); production mount code must instead construct an
// empty FreeMap with New, build its Table around that same instance, and
// call Load, since the Table needs an Allocator before the real bitmap
// can be read through it.
func Open(table *inode.Table, freeMapSector uint32, totalSectors uint32, log *logrus.Logger) (*FreeMap, error) {
	fm := New(totalSectors, nil, log)
	if err := fm.Load(table, freeMapSector, totalSectors); err != nil {
		return nil, err
	}
	return fm, nil
}

// Close flushes the current bitmap contents to its backing file and
// releases the in-memory inode handle. Called only at unmount.
func (fm *FreeMap) Close() error {
	fm.mu.Lock()
	bytes := fm.bm.toBytes()
	file := fm.file
	fm.mu.Unlock()

	if file == nil {
		return nil
	}
	if _, err := file.WriteAt(bytes, 0); err != nil {
		return fmt.Errorf("freemap: flush bitmap: %w", err)
	}
	return file.Close()
}
