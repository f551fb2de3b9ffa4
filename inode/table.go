package inode

import (
	"fmt"
	"sync"

	"github.com/kreiley/pebblefs/blockdev"
	"github.com/sirupsen/logrus"
)

// Table is the process-wide, sector-keyed registry of open in-memory
// inodes. It is the only thing in this package that talks to the block
// device and the allocator; Inode methods delegate back into it.
type Table struct {
	dev   blockdev.Device
	alloc Allocator
	log   *logrus.Logger

	mu      sync.Mutex
	entries map[uint32]*Inode
}

// NewTable constructs an empty open-inode table bound to a device and
// allocator. log may be nil, in which case logrus.StandardLogger() is used.
func NewTable(dev blockdev.Device, alloc Allocator, log *logrus.Logger) *Table {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Table{
		dev:     dev,
		alloc:   alloc,
		log:     log,
		entries: make(map[uint32]*Inode),
	}
}

// Create allocates the inode's on-disk record at sector (the caller has
// already reserved that sector from the free map) and grows it to hold
// length bytes via extend. On any allocation failure the inode record is
// not written.
func (t *Table) Create(sector uint32, length int64, isDirectory bool) error {
	if length < 0 {
		return fmt.Errorf("%w: negative length %d", ErrBadRange, length)
	}
	if length > MaxFileSize {
		return fmt.Errorf("%w: length %d exceeds max file size %d", ErrBadRange, length, MaxFileSize)
	}

	disk := &onDisk{
		magic:       MagicNumber,
		isDirectory: isDirectory,
	}
	if err := t.extend(disk, length); err != nil {
		return err
	}
	disk.length = int32(length)

	buf := disk.encode()
	if err := t.dev.WriteSector(sector, buf); err != nil {
		return fmt.Errorf("inode: write record at sector %d: %w", sector, err)
	}
	t.log.WithFields(logrus.Fields{"sector": sector, "length": length, "dir": isDirectory}).Debug("inode: created")
	return nil
}

// Open returns the shared in-memory inode for sector, reading it from disk
// the first time and bumping the open count on every subsequent call.
func (t *Table) Open(sector uint32) (*Inode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if in, ok := t.entries[sector]; ok {
		in.mu.Lock()
		in.openCount++
		in.mu.Unlock()
		return in, nil
	}

	buf := make([]byte, blockdev.SectorSize)
	if err := t.dev.ReadSector(sector, buf); err != nil {
		return nil, fmt.Errorf("inode: read sector %d: %w", sector, err)
	}
	disk, err := decodeOnDisk(buf)
	if err != nil {
		return nil, fmt.Errorf("inode: sector %d: %w", sector, err)
	}

	in := &Inode{
		table:     t,
		sector:    sector,
		disk:      *disk,
		openCount: 1,
	}
	t.entries[sector] = in
	return in, nil
}

// flushRecord writes in's current on-disk record to its hosting sector.
// Every mutation of an inode's length or sector pointers (WriteAt's
// extension) must be followed by this, or the change is invisible after
// an unmount/remount cycle even though the individual data/index sectors
// the extend already wrote are themselves durable.
func (t *Table) flushRecord(in *Inode) error {
	buf := in.disk.encode()
	if err := t.dev.WriteSector(in.sector, buf); err != nil {
		return fmt.Errorf("inode: flush record at sector %d: %w", in.sector, err)
	}
	return nil
}

// Reopen bumps the open count of an already-resident inode handle, used
// when a new caller adopts a handle another caller already holds open
// (e.g. resolving "." to the current directory).
func (t *Table) Reopen(in *Inode) *Inode {
	if in == nil {
		return nil
	}
	in.mu.Lock()
	in.openCount++
	in.mu.Unlock()
	return in
}

// Close decrements the open count. At zero, the in-memory structure is
// dropped; if the inode had been marked removed, its data sectors and its
// own inode sector are released back to the allocator.
//
// t.mu is held across the whole decrement-check-delete sequence, not just
// the table-entry deletion: Open also takes t.mu before it will reuse an
// entry still present in t.entries, so holding it here closes the window
// where a concurrent Open could observe the entry, bump openCount back
// above zero, and then lose the race against this Close deleting the
// entry and deallocating sectors out from under it.
func (t *Table) Close(in *Inode) error {
	if in == nil {
		return nil
	}

	t.mu.Lock()
	in.mu.Lock()
	in.openCount--
	openCount := in.openCount
	removed := in.removed
	disk := in.disk
	sector := in.sector
	in.mu.Unlock()

	if openCount > 0 {
		t.mu.Unlock()
		return nil
	}
	delete(t.entries, sector)
	t.mu.Unlock()

	if !removed {
		return nil
	}

	if err := t.deallocate(&disk); err != nil {
		return fmt.Errorf("inode: deallocate sector %d: %w", sector, err)
	}
	if err := t.alloc.Release(sector); err != nil {
		return fmt.Errorf("inode: release inode sector %d: %w", sector, err)
	}
	t.log.WithField("sector", sector).Debug("inode: freed on last close")
	return nil
}

// Remove marks in for deletion once its last opener closes it. Idempotent.
func (in *Inode) Remove() {
	in.mu.Lock()
	in.removed = true
	in.mu.Unlock()
}

// Removed reports whether Remove has been called on this inode.
func (in *Inode) Removed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.removed
}

// Close releases this handle through the owning table.
func (in *Inode) Close() error {
	return in.table.Close(in)
}

// DenyWrite increments the deny-write count. At most one call is allowed
// per opener; callers are responsible for pairing this with AllowWrite.
func (in *Inode) DenyWrite() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.denyWriteCount++
	if in.denyWriteCount > in.openCount {
		panic("inode: deny_write_count exceeded open_count")
	}
}

// AllowWrite decrements the deny-write count.
func (in *Inode) AllowWrite() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.denyWriteCount <= 0 {
		panic("inode: allow_write called without a matching deny_write")
	}
	in.denyWriteCount--
}
