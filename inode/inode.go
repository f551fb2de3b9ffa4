// Package inode implements the on-disk inode record, the direct/indirect/
// doubly-indirect sector addressing scheme, and the process-wide table of
// shared in-memory inodes that every open file or directory handle is
// backed by.
package inode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/kreiley/pebblefs/blockdev"
)

const (
	// MagicNumber identifies a valid on-disk inode record.
	MagicNumber uint32 = 0x494E4F44

	// MaxDirect is the number of direct data-sector slots in an inode.
	MaxDirect = 123
	// IndirectEntries is the number of sector pointers held in one
	// indirect (or one level of a doubly-indirect) table sector.
	IndirectEntries = blockdev.SectorSize / 4 // 128
	// MaxIndirect is the number of sectors addressable through the
	// single indirect table.
	MaxIndirect = IndirectEntries
	// MaxDoublyIndirect is the number of sectors addressable through the
	// doubly-indirect table.
	MaxDoublyIndirect = IndirectEntries * IndirectEntries

	// MaxFileSectors is the largest sector count an inode can address.
	MaxFileSectors = MaxDirect + MaxIndirect + MaxDoublyIndirect
	// MaxFileSize is the corresponding byte ceiling (8,517,120 bytes,
	// ~8.1 MiB).
	MaxFileSize = int64(MaxFileSectors) * blockdev.SectorSize
)

var (
	// ErrBadMagic means a sector that was read as an inode does not carry
	// the expected magic number.
	ErrBadMagic = errors.New("inode: bad magic number")
	// ErrBadRange covers negative offsets/sizes or indices beyond the
	// maximum addressable file size.
	ErrBadRange = errors.New("inode: offset or size out of range")
	// ErrDenyWrite is returned by WriteAt when the inode's write access
	// has been denied by an opener.
	ErrDenyWrite = errors.New("inode: write denied")
	// ErrNoSpace is returned when the allocator cannot satisfy a request.
	ErrNoSpace = errors.New("inode: no space left on device")
)

// Allocator is the sector allocator the inode layer depends on to grow and
// shrink files. freemap.FreeMap is the only production implementation; the
// interface exists so inode never imports freemap (freemap's own backing
// file is itself an inode, so the dependency must run the other way).
type Allocator interface {
	// Allocate reserves and returns one free sector.
	Allocate() (uint32, error)
	// Release returns one sector to the free pool.
	Release(sector uint32) error
}

// onDisk is the fixed, exactly-one-sector on-disk inode record described in
// spec section 6.3.
type onDisk struct {
	length         int32
	magic          uint32
	direct         [MaxDirect]uint32
	indirect       uint32
	doublyIndirect uint32
	isDirectory    bool
}

func (d *onDisk) encode() []byte {
	buf := make([]byte, blockdev.SectorSize)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(d.length))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], d.magic)
	off += 4
	for _, s := range d.direct {
		binary.LittleEndian.PutUint32(buf[off:], s)
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], d.indirect)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], d.doublyIndirect)
	off += 4
	if d.isDirectory {
		buf[off] = 1
	}
	return buf
}

func decodeOnDisk(buf []byte) (*onDisk, error) {
	if len(buf) != blockdev.SectorSize {
		return nil, fmt.Errorf("inode: record must be %d bytes, got %d", blockdev.SectorSize, len(buf))
	}
	d := &onDisk{}
	off := 0
	d.length = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	d.magic = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	for i := range d.direct {
		d.direct[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	d.indirect = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.doublyIndirect = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.isDirectory = buf[off] != 0
	if d.magic != MagicNumber {
		return nil, ErrBadMagic
	}
	return d, nil
}

func bytesToSectors(length int64) int {
	return int((length + blockdev.SectorSize - 1) / blockdev.SectorSize)
}

// Inode is the in-memory, reference-counted representation of an open
// on-disk inode. Exactly one Inode exists per sector at any time; repeated
// Opens of the same sector share it.
type Inode struct {
	table *Table
	mu    sync.Mutex

	// opMu serializes a caller's multi-step critical section (read some
	// entries, decide, write one) across every opener of this inode. It
	// is deliberately a separate lock from mu, which only ever guards one
	// field-access or one ReadAt/WriteAt call at a time: a caller holding
	// opMu across several ReadAt/WriteAt calls would deadlock against
	// itself if those methods tried to reacquire mu instead.
	opMu sync.Mutex

	sector uint32
	disk   onDisk

	openCount      int
	removed        bool
	denyWriteCount int

	// parent is the back-pointer used for ".." resolution when this
	// inode is a directory. 0 means "not set" — sector 0 is reserved for
	// the superblock and is never a valid inode sector, so it is a safe
	// sentinel, consistent with the "zero slot means unallocated"
	// convention used throughout the on-disk format.
	parent uint32
}

// Sector returns the hosting sector number — the inode number.
func (in *Inode) Sector() uint32 {
	return in.sector
}

// IsDir reports whether this inode represents a directory.
func (in *Inode) IsDir() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.disk.isDirectory
}

// Length returns the current file size in bytes.
func (in *Inode) Length() int64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return int64(in.disk.length)
}

// OpenCount returns the number of outstanding openers, for tests and
// diagnostics.
func (in *Inode) OpenCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.openCount
}

// ParentSector returns the stored parent-directory back-pointer (0 if
// unset).
func (in *Inode) ParentSector() uint32 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.parent
}

// SetParentSector records the parent-directory back-pointer. Pure data:
// the relationship is a sector index, not an owning reference, so no
// ownership cycle is created between a directory and its parent.
func (in *Inode) SetParentSector(sector uint32) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.parent = sector
}

// Lock acquires this inode's critical-section lock, letting a caller hold
// exclusivity across a whole scan-then-write sequence built out of several
// ReadAt/WriteAt/Length calls — directory.Add and directory.Remove are the
// motivating case, since every Directory handle opened on the same sector
// shares this same *Inode. Safe to hold across calls into ReadAt/WriteAt:
// see the opMu field comment for why those don't contend with this lock.
func (in *Inode) Lock() {
	in.opMu.Lock()
}

// Unlock releases the critical-section lock acquired by Lock.
func (in *Inode) Unlock() {
	in.opMu.Unlock()
}
