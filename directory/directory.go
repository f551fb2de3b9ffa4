// Package directory implements directories as regular files whose
// contents are a packed array of fixed-size entries, plus the parent
// back-pointer used to resolve "..".
package directory

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kreiley/pebblefs/inode"
)

// NameMax is the maximum directory-entry name length. 14 is the
// conventional default inherited from the system this spec was distilled
// from; widened here would just mean a larger fixed entry, so it is kept
// at the traditional size.
const NameMax = 14

// entrySize is the on-disk size of one directory entry:
// 1 (inUse) + (NameMax+1) (null-terminated name) + 4 (inode sector).
const entrySize = 1 + (NameMax + 1) + 4

// InitialEntries is the entry capacity a freshly created directory starts
// with; growth beyond this happens implicitly through the backing
// inode's write-extension path.
const InitialEntries = 16

var (
	// ErrNotFound is returned by Lookup/Remove when no matching entry
	// exists.
	ErrNotFound = errors.New("directory: entry not found")
	// ErrExists is returned by Add when the name is already present.
	ErrExists = errors.New("directory: entry already exists")
	// ErrNameInvalid covers empty names, names containing '/', names
	// longer than NameMax, or the reserved names "." and "..".
	ErrNameInvalid = errors.New("directory: invalid name")
	// ErrNotEmpty is returned by Remove when a target directory still
	// has in-use entries.
	ErrNotEmpty = errors.New("directory: directory not empty")
	// ErrInUse is returned by Remove when a target directory is open
	// elsewhere.
	ErrInUse = errors.New("directory: directory in use")
	// ErrNotDirectory is returned when an operation expecting a
	// directory inode is given a regular-file inode.
	ErrNotDirectory = errors.New("directory: not a directory")
)

type entry struct {
	inUse  bool
	name   string
	sector uint32
}

func (e entry) encode() []byte {
	buf := make([]byte, entrySize)
	if e.inUse {
		buf[0] = 1
	}
	nameBytes := []byte(e.name)
	copy(buf[1:1+NameMax+1], nameBytes)
	binary.LittleEndian.PutUint32(buf[1+NameMax+1:], e.sector)
	return buf
}

func decodeEntry(buf []byte) entry {
	inUse := buf[0] != 0
	nameField := buf[1 : 1+NameMax+1]
	nul := bytes.IndexByte(nameField, 0)
	if nul < 0 {
		nul = len(nameField)
	}
	name := string(nameField[:nul])
	sector := binary.LittleEndian.Uint32(buf[1+NameMax+1:])
	return entry{inUse: inUse, name: name, sector: sector}
}

// Directory wraps an open directory inode with a readdir cursor.
type Directory struct {
	table  *inode.Table
	in     *inode.Inode
	cursor int64
}

func validateName(name string) error {
	if name == "" || len(name) > NameMax {
		return ErrNameInvalid
	}
	if name == "." || name == ".." {
		return ErrNameInvalid
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			return ErrNameInvalid
		}
	}
	return nil
}

// Create makes a new directory inode at sector with room for
// entryCapacity entries, all initially unused.
func Create(table *inode.Table, sector uint32, entryCapacity int) error {
	length := int64(entryCapacity) * entrySize
	if err := table.Create(sector, length, true); err != nil {
		return fmt.Errorf("directory: create at sector %d: %w", sector, err)
	}
	return nil
}

// Open returns a Directory wrapping the inode at sector. Fails if that
// inode is not a directory.
func Open(table *inode.Table, sector uint32) (*Directory, error) {
	in, err := table.Open(sector)
	if err != nil {
		return nil, err
	}
	if !in.IsDir() {
		_ = table.Close(in)
		return nil, ErrNotDirectory
	}
	return &Directory{table: table, in: in}, nil
}

// OpenRoot opens the directory at the well-known root sector and records
// it as its own parent.
func OpenRoot(table *inode.Table, rootSector uint32) (*Directory, error) {
	d, err := Open(table, rootSector)
	if err != nil {
		return nil, err
	}
	d.SetParent(rootSector)
	return d, nil
}

// Wrap adopts an already-open inode (e.g. one just returned by Lookup) as
// a Directory handle without opening it a second time. Fails, closing the
// inode, if it is not a directory.
func Wrap(table *inode.Table, in *inode.Inode) (*Directory, error) {
	if !in.IsDir() {
		_ = table.Close(in)
		return nil, ErrNotDirectory
	}
	return &Directory{table: table, in: in}, nil
}

// Reopen shares the same underlying inode via another handle.
func Reopen(d *Directory) *Directory {
	in := d.table.Reopen(d.in)
	return &Directory{table: d.table, in: in}
}

// Close releases this handle.
func (d *Directory) Close() error {
	return d.table.Close(d.in)
}

// Inode exposes the underlying inode, e.g. for inumber() queries or
// passing to the resolver's ".." logic.
func (d *Directory) Inode() *inode.Inode {
	return d.in
}

// Sector returns the hosting sector of this directory's inode.
func (d *Directory) Sector() uint32 {
	return d.in.Sector()
}

func (d *Directory) entryCount() int {
	return int(d.in.Length() / entrySize)
}

// SetParent records the back-pointer to this directory's parent. Pure
// data — a stored sector index, not an owning handle — resolved by
// opening the parent on demand when ".." is followed. The root directory
// is its own parent. The back-pointer is kept only in the in-memory
// inode: it is lost when the last handle closes, and Lookup and OpenRoot
// set it again on the next open through those paths.
func (d *Directory) SetParent(parentSector uint32) {
	d.in.SetParentSector(parentSector)
}

// ParentSector returns the stored parent back-pointer.
func (d *Directory) ParentSector() uint32 {
	return d.in.ParentSector()
}

// OpenParent opens the directory this one's back-pointer refers to.
func (d *Directory) OpenParent() (*Directory, error) {
	return Open(d.table, d.ParentSector())
}

func (d *Directory) readEntry(i int) (entry, error) {
	buf := make([]byte, entrySize)
	n, err := d.in.ReadAt(buf, int64(i)*entrySize)
	if err != nil {
		return entry{}, err
	}
	if n != entrySize {
		return entry{}, fmt.Errorf("directory: short entry read at index %d", i)
	}
	return decodeEntry(buf), nil
}

func (d *Directory) writeEntry(i int, e entry) error {
	buf := e.encode()
	n, err := d.in.WriteAt(buf, int64(i)*entrySize)
	if err != nil {
		return err
	}
	if n != entrySize {
		return fmt.Errorf("directory: short entry write at index %d", i)
	}
	return nil
}

// Lookup scans entries for name and, on a match, opens and returns its
// inode. If that inode is a directory, d is recorded as its parent. "."
// and ".." are never stored and are never matched here; the resolver
// handles them.
func (d *Directory) Lookup(name string) (*inode.Inode, error) {
	for i := 0; i < d.entryCount(); i++ {
		e, err := d.readEntry(i)
		if err != nil {
			return nil, err
		}
		if e.inUse && e.name == name {
			in, err := d.table.Open(e.sector)
			if err != nil {
				return nil, err
			}
			if in.IsDir() {
				in.SetParentSector(d.Sector())
			}
			return in, nil
		}
	}
	return nil, ErrNotFound
}

// Add inserts a new entry mapping name to inodeSector. It reuses the
// first freed slot it finds; if none exists, it appends past the current
// end, which drives the backing inode's write-extension path and grows
// the directory file.
//
// The scan-then-write below spans several independent ReadAt/WriteAt
// calls, so it holds the underlying inode's critical-section lock for the
// whole sequence: two concurrent Adds on two Directory handles opened on
// the same sector would otherwise both scan, settle on the same free or
// append slot, and have one write silently clobber the other, leaking the
// clobbered entry's inode.
func (d *Directory) Add(name string, inodeSector uint32) error {
	if err := validateName(name); err != nil {
		return err
	}

	d.in.Lock()
	defer d.in.Unlock()

	count := d.entryCount()
	freeSlot := -1
	for i := 0; i < count; i++ {
		e, err := d.readEntry(i)
		if err != nil {
			return err
		}
		if e.inUse {
			if e.name == name {
				return ErrExists
			}
			continue
		}
		if freeSlot == -1 {
			freeSlot = i
		}
	}

	slot := freeSlot
	if slot == -1 {
		slot = count
	}
	return d.writeEntry(slot, entry{inUse: true, name: name, sector: inodeSector})
}

// Remove looks up name, refuses to remove a non-empty or currently-open
// directory, marks the entry free, and finally removes and closes the
// target inode.
//
// Held across the full scan+decide+write for the same reason as Add: the
// lookup, the emptiness/in-use checks, and the entry write must all see
// the same snapshot, or two concurrent Removes (or a Remove racing an
// Add) could both act on stale entry state.
func (d *Directory) Remove(name string) error {
	d.in.Lock()
	defer d.in.Unlock()

	idx := -1
	var target entry
	for i := 0; i < d.entryCount(); i++ {
		e, err := d.readEntry(i)
		if err != nil {
			return err
		}
		if e.inUse && e.name == name {
			idx = i
			target = e
			break
		}
	}
	if idx == -1 {
		return ErrNotFound
	}

	targetInode, err := d.table.Open(target.sector)
	if err != nil {
		return err
	}

	if targetInode.IsDir() {
		child := &Directory{table: d.table, in: targetInode}
		empty, err := child.isEmpty()
		if err != nil {
			_ = d.table.Close(targetInode)
			return err
		}
		if !empty {
			_ = d.table.Close(targetInode)
			return ErrNotEmpty
		}
		// The open just above plus any other outstanding opener must
		// together be exactly the one we hold; more than that means
		// someone else has this directory open.
		if targetInode.OpenCount() > 1 {
			_ = d.table.Close(targetInode)
			return ErrInUse
		}
	}

	if err := d.writeEntry(idx, entry{}); err != nil {
		_ = d.table.Close(targetInode)
		return err
	}

	targetInode.Remove()
	return d.table.Close(targetInode)
}

func (d *Directory) isEmpty() (bool, error) {
	for i := 0; i < d.entryCount(); i++ {
		e, err := d.readEntry(i)
		if err != nil {
			return false, err
		}
		if e.inUse {
			return false, nil
		}
	}
	return true, nil
}

// Readdir returns the next in-use entry's name, advancing the internal
// cursor, or ok=false at end of directory. "." and ".." are never
// returned, since they are never stored as entries.
func (d *Directory) Readdir() (name string, ok bool, err error) {
	for {
		idx := int(d.cursor / entrySize)
		if idx >= d.entryCount() {
			return "", false, nil
		}
		e, rerr := d.readEntry(idx)
		if rerr != nil {
			return "", false, rerr
		}
		d.cursor += entrySize
		if e.inUse {
			return e.name, true, nil
		}
	}
}

// RewindReaddir resets the Readdir cursor to the beginning.
func (d *Directory) RewindReaddir() {
	d.cursor = 0
}
