package pebblefs

import (
	"github.com/kreiley/pebblefs/directory"
	"github.com/kreiley/pebblefs/inode"
)

// FileHandle is an open regular file: an inode plus the caller's own
// read/write position, mirroring spec section 6.5's
// read/write/seek/tell/close/length/deny-write surface.
type FileHandle struct {
	table *inode.Table
	in    *inode.Inode
	pos   int64
}

// Read reads from the current position and advances it by the number of
// bytes actually read.
func (f *FileHandle) Read(buf []byte) (int, error) {
	n, err := f.in.ReadAt(buf, f.pos)
	f.pos += int64(n)
	return n, err
}

// Write writes at the current position and advances it by the number of
// bytes actually written.
func (f *FileHandle) Write(buf []byte) (int, error) {
	n, err := f.in.WriteAt(buf, f.pos)
	f.pos += int64(n)
	return n, err
}

// Seek repositions the handle's cursor to an absolute byte offset.
func (f *FileHandle) Seek(pos int64) {
	f.pos = pos
}

// Tell returns the handle's current cursor position.
func (f *FileHandle) Tell() int64 {
	return f.pos
}

// Length returns the file's current size in bytes.
func (f *FileHandle) Length() int64 {
	return f.in.Length()
}

// DenyWrite forbids writes through every open handle to this file, this
// one included, until a matching AllowWrite.
func (f *FileHandle) DenyWrite() {
	f.in.DenyWrite()
}

// AllowWrite undoes one DenyWrite.
func (f *FileHandle) AllowWrite() {
	f.in.AllowWrite()
}

// Inumber returns the inode's hosting sector.
func (f *FileHandle) Inumber() uint32 {
	return f.in.Sector()
}

// Close releases this handle.
func (f *FileHandle) Close() error {
	return f.table.Close(f.in)
}

// Handle is the tagged variant returned by Open: exactly one of File() or
// Dir() will report ok==true. This replaces the original's habit of
// leaking a directory through a file-typed pointer (see spec section 9,
// "Polymorphism of handles") with an explicit sum type.
type Handle struct {
	file *FileHandle
	dir  *directory.Directory
}

func fileHandle(fh *FileHandle) Handle { return Handle{file: fh} }
func dirHandle(d *directory.Directory) Handle { return Handle{dir: d} }

// IsDir reports whether this handle refers to a directory.
func (h Handle) IsDir() bool {
	return h.dir != nil
}

// File returns the underlying FileHandle and true, or (nil, false) if
// this handle is a directory.
func (h Handle) File() (*FileHandle, bool) {
	return h.file, h.file != nil
}

// Dir returns the underlying directory.Directory and true, or
// (nil, false) if this handle is a regular file.
func (h Handle) Dir() (*directory.Directory, bool) {
	return h.dir, h.dir != nil
}

// Inumber returns the hosting sector of whichever inode this handle
// wraps, regardless of kind.
func (h Handle) Inumber() uint32 {
	if h.dir != nil {
		return h.dir.Sector()
	}
	return h.file.Inumber()
}

// Close releases this handle.
func (h Handle) Close() error {
	if h.dir != nil {
		return h.dir.Close()
	}
	return h.file.Close()
}
