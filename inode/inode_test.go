package inode

import (
	"bytes"
	"testing"

	"github.com/kreiley/pebblefs/blockdev"
)

// seqAllocator hands out sectors in increasing order starting at `next`,
// with no reuse on Release — enough to exercise the inode layer in
// isolation without pulling in the freemap package.
type seqAllocator struct {
	next     uint32
	released []uint32
}

func (a *seqAllocator) Allocate() (uint32, error) {
	s := a.next
	a.next++
	return s, nil
}

func (a *seqAllocator) Release(sector uint32) error {
	a.released = append(a.released, sector)
	return nil
}

func newTestTable(t *testing.T, sectors uint32) (*Table, *seqAllocator) {
	t.Helper()
	dev := blockdev.NewMemDevice(sectors)
	alloc := &seqAllocator{next: 1}
	return NewTable(dev, alloc, nil), alloc
}

func TestCreateOpenClose(t *testing.T) {
	table, _ := newTestTable(t, 64)

	if err := table.Create(0, 100, false); err != nil {
		t.Fatalf("Create: %v", err)
	}

	in, err := table.Open(0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if in.Length() != 100 {
		t.Fatalf("Length() = %d, want 100", in.Length())
	}
	if in.IsDir() {
		t.Fatal("IsDir() = true for a file inode")
	}

	t.Run("reopen shares the same handle", func(t *testing.T) {
		in2, err := table.Open(0)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if in2 != in {
			t.Fatal("second Open of the same sector returned a different *Inode")
		}
		if in.OpenCount() != 2 {
			t.Fatalf("OpenCount() = %d, want 2", in.OpenCount())
		}
		if err := table.Close(in2); err != nil {
			t.Fatalf("Close: %v", err)
		}
	})

	if err := table.Close(in); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestWriteThenRead(t *testing.T) {
	table, _ := newTestTable(t, 64)
	if err := table.Create(0, 0, false); err != nil {
		t.Fatalf("Create: %v", err)
	}
	in, err := table.Open(0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer table.Close(in)

	want := []byte("hello world")
	n, err := in.WriteAt(want, 10)
	if err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if n != len(want) {
		t.Fatalf("WriteAt wrote %d bytes, want %d", n, len(want))
	}

	got := make([]byte, len(want))
	n, err = in.ReadAt(got, 10)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != len(want) || !bytes.Equal(got, want) {
		t.Fatalf("ReadAt = %q, want %q", got, want)
	}

	t.Run("gap before the write reads as zero", func(t *testing.T) {
		gap := make([]byte, 10)
		n, err := in.ReadAt(gap, 0)
		if err != nil {
			t.Fatalf("ReadAt: %v", err)
		}
		if n != 10 {
			t.Fatalf("ReadAt = %d bytes, want 10", n)
		}
		for i, b := range gap {
			if b != 0 {
				t.Fatalf("gap byte %d = %d, want 0", i, b)
			}
		}
	})

	t.Run("read at end of file returns 0", func(t *testing.T) {
		buf := make([]byte, 16)
		n, err := in.ReadAt(buf, in.Length())
		if err != nil {
			t.Fatalf("ReadAt: %v", err)
		}
		if n != 0 {
			t.Fatalf("ReadAt at EOF = %d bytes, want 0", n)
		}
	})
}

func TestGrowAcrossIndirectBoundary(t *testing.T) {
	table, _ := newTestTable(t, 20000)
	if err := table.Create(0, 0, false); err != nil {
		t.Fatalf("Create: %v", err)
	}
	in, err := table.Open(0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer table.Close(in)

	offset := int64(63000) // inside the indirect range, beyond MaxDirect*SectorSize
	if _, err := in.WriteAt([]byte("X"), offset); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if in.Length() != offset+1 {
		t.Fatalf("Length() = %d, want %d", in.Length(), offset+1)
	}

	head := make([]byte, 100)
	if _, err := in.ReadAt(head, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i, b := range head {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0", i, b)
		}
	}

	tail := make([]byte, 1)
	if _, err := in.ReadAt(tail, offset); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if tail[0] != 'X' {
		t.Fatalf("byte at %d = %q, want 'X'", offset, tail[0])
	}
}

func TestDenyWrite(t *testing.T) {
	table, _ := newTestTable(t, 64)
	if err := table.Create(0, 0, false); err != nil {
		t.Fatalf("Create: %v", err)
	}
	h1, err := table.Open(0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h2, err := table.Open(0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer table.Close(h1)
	defer table.Close(h2)

	h1.DenyWrite()
	n, err := h2.WriteAt([]byte("nope"), 0)
	if err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if n != 0 {
		t.Fatalf("WriteAt while denied wrote %d bytes, want 0", n)
	}

	h1.AllowWrite()
	n, err = h2.WriteAt([]byte("ok"), 0)
	if err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if n != 2 {
		t.Fatalf("WriteAt after AllowWrite = %d bytes, want 2", n)
	}
}

func TestRemoveDefersUntilLastClose(t *testing.T) {
	table, alloc := newTestTable(t, 64)
	if err := table.Create(0, 8, false); err != nil {
		t.Fatalf("Create: %v", err)
	}
	h1, err := table.Open(0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h2, err := table.Open(0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	h1.Remove()
	h1.Remove() // idempotent
	if !h1.Removed() {
		t.Fatal("Removed() = false after Remove()")
	}

	if err := table.Close(h1); err != nil {
		t.Fatalf("Close h1: %v", err)
	}
	if len(alloc.released) != 0 {
		t.Fatalf("sectors released before last close: %v", alloc.released)
	}

	if err := table.Close(h2); err != nil {
		t.Fatalf("Close h2: %v", err)
	}
	if len(alloc.released) == 0 {
		t.Fatal("expected sectors to be released on last close of a removed inode")
	}
}
