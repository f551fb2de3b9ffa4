package pebblefs

import (
	"bytes"
	"io"
	"testing"

	"github.com/kreiley/pebblefs/blockdev"
)

func formatMem(t *testing.T, sectors uint32) *Filesystem {
	t.Helper()
	dev := blockdev.NewMemDevice(sectors)
	fs, err := Format(dev)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	return fs
}

func TestFormatProducesUsableRoot(t *testing.T) {
	fs := formatMem(t, 4096)
	defer fs.Done()

	h, err := fs.Open("/")
	if err != nil {
		t.Fatalf("Open(/): %v", err)
	}
	defer h.Close()
	if !h.IsDir() {
		t.Fatal("root handle is not a directory")
	}
}

func TestCreateWriteReadFile(t *testing.T) {
	fs := formatMem(t, 4096)
	defer fs.Done()

	if err := fs.Create("/hello", 0, false); err != nil {
		t.Fatalf("Create: %v", err)
	}

	h, err := fs.Open("/hello")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f, ok := h.File()
	if !ok {
		t.Fatal("expected a file handle")
	}
	want := []byte("hello, pebblefs")
	if _, err := f.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Seek(0)
	got := make([]byte, len(want))
	if _, err := f.Read(got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read back %q, want %q", got, want)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNameCollision(t *testing.T) {
	fs := formatMem(t, 4096)
	defer fs.Done()

	if err := fs.Create("/x", 0, false); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if err := fs.Create("/x", 0, false); err == nil {
		t.Fatal("second Create of the same name should fail")
	}
	if err := fs.Mkdir("/x"); err == nil {
		t.Fatal("Mkdir over an existing file name should fail")
	}
}

func TestDirectoryLifecycleAndDotDot(t *testing.T) {
	fs := formatMem(t, 4096)
	defer fs.Done()

	if err := fs.Mkdir("/d"); err != nil {
		t.Fatalf("Mkdir /d: %v", err)
	}
	if err := fs.Mkdir("/d/e"); err != nil {
		t.Fatalf("Mkdir /d/e: %v", err)
	}
	if err := fs.Chdir("/d"); err != nil {
		t.Fatalf("Chdir /d: %v", err)
	}
	dHandle, err := fs.Open(".")
	if err != nil {
		t.Fatalf("Open(.): %v", err)
	}
	dDir, _ := dHandle.Dir()
	dSector := dDir.Sector()
	if err := dHandle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	t.Run("chdir to . is a no-op", func(t *testing.T) {
		if err := fs.Chdir("."); err != nil {
			t.Fatalf("Chdir(.): %v", err)
		}
		h, err := fs.Open(".")
		if err != nil {
			t.Fatalf("Open(.): %v", err)
		}
		defer h.Close()
		d, ok := h.Dir()
		if !ok {
			t.Fatal("expected a directory handle")
		}
		if d.Sector() != dSector {
			t.Fatalf("chdir(.) landed on sector %d, want %d", d.Sector(), dSector)
		}
	})

	t.Run("open .. from the working directory reaches root", func(t *testing.T) {
		h, err := fs.Open("..")
		if err != nil {
			t.Fatalf("Open(..): %v", err)
		}
		defer h.Close()
		d, ok := h.Dir()
		if !ok {
			t.Fatal("expected a directory handle")
		}
		if d.Sector() != RootDirSector {
			t.Fatalf("Open(..) sector = %d, want root sector %d", d.Sector(), RootDirSector)
		}
	})

	if err := fs.Remove("e"); err != nil {
		t.Fatalf("Remove e: %v", err)
	}
	if err := fs.Chdir("/"); err != nil {
		t.Fatalf("Chdir /: %v", err)
	}
	if err := fs.Remove("/d"); err != nil {
		t.Fatalf("Remove /d: %v", err)
	}
}

func TestDenyWriteThroughFacade(t *testing.T) {
	fs := formatMem(t, 4096)
	defer fs.Done()

	if err := fs.Create("/p", 0, false); err != nil {
		t.Fatalf("Create: %v", err)
	}
	h1, err := fs.Open("/p")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h2, err := fs.Open("/p")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h1.Close()
	defer h2.Close()

	f1, _ := h1.File()
	f2, _ := h2.File()

	f1.DenyWrite()
	n, err := f2.Write([]byte("no"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 0 {
		t.Fatalf("Write while denied = %d bytes, want 0", n)
	}
	f1.AllowWrite()
	n, err = f2.Write([]byte("ok"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 2 {
		t.Fatalf("Write after AllowWrite = %d bytes, want 2", n)
	}
}

func TestRemoveWhileOpenStillReadable(t *testing.T) {
	fs := formatMem(t, 4096)
	defer fs.Done()

	if err := fs.Create("/f", 10, false); err != nil {
		t.Fatalf("Create: %v", err)
	}
	h, err := fs.Open("/f")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f, _ := h.File()
	if _, err := f.Write([]byte("helloworld")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := fs.Remove("/f"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := fs.Open("/f"); err == nil {
		t.Fatal("Open of a removed file should fail")
	}

	f.Seek(0)
	buf := make([]byte, 10)
	if _, err := f.Read(buf); err != nil && err != io.EOF {
		t.Fatalf("Read from existing handle after remove: %v", err)
	}
	if string(buf) != "helloworld" {
		t.Fatalf("Read after remove = %q, want %q", buf, "helloworld")
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestFormatThenMountRoundTrip(t *testing.T) {
	dev := blockdev.NewMemDevice(4096)
	fs, err := Format(dev)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if err := fs.Create("/a", 0, false); err != nil {
		t.Fatalf("Create: %v", err)
	}
	h, err := fs.Open("/a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f, _ := h.File()
	if _, err := f.Write([]byte("X")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	volumeID := fs.VolumeID()
	if err := fs.Done(); err != nil {
		t.Fatalf("Done: %v", err)
	}

	fs2, err := Mount(dev)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer fs2.Done()
	if fs2.VolumeID() != volumeID {
		t.Fatalf("VolumeID() after remount = %v, want %v", fs2.VolumeID(), volumeID)
	}

	h2, err := fs2.Open("/a")
	if err != nil {
		t.Fatalf("Open after remount: %v", err)
	}
	defer h2.Close()
	f2, ok := h2.File()
	if !ok {
		t.Fatal("expected a file handle after remount")
	}
	got := make([]byte, 1)
	if _, err := f2.Read(got); err != nil {
		t.Fatalf("Read after remount: %v", err)
	}
	if got[0] != 'X' {
		t.Fatalf("byte after remount = %q, want 'X'", got[0])
	}
}
