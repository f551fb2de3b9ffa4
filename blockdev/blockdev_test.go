package blockdev

import "testing"

func TestMemDeviceReadWrite(t *testing.T) {
	d := NewMemDevice(4)

	if got := d.SectorCount(); got != 4 {
		t.Fatalf("SectorCount() = %d, want 4", got)
	}

	t.Run("write then read back", func(t *testing.T) {
		buf := make([]byte, SectorSize)
		for i := range buf {
			buf[i] = byte(i)
		}
		if err := d.WriteSector(1, buf); err != nil {
			t.Fatalf("WriteSector: %v", err)
		}
		out := make([]byte, SectorSize)
		if err := d.ReadSector(1, out); err != nil {
			t.Fatalf("ReadSector: %v", err)
		}
		for i := range out {
			if out[i] != buf[i] {
				t.Fatalf("byte %d = %d, want %d", i, out[i], buf[i])
			}
		}
	})

	t.Run("out of range sector rejected", func(t *testing.T) {
		buf := make([]byte, SectorSize)
		if err := d.ReadSector(4, buf); err == nil {
			t.Fatal("expected error reading out-of-range sector")
		}
		if err := d.WriteSector(99, buf); err == nil {
			t.Fatal("expected error writing out-of-range sector")
		}
	})

	t.Run("wrong-size buffer rejected", func(t *testing.T) {
		if err := d.ReadSector(0, make([]byte, SectorSize-1)); err == nil {
			t.Fatal("expected error on short buffer")
		}
	})

	t.Run("unwritten sector reads zero", func(t *testing.T) {
		out := make([]byte, SectorSize)
		if err := d.ReadSector(2, out); err != nil {
			t.Fatalf("ReadSector: %v", err)
		}
		for i, b := range out {
			if b != 0 {
				t.Fatalf("byte %d = %d, want 0", i, b)
			}
		}
	})
}
