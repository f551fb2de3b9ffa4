package freemap

import (
	"testing"

	"github.com/kreiley/pebblefs/blockdev"
	"github.com/kreiley/pebblefs/inode"
)

func TestFreeMapAllocateRelease(t *testing.T) {
	fm := New(64, []uint32{0, 1, 2}, nil)

	t.Run("reserved sectors are pre-used", func(t *testing.T) {
		for _, s := range []uint32{0, 1, 2} {
			used, err := fm.IsUsed(s)
			if err != nil {
				t.Fatalf("IsUsed(%d): %v", s, err)
			}
			if !used {
				t.Fatalf("sector %d should be marked used", s)
			}
		}
	})

	t.Run("allocate skips reserved and marks used", func(t *testing.T) {
		sector, err := fm.Allocate()
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if sector < 3 {
			t.Fatalf("Allocate returned reserved sector %d", sector)
		}
		used, err := fm.IsUsed(sector)
		if err != nil || !used {
			t.Fatalf("sector %d not marked used after Allocate", sector)
		}
	})

	t.Run("release then reallocate reuses the sector", func(t *testing.T) {
		a, err := fm.Allocate()
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if err := fm.Release(a); err != nil {
			t.Fatalf("Release: %v", err)
		}
		b, err := fm.Allocate()
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if a != b {
			t.Fatalf("expected Allocate to reuse freed sector %d, got %d", a, b)
		}
	})

	t.Run("exhaustion returns ErrNoSpace", func(t *testing.T) {
		small := New(4, []uint32{0, 1, 2}, nil)
		if _, err := small.Allocate(); err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if _, err := small.Allocate(); err == nil {
			t.Fatal("expected ErrNoSpace once free sectors are exhausted")
		}
	})
}

func TestFreeMapPersistence(t *testing.T) {
	const totalSectors = 64
	dev := blockdev.NewMemDevice(totalSectors)

	fm := New(totalSectors, []uint32{0, 1, 2}, nil)
	table := inode.NewTable(dev, fm, nil)

	if err := fm.Create(dev, table, 1); err != nil {
		t.Fatalf("Create: %v", err)
	}
	allocated, err := fm.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := fm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Remount: a fresh in-memory bitmap, a fresh table around it, then Load
	// pulls the persisted bytes back through that table's backing inode.
	fm2 := New(totalSectors, nil, nil)
	table2 := inode.NewTable(dev, fm2, nil)
	if err := fm2.Load(table2, 1, totalSectors); err != nil {
		t.Fatalf("Load: %v", err)
	}

	used, err := fm2.IsUsed(allocated)
	if err != nil {
		t.Fatalf("IsUsed: %v", err)
	}
	if !used {
		t.Fatalf("sector %d allocated before remount should still read as used", allocated)
	}
}
