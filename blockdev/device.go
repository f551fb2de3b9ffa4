// Package blockdev provides the synchronous, fixed-sector block device
// abstraction that the filesystem core sits on top of.
package blockdev

import (
	"errors"
	"fmt"
)

// SectorSize is the fixed sector size, S, that every on-disk structure in
// this filesystem is built around.
const SectorSize = 512

// ErrOutOfRange is returned when a sector index is outside the device.
var ErrOutOfRange = errors.New("blockdev: sector out of range")

// Device is the contract the filesystem core requires of its backing
// store: synchronous, whole-sector reads and writes, and a fixed total
// sector count. There is no caching obligation on implementations.
type Device interface {
	// ReadSector reads exactly SectorSize bytes from the given sector
	// into buf. len(buf) must equal SectorSize.
	ReadSector(sector uint32, buf []byte) error
	// WriteSector writes exactly SectorSize bytes from buf to the given
	// sector. len(buf) must equal SectorSize.
	WriteSector(sector uint32, buf []byte) error
	// SectorCount returns the total number of addressable sectors.
	SectorCount() uint32
}

func checkBuf(buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("blockdev: buffer must be exactly %d bytes, got %d", SectorSize, len(buf))
	}
	return nil
}

func checkSector(sector uint32, count uint32) error {
	if sector >= count {
		return fmt.Errorf("%w: sector %d, have %d sectors", ErrOutOfRange, sector, count)
	}
	return nil
}
