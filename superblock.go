package pebblefs

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kreiley/pebblefs/blockdev"
)

// superblockMagic identifies a pebblefs-formatted device. It is distinct
// from inode.MagicNumber so a corrupt or foreign device is rejected before
// any inode is even read.
const superblockMagic uint32 = 0x50424C46 // "PBLF"

// formatVersion is bumped whenever the on-disk layout changes in a way
// that requires distinguishing old images from new ones. There has been
// exactly one layout so far.
const formatVersion uint32 = 1

// ErrBadSuperblock means sector 0 does not carry a recognizable
// superblock, i.e. the device was never formatted by this filesystem or
// the sector read back corrupt.
var ErrBadSuperblock = errors.New("pebblefs: bad or missing superblock")

type superblock struct {
	magic    uint32
	volumeID uuid.UUID
	version  uint32
}

func (s superblock) encode() []byte {
	buf := make([]byte, blockdev.SectorSize)
	binary.LittleEndian.PutUint32(buf[0:], s.magic)
	copy(buf[4:20], s.volumeID[:])
	binary.LittleEndian.PutUint32(buf[20:], s.version)
	return buf
}

func decodeSuperblock(buf []byte) (superblock, error) {
	if len(buf) != blockdev.SectorSize {
		return superblock{}, fmt.Errorf("pebblefs: superblock must be %d bytes, got %d", blockdev.SectorSize, len(buf))
	}
	var s superblock
	s.magic = binary.LittleEndian.Uint32(buf[0:])
	if s.magic != superblockMagic {
		return superblock{}, ErrBadSuperblock
	}
	copy(s.volumeID[:], buf[4:20])
	s.version = binary.LittleEndian.Uint32(buf[20:])
	return s, nil
}

func writeSuperblock(dev blockdev.Device, s superblock) error {
	return dev.WriteSector(SuperblockSector, s.encode())
}

func readSuperblock(dev blockdev.Device) (superblock, error) {
	buf := make([]byte, blockdev.SectorSize)
	if err := dev.ReadSector(SuperblockSector, buf); err != nil {
		return superblock{}, err
	}
	return decodeSuperblock(buf)
}
