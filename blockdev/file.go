package blockdev

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pkg/xattr"
	"github.com/sirupsen/logrus"
)

// volumeXattr tags a backing image file as belonging to this filesystem.
// Purely advisory: a mismatch or an unsupported filesystem (the xattr
// call itself failing) never blocks mount, only gets logged.
const volumeXattr = "user.pebblefs.volume"

// FileDevice is a Device backed by a regular file or an actual block
// device node (e.g. /dev/sdb) opened through the OS.
type FileDevice struct {
	f       *os.File
	sectors uint32
	log     *logrus.Logger
}

// CreateFile creates a new backing file of the given size (rounded down to
// a whole number of sectors) and returns a Device over it. The file must
// not already exist.
func CreateFile(path string, size int64, log *logrus.Logger) (*FileDevice, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("blockdev: %s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("blockdev: create %s: %w", path, err)
	}
	sectors := uint32(size / SectorSize)
	if err := f.Truncate(int64(sectors) * SectorSize); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("blockdev: truncate %s: %w", path, err)
	}

	if err := xattr.FSet(f, volumeXattr, []byte("pebblefs")); err != nil {
		log.WithError(err).Debug("blockdev: backing file does not support xattrs, skipping volume tag")
	}

	return &FileDevice{f: f, sectors: sectors, log: log}, nil
}

// OpenFile opens an existing backing file or block device for read/write.
func OpenFile(path string, log *logrus.Logger) (*FileDevice, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}

	sectors, err := sectorCount(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	if tag, err := xattr.FGet(f, volumeXattr); err == nil && string(tag) != "pebblefs" {
		log.WithField("tag", string(tag)).Warn("blockdev: backing file carries an unrecognized volume tag")
	}

	return &FileDevice{f: f, sectors: sectors, log: log}, nil
}

// sectorCount determines the true sector count of f: for a regular file
// this is its size; for a real block device it asks the kernel, since the
// file size reported by stat(2) on a device node is not meaningful.
func sectorCount(f *os.File) (uint32, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("blockdev: stat: %w", err)
	}
	if info.Mode()&os.ModeDevice != 0 {
		if n, err := deviceSectorCount(f); err == nil {
			return n, nil
		}
	}
	return uint32(info.Size() / SectorSize), nil
}

func (d *FileDevice) ReadSector(sector uint32, buf []byte) error {
	if err := checkBuf(buf); err != nil {
		return err
	}
	if err := checkSector(sector, d.sectors); err != nil {
		return err
	}
	n, err := d.f.ReadAt(buf, int64(sector)*SectorSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("blockdev: read sector %d: %w", sector, err)
	}
	if n != SectorSize {
		return fmt.Errorf("blockdev: short read at sector %d: got %d bytes", sector, n)
	}
	return nil
}

func (d *FileDevice) WriteSector(sector uint32, buf []byte) error {
	if err := checkBuf(buf); err != nil {
		return err
	}
	if err := checkSector(sector, d.sectors); err != nil {
		return err
	}
	n, err := d.f.WriteAt(buf, int64(sector)*SectorSize)
	if err != nil {
		return fmt.Errorf("blockdev: write sector %d: %w", sector, err)
	}
	if n != SectorSize {
		return fmt.Errorf("blockdev: short write at sector %d: wrote %d bytes", sector, n)
	}
	return nil
}

func (d *FileDevice) SectorCount() uint32 {
	return d.sectors
}

// Close closes the backing file. Any free-map flush must happen before
// Close via the filesystem's Done/teardown path.
func (d *FileDevice) Close() error {
	return d.f.Close()
}

// Sys exposes the underlying *os.File for operators who need raw access,
// mirroring the teacher's backend.Storage.Sys() escape hatch.
func (d *FileDevice) Sys() *os.File {
	return d.f
}
