//go:build !linux

package blockdev

import (
	"errors"
	"os"
)

// deviceSectorCount has no portable ioctl equivalent off Linux; callers
// fall back to the stat-reported file size, same as a regular image file.
func deviceSectorCount(_ *os.File) (uint32, error) {
	return 0, errors.New("blockdev: device sector count ioctl not supported on this platform")
}
