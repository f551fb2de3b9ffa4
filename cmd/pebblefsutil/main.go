// Command pebblefsutil drives a pebblefs volume from the command line:
// formatting a backing image, listing and transferring files, and
// inspecting the image itself. It plays the same role for this module
// that examples/create-iso-from-folder and examples/serve-image play for
// their library — a runnable, minimal consumer of the facade.
package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"strconv"

	times "gopkg.in/djherbis/times.v1"

	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"

	"github.com/kreiley/pebblefs"
	"github.com/kreiley/pebblefs/blockdev"
	"github.com/kreiley/pebblefs/timeutil"
	"github.com/kreiley/pebblefs/util"
)

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "pebblefsutil:", err)
	os.Exit(1)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: pebblefsutil <command> [args]

commands:
  mkfs <image> <size-bytes>
  ls <image> <path>
  cat <image> <path>
  mkdir <image> <path>
  put <image> <path> <local-file>
  rm <image> <path>
  stat-backing <image>
  dump <image> <output.xz>
  hexdump <image> <sector>`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	log := logrus.StandardLogger()

	var err error
	switch os.Args[1] {
	case "mkfs":
		err = cmdMkfs(log, os.Args[2:])
	case "ls":
		err = cmdLs(log, os.Args[2:])
	case "cat":
		err = cmdCat(log, os.Args[2:])
	case "mkdir":
		err = cmdMkdir(log, os.Args[2:])
	case "put":
		err = cmdPut(log, os.Args[2:])
	case "rm":
		err = cmdRm(log, os.Args[2:])
	case "stat-backing":
		err = cmdStatBacking(os.Args[2:])
	case "dump":
		err = cmdDump(log, os.Args[2:])
	case "hexdump":
		err = cmdHexdump(log, os.Args[2:])
	default:
		usage()
	}
	fatal(err)
}

func mount(log *logrus.Logger, image string) (*pebblefs.Filesystem, error) {
	dev, err := blockdev.OpenFile(image, log)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", image, err)
	}
	return pebblefs.Mount(dev, pebblefs.WithLogger(log))
}

func cmdMkfs(log *logrus.Logger, args []string) error {
	if len(args) != 2 {
		usage()
	}
	size, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("bad size %q: %w", args[1], err)
	}

	dev, err := blockdev.CreateFile(args[0], size, log)
	if err != nil {
		return err
	}
	fs, err := pebblefs.Format(dev, pebblefs.WithLogger(log))
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"image":   args[0],
		"size":    size,
		"volume":  fs.VolumeID(),
		"stamped": timeutil.GetTime(),
	}).Info("mkfs: formatted new volume")
	return fs.Done()
}

func cmdLs(log *logrus.Logger, args []string) error {
	if len(args) != 2 {
		usage()
	}
	fs, err := mount(log, args[0])
	if err != nil {
		return err
	}
	defer fs.Done()

	h, err := fs.Open(args[1])
	if err != nil {
		return err
	}
	defer h.Close()
	d, ok := h.Dir()
	if !ok {
		return fmt.Errorf("%s: not a directory", args[1])
	}
	for {
		name, ok, err := d.Readdir()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		fmt.Println(name)
	}
}

func cmdCat(log *logrus.Logger, args []string) error {
	if len(args) != 2 {
		usage()
	}
	fs, err := mount(log, args[0])
	if err != nil {
		return err
	}
	defer fs.Done()

	h, err := fs.Open(args[1])
	if err != nil {
		return err
	}
	defer h.Close()
	f, ok := h.File()
	if !ok {
		return fmt.Errorf("%s: is a directory", args[1])
	}
	buf := make([]byte, f.Length())
	if _, err := f.Read(buf); err != nil && err != io.EOF {
		return err
	}
	_, err = os.Stdout.Write(buf)
	return err
}

func cmdMkdir(log *logrus.Logger, args []string) error {
	if len(args) != 2 {
		usage()
	}
	fs, err := mount(log, args[0])
	if err != nil {
		return err
	}
	defer fs.Done()
	return fs.Mkdir(args[1])
}

func cmdPut(log *logrus.Logger, args []string) error {
	if len(args) != 3 {
		usage()
	}
	data, err := os.ReadFile(args[2])
	if err != nil {
		return err
	}

	fs, err := mount(log, args[0])
	if err != nil {
		return err
	}
	defer fs.Done()

	if err := fs.Create(args[1], int64(len(data)), false); err != nil {
		return err
	}
	h, err := fs.Open(args[1])
	if err != nil {
		return err
	}
	defer h.Close()
	f, ok := h.File()
	if !ok {
		return fmt.Errorf("%s: is a directory", args[1])
	}
	_, err = f.Write(data)
	return err
}

func cmdRm(log *logrus.Logger, args []string) error {
	if len(args) != 2 {
		usage()
	}
	fs, err := mount(log, args[0])
	if err != nil {
		return err
	}
	defer fs.Done()
	return fs.Remove(args[1])
}

// cmdStatBacking reports the backing image file's own host-filesystem
// timestamps — distinct from, and never confused with, the
// timestamp-free on-disk inode format pebblefs itself persists.
func cmdStatBacking(args []string) error {
	if len(args) != 1 {
		usage()
	}
	t, err := times.Stat(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("mtime:  %s\n", t.ModTime())
	fmt.Printf("atime:  %s\n", t.AccessTime())
	if t.HasChangeTime() {
		fmt.Printf("ctime:  %s\n", t.ChangeTime())
	}
	if t.HasBirthTime() {
		fmt.Printf("btime:  %s\n", t.BirthTime())
	}
	return nil
}

// dumpEntry is one line of the plaintext manifest that precedes the raw
// file bytes in a dump archive.
type dumpEntry struct {
	path   string
	sector uint32
	length int64
	isDir  bool
}

// cmdDump walks the whole tree from root and streams a manifest plus raw
// file contents through an xz writer, producing a compressed offline
// export of the volume.
func cmdDump(log *logrus.Logger, args []string) error {
	if len(args) != 2 {
		usage()
	}
	fs, err := mount(log, args[0])
	if err != nil {
		return err
	}
	defer fs.Done()

	var entries []dumpEntry
	if err := walkDump(fs, "/", &entries); err != nil {
		return err
	}

	out, err := os.Create(args[1])
	if err != nil {
		return err
	}
	defer out.Close()

	xw, err := xz.NewWriter(out)
	if err != nil {
		return err
	}
	defer xw.Close()

	fmt.Fprintf(xw, "pebblefs dump, volume %s, stamped %s\n", fs.VolumeID(), timeutil.GetTime())
	for _, e := range entries {
		kind := "f"
		if e.isDir {
			kind = "d"
		}
		fmt.Fprintf(xw, "%s\t%s\t%d\t%d\n", kind, e.path, e.sector, e.length)
		if e.isDir {
			continue
		}
		h, err := fs.Open(e.path)
		if err != nil {
			return fmt.Errorf("dump: open %s: %w", e.path, err)
		}
		f, ok := h.File()
		if !ok {
			_ = h.Close()
			continue
		}
		buf := make([]byte, e.length)
		if _, err := f.Read(buf); err != nil && err != io.EOF {
			_ = h.Close()
			return err
		}
		if _, err := xw.Write(buf); err != nil {
			_ = h.Close()
			return err
		}
		_ = h.Close()
	}
	log.WithField("entries", len(entries)).Info("dump: wrote manifest and contents")
	return nil
}

// cmdHexdump prints the raw bytes of a single sector of the backing image,
// for diagnosing on-disk layout problems (a bad superblock, a corrupt
// inode) without writing a one-off program each time.
func cmdHexdump(log *logrus.Logger, args []string) error {
	if len(args) != 2 {
		usage()
	}
	sector, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("bad sector %q: %w", args[1], err)
	}

	dev, err := blockdev.OpenFile(args[0], log)
	if err != nil {
		return fmt.Errorf("open %s: %w", args[0], err)
	}
	buf := make([]byte, blockdev.SectorSize)
	if err := dev.ReadSector(uint32(sector), buf); err != nil {
		return err
	}
	fmt.Print(util.DumpByteSlice(buf, 16, true, true, false))
	return nil
}

func walkDump(fs *pebblefs.Filesystem, dirPath string, out *[]dumpEntry) error {
	h, err := fs.Open(dirPath)
	if err != nil {
		return err
	}
	defer h.Close()
	d, ok := h.Dir()
	if !ok {
		return fmt.Errorf("dump: %s: not a directory", dirPath)
	}

	var names []string
	for {
		name, ok, err := d.Readdir()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		names = append(names, name)
	}

	for _, name := range names {
		childPath := path.Join(dirPath, name)
		ch, err := fs.Open(childPath)
		if err != nil {
			return err
		}
		if cd, ok := ch.Dir(); ok {
			*out = append(*out, dumpEntry{path: childPath, sector: cd.Sector(), isDir: true})
			_ = ch.Close()
			if err := walkDump(fs, childPath, out); err != nil {
				return err
			}
			continue
		}
		cf, _ := ch.File()
		*out = append(*out, dumpEntry{path: childPath, sector: cf.Inumber(), length: cf.Length()})
		_ = ch.Close()
	}
	return nil
}
