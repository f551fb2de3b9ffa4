package pebblefs

import (
	"strings"

	"github.com/kreiley/pebblefs/directory"
)

func splitPath(path string) []string {
	var out []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// startDir opens the directory a path resolution begins from: root if the
// path is absolute or the task has no working directory, otherwise a
// reopened handle to the task's current working directory.
func (fs *Filesystem) startDir(path string) (*directory.Directory, error) {
	if strings.HasPrefix(path, "/") || fs.task.Cwd() == nil {
		return directory.OpenRoot(fs.table, RootDirSector)
	}
	return directory.Reopen(fs.task.Cwd()), nil
}

// step advances cur by one path segment and returns the next directory,
// leaving cur open (resolve closes it). "." reopens the same directory;
// ".." opens the stored parent back-pointer; anything else is looked up as
// a directory entry and rejected with directory.ErrNotDirectory if it
// names a regular file.
func (fs *Filesystem) step(cur *directory.Directory, seg string) (*directory.Directory, error) {
	switch seg {
	case ".":
		return directory.Reopen(cur), nil
	case "..":
		return cur.OpenParent()
	default:
		in, err := cur.Lookup(seg)
		if err != nil {
			return nil, ErrNotFound
		}
		return directory.Wrap(fs.table, in)
	}
}

// resolve walks path down to, but not including, its final segment,
// returning the parent directory the final segment names an entry in,
// plus that final segment itself. Mirrors spec section 4.5's resolver.
func (fs *Filesystem) resolve(path string) (*directory.Directory, string, error) {
	segs := splitPath(path)

	cur, err := fs.startDir(path)
	if err != nil {
		return nil, "", err
	}

	if len(segs) == 0 {
		return cur, "", nil
	}

	for _, seg := range segs[:len(segs)-1] {
		next, err := fs.step(cur, seg)
		_ = cur.Close()
		if err != nil {
			return nil, "", err
		}
		cur = next
	}
	return cur, segs[len(segs)-1], nil
}
