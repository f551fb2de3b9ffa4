// Package task models the external collaborator the filesystem core
// depends on but does not own: a notion of "the calling task" that
// carries a current working directory. The real thread/process subsystem
// is explicitly out of scope (spec section 1); this package is the
// minimal contract the resolver needs, plus a trivial implementation for
// tests and the CLI.
package task

import (
	"sync"

	"github.com/kreiley/pebblefs/directory"
)

// Task exposes the two hooks the path resolver needs: reading the current
// working directory, and rebinding it (used by chdir). SetCwd does not
// close whatever directory it replaces — that is the caller's
// (change_directory's) job, not Task's, mirroring spec section 9.
type Task interface {
	Cwd() *directory.Directory
	SetCwd(d *directory.Directory)
}

// SimpleTask is a minimal Task implementation: one mutex-guarded working
// directory handle, standing in for what a real process/thread structure
// would carry.
type SimpleTask struct {
	mu  sync.Mutex
	cwd *directory.Directory
}

// New creates a SimpleTask with no working directory set (path resolution
// for such a task falls back to root, per spec section 4.5).
func New() *SimpleTask {
	return &SimpleTask{}
}

func (t *SimpleTask) Cwd() *directory.Directory {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cwd
}

func (t *SimpleTask) SetCwd(d *directory.Directory) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cwd = d
}
