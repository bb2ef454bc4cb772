// Package heap hands out per-project work directories on the agent. On a
// btrfs filesystem every project gets its own subvolume so checkouts can be
// snapshotted and discarded cheaply, elsewhere a plain directory tree is
// used. The directories survive between jobs, builds are incremental.
package heap

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"go.doozer.org/infra/go/derr"
	"go.doozer.org/infra/go/dlog"
)

// Manager hands out work directories keyed by project id, eg. "acme/widget".
type Manager interface {
	// Open returns the directory for the given project, creating it when
	// create is set.
	Open(id string, create bool) (string, error)

	// Delete discards the project directory and everything below it.
	Delete(id string) error
}

// New creates the heap root, hands its ownership to uid/gid (skipped when
// uid is negative) and picks a manager for it. Mode "btrfs" and "simple"
// force a backend, "auto" (or empty) uses btrfs when the root sits on a
// btrfs filesystem and the btrfs tool is available, and falls back to plain
// directories otherwise.
func New(root, mode string, uid, gid int) (Manager, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, derr.Fmt("heap: Unable to create %s -- %s", root, err)
	}
	if uid >= 0 {
		if err := os.Chown(root, uid, gid); err != nil {
			return nil, derr.Fmt("heap: Unable to set uid/gid of %s -- %s", root, err)
		}
	}
	switch mode {
	case "", "auto":
		m, err := newBtrfs(root)
		if err != nil {
			dlog.Warningf("%s", err)
			return &simpleHeap{root: root}, nil
		}
		return m, nil
	case "btrfs":
		return newBtrfs(root)
	case "simple":
		return &simpleHeap{root: root}, nil
	default:
		return nil, derr.Fmt("heap: unknown mode %q", mode)
	}
}

// simpleHeap keeps plain directories below root.
type simpleHeap struct {
	root string
}

func (h *simpleHeap) Open(id string, create bool) (string, error) {
	path := filepath.Join(h.root, id)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if !create {
		return "", derr.Fmt("%s does not exist", path)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", derr.Fmt("Unable to create directory %s -- %s", path, err)
	}
	return path, nil
}

func (h *simpleHeap) Delete(id string) error {
	return derr.Wrap(os.RemoveAll(filepath.Join(h.root, id)))
}

// btrfsHeap keeps one subvolume per project below root.
type btrfsHeap struct {
	root string
}

func newBtrfs(root string) (*btrfsHeap, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return nil, derr.Fmt("heap_btrfs: %s is not accessible -- %s", root, err)
	}
	if st.Type != unix.BTRFS_SUPER_MAGIC {
		return nil, derr.Fmt("heap_btrfs: %s is not on a Btrfs filesystem", root)
	}
	if _, err := exec.LookPath("btrfs"); err != nil {
		return nil, derr.Fmt("heap_btrfs: btrfs tool is not available -- %s", err)
	}
	return &btrfsHeap{root: root}, nil
}

func (h *btrfsHeap) Open(id string, create bool) (string, error) {
	parent := filepath.Join(h.root, filepath.Dir(id))
	path := filepath.Join(h.root, id)
	if st, err := os.Stat(path); err == nil {
		if isSubvolume(st) {
			return path, nil
		}
		return "", derr.Fmt("%s exists but is not a Btrfs subvolume", path)
	}
	if !create {
		return "", derr.Fmt("%s does not exist", path)
	}
	if err := os.MkdirAll(parent, 0755); err != nil {
		return "", derr.Fmt("Unable to create directory %s -- %s", parent, err)
	}
	if out, err := exec.Command("btrfs", "subvolume", "create", path).CombinedOutput(); err != nil {
		return "", derr.Fmt("Unable to create Btrfs subvolume %s at %s -- %s",
			filepath.Base(path), parent, cmdErr(out, err))
	}
	return path, nil
}

func (h *btrfsHeap) Delete(id string) error {
	path := filepath.Join(h.root, id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if out, err := exec.Command("btrfs", "subvolume", "delete", path).CombinedOutput(); err != nil {
		return derr.Fmt("Unable to delete Btrfs subvolume %s -- %s", path, cmdErr(out, err))
	}
	return nil
}

// isSubvolume reports whether st describes a btrfs subvolume root, which
// always carries inode number 256.
func isSubvolume(st os.FileInfo) bool {
	sys, ok := st.Sys().(*syscall.Stat_t)
	return ok && st.IsDir() && sys.Ino == 256
}

// cmdErr prefers the tool's own stderr over the raw exec error.
func cmdErr(out []byte, err error) string {
	if msg := strings.TrimSpace(string(out)); msg != "" {
		return msg
	}
	return err.Error()
}
