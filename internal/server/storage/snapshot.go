package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/iplchat/iplchat/internal/common"
)

// tempSnapshotName is the reserved file holding the database that was
// live immediately before the most recent snapshot load.
const tempSnapshotName = "temp.db"

// snapshotTimestamp renders t as YYYYMMDDHHmmssffff: sortable
// lexicographically, with four fractional-second digits.
func snapshotTimestamp(t time.Time) string {
	return t.Format("20060102150405") + fmt.Sprintf("%04d", t.Nanosecond()/100_000)
}

// SnapshotRing manages the bounded, ordered list of database snapshots
// under one directory.
type SnapshotRing struct {
	mu      sync.Mutex
	dir     string
	backlog int
	names   []string
}

func NewSnapshotRing(dir string, backlog int) (*SnapshotRing, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("snapshot dir: %w", err)
	}
	r := &SnapshotRing{dir: dir, backlog: backlog}

	// Recover the ring from disk so restarts keep rotating it.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".db" || name == tempSnapshotName {
			continue
		}
		r.names = append(r.names, name[:len(name)-len(".db")])
	}
	sort.Strings(r.names)
	return r, nil
}

func (r *SnapshotRing) path(name string) string {
	return filepath.Join(r.dir, name+".db")
}

func (r *SnapshotRing) tempPath() string {
	return filepath.Join(r.dir, tempSnapshotName)
}

// Save copies the live database file into the ring under a timestamp
// name, deleting the oldest entry once the backlog is exceeded.
func (r *SnapshotRing) Save(livePath string, now time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := snapshotTimestamp(now)
	if err := copyFile(livePath, r.path(name)); err != nil {
		return "", fmt.Errorf("save snapshot: %w", err)
	}
	r.names = append(r.names, name)

	for r.backlog > 0 && len(r.names) > r.backlog {
		oldest := r.names[0]
		r.names = r.names[1:]
		if err := os.Remove(r.path(oldest)); err != nil && !os.IsNotExist(err) {
			return name, fmt.Errorf("rotate snapshot: %w", err)
		}
	}
	return name, nil
}

// Load makes the named snapshot the live database: the current file is
// moved aside to the reserved temp.db, then the snapshot is moved into
// the live path (leaving the ring). The caller must have closed the
// database and must reopen it afterwards.
func (r *SnapshotRing) Load(livePath, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, n := range r.names {
		if n == name {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("snapshot %q: %w", name, common.ErrNotFound)
	}

	if err := os.Rename(livePath, r.tempPath()); err != nil {
		return fmt.Errorf("stash live db: %w", err)
	}
	if err := os.Rename(r.path(name), livePath); err != nil {
		// Put the live file back before reporting.
		if rerr := os.Rename(r.tempPath(), livePath); rerr != nil {
			return fmt.Errorf("activate snapshot: %w (restore also failed: %v)", err, rerr)
		}
		return fmt.Errorf("activate snapshot: %w", err)
	}
	r.names = append(r.names[:idx], r.names[idx+1:]...)
	return nil
}

// Revert swaps the live database with temp.db, restoring the state that
// was live immediately before the last Load. Calling it twice undoes the
// revert. The caller must have closed the database.
func (r *SnapshotRing) Revert(livePath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(r.tempPath()); err != nil {
		return fmt.Errorf("nothing to revert: %w", common.ErrNotFound)
	}

	swap := r.tempPath() + ".swap"
	if err := os.Rename(livePath, swap); err != nil {
		return fmt.Errorf("revert snapshot: %w", err)
	}
	if err := os.Rename(r.tempPath(), livePath); err != nil {
		return fmt.Errorf("revert snapshot: %w", err)
	}
	if err := os.Rename(swap, r.tempPath()); err != nil {
		return fmt.Errorf("revert snapshot: %w", err)
	}
	return nil
}

// List returns the snapshot names in chronological order.
func (r *SnapshotRing) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
