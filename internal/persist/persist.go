// Package persist provides the durability primitives shared by every
// file-backed store: a cross-platform advisory file lock, atomic JSON writes
// via temp-file + rename, corruption recovery that preserves the damaged
// file, and lazy migration of legacy snapshots.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/zjrosen/squad/internal/log"
)

// DefaultLockTimeout bounds how long a transaction waits for the lock.
const DefaultLockTimeout = 10 * time.Second

// lockRetryInterval is the poll interval while waiting for the lock.
const lockRetryInterval = 25 * time.Millisecond

// ErrCorrupt is returned (wrapped) when a state file failed to parse. The
// damaged file has already been preserved with a .corrupt suffix.
var ErrCorrupt = errors.New("state file corrupt")

// WriteJSON atomically replaces path with the JSON encoding of v.
// The write goes to a temp file in the same directory followed by a rename,
// so readers never observe a partial document.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// LoadJSON reads path into v. A missing file leaves v untouched and returns
// nil. A file that fails to parse is renamed to <path>.corrupt, v is left
// untouched, a WARN is logged, and a wrapped ErrCorrupt is returned so the
// caller can decide to reset to empty state.
func LoadJSON(path string, v any) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: workspace-scoped state path
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		backup := path + ".corrupt"
		if renameErr := os.Rename(path, backup); renameErr != nil {
			log.ErrorErr(log.CatConfig, "failed to preserve corrupt state file", renameErr, "path", path)
		} else {
			log.Warn(log.CatConfig, "corrupt state file preserved, resetting to empty", "path", path, "backup", backup)
		}
		return fmt.Errorf("parsing %s: %w: %w", path, ErrCorrupt, err)
	}
	return nil
}

// FileLock is a cross-platform advisory lock guarding a state file. Lock
// files sit next to the state file with a .lock suffix.
type FileLock struct {
	fl      *flock.Flock
	timeout time.Duration
}

// NewFileLock creates a lock for the given state file path.
func NewFileLock(statePath string) *FileLock {
	return &FileLock{
		fl:      flock.New(statePath + ".lock"),
		timeout: DefaultLockTimeout,
	}
}

// Lock acquires the exclusive lock, waiting up to the configured timeout.
func (l *FileLock) Lock(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	ok, err := l.fl.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return fmt.Errorf("acquiring lock %s: %w", l.fl.Path(), err)
	}
	if !ok {
		return fmt.Errorf("acquiring lock %s: timed out", l.fl.Path())
	}
	return nil
}

// Unlock releases the lock.
func (l *FileLock) Unlock() error {
	return l.fl.Unlock()
}

// Txn runs fn under the exclusive lock. fn receives a markDirty callback;
// the transaction commits (via commit) only when fn marked the state dirty.
// The reload step runs first so fn always sees the latest on-disk state.
func (l *FileLock) Txn(ctx context.Context, reload func() error, fn func(markDirty func()) error, commit func() error) error {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		if err := l.Unlock(); err != nil {
			log.ErrorErr(log.CatConfig, "failed to release file lock", err, "path", l.fl.Path())
		}
	}()

	if err := reload(); err != nil && !errors.Is(err, ErrCorrupt) {
		return err
	}

	dirty := false
	if err := fn(func() { dirty = true }); err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	return commit()
}
