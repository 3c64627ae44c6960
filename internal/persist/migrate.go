package persist

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zjrosen/squad/internal/log"
)

// MigratedSentinel marks a directory whose legacy snapshots have already
// been migrated. Re-migration checks for it and becomes a no-op.
const MigratedSentinel = ".migrated"

// MigrateLegacy performs a lazy, idempotent migration of a legacy snapshot
// file. convert receives the raw legacy bytes and returns the re-encoded
// document, or nil when the file is already in the current format.
//
// On success the original is renamed with a .bak suffix and the sentinel
// file is written next to it. When the sentinel already exists nothing
// happens.
func MigrateLegacy(path, sentinelDir string, convert func(raw []byte) ([]byte, error)) error {
	sentinel := sentinelDir + string(os.PathSeparator) + MigratedSentinel
	if _, err := os.Stat(sentinel); err == nil {
		return nil
	}

	raw, err := os.ReadFile(path) //nolint:gosec // G304: workspace-scoped state path
	if err != nil {
		if os.IsNotExist(err) {
			return writeSentinel(sentinel)
		}
		return fmt.Errorf("reading legacy snapshot %s: %w", path, err)
	}

	converted, err := convert(raw)
	if err != nil {
		return fmt.Errorf("converting legacy snapshot %s: %w", path, err)
	}
	if converted == nil {
		// Already current format.
		return writeSentinel(sentinel)
	}

	if err := os.Rename(path, path+".bak"); err != nil {
		return fmt.Errorf("backing up legacy snapshot: %w", err)
	}
	if err := writeAtomic(path, converted); err != nil {
		return fmt.Errorf("writing migrated snapshot: %w", err)
	}
	log.Info(log.CatConfig, "migrated legacy snapshot", "path", path, "backup", path+".bak")
	return writeSentinel(sentinel)
}

func writeSentinel(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("writing migration sentinel: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G304: workspace-scoped sentinel
	if err != nil {
		return fmt.Errorf("writing migration sentinel: %w", err)
	}
	return f.Close()
}
