package plan

import (
	"context"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/squad/internal/log"
)

// Watch reloads the library whenever a plan file changes in either root.
// It blocks until ctx is cancelled.
func (l *Library) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, dir := range []string{l.systemDir, l.workspaceDir} {
		if dir == "" {
			continue
		}
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			log.Warn(log.CatPlan, "cannot watch plan dir", "dir", dir, "reason", err.Error())
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			log.Debug(log.CatPlan, "plan dir changed, reloading", "path", event.Name)
			if err := l.Reload(); err != nil {
				log.ErrorErr(log.CatPlan, "plan reload failed", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.ErrorErr(log.CatPlan, "plan watcher error", err)
		}
	}
}
