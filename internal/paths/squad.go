// Package paths resolves the squad workspace directory.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// ResolveSquadDir turns user input into the workspace path. Both the project
// root and the .squad directory itself are accepted; empty input means the
// current directory.
//
// A workspace may contain a "redirect" file whose contents point at the real
// workspace, relative to the redirecting one. Git worktrees use this to share
// one workspace across checkouts.
func ResolveSquadDir(path string) string {
	if path == "" {
		path = "."
	}
	path = filepath.Clean(path)

	dir := path
	if filepath.Base(path) != ".squad" {
		dir = filepath.Join(path, ".squad")
	}
	return followRedirect(dir)
}

func followRedirect(dir string) string {
	content, err := os.ReadFile(filepath.Join(dir, "redirect"))
	if err != nil {
		return dir
	}
	target := strings.TrimSpace(string(content))
	if target == "" {
		// An empty redirect file is treated as absent.
		return dir
	}
	return filepath.Clean(filepath.Join(dir, target))
}
