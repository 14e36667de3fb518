// Package pathutil holds small path helpers shared by components that
// accept user-supplied paths.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandTilde replaces a leading "~" with the current user's home
// directory, the way STP's init_download/init_upload paths are always
// expanded before use. Paths without a leading "~" are returned
// unchanged.
func ExpandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
