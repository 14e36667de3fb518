// Package shellsvc spawns interactive PTY-backed shells and couples
// each one to a ring.Buffer of its output.
package shellsvc

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var fallbackCandidates = []string{
	"/bin/sh", "/bin/bash", "/bin/zsh", "/bin/ash", "/bin/dash",
	"/usr/bin/fish", "/usr/bin/zsh", "/usr/bin/bash",
}

// DetectShells reads /etc/shells, filtering comments/blanks and
// non-existent paths, falling back to a hardcoded candidate list if
// that file is absent or yields nothing. Results are deduplicated by
// resolved path and sorted zsh > fish > bash > dash > ash > sh > other.
func DetectShells() []string {
	candidates := fromEtcShells()
	if len(candidates) == 0 {
		candidates = filterExisting(fallbackCandidates)
	}

	seen := make(map[string]bool, len(candidates))
	shells := make([]string, 0, len(candidates))
	for _, p := range candidates {
		resolved, err := filepath.EvalSymlinks(p)
		if err != nil {
			resolved = p
		}
		if seen[resolved] {
			continue
		}
		seen[resolved] = true
		shells = append(shells, p)
	}

	sort.SliceStable(shells, func(i, j int) bool {
		return shellRank(shells[i]) < shellRank(shells[j])
	})
	return shells
}

func fromEtcShells() []string {
	data, err := os.ReadFile("/etc/shells")
	if err != nil {
		return nil
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' {
			continue
		}
		if _, err := os.Stat(line); err == nil {
			out = append(out, line)
		}
	}
	return out
}

func filterExisting(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func shellRank(path string) int {
	name := filepath.Base(path)
	switch name {
	case "zsh":
		return 0
	case "fish":
		return 1
	case "bash":
		return 2
	case "dash":
		return 3
	case "ash":
		return 4
	case "sh":
		return 5
	default:
		return 6
	}
}
