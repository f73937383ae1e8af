// Package pathutil guards the filesystem operations derived from
// caller-supplied names. Folder and group keys become directory names
// under the data dir, and the reset protocol deletes from those
// directories, so the keys must never smuggle in path traversal.
package pathutil

import (
	"path/filepath"
	"strings"
)

// SafeSegment reports whether name can be used as a single path
// segment: non-empty, no separators, and not a dot entry.
func SafeSegment(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) {
		return false
	}
	return filepath.Clean(name) == name
}

// IsRoot reports whether path points to a filesystem root (POSIX or a
// Windows volume root). Destructive operations must refuse roots.
func IsRoot(path string) bool {
	clean := filepath.Clean(path)
	if clean == string(filepath.Separator) {
		return true
	}
	volume := filepath.VolumeName(clean)
	return volume != "" && clean == volume+string(filepath.Separator)
}

// Within reports whether path is base or lies underneath it after
// cleaning. It is a lexical check; callers resolve symlinks first when
// that matters.
func Within(base, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(base), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
