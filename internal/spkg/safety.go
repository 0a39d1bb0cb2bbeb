package spkg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Directories that are never removed themselves, whatever root they are
// reached through.
var forbiddenSystemDirs = map[string]struct{}{
	"/":      {},
	"/bin":   {},
	"/boot":  {},
	"/dev":   {},
	"/etc":   {},
	"/home":  {},
	"/lib":   {},
	"/lib32": {},
	"/lib64": {},
	"/mnt":   {},
	"/opt":   {},
	"/proc":  {},
	"/root":  {},
	"/run":   {},
	"/sbin":  {},
	"/sys":   {},
	"/tmp":   {},
	"/usr":   {},
	"/var":   {},
	// Common subdirectories
	"/usr/bin":     {},
	"/usr/include": {},
	"/usr/lib":     {},
	"/usr/lib64":   {},
	"/usr/local":   {},
	"/usr/sbin":    {},
	"/usr/share":   {},
	"/usr/src":     {},
	"/var/cache":   {},
	"/var/lib":     {},
	"/var/tmp":     {},
}

// checkRemovable is the single guard for every destructive filesystem
// operation. target must lie strictly inside root, root must be a
// non-empty absolute path other than "/", and neither may resolve through
// symlinks to somewhere else.
func checkRemovable(root, target string) error {
	root = strings.TrimSpace(root)
	if root == "" {
		return fmt.Errorf("%w: empty root for %q", ErrUnsafePath, target)
	}
	if !filepath.IsAbs(root) || !filepath.IsAbs(target) {
		return fmt.Errorf("%w: %q is not inside absolute root %q", ErrUnsafePath, target, root)
	}
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	if root == "/" {
		return fmt.Errorf("%w: root may not be /", ErrUnsafePath)
	}
	if _, forbidden := forbiddenSystemDirs[target]; forbidden {
		return fmt.Errorf("%w: %s is a protected system directory", ErrUnsafePath, target)
	}
	if !within(root, target) {
		return fmt.Errorf("%w: %s is outside %s", ErrUnsafePath, target, root)
	}

	// Resolve the parent so a symlinked directory inside root cannot
	// redirect the removal elsewhere.
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve root %s: %v", ErrUnsafePath, root, err)
	}
	realParent, err := filepath.EvalSymlinks(filepath.Dir(target))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: cannot resolve %s: %v", ErrUnsafePath, filepath.Dir(target), err)
	}
	realTarget := filepath.Join(realParent, filepath.Base(target))
	if !within(realRoot, realTarget) {
		return fmt.Errorf("%w: %s resolves to %s, outside %s", ErrUnsafePath, target, realTarget, realRoot)
	}
	return nil
}

// within reports whether target is strictly below root. Both are clean.
func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// guardedRemove removes a file, symlink or empty directory inside root.
// A missing target is not an error.
func guardedRemove(root, target string) error {
	if err := checkRemovable(root, target); err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// guardedRemoveAll removes target and everything below it, inside root.
func guardedRemoveAll(root, target string) error {
	if err := checkRemovable(root, target); err != nil {
		return err
	}
	debugf("Removing %s\n", target)
	return os.RemoveAll(target)
}
