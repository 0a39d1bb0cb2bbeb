package spkg

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
)

// discoverPatches returns the patches in dir whose names match pattern,
// sorted by file name. A dir that is missing, not a directory or not
// listable yields no patches, like an unmatched shell glob. Entries that
// vanish or cannot be opened (dangling symlinks, unreadable files) are
// skipped.
func discoverPatches(dir, pattern string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR) || os.IsPermission(err) {
			debugf("No patches read from %s: %v\n", dir, err)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read patch directory %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		ok, err := filepath.Match(pattern, e.Name())
		if err != nil {
			return nil, fmt.Errorf("bad patch pattern %q: %w", pattern, err)
		}
		if ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	patches := make([]string, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		f, err := os.Open(path)
		if err != nil {
			debugf("Skipping patch %s: %v\n", name, err)
			continue
		}
		info, err := f.Stat()
		f.Close()
		if err != nil || !info.Mode().IsRegular() {
			debugf("Skipping patch %s: not a regular file\n", name)
			continue
		}
		patches = append(patches, path)
	}
	return patches, nil
}

// applyPatches applies each patch in order inside srcDir. The first
// failure stops the run and is returned as a *PatchError.
func applyPatches(execCtx *Executor, patches []string, srcDir string, strip int) error {
	for _, p := range patches {
		if _, err := os.Stat(p); err != nil {
			// Removed between discovery and application.
			debugf("Skipping patch %s: %v\n", filepath.Base(p), err)
			continue
		}
		step("Applying patch: %s", filepath.Base(p))
		cmd := exec.Command("patch", "-p"+strconv.Itoa(strip), "--batch", "--forward", "-i", p)
		cmd.Dir = srcDir
		if err := execCtx.Run(cmd); err != nil {
			return &PatchError{Patch: filepath.Base(p), Err: err}
		}
	}
	return nil
}
