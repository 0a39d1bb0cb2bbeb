package spkg

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// InstallRecord is what the prefix remembers about an installed package.
type InstallRecord struct {
	Name     string
	Version  string
	Manifest []ManifestEntry
}

// readInstallRecord loads the record for name. It returns
// errPackageNotInstalled when there is none.
func readInstallRecord(cfg *Config, name string) (*InstallRecord, error) {
	dir := cfg.installedDir(name)
	data, err := os.ReadFile(filepath.Join(dir, "version"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", name, errPackageNotInstalled)
		}
		return nil, fmt.Errorf("failed to read version for %s: %w", name, err)
	}
	entries, err := parseManifest(filepath.Join(dir, "manifest"))
	if err != nil {
		return nil, err
	}
	return &InstallRecord{Name: name, Version: strings.TrimSpace(string(data)), Manifest: entries}, nil
}

// writeInstallRecord stores version and manifest for name.
func writeInstallRecord(cfg *Config, rec *InstallRecord) error {
	dir := cfg.installedDir(rec.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create install record directory: %w", err)
	}
	if err := writeManifest(filepath.Join(dir, "manifest"), rec.Manifest); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "version"), []byte(rec.Version+"\n"), 0o644)
}

// stagedRoot returns the directory inside staging that mirrors the prefix.
// Install steps normally write to $DESTDIR$SAGE_LOCAL; steps that write
// straight to $DESTDIR are staged relative to the prefix as well.
func stagedRoot(staging, prefix string) string {
	full := filepath.Join(staging, prefix)
	if info, err := os.Stat(full); err == nil && info.IsDir() {
		return full
	}
	return staging
}

// removeManifestFiles removes everything in entries that is not also in
// keep, then prunes directories that became empty. Every removal goes
// through the prefix guard; a refusal aborts.
func removeManifestFiles(cfg *Config, entries []ManifestEntry, keep map[string]bool) error {
	var dirs []string
	for _, e := range entries {
		if keep[e.Path] {
			continue
		}
		target := filepath.Join(cfg.Prefix, filepath.FromSlash(strings.TrimPrefix(e.Path, "/")))
		if e.IsDir() {
			dirs = append(dirs, target)
			continue
		}
		debugf("Removing %s\n", target)
		if err := guardedRemove(cfg.Prefix, target); err != nil {
			return fmt.Errorf("failed to remove %s: %w", e.Path, err)
		}
	}

	// Deepest first so parents are empty by the time we reach them.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		if err := checkRemovable(cfg.Prefix, d); err != nil {
			return fmt.Errorf("failed to remove %s: %w", d, err)
		}
		ents, err := os.ReadDir(d)
		if err != nil || len(ents) > 0 {
			continue
		}
		if err := guardedRemove(cfg.Prefix, d); err != nil {
			debugf("Could not remove directory %s: %v\n", d, err)
		}
	}
	return nil
}

// mergeTree copies src over dst, preserving modes and symlinks. Regular
// files are written to a temporary name next to their target and renamed
// into place, so a running binary is replaced rather than truncated.
func mergeTree(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			if existing, err := os.Lstat(target); err == nil && !existing.IsDir() {
				return fmt.Errorf("cannot install directory %s over existing file", target)
			}
			if err := os.MkdirAll(target, info.Mode().Perm()|0o700); err != nil {
				return err
			}
			return os.Chmod(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to replace %s: %w", target, err)
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return installFile(path, target, info.Mode().Perm())
		}
		return fmt.Errorf("unsupported file type: %s", path)
	})
}

func installFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".spkg-"+filepath.Base(dst)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// stagedFiles reports whether entries hold anything besides directories.
func stagedFiles(entries []ManifestEntry) bool {
	for _, e := range entries {
		if !e.IsDir() {
			return true
		}
	}
	return false
}

// maxReportedWrites caps the paths listed in an unstaged-write error.
const maxReportedWrites = 5

// prefixWritesSince returns prefix-relative paths of files and symlinks
// under the prefix modified at or after since. The install records and
// any of skip that live inside the prefix are not searched.
func prefixWritesSince(cfg *Config, since time.Time, skip ...string) ([]string, error) {
	skipped := map[string]bool{filepath.Join(cfg.Prefix, filepath.Dir(installedSubdir)): true}
	for _, dir := range append(skip, cfg.TmpDir, cfg.CacheDir, cfg.LogDir, cfg.Distfiles) {
		if dir != "" {
			skipped[filepath.Clean(dir)] = true
		}
	}

	var written []string
	err := filepath.WalkDir(cfg.Prefix, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if skipped[path] {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(since) {
			return nil
		}
		rel, _ := filepath.Rel(cfg.Prefix, path)
		written = append(written, rel)
		if len(written) == maxReportedWrites {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", cfg.Prefix, err)
	}
	return written, nil
}

// installStaged moves a staged install into the prefix: it records the
// staged tree, removes files of the previous install that the new one
// does not provide, merges the tree and writes the new install record.
func installStaged(cfg *Config, pkg *Package, staging string) (*InstallRecord, error) {
	root := stagedRoot(staging, cfg.Prefix)
	entries, err := generateManifest(root)
	if err != nil {
		return nil, fmt.Errorf("failed to generate manifest: %w", err)
	}
	if !stagedFiles(entries) {
		return nil, fmt.Errorf("%w under %s (install to $DESTDIR$SAGE_LOCAL)", ErrNothingStaged, root)
	}

	prev, err := readInstallRecord(cfg, pkg.Name)
	switch {
	case err == nil:
		step("Replacing %s: %s", pkg.Name, describeReinstall(prev.Version, pkg.Version))
		keep := make(map[string]bool, len(entries))
		for _, e := range entries {
			keep[e.Path] = true
		}
		if err := removeManifestFiles(cfg, prev.Manifest, keep); err != nil {
			return nil, fmt.Errorf("failed to remove previous install of %s: %w", pkg.Name, err)
		}
	case errors.Is(err, errPackageNotInstalled):
		debugf("No previous install of %s\n", pkg.Name)
	default:
		return nil, err
	}

	if err := mergeTree(root, cfg.Prefix); err != nil {
		return nil, fmt.Errorf("failed to merge staged files into %s: %w", cfg.Prefix, err)
	}

	rec := &InstallRecord{Name: pkg.Name, Version: pkg.Version, Manifest: entries}
	if err := writeInstallRecord(cfg, rec); err != nil {
		return nil, fmt.Errorf("failed to write install record: %w", err)
	}
	return rec, nil
}

// uninstallPackage removes an installed package and its record.
func uninstallPackage(cfg *Config, name string) error {
	rec, err := readInstallRecord(cfg, name)
	if err != nil {
		return err
	}
	if err := removeManifestFiles(cfg, rec.Manifest, nil); err != nil {
		return err
	}
	if err := guardedRemoveAll(cfg.Prefix, cfg.installedDir(name)); err != nil {
		return fmt.Errorf("failed to remove install record: %w", err)
	}
	return nil
}
