package spkg

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// symlinkChecksum stands in for a digest on symlink entries.
const symlinkChecksum = "000000"

// ManifestEntry is one installed path, relative to the prefix and rooted
// at "/". Directories have no checksum and a trailing slash.
type ManifestEntry struct {
	Path     string
	Checksum string
}

func (e ManifestEntry) IsDir() bool     { return strings.HasSuffix(e.Path, "/") }
func (e ManifestEntry) IsSymlink() bool { return e.Checksum == symlinkChecksum }

// generateManifest walks a staged install tree and records every
// directory, symlink and regular file in it.
func generateManifest(stageRoot string) ([]ManifestEntry, error) {
	var entries []ManifestEntry
	err := filepath.WalkDir(stageRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(stageRoot, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		entry := "/" + filepath.ToSlash(rel)

		switch {
		case d.IsDir():
			entries = append(entries, ManifestEntry{Path: entry + "/"})
		case d.Type()&fs.ModeSymlink != 0:
			entries = append(entries, ManifestEntry{Path: entry, Checksum: symlinkChecksum})
		case d.Type().IsRegular():
			sum, err := ComputeChecksum(path)
			if err != nil {
				return fmt.Errorf("failed to compute checksum for %s: %w", path, err)
			}
			entries = append(entries, ManifestEntry{Path: entry, Checksum: sum})
		default:
			return fmt.Errorf("unsupported file type in staging: %s", entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortManifest(entries)
	return entries, nil
}

// sortManifest orders directories first, then symlinks, then files, each
// group by path.
func sortManifest(entries []ManifestEntry) {
	rank := func(e ManifestEntry) int {
		switch {
		case e.IsDir():
			return 0
		case e.IsSymlink():
			return 1
		}
		return 2
	}
	sort.SliceStable(entries, func(i, j int) bool {
		ri, rj := rank(entries[i]), rank(entries[j])
		if ri != rj {
			return ri < rj
		}
		return entries[i].Path < entries[j].Path
	})
}

// writeManifest writes entries to path through a temporary file.
func writeManifest(path string, entries []ManifestEntry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary manifest file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintln(w, e.Path)
		} else {
			fmt.Fprintf(w, "%s  %s\n", e.Path, e.Checksum)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// parseManifest reads a manifest file. A missing file is an empty
// manifest.
func parseManifest(path string) ([]ManifestEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open manifest file %s: %w", path, err)
	}
	defer file.Close()

	var entries []ManifestEntry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 1 && strings.HasSuffix(line, "/") {
			entries = append(entries, ManifestEntry{Path: line})
			continue
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("invalid manifest line format: %s", line)
		}
		// The checksum never contains spaces; the path might.
		entries = append(entries, ManifestEntry{
			Path:     strings.Join(fields[:len(fields)-1], " "),
			Checksum: fields[len(fields)-1],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading manifest file %s: %w", path, err)
	}
	return entries, nil
}
