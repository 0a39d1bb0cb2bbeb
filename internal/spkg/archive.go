package spkg

import (
	"archive/tar"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

// vcsDirs are left out of repackaged archives.
var vcsDirs = map[string]struct{}{".git": {}, ".hg": {}, ".svn": {}}

func unzipGo(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	dest, err = extractRoot(dest)
	if err != nil {
		return err
	}

	prefix := commonTopDir(zipNames(r.File))
	for _, f := range r.File {
		name := strings.TrimPrefix(f.Name, prefix)
		if name == "" {
			continue
		}
		fpath, err := extractTarget(dest, name)
		if err != nil {
			return fmt.Errorf("illegal file path in archive: %s: %w", f.Name, err)
		}

		if err := unlinkSymlink(fpath); err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(fpath), 0o755); err != nil {
			return err
		}

		outFile, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			outFile.Close()
			return err
		}

		_, err = io.Copy(outFile, rc)

		// Close inside the loop to avoid holding too many file descriptors.
		outFile.Close()
		rc.Close()

		if err != nil {
			return err
		}
	}
	return nil
}

func zipNames(files []*zip.File) []string {
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	return names
}

// commonTopDir returns "dir/" when every name lives under the same
// top-level directory, "" otherwise.
func commonTopDir(names []string) string {
	var top string
	for _, n := range names {
		n = strings.TrimPrefix(n, "./")
		if n == "" {
			continue
		}
		i := strings.IndexByte(n, '/')
		if i == -1 {
			return ""
		}
		if top == "" {
			top = n[:i+1]
		} else if n[:i+1] != top {
			return ""
		}
	}
	return top
}

// decompressor wraps r according to the archive's file name.
func decompressor(path string, r io.Reader) (io.Reader, func(), error) {
	noop := func() {}
	switch {
	case strings.HasSuffix(path, ".tar.gz") || strings.HasSuffix(path, ".tgz"):
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create gzip reader for %s: %w", path, err)
		}
		return gz, func() { gz.Close() }, nil
	case strings.HasSuffix(path, ".tar.bz2") || strings.HasSuffix(path, ".tbz2"):
		return bzip2.NewReader(r), noop, nil
	case strings.HasSuffix(path, ".tar.xz") || strings.HasSuffix(path, ".txz"):
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create xz reader for %s: %w", path, err)
		}
		return xr, noop, nil
	case strings.HasSuffix(path, ".tar.zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create zstd reader for %s: %w", path, err)
		}
		return zr, zr.Close, nil
	case strings.HasSuffix(path, ".tar"):
		return r, noop, nil
	}
	return nil, noop, fmt.Errorf("unsupported archive format: %s", path)
}

// listTarNames reads only the entry names of a tar archive.
func listTarNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, closeFn, err := decompressor(path, f)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var names []string
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("error reading tar header in %s: %w", path, err)
		}
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		names = append(names, hdr.Name)
	}
}

// extractArchive unpacks a source archive into dest, stripping a single
// top-level directory when there is one.
func extractArchive(path, dest string) error {
	if strings.HasSuffix(path, ".zip") {
		return unzipGo(path, dest)
	}

	names, err := listTarNames(path)
	if err != nil {
		return err
	}
	prefix := commonTopDir(names)
	if prefix != "" {
		debugf("Detected tar prefix for stripping: %s\n", prefix)
	}

	dest, err = extractRoot(dest)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer f.Close()
	r, closeFn, err := decompressor(path, f)
	if err != nil {
		return err
	}
	defer closeFn()

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar header in %s: %w", path, err)
		}
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		targetName := strings.TrimPrefix(strings.TrimPrefix(hdr.Name, "./"), prefix)
		if targetName == "" {
			continue
		}
		targetPath, err := extractTarget(dest, targetName)
		if err != nil {
			return fmt.Errorf("illegal file path in archive: %s: %w", hdr.Name, err)
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", targetPath, err)
		}
		if err := unlinkSymlink(targetPath); err != nil {
			return fmt.Errorf("failed to replace symlink %s: %w", targetPath, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(hdr.Mode)|0o700); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", targetPath, err)
			}
		case tar.TypeReg:
			outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", targetPath, err)
			}
			if _, err := io.Copy(outFile, tr); err != nil {
				outFile.Close()
				return fmt.Errorf("failed to write file %s: %w", targetPath, err)
			}
			outFile.Close()
			if err := os.Chtimes(targetPath, hdr.AccessTime, hdr.ModTime); err != nil {
				return fmt.Errorf("failed to set times for file %s: %w", targetPath, err)
			}
		case tar.TypeSymlink:
			if err := checkLinkTarget(dest, targetPath, hdr.Linkname); err != nil {
				return fmt.Errorf("illegal symlink in archive: %s -> %s: %w", hdr.Name, hdr.Linkname, err)
			}
			if err := os.Symlink(hdr.Linkname, targetPath); err != nil {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", targetPath, hdr.Linkname, err)
			}
			atime := unix.NsecToTimeval(hdr.AccessTime.UnixNano())
			mtime := unix.NsecToTimeval(hdr.ModTime.UnixNano())
			if err := unix.Lutimes(targetPath, []unix.Timeval{atime, mtime}); err != nil {
				debugf("Warning: failed to set times for symlink %s: %v (continuing)\n", targetPath, err)
			}
		case tar.TypeLink:
			linkTarget, err := extractTarget(dest, strings.TrimPrefix(strings.TrimPrefix(hdr.Linkname, "./"), prefix))
			if err != nil {
				return fmt.Errorf("illegal hard link in archive: %s -> %s: %w", hdr.Name, hdr.Linkname, err)
			}
			if err := os.Link(linkTarget, targetPath); err != nil {
				return fmt.Errorf("failed to create hard link %s: %w", targetPath, err)
			}
		default:
			debugf("Skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
		}
	}
	return nil
}

// extractRoot creates dest and returns it with symlinks resolved, the form
// extractTarget compares against.
func extractRoot(dest string) (string, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// extractTarget maps an archive member name to its path under dest. The
// name must stay inside dest lexically, and the nearest existing ancestor
// must not resolve outside dest through a symlink extracted earlier.
func extractTarget(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	if !within(dest, target) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrUnsafePath, name, dest)
	}

	dir := filepath.Dir(target)
	for dir != dest {
		if _, err := os.Lstat(dir); err == nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", fmt.Errorf("%w: cannot resolve %s: %v", ErrUnsafePath, dir, err)
	}
	if realDir != dest && !within(dest, realDir) {
		return "", fmt.Errorf("%w: %s resolves to %s, outside %s", ErrUnsafePath, name, realDir, dest)
	}
	return target, nil
}

// unlinkSymlink removes a symlink at path so the next entry replaces it
// instead of writing through it.
func unlinkSymlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return nil
	}
	return os.Remove(path)
}

// checkLinkTarget rejects symlinks that are absolute or point outside dest.
func checkLinkTarget(dest, linkPath, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("%w: absolute link target", ErrUnsafePath)
	}
	resolved := filepath.Join(filepath.Dir(linkPath), linkname)
	if resolved != dest && !within(dest, resolved) {
		return fmt.Errorf("%w: link target is outside %s", ErrUnsafePath, dest)
	}
	return nil
}

// createSourceArchive writes srcDir as a gzip-compressed tarball whose
// entries live under topName/. VCS metadata is skipped and ownership is
// normalized to root so archives are reproducible across builders.
func createSourceArchive(srcDir, topName, destPath string) error {
	outFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer outFile.Close()

	gz := pgzip.NewWriter(outFile)
	tw := tar.NewWriter(gz)

	err = filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if _, skip := vcsDirs[info.Name()]; skip && rel != "." {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		var linkTarget string
		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err = os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", path, err)
			}
		}

		hdr, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			return err
		}
		name := topName
		if rel != "." {
			name = topName + "/" + filepath.ToSlash(rel)
		}
		if info.IsDir() {
			name += "/"
		}
		hdr.Name = name
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "root", "root"

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add files to archive: %w", err)
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return outFile.Close()
}

// compressXZ compresses srcPath into destPath.
func compressXZ(srcPath, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dest, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dest.Close()

	xzWriter, err := xz.NewWriter(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(xzWriter, src); err != nil {
		return err
	}
	if err := xzWriter.Close(); err != nil {
		return err
	}
	return dest.Close()
}

// readXZ returns the decompressed contents of an .xz file.
func readXZ(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := xz.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create xz reader for %s: %w", path, err)
	}
	return io.ReadAll(r)
}
