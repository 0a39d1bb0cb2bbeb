package spkg

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
)

func newHttpClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Some upstream hosts are slow to complete the handshake.
	transport.TLSHandshakeTimeout = 30 * time.Second
	return &http.Client{
		Transport: transport,
		Timeout:   300 * time.Second, // 5 min total timeout for large downloads
	}
}

// downloadFile fetches url into destFile under an exclusive lock so that a
// concurrent `spkg fetch` never sees a partial file. The lock file stays
// in place: unlinking it would let a newcomer lock a fresh inode while a
// waiter still holds the old one.
func downloadFile(execCtx *Executor, url, destFile string) error {
	if err := os.MkdirAll(filepath.Dir(destFile), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", destFile, err)
	}
	lockPath := destFile + ".lock"

	lFile, err := os.Create(lockPath)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer lFile.Close()

	// Acquire an exclusive lock. This will block if another process is downloading.
	if err := unix.Flock(int(lFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock for download: %w", err)
	}
	defer unix.Flock(int(lFile.Fd()), unix.LOCK_UN)

	// Now that we have the lock, the file may have been completed by someone else.
	if _, err := os.Stat(destFile); err == nil {
		debugf("File %s appeared after acquiring lock, skipping download.\n", destFile)
		return nil
	}

	partPath := destFile + ".part"
	defer os.Remove(partPath)

	debugf("Downloading %s -> %s\n", url, destFile)
	if err := fetchWithTools(execCtx, url, partPath); err != nil {
		debugf("external downloaders failed (%v), using native Go HTTP client\n", err)
		if err := fetchNative(execCtx.Context, url, partPath); err != nil {
			return err
		}
	}
	return os.Rename(partPath, destFile)
}

// fetchWithTools tries curl, then wget. Their output goes to the
// executor's writers, so failures end up in the build log.
func fetchWithTools(execCtx *Executor, url, dest string) error {
	if _, err := exec.LookPath("curl"); err == nil {
		args := []string{"-L", "--fail", "-o", dest}
		if Quiet {
			args = append(args, "-sS")
		} else {
			args = append(args, "-#")
		}
		if err := execCtx.Run(exec.Command("curl", append(args, url)...)); err == nil {
			return nil
		}
		debugf("curl failed, falling back to wget\n")
	}
	if _, err := exec.LookPath("wget"); err == nil {
		args := []string{"-nv", "-O", dest}
		if Quiet {
			args[0] = "-q"
		}
		if err := execCtx.Run(exec.Command("wget", append(args, url)...)); err == nil {
			return nil
		}
		return fmt.Errorf("wget failed for %s", url)
	}
	return fmt.Errorf("no external downloader available")
}

// fetchNative downloads with net/http, drawing a progress bar on stderr.
func fetchNative(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := newHttpClient().Do(req)
	if err != nil {
		return fmt.Errorf("native http get failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download of %s failed with status: %s", url, resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", dest, err)
	}
	defer out.Close()

	var w io.Writer = out
	if !Quiet {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(dest))
		defer bar.Close()
		w = io.MultiWriter(out, bar)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to write to destination file: %w", err)
	}
	return out.Close()
}

// locateTarball returns a path to the package's upstream tarball,
// downloading it into the source cache if neither the distfile store nor
// the cache has it. The distfile store is only read.
func locateTarball(execCtx *Executor, pkg *Package, cfg *Config) (string, error) {
	name := pkg.TarballName()
	if name == "" {
		return "", fmt.Errorf("cannot derive a file name from %q", pkg.Upstream.URL)
	}

	inStore := filepath.Join(cfg.Distfiles, name)
	if _, err := os.Stat(inStore); err == nil {
		debugf("Using %s from distfile store\n", inStore)
		return inStore, nil
	}

	cached := cachePath(pkg, cfg)
	if _, err := os.Stat(cached); err == nil {
		debugf("Already in cache: %s\n", cached)
		return cached, nil
	}

	step("Fetching source: %s", name)
	if err := downloadFile(execCtx, pkg.TarballURL(), cached); err != nil {
		return "", fmt.Errorf("failed to download %s: %w", pkg.TarballURL(), err)
	}
	return cached, nil
}

// cachePath keys cached tarballs by URL so that a changed URL with the
// same file name is fetched again.
func cachePath(pkg *Package, cfg *Config) string {
	return filepath.Join(cfg.CacheDir, hashString(pkg.TarballURL())[:16]+"-"+pkg.TarballName())
}

// fetchTarball locates and verifies the upstream tarball.
func fetchTarball(execCtx *Executor, pkg *Package, cfg *Config) (string, error) {
	path, err := locateTarball(execCtx, pkg, cfg)
	if err != nil {
		return "", err
	}
	if err := verifyChecksum(pkg.Dir, path, pkg.TarballName()); err != nil {
		return "", err
	}
	return path, nil
}

// cloneGit removes any stale checkout at dest, clones the upstream
// repository and checks out the pinned revision.
func cloneGit(execCtx *Executor, pkg *Package, workDir, dest string) error {
	if err := guardedRemoveAll(workDir, dest); err != nil {
		return fmt.Errorf("failed to remove stale checkout: %w", err)
	}
	step("Cloning %s", pkg.Upstream.Git)
	if err := execCtx.Run(exec.Command("git", "clone", "--quiet", pkg.Upstream.Git, dest)); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	checkout := exec.Command("git", "-c", "advice.detachedHead=false", "checkout", "--quiet", "--detach", pkg.Upstream.Revision)
	checkout.Dir = dest
	if err := execCtx.Run(checkout); err != nil {
		return fmt.Errorf("git checkout %s failed: %w", pkg.Upstream.Revision, err)
	}
	return nil
}

// prefetchSources downloads upstream tarballs for the given packages.
func prefetchSources(ctx context.Context, pkgs []*Package, cfg *Config) error {
	execCtx := NewExecutor(ctx, os.Stdout, os.Stderr)
	for _, pkg := range pkgs {
		if pkg.Kind() != SourceTarball {
			debugf("Skipping %s: %s source has nothing to prefetch\n", pkg.Name, pkg.Kind())
			continue
		}
		if _, err := fetchTarball(execCtx, pkg, cfg); err != nil {
			return fmt.Errorf("%s: %w", pkg.Name, err)
		}
	}
	return nil
}

// updateChecksum downloads the package's tarball (again, when force is
// set) and records its digest in the package directory.
func updateChecksum(ctx context.Context, pkg *Package, cfg *Config, force bool) (string, error) {
	if pkg.Kind() != SourceTarball {
		return "", fmt.Errorf("%s has a %s source; only tarballs are checksummed", pkg.Name, pkg.Kind())
	}
	if force {
		cached := cachePath(pkg, cfg)
		if err := os.Remove(cached); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to remove cached %s: %w", cached, err)
		}
	}
	path, err := locateTarball(NewExecutor(ctx, os.Stdout, os.Stderr), pkg, cfg)
	if err != nil {
		return "", err
	}
	sum, err := ComputeChecksum(path)
	if err != nil {
		return "", err
	}
	sums, err := readChecksums(pkg.Dir)
	if err != nil {
		return "", err
	}
	sums[pkg.TarballName()] = sum
	if err := writeChecksums(pkg.Dir, sums); err != nil {
		return "", err
	}
	return sum, nil
}
