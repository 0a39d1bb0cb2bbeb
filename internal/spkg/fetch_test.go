package spkg

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

// tarballServer serves a freshly built mpfr-4.2.1.tar.gz and counts
// requests.
func tarballServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	src := t.TempDir()
	writeTree(t, src, map[string]string{"README": "mpfr\n", "src/mpfr.h": "/* mpfr */\n"})
	dir := t.TempDir()
	if err := createSourceArchive(src, "mpfr-4.2.1", filepath.Join(dir, "mpfr-4.2.1.tar.gz")); err != nil {
		t.Fatal(err)
	}

	var hits atomic.Int32
	files := http.FileServer(http.Dir(dir))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		files.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func quietExecutor() *Executor {
	return NewExecutor(context.Background(), io.Discard, io.Discard)
}

func tarballPackage(t *testing.T, cfg *Config, url string) *Package {
	t.Helper()
	descriptor := "upstream:\n  url: " + url + "/{name}-{version}.tar.gz\n" + vendoredDescriptor
	dir := writePackage(t, filepath.Join(cfg.Root, "build", "pkgs", "mpfr"), "4.2.1.p0", descriptor)
	pkg, err := LoadPackage(dir)
	if err != nil {
		t.Fatalf("LoadPackage: %v", err)
	}
	return pkg
}

func TestUpdateChecksumAndVerify(t *testing.T) {
	cfg := testConfig(t)
	srv, hits := tarballServer(t)
	pkg := tarballPackage(t, cfg, srv.URL)

	if _, err := fetchTarball(quietExecutor(), pkg, cfg); !errors.Is(err, ErrNoChecksum) {
		t.Fatalf("fetchTarball without checksums = %v, want ErrNoChecksum", err)
	}

	sum, err := updateChecksum(context.Background(), pkg, cfg, false)
	if err != nil {
		t.Fatalf("updateChecksum: %v", err)
	}
	sums, err := readChecksums(pkg.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if sums["mpfr-4.2.1.tar.gz"] != sum {
		t.Fatalf("checksums = %v, want %s for mpfr-4.2.1.tar.gz", sums, sum)
	}

	path, err := fetchTarball(quietExecutor(), pkg, cfg)
	if err != nil {
		t.Fatalf("fetchTarball: %v", err)
	}
	if !strings.HasPrefix(path, cfg.CacheDir) {
		t.Fatalf("tarball %q not in source cache %q", path, cfg.CacheDir)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("server hit %d times, want 1 (cached afterwards)", n)
	}
	if _, err := os.Stat(cfg.Distfiles); !os.IsNotExist(err) {
		t.Fatalf("download wrote to the distfile store: %v", err)
	}
}

func TestFetchTarballChecksumMismatch(t *testing.T) {
	cfg := testConfig(t)
	srv, _ := tarballServer(t)
	pkg := tarballPackage(t, cfg, srv.URL)
	if err := writeChecksums(pkg.Dir, map[string]string{pkg.TarballName(): strings.Repeat("0", 64)}); err != nil {
		t.Fatal(err)
	}

	_, err := NewOrchestrator(cfg, pkg, BuildOptions{}).Run(context.Background())
	if stage, ok := StageOf(err); !ok || stage != StageAcquisition {
		t.Fatalf("Run = %v, want acquisition error", err)
	}
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Run = %v, want ErrChecksumMismatch", err)
	}
}

func TestOrchestratorTarballBuild(t *testing.T) {
	requireTool(t, "cp")
	cfg := testConfig(t)
	srv, _ := tarballServer(t)
	pkg := tarballPackage(t, cfg, srv.URL)
	if _, err := updateChecksum(context.Background(), pkg, cfg, false); err != nil {
		t.Fatal(err)
	}

	res, err := NewOrchestrator(cfg, pkg, BuildOptions{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateDone {
		t.Fatalf("state = %s, want DONE", res.State)
	}
	data, err := os.ReadFile(filepath.Join(cfg.Prefix, "share", "mpfr", "artifact.txt"))
	if err != nil {
		t.Fatalf("installed file: %v", err)
	}
	if string(data) != "built 4.2.1\n" {
		t.Fatalf("artifact = %q", data)
	}
}

func TestLocateTarballPrefersDistfileStore(t *testing.T) {
	cfg := testConfig(t)
	pkg := tarballPackage(t, cfg, "http://127.0.0.1:1/unreachable")
	writeTree(t, cfg.Distfiles, map[string]string{pkg.TarballName(): "local copy"})

	path, err := locateTarball(quietExecutor(), pkg, cfg)
	if err != nil {
		t.Fatalf("locateTarball: %v", err)
	}
	if want := filepath.Join(cfg.Distfiles, pkg.TarballName()); path != want {
		t.Fatalf("locateTarball = %q, want %q", path, want)
	}
}

func TestDownloadFileLogsToolOutput(t *testing.T) {
	requireTool(t, "curl")
	srv, _ := tarballServer(t)
	dest := filepath.Join(t.TempDir(), "missing-1.0.tar.gz")

	var out bytes.Buffer
	err := downloadFile(NewExecutor(context.Background(), &out, &out), srv.URL+"/missing-1.0.tar.gz", dest)
	if err == nil {
		t.Fatal("downloadFile of a missing file succeeded")
	}
	if !strings.Contains(out.String(), "404") {
		t.Fatalf("downloader output = %q, want the 404 in the build log", out.String())
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("failed download left %s: %v", dest, err)
	}
}

func TestDownloadFileKeepsLockFile(t *testing.T) {
	srv, _ := tarballServer(t)
	dest := filepath.Join(t.TempDir(), "mpfr-4.2.1.tar.gz")
	if err := downloadFile(quietExecutor(), srv.URL+"/mpfr-4.2.1.tar.gz", dest); err != nil {
		t.Fatalf("downloadFile: %v", err)
	}
	if _, err := os.Stat(dest + ".lock"); err != nil {
		t.Fatalf("lock file: %v", err)
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Fatalf("partial file left behind: %v", err)
	}
}
