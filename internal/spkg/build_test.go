package spkg

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/klauspost/pgzip"
)

const vendoredDescriptor = `
build:
  - echo "built $PKG_VERSION" > artifact.txt
install:
  - mkdir -p "$DESTDIR$SAGE_LOCAL/share/$PKG_NAME"
  - cp artifact.txt "$DESTDIR$SAGE_LOCAL/share/$PKG_NAME/artifact.txt"
`

// vendoredPackage creates a vendored package with a src/ tree.
func vendoredPackage(t *testing.T, cfg *Config, name, version, descriptor string) *Package {
	t.Helper()
	dir := writePackage(t, filepath.Join(cfg.Root, "build", "pkgs", name), version, descriptor)
	writeTree(t, filepath.Join(dir, vendoredSrcDir), map[string]string{"hello.txt": "hello\n"})
	pkg, err := LoadPackage(dir)
	if err != nil {
		t.Fatalf("LoadPackage: %v", err)
	}
	return pkg
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestOrchestratorVendoredBuild(t *testing.T) {
	requireTool(t, "cp")
	cfg := testConfig(t)
	pkg := vendoredPackage(t, cfg, "sympy", "1.12.p1", vendoredDescriptor)

	res, err := NewOrchestrator(cfg, pkg, BuildOptions{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateDone {
		t.Fatalf("state = %s, want DONE", res.State)
	}
	wantHistory := []State{StateStart, StateEnvChecked, StateSourceReady, StatePatched, StateBuilt, StateInstalled, StateDone}
	if !reflect.DeepEqual(res.History, wantHistory) {
		t.Fatalf("history = %v, want %v", res.History, wantHistory)
	}

	data, err := os.ReadFile(filepath.Join(cfg.Prefix, "share", "sympy", "artifact.txt"))
	if err != nil {
		t.Fatalf("installed file: %v", err)
	}
	if string(data) != "built 1.12\n" {
		t.Fatalf("artifact = %q, want %q", data, "built 1.12\n")
	}

	rec, err := readInstallRecord(cfg, "sympy")
	if err != nil {
		t.Fatalf("readInstallRecord: %v", err)
	}
	if rec.Version != "1.12.p1" {
		t.Fatalf("recorded version = %q", rec.Version)
	}
	if res.LogPath != filepath.Join(cfg.LogDir, "sympy-1.12.p1.log.xz") {
		t.Fatalf("log path = %q", res.LogPath)
	}
	if _, err := os.Stat(res.LogPath); err != nil {
		t.Fatalf("build log: %v", err)
	}
	if left := dirEntries(t, cfg.TmpDir); len(left) != 0 {
		t.Fatalf("working directories left behind: %v", left)
	}
	if res.ArchivePath != "" {
		t.Fatalf("vendored build produced archive %q", res.ArchivePath)
	}
}

func TestOrchestratorPrefixUnset(t *testing.T) {
	cfg := testConfig(t)
	pkg := vendoredPackage(t, cfg, "gcc", "13.2.0", vendoredDescriptor)
	before := dirEntries(t, cfg.Root)
	cfg.Prefix = ""

	res, err := NewOrchestrator(cfg, pkg, BuildOptions{}).Run(context.Background())
	if stage, ok := StageOf(err); !ok || stage != StageEnvironment {
		t.Fatalf("Run = %v, want environment error", err)
	}
	if !errors.Is(err, ErrPrefixUnset) || !strings.Contains(err.Error(), "SAGE_LOCAL") {
		t.Fatalf("error %q does not explain SAGE_LOCAL", err)
	}
	if res.State != StateFailed {
		t.Fatalf("state = %s, want FAILED", res.State)
	}
	if after := dirEntries(t, cfg.Root); !reflect.DeepEqual(before, after) {
		t.Fatalf("source root changed: %v -> %v", before, after)
	}
	if left := dirEntries(t, cfg.TmpDir); len(left) != 0 {
		t.Fatalf("TMPDIR touched: %v", left)
	}
}

func TestOrchestratorBuildFailure(t *testing.T) {
	cfg := testConfig(t)
	pkg := vendoredPackage(t, cfg, "mpir", "3.0.0", "build:\n  - echo compiling\n  - exit 3\ninstall:\n  - echo never\n")
	if err := os.MkdirAll(cfg.Distfiles, 0o755); err != nil {
		t.Fatal(err)
	}

	res, err := NewOrchestrator(cfg, pkg, BuildOptions{}).Run(context.Background())
	if stage, ok := StageOf(err); !ok || stage != StageBuild {
		t.Fatalf("Run = %v, want build error", err)
	}
	if res.State != StateFailed {
		t.Fatalf("state = %s, want FAILED", res.State)
	}
	if got := res.History[len(res.History)-2]; got != StatePatched {
		t.Fatalf("failed after %s, want PATCHED", got)
	}
	if left := dirEntries(t, cfg.Distfiles); len(left) != 0 {
		t.Fatalf("distfile store changed: %v", left)
	}
	if _, err := readInstallRecord(cfg, "mpir"); !errors.Is(err, errPackageNotInstalled) {
		t.Fatalf("install record after failed build: %v", err)
	}
	if left := dirEntries(t, cfg.TmpDir); len(left) != 0 {
		t.Fatalf("working directories left behind: %v", left)
	}
	if _, err := os.Stat(res.LogPath); err != nil {
		t.Fatalf("failed build did not keep a log: %v", err)
	}
}

func TestOrchestratorEmptyPatchDirMatchesAbsent(t *testing.T) {
	requireTool(t, "cp")

	run := func(withDir bool) State {
		cfg := testConfig(t)
		pkg := vendoredPackage(t, cfg, "mpc", "1.3.1", vendoredDescriptor)
		if withDir {
			if err := os.MkdirAll(pkg.PatchDir(), 0o755); err != nil {
				t.Fatal(err)
			}
		}
		res, err := NewOrchestrator(cfg, pkg, BuildOptions{}).Run(context.Background())
		if err != nil {
			t.Fatalf("Run(withDir=%v): %v", withDir, err)
		}
		return res.State
	}

	if absent, empty := run(false), run(true); absent != empty {
		t.Fatalf("absent patch dir -> %s, empty patch dir -> %s", absent, empty)
	}
}

func TestOrchestratorPatchFailure(t *testing.T) {
	requireTool(t, "patch")
	cfg := testConfig(t)
	pkg := vendoredPackage(t, cfg, "fplll", "5.4.5", vendoredDescriptor)
	writeTree(t, pkg.PatchDir(), map[string]string{
		"01-hello.patch": helloPatch,
		"02-bad.patch":   badPatch,
	})

	_, err := NewOrchestrator(cfg, pkg, BuildOptions{}).Run(context.Background())
	if stage, ok := StageOf(err); !ok || stage != StagePatch {
		t.Fatalf("Run = %v, want patch error", err)
	}
	var perr *PatchError
	if !errors.As(err, &perr) || perr.Patch != "02-bad.patch" {
		t.Fatalf("Run = %v, want failure naming 02-bad.patch", err)
	}
}

// gitRepo creates a repository with one commit and returns its path and
// the commit id.
func gitRepo(t *testing.T) (string, string) {
	t.Helper()
	repo := t.TempDir()
	writeTree(t, repo, map[string]string{"README": "fplll\n", "configure": "#!/bin/sh\n"})
	git := func(args ...string) string {
		cmd := exec.Command("git", append([]string{"-c", "user.name=spkg", "-c", "user.email=spkg@example.org", "-c", "commit.gpgsign=false"}, args...)...)
		cmd.Dir = repo
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
		return strings.TrimSpace(string(out))
	}
	git("init", "--quiet")
	git("add", ".")
	git("commit", "--quiet", "-m", "import")
	return repo, git("rev-parse", "HEAD")
}

func TestOrchestratorGitRepackage(t *testing.T) {
	requireTool(t, "git")
	requireTool(t, "cp")
	cfg := testConfig(t)
	repo, rev := gitRepo(t)

	descriptor := "upstream:\n  git: " + repo + "\n  revision: " + rev + "\nrepackage: true\n" + vendoredDescriptor
	dir := writePackage(t, filepath.Join(cfg.Root, "build", "pkgs", "fplll"), "4.0.5.p2", descriptor)
	pkg, err := LoadPackage(dir)
	if err != nil {
		t.Fatalf("LoadPackage: %v", err)
	}

	res, err := NewOrchestrator(cfg, pkg, BuildOptions{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateDone || res.History[len(res.History)-2] != StatePackaged {
		t.Fatalf("history = %v, want ... PACKAGED DONE", res.History)
	}

	want := filepath.Join(cfg.Distfiles, "fplll-4.0.5.tar.gz")
	if res.ArchivePath != want {
		t.Fatalf("archive = %q, want %q", res.ArchivePath, want)
	}

	f, err := os.Open(want)
	if err != nil {
		t.Fatalf("archive missing from distfile store: %v", err)
	}
	defer f.Close()
	gz, err := pgzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(gz)
	var sawReadme bool
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(hdr.Name, "fplll-4.0.5/") {
			t.Errorf("entry %q not under fplll-4.0.5/", hdr.Name)
		}
		if strings.Contains(hdr.Name, "/.git") {
			t.Errorf("VCS metadata %q in archive", hdr.Name)
		}
		if hdr.Name == "fplll-4.0.5/README" {
			sawReadme = true
		}
	}
	if !sawReadme {
		t.Fatal("README missing from archive")
	}
	if left := dirEntries(t, cfg.TmpDir); len(left) != 0 {
		t.Fatalf("working directories left behind: %v", left)
	}
}

func TestOrchestratorGitBadRevision(t *testing.T) {
	requireTool(t, "git")
	cfg := testConfig(t)
	repo, _ := gitRepo(t)

	descriptor := "upstream:\n  git: " + repo + "\n  revision: 0000000000000000000000000000000000000000\n" + vendoredDescriptor
	dir := writePackage(t, filepath.Join(cfg.Root, "build", "pkgs", "gcc"), "13.2.0", descriptor)
	pkg, err := LoadPackage(dir)
	if err != nil {
		t.Fatalf("LoadPackage: %v", err)
	}

	_, err = NewOrchestrator(cfg, pkg, BuildOptions{}).Run(context.Background())
	if stage, ok := StageOf(err); !ok || stage != StageAcquisition {
		t.Fatalf("Run = %v, want acquisition error", err)
	}
	if _, err := readInstallRecord(cfg, "gcc"); !errors.Is(err, errPackageNotInstalled) {
		t.Fatalf("install record after failed checkout: %v", err)
	}
}

func TestMoveIntoStore(t *testing.T) {
	src := filepath.Join(t.TempDir(), "zlib-1.3.tar.gz")
	if err := os.WriteFile(src, []byte("archive"), 0o644); err != nil {
		t.Fatal(err)
	}
	store := filepath.Join(t.TempDir(), "upstream")

	dest, err := moveIntoStore(src, store)
	if err != nil {
		t.Fatalf("moveIntoStore: %v", err)
	}
	if dest != filepath.Join(store, "zlib-1.3.tar.gz") {
		t.Fatalf("dest = %q", dest)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("source still present: %v", err)
	}
	if names := dirEntries(t, store); len(names) != 1 {
		t.Fatalf("store = %v, want only the archive", names)
	}
}

// gitPackage writes a repackaging descriptor for a fresh git repository.
func gitPackage(t *testing.T, cfg *Config, name, version, steps string) *Package {
	t.Helper()
	repo, rev := gitRepo(t)
	descriptor := "upstream:\n  git: " + repo + "\n  revision: " + rev + "\nrepackage: true\n" + steps
	dir := writePackage(t, filepath.Join(cfg.Root, "build", "pkgs", name), version, descriptor)
	pkg, err := LoadPackage(dir)
	if err != nil {
		t.Fatalf("LoadPackage: %v", err)
	}
	return pkg
}

func TestOrchestratorInstallFailure(t *testing.T) {
	requireTool(t, "git")
	cfg := testConfig(t)
	pkg := gitPackage(t, cfg, "mpfr", "4.2.1", "build:\n  - echo built > artifact.txt\ninstall:\n  - echo installing\n  - exit 4\n")
	if err := os.MkdirAll(cfg.Distfiles, 0o755); err != nil {
		t.Fatal(err)
	}

	res, err := NewOrchestrator(cfg, pkg, BuildOptions{}).Run(context.Background())
	if stage, ok := StageOf(err); !ok || stage != StageInstall {
		t.Fatalf("Run = %v, want install error", err)
	}
	wantHistory := []State{StateStart, StateEnvChecked, StateSourceReady, StatePatched, StateBuilt, StateFailed}
	if !reflect.DeepEqual(res.History, wantHistory) {
		t.Fatalf("history = %v, want %v", res.History, wantHistory)
	}
	if res.ArchivePath != "" {
		t.Fatalf("failed install produced archive %q", res.ArchivePath)
	}
	if left := dirEntries(t, cfg.Distfiles); len(left) != 0 {
		t.Fatalf("distfile store changed: %v", left)
	}
	if left := dirEntries(t, cfg.TmpDir); len(left) != 0 {
		t.Fatalf("working directories left behind: %v", left)
	}
	if _, err := readInstallRecord(cfg, "mpfr"); !errors.Is(err, errPackageNotInstalled) {
		t.Fatalf("install record after failed install: %v", err)
	}
}

func TestOrchestratorPackagingFailure(t *testing.T) {
	requireTool(t, "git")
	requireTool(t, "cp")
	cfg := testConfig(t)
	pkg := gitPackage(t, cfg, "mpc", "1.3.1", vendoredDescriptor+"dist:\n  - echo preparing\n  - exit 5\n")
	if err := os.MkdirAll(cfg.Distfiles, 0o755); err != nil {
		t.Fatal(err)
	}

	res, err := NewOrchestrator(cfg, pkg, BuildOptions{}).Run(context.Background())
	if stage, ok := StageOf(err); !ok || stage != StagePackaging {
		t.Fatalf("Run = %v, want packaging error", err)
	}
	wantHistory := []State{StateStart, StateEnvChecked, StateSourceReady, StatePatched, StateBuilt, StateInstalled, StateFailed}
	if !reflect.DeepEqual(res.History, wantHistory) {
		t.Fatalf("history = %v, want %v", res.History, wantHistory)
	}
	if left := dirEntries(t, cfg.Distfiles); len(left) != 0 {
		t.Fatalf("distfile store changed: %v", left)
	}
	if left := dirEntries(t, cfg.TmpDir); len(left) != 0 {
		t.Fatalf("working directories left behind: %v", left)
	}
}

func TestOrchestratorReinstallBypassingDestdir(t *testing.T) {
	cfg := testConfig(t)
	staged := "build:\n  - echo ok\ninstall:\n  - mkdir -p \"$DESTDIR$SAGE_LOCAL/bin\"\n  - echo v1 > \"$DESTDIR$SAGE_LOCAL/bin/tool\"\n"
	pkg := vendoredPackage(t, cfg, "ntl", "11.5.1", staged)
	if _, err := NewOrchestrator(cfg, pkg, BuildOptions{}).Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	direct := "build:\n  - echo ok\ninstall:\n  - mkdir -p \"$SAGE_LOCAL/bin\"\n  - echo v2 > \"$SAGE_LOCAL/bin/tool\"\n"
	pkg = vendoredPackage(t, cfg, "ntl", "11.5.2", direct)
	res, err := NewOrchestrator(cfg, pkg, BuildOptions{}).Run(context.Background())
	if stage, ok := StageOf(err); !ok || stage != StageInstall {
		t.Fatalf("second Run = %v, want install error", err)
	}
	if !errors.Is(err, ErrUnstagedWrite) && !errors.Is(err, ErrNothingStaged) {
		t.Fatalf("second Run = %v, want ErrUnstagedWrite or ErrNothingStaged", err)
	}
	if res.State != StateFailed {
		t.Fatalf("state = %s, want FAILED", res.State)
	}

	if _, err := os.Stat(filepath.Join(cfg.Prefix, "bin", "tool")); err != nil {
		t.Fatalf("bin/tool after failed reinstall: %v", err)
	}
	rec, err := readInstallRecord(cfg, "ntl")
	if err != nil {
		t.Fatalf("readInstallRecord: %v", err)
	}
	if rec.Version != "11.5.1" {
		t.Fatalf("recorded version = %q, want the first install's 11.5.1", rec.Version)
	}
	var tracked bool
	for _, e := range rec.Manifest {
		tracked = tracked || e.Path == "/bin/tool"
	}
	if !tracked {
		t.Fatalf("manifest %+v lost /bin/tool", rec.Manifest)
	}
}
