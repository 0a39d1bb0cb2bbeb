package spkg

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"testing"
)

func TestDiscoverPatchesOrder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"10-b.patch", "02-a.patch", "notes.txt", "01-c.patch"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "03-dir.patch"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(dir, "gone"), filepath.Join(dir, "05-dangling.patch")); err != nil {
		t.Fatal(err)
	}

	got, err := discoverPatches(dir, "*.patch")
	if err != nil {
		t.Fatalf("discoverPatches: %v", err)
	}
	want := []string{
		filepath.Join(dir, "01-c.patch"),
		filepath.Join(dir, "02-a.patch"),
		filepath.Join(dir, "10-b.patch"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("discoverPatches = %v, want %v", got, want)
	}
}

func TestDiscoverPatchesMissingDir(t *testing.T) {
	got, err := discoverPatches(filepath.Join(t.TempDir(), "patches"), "*.patch")
	if err != nil {
		t.Fatalf("discoverPatches: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("discoverPatches = %v, want none", got)
	}
}

func TestDiscoverPatchesNotADirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patches")
	if err := os.WriteFile(path, []byte("not a dir"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := discoverPatches(path, "*.patch")
	if err != nil {
		t.Fatalf("discoverPatches: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("discoverPatches = %v, want none", got)
	}
}

const helloPatch = `--- a/hello.txt
+++ b/hello.txt
@@ -1 +1 @@
-hello
+hello world
`

const badPatch = `--- a/hello.txt
+++ b/hello.txt
@@ -1 +1 @@
-goodbye
+farewell
`

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func TestApplyPatches(t *testing.T) {
	requireTool(t, "patch")

	src := t.TempDir()
	patches := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "hello.txt"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	good := filepath.Join(patches, "01-hello.patch")
	if err := os.WriteFile(good, []byte(helloPatch), 0o644); err != nil {
		t.Fatal(err)
	}

	execCtx := NewExecutor(context.Background(), io.Discard, io.Discard)
	if err := applyPatches(execCtx, []string{good, filepath.Join(patches, "02-removed.patch")}, src, 1); err != nil {
		t.Fatalf("applyPatches: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(src, "hello.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello world\n" {
		t.Fatalf("hello.txt = %q, want %q", data, "hello world\n")
	}
}

func TestApplyPatchesStopsAtFirstFailure(t *testing.T) {
	requireTool(t, "patch")

	src := t.TempDir()
	patches := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "hello.txt"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(patches, "01-bad.patch")
	good := filepath.Join(patches, "02-hello.patch")
	os.WriteFile(bad, []byte(badPatch), 0o644)
	os.WriteFile(good, []byte(helloPatch), 0o644)

	execCtx := NewExecutor(context.Background(), io.Discard, io.Discard)
	err := applyPatches(execCtx, []string{bad, good}, src, 1)

	var perr *PatchError
	if !errors.As(err, &perr) {
		t.Fatalf("applyPatches = %v, want *PatchError", err)
	}
	if perr.Patch != "01-bad.patch" {
		t.Fatalf("failed patch = %q, want 01-bad.patch", perr.Patch)
	}
	data, _ := os.ReadFile(filepath.Join(src, "hello.txt"))
	if string(data) != "hello\n" {
		t.Fatalf("later patch was applied: hello.txt = %q", data)
	}
}
