package spkg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// BuildOptions are per-invocation switches that are not part of the
// build environment.
type BuildOptions struct {
	Upload bool // push the produced distfile to the mirror
	Force  bool // upload even when the mirror already has the file
}

// Orchestrator runs one package through the build state machine.
type Orchestrator struct {
	Config  *Config
	Package *Package
	Options BuildOptions

	result *Result
}

// Result describes a finished run.
type Result struct {
	Package     string
	State       State
	History     []State
	ArchivePath string
	LogPath     string
	Duration    time.Duration
}

func NewOrchestrator(cfg *Config, pkg *Package, opts BuildOptions) *Orchestrator {
	return &Orchestrator{Config: cfg, Package: pkg, Options: opts}
}

func (r *Result) advance(to State) error {
	if !canTransition(r.State, to) {
		return fmt.Errorf("invalid state transition %s -> %s", r.State, to)
	}
	debugf("state: %s -> %s\n", r.State, to)
	r.State = to
	r.History = append(r.History, to)
	return nil
}

// Run executes every stage in order and stops at the first failure, which
// is returned as a *StageError. The returned Result is never nil.
func (o *Orchestrator) Run(ctx context.Context) (res *Result, err error) {
	start := time.Now()
	res = &Result{State: StateStart, History: []State{StateStart}}
	o.result = res
	if o.Package != nil {
		res.Package = o.Package.Name
	}
	defer func() {
		res.Duration = time.Since(start)
		if err != nil && res.State != StateFailed {
			_ = res.advance(StateFailed)
		}
	}()

	// Nothing before this point may touch the filesystem or network.
	if err := o.checkEnvironment(); err != nil {
		return res, stageErr(StageEnvironment, res.Package, err)
	}
	if err := res.advance(StateEnvChecked); err != nil {
		return res, stageErr(StageEnvironment, res.Package, err)
	}

	cfg, pkg := o.Config, o.Package
	setTerminalTitle(fmt.Sprintf("spkg: building %s", pkg.Name))

	workDir, err := os.MkdirTemp(cfg.TmpDir, "spkg-"+pkg.Name+"-")
	if err != nil {
		return res, stageErr(StageEnvironment, pkg.Name, fmt.Errorf("failed to create working directory: %w", err))
	}
	defer o.removeWorkDir(workDir)

	blog, err := openBuildLog(workDir)
	if err != nil {
		return res, stageErr(StageEnvironment, pkg.Name, err)
	}
	defer func() {
		if err != nil {
			blog.Printf("FAILED: %v", err)
		} else {
			blog.Printf("DONE in %s", time.Since(start).Round(time.Second))
		}
		logPath, lerr := blog.archive(cfg.LogDir, pkg.Name, pkg.Version)
		if lerr != nil {
			warnf("Could not save build log: %v", lerr)
			return
		}
		res.LogPath = logPath
	}()

	stdout, stderr := blog.writers()
	execCtx := NewExecutor(ctx, stdout, stderr)
	srcDir := filepath.Join(workDir, "src")

	blog.Printf("Building %s %s (%s source)", pkg.Name, pkg.Version, pkg.Kind())
	if err := o.acquire(execCtx, workDir, srcDir); err != nil {
		return res, stageErr(StageAcquisition, pkg.Name, err)
	}
	if err := res.advance(StateSourceReady); err != nil {
		return res, stageErr(StageAcquisition, pkg.Name, err)
	}

	if err := o.patch(execCtx, srcDir); err != nil {
		return res, stageErr(StagePatch, pkg.Name, err)
	}
	if err := res.advance(StatePatched); err != nil {
		return res, stageErr(StagePatch, pkg.Name, err)
	}

	step("Building %s %s", pkg.Name, pkg.Version)
	blog.Printf("build")
	env := recipeEnv(pkg, cfg, srcDir, "")
	if err := runSteps(ctx, "build", pkg.Build, srcDir, env, stdout, stderr); err != nil {
		return res, stageErr(StageBuild, pkg.Name, err)
	}
	if err := res.advance(StateBuilt); err != nil {
		return res, stageErr(StageBuild, pkg.Name, err)
	}

	if err := o.install(ctx, workDir, srcDir, stdout, stderr, blog); err != nil {
		return res, stageErr(StageInstall, pkg.Name, err)
	}
	if err := res.advance(StateInstalled); err != nil {
		return res, stageErr(StageInstall, pkg.Name, err)
	}
	if err := writeBuildTime(cfg, pkg.Name, time.Since(start)); err != nil {
		debugf("Could not record build time: %v\n", err)
	}

	if pkg.Repackage {
		archive, err := o.repackage(ctx, workDir, srcDir, stdout, stderr, blog)
		if err != nil {
			return res, stageErr(StagePackaging, pkg.Name, err)
		}
		res.ArchivePath = archive
		if err := res.advance(StatePackaged); err != nil {
			return res, stageErr(StagePackaging, pkg.Name, err)
		}
		if o.Options.Upload {
			if err := o.upload(ctx, archive); err != nil {
				return res, stageErr(StagePackaging, pkg.Name, err)
			}
		}
	}

	if err := res.advance(StateDone); err != nil {
		return res, err
	}
	setTerminalTitle(fmt.Sprintf("spkg: %s done", pkg.Name))
	return res, nil
}

// checkEnvironment validates everything the run depends on without any
// side effect.
func (o *Orchestrator) checkEnvironment() error {
	if o.Config == nil {
		return fmt.Errorf("%w: no build environment configured", ErrPrefixUnset)
	}
	if o.Config.Prefix == "" || !filepath.IsAbs(o.Config.Prefix) {
		return fmt.Errorf("%w: set SAGE_LOCAL to the installation prefix (e.g. $SAGE_ROOT/local) before building", ErrPrefixUnset)
	}
	if o.Package == nil {
		return fmt.Errorf("no package descriptor")
	}
	if o.Package.Repackage {
		if err := o.Config.requireDistfiles(); err != nil {
			return err
		}
	}
	if o.Package.Kind() == SourceGit {
		if _, err := exec.LookPath("git"); err != nil {
			return fmt.Errorf("git is required to fetch %s: %w", o.Package.Name, err)
		}
	}
	if o.Options.Upload && !o.Config.Mirror.Enabled() {
		return fmt.Errorf("upload requested but no mirror is configured (SPKG_MIRROR_BUCKET, SPKG_MIRROR_ACCESS_KEY_ID, SPKG_MIRROR_SECRET_ACCESS_KEY)")
	}
	return nil
}

func (o *Orchestrator) acquire(execCtx *Executor, workDir, srcDir string) error {
	pkg, cfg := o.Package, o.Config
	switch pkg.Kind() {
	case SourceGit:
		return cloneGit(execCtx, pkg, workDir, srcDir)
	case SourceTarball:
		tarball, err := fetchTarball(execCtx, pkg, cfg)
		if err != nil {
			return err
		}
		step("Extracting %s", filepath.Base(tarball))
		if err := os.MkdirAll(srcDir, 0o755); err != nil {
			return err
		}
		if err := extractArchive(tarball, srcDir); err != nil {
			return fmt.Errorf("failed to extract %s: %w", filepath.Base(tarball), err)
		}
		return nil
	default:
		vendored := filepath.Join(pkg.Dir, vendoredSrcDir)
		info, err := os.Stat(vendored)
		if err != nil {
			return fmt.Errorf("vendored source %s: %w", vendored, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("vendored source %s is not a directory", vendored)
		}
		step("Using vendored source for %s", pkg.Name)
		return mergeTree(vendored, srcDir)
	}
}

func (o *Orchestrator) patch(execCtx *Executor, srcDir string) error {
	pkg := o.Package
	patches, err := discoverPatches(pkg.PatchDir(), pkg.PatchPattern())
	if err != nil {
		return err
	}
	if len(patches) == 0 {
		debugf("No patches for %s\n", pkg.Name)
		return nil
	}
	return applyPatches(execCtx, patches, srcDir, pkg.PatchStrip())
}

func (o *Orchestrator) install(ctx context.Context, workDir, srcDir string, stdout, stderr io.Writer, blog *buildLog) error {
	pkg, cfg := o.Package, o.Config
	staging := filepath.Join(workDir, "staging")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}

	step("Installing %s into %s", pkg.Name, cfg.Prefix)
	blog.Printf("install (DESTDIR=%s)", staging)
	env := recipeEnv(pkg, cfg, srcDir, staging)
	started := time.Now()
	if err := runSteps(ctx, "install", pkg.Install, srcDir, env, stdout, stderr); err != nil {
		return err
	}
	// Nothing may be removed from the prefix if the steps bypassed DESTDIR.
	written, err := prefixWritesSince(cfg, started, workDir)
	if err != nil {
		return err
	}
	if len(written) > 0 {
		return fmt.Errorf("%w: %s", ErrUnstagedWrite, strings.Join(written, ", "))
	}

	rec, err := installStaged(cfg, pkg, staging)
	if err != nil {
		return err
	}
	blog.Printf("installed %d entries", len(rec.Manifest))
	return nil
}

func (o *Orchestrator) repackage(ctx context.Context, workDir, srcDir string, stdout, stderr io.Writer, blog *buildLog) (string, error) {
	pkg, cfg := o.Package, o.Config
	if len(pkg.Dist) > 0 {
		blog.Printf("dist")
		env := recipeEnv(pkg, cfg, srcDir, "")
		if err := runSteps(ctx, "dist", pkg.Dist, srcDir, env, stdout, stderr); err != nil {
			return "", err
		}
	}

	name := pkg.ArchiveName()
	step("Creating %s", name)
	tmpArchive := filepath.Join(workDir, name)
	topDir := pkg.Name + "-" + pkg.RewrittenVersion
	if err := createSourceArchive(srcDir, topDir, tmpArchive); err != nil {
		return "", err
	}
	dest, err := moveIntoStore(tmpArchive, cfg.Distfiles)
	if err != nil {
		return "", err
	}
	blog.Printf("packaged %s", dest)
	return dest, nil
}

func (o *Orchestrator) upload(ctx context.Context, archive string) error {
	client, err := NewMirrorClient(ctx, o.Config.Mirror)
	if err != nil {
		return err
	}
	return uploadDistfiles(ctx, client, []string{archive}, o.Options.Force)
}

func (o *Orchestrator) removeWorkDir(workDir string) {
	if o.Config.KeepWorkdir {
		step("Keeping working directory %s", workDir)
		return
	}
	if err := guardedRemoveAll(o.Config.TmpDir, workDir); err != nil {
		warnf("Failed to remove working directory %s: %v", workDir, err)
	}
}

// moveIntoStore places src into storeDir under its base name. The store
// only ever sees a complete file: a cross-device move is copied to a
// temporary name inside the store and renamed.
func moveIntoStore(src, storeDir string) (string, error) {
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create distfile directory %s: %w", storeDir, err)
	}
	dest := filepath.Join(storeDir, filepath.Base(src))

	err := os.Rename(src, dest)
	if err == nil {
		return dest, nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return "", fmt.Errorf("failed to move %s into %s: %w", filepath.Base(src), storeDir, err)
	}

	tmp, err := os.CreateTemp(storeDir, "."+filepath.Base(src)+"-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	in, err := os.Open(src)
	if err != nil {
		tmp.Close()
		return "", err
	}
	defer in.Close()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to copy %s into %s: %w", filepath.Base(src), storeDir, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", err
	}
	return dest, nil
}

// setTerminalTitle updates the terminal title when stdout is interactive.
func setTerminalTitle(title string) {
	if Quiet || !isTerminal(os.Stdout) {
		return
	}
	fmt.Printf("\033]0;%s\a", title)
}
