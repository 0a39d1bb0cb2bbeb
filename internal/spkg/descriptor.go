package spkg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SourceKind selects how the source tree is acquired.
type SourceKind int

const (
	SourceVendored SourceKind = iota
	SourceGit
	SourceTarball
)

func (k SourceKind) String() string {
	switch k {
	case SourceGit:
		return "git"
	case SourceTarball:
		return "tarball"
	}
	return "vendored"
}

// Upstream describes where the source tree comes from.
type Upstream struct {
	Git      string `yaml:"git"`
	Revision string `yaml:"revision"`
	URL      string `yaml:"url"`
}

// PatchSpec locates the package's local patches.
type PatchSpec struct {
	Dir     string `yaml:"dir"`
	Pattern string `yaml:"pattern"`
	Strip   *int   `yaml:"strip"`
}

// Package is the descriptor for one build invocation.
type Package struct {
	Name      string            `yaml:"name"`
	Upstream  Upstream          `yaml:"upstream"`
	Patches   PatchSpec         `yaml:"patches"`
	Build     []string          `yaml:"build"`
	Install   []string          `yaml:"install"`
	Dist      []string          `yaml:"dist"`
	Env       map[string]string `yaml:"env"`
	Repackage bool              `yaml:"repackage"`

	// Filled in by LoadPackage.
	Dir              string `yaml:"-"`
	Version          string `yaml:"-"`
	RewrittenVersion string `yaml:"-"`
}

// Kind reports the acquisition variant.
func (p *Package) Kind() SourceKind {
	switch {
	case p.Upstream.Git != "":
		return SourceGit
	case p.Upstream.URL != "":
		return SourceTarball
	}
	return SourceVendored
}

// TarballURL expands {version} and {name} in the upstream URL. The
// rewritten version is used, matching how upstream names its releases.
func (p *Package) TarballURL() string {
	r := strings.NewReplacer("{name}", p.Name, "{version}", p.RewrittenVersion, "{full_version}", p.Version)
	return r.Replace(p.Upstream.URL)
}

// TarballName is the file name of the upstream tarball.
func (p *Package) TarballName() string {
	u := p.TarballURL()
	return u[strings.LastIndex(u, "/")+1:]
}

// ArchiveName is the repackaged distfile name.
func (p *Package) ArchiveName() string {
	return fmt.Sprintf("%s-%s.tar.gz", p.Name, p.RewrittenVersion)
}

// PatchDir returns the absolute patch directory.
func (p *Package) PatchDir() string {
	dir := p.Patches.Dir
	if dir == "" {
		dir = defaultPatchDir
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(p.Dir, dir)
}

// PatchPattern returns the file name pattern patches must match.
func (p *Package) PatchPattern() string {
	if p.Patches.Pattern == "" {
		return defaultPatchGlob
	}
	return p.Patches.Pattern
}

// PatchStrip returns the -pN level used when applying patches.
func (p *Package) PatchStrip() int {
	if p.Patches.Strip == nil {
		return defaultPatchStrip
	}
	return *p.Patches.Strip
}

// resolvePackageDir maps a package name or path to its directory.
func resolvePackageDir(arg string, cfg *Config) (string, error) {
	if strings.ContainsRune(arg, os.PathSeparator) || arg == "." {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return "", err
		}
		if info, err := os.Stat(abs); err != nil || !info.IsDir() {
			return "", fmt.Errorf("%s: %w", arg, errPackageNotFound)
		}
		return abs, nil
	}
	dir := filepath.Join(cfg.Root, "build", "pkgs", arg)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("%s (looked in %s): %w", arg, dir, errPackageNotFound)
	}
	return dir, nil
}

// LoadPackage reads the descriptor and version file from pkgDir.
func LoadPackage(pkgDir string) (*Package, error) {
	pkg := &Package{}

	data, err := os.ReadFile(filepath.Join(pkgDir, descriptorFile))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, pkg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", filepath.Join(pkgDir, descriptorFile), err)
		}
	case os.IsNotExist(err):
		// A bare directory with a version file and src/ is a valid vendored package.
	default:
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}

	pkg.Dir = pkgDir
	if pkg.Name == "" {
		pkg.Name = filepath.Base(pkgDir)
	}

	ver, err := readVersionFile(filepath.Join(pkgDir, versionFile))
	if err != nil {
		return nil, err
	}
	pkg.Version = ver
	pkg.RewrittenVersion = rewriteVersion(ver)

	if pkg.Upstream.Git != "" && pkg.Upstream.URL != "" {
		return nil, fmt.Errorf("%s: upstream may name git or url, not both", pkg.Name)
	}
	if pkg.Upstream.Git != "" && pkg.Upstream.Revision == "" {
		return nil, fmt.Errorf("%s: git upstream requires a pinned revision", pkg.Name)
	}
	if pkg.Repackage && pkg.Kind() == SourceVendored {
		return nil, fmt.Errorf("%s: repackage requires a git or url upstream", pkg.Name)
	}
	if p := pkg.PatchStrip(); p < 0 {
		return nil, fmt.Errorf("%s: patch strip level must not be negative, got %d", pkg.Name, p)
	}
	if _, err := filepath.Match(pkg.PatchPattern(), ""); err != nil {
		return nil, fmt.Errorf("%s: bad patch pattern %q: %w", pkg.Name, pkg.PatchPattern(), err)
	}

	return pkg, nil
}
