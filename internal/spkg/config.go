package spkg

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Config is the build environment. It is loaded once at startup and passed
// to every stage; nothing below the CLI reads the process environment.
type Config struct {
	Values map[string]string

	Prefix      string // SAGE_LOCAL
	Root        string // SAGE_ROOT
	Distfiles   string // SAGE_DISTFILES
	TmpDir      string
	CacheDir    string
	LogDir      string
	Jobs        int
	KeepWorkdir bool
	Mirror      MirrorConfig
}

// MirrorConfig holds the S3-compatible distfile mirror settings.
type MirrorConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Prefix    string
}

// Enabled reports whether enough settings are present to upload.
func (m MirrorConfig) Enabled() bool {
	return m.Bucket != "" && m.AccessKey != "" && m.SecretKey != ""
}

// Load /etc/spkg.conf and apply defaults
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// Attempt to read the file
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	// Merge SAGE_* and SPKG_* env overrides
	mergeEnvOverrides(cfg, os.Environ())

	// Ensure TMPDIR has a default
	if tmp := cfg.Values["TMPDIR"]; tmp == "" {
		if env := os.Getenv("TMPDIR"); env != "" {
			cfg.Values["TMPDIR"] = env
		} else {
			cfg.Values["TMPDIR"] = "/tmp"
		}
	}

	return cfg, nil
}

// Merge SAGE_* and SPKG_* env overrides. An empty environment value
// overrides the file too, so that `SAGE_LOCAL= spkg build` fails.
func mergeEnvOverrides(cfg *Config, environ []string) {
	for _, env := range environ {
		if strings.HasPrefix(env, "SAGE_") || strings.HasPrefix(env, "SPKG_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

// initConfig resolves cfg.Values into typed fields and validates the
// prefix. It performs no filesystem mutation.
func initConfig(cfg *Config) error {
	prefix := strings.TrimSpace(cfg.Values["SAGE_LOCAL"])
	if prefix == "" {
		return fmt.Errorf("%w: set SAGE_LOCAL to the installation prefix (e.g. $SAGE_ROOT/local) before building", ErrPrefixUnset)
	}
	if !filepath.IsAbs(prefix) {
		return fmt.Errorf("SAGE_LOCAL must be an absolute path, got %q", prefix)
	}
	cfg.Prefix = filepath.Clean(prefix)

	cfg.Root = cfg.Values["SAGE_ROOT"]
	if cfg.Root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("SAGE_ROOT is not set and the working directory is unknown: %w", err)
		}
		cfg.Root = cwd
	}
	cfg.Root = filepath.Clean(cfg.Root)

	cfg.Distfiles = cfg.Values["SAGE_DISTFILES"]
	if cfg.Distfiles == "" {
		cfg.Distfiles = filepath.Join(cfg.Root, "upstream")
	}

	cfg.TmpDir = cfg.Values["TMPDIR"]
	if cfg.TmpDir == "" {
		cfg.TmpDir = "/tmp"
	}

	cfg.CacheDir = cfg.Values["SPKG_CACHE_DIR"]
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(cfg.Root, ".spkg-cache", "sources")
	}

	cfg.LogDir = cfg.Values["SPKG_LOG_DIR"]
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.Root, "logs", "pkgs")
	}

	cfg.Jobs = runtime.NumCPU()
	if j := cfg.Values["SPKG_JOBS"]; j != "" {
		n, err := strconv.Atoi(j)
		if err != nil || n < 1 {
			return fmt.Errorf("SPKG_JOBS must be a positive integer, got %q", j)
		}
		cfg.Jobs = n
	}

	Debug = cfg.Values["SPKG_DEBUG"] == "1"
	if cfg.Values["SPKG_QUIET"] == "1" {
		Quiet = true
	}
	cfg.KeepWorkdir = cfg.Values["SPKG_KEEP_WORKDIR"] == "1"

	cfg.Mirror = MirrorConfig{
		Endpoint:  strings.TrimRight(cfg.Values["SPKG_MIRROR_ENDPOINT"], "/"),
		Bucket:    cfg.Values["SPKG_MIRROR_BUCKET"],
		AccessKey: cfg.Values["SPKG_MIRROR_ACCESS_KEY_ID"],
		SecretKey: cfg.Values["SPKG_MIRROR_SECRET_ACCESS_KEY"],
		Region:    cfg.Values["SPKG_MIRROR_REGION"],
		Prefix:    strings.Trim(cfg.Values["SPKG_MIRROR_PREFIX"], "/"),
	}
	if cfg.Mirror.Region == "" {
		cfg.Mirror.Region = "auto"
	}

	debugf("=> prefix=%s root=%s distfiles=%s jobs=%d\n", cfg.Prefix, cfg.Root, cfg.Distfiles, cfg.Jobs)
	return nil
}

// NewConfig builds a validated Config from explicit values. It is the
// entry point for callers that do not go through a config file.
func NewConfig(values map[string]string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string, len(values))}
	for k, v := range values {
		cfg.Values[k] = v
	}
	if err := initConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// requireDistfiles is checked before any side effect when a run will
// repackage.
func (c *Config) requireDistfiles() error {
	if strings.TrimSpace(c.Values["SAGE_DISTFILES"]) == "" && strings.TrimSpace(c.Values["SAGE_ROOT"]) == "" {
		return fmt.Errorf("%w: set SAGE_DISTFILES (or SAGE_ROOT) to the distfile directory", ErrDistfilesUnset)
	}
	return nil
}

// installedDir returns the install record directory for pkgName.
func (c *Config) installedDir(pkgName string) string {
	return filepath.Join(c.Prefix, installedSubdir, pkgName)
}
