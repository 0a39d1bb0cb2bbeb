package spkg

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// recipeEnv is the environment every build, install and dist step sees.
// Descriptor Env entries are expanded against it and override it.
func recipeEnv(pkg *Package, cfg *Config, srcDir, destDir string) []string {
	vars := map[string]string{
		"HOME":            os.Getenv("HOME"),
		"TMPDIR":          cfg.TmpDir,
		"SAGE_LOCAL":      cfg.Prefix,
		"SAGE_ROOT":       cfg.Root,
		"SAGE_DISTFILES":  cfg.Distfiles,
		"PKG_NAME":        pkg.Name,
		"PKG_VERSION":     pkg.RewrittenVersion,
		"PKG_FULLVERSION": pkg.Version,
		"SRC_DIR":         srcDir,
		"MAKEFLAGS":       "-j" + strconv.Itoa(cfg.Jobs),
		"JOBS":            strconv.Itoa(cfg.Jobs),
		"PATH":            joinPath(filepath.Join(cfg.Prefix, "bin"), os.Getenv("PATH")),
		"PKG_CONFIG_PATH": joinPath(filepath.Join(cfg.Prefix, "lib", "pkgconfig"), os.Getenv("PKG_CONFIG_PATH")),
		"LD_LIBRARY_PATH": joinPath(filepath.Join(cfg.Prefix, "lib"), os.Getenv("LD_LIBRARY_PATH")),
	}
	if destDir != "" {
		vars["DESTDIR"] = destDir
	}

	keys := make([]string, 0, len(pkg.Env))
	for k := range pkg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vars[k] = os.Expand(pkg.Env[k], func(name string) string { return vars[name] })
	}

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

func joinPath(first, rest string) string {
	if rest == "" {
		return first
	}
	return first + ":" + rest
}

// runSteps executes each step as a POSIX shell script in dir with errexit
// set. The first failing step stops the sequence.
func runSteps(ctx context.Context, kind string, steps []string, dir string, env []string, stdout, stderr io.Writer) error {
	parser := syntax.NewParser()
	for i, src := range steps {
		file, err := parser.Parse(strings.NewReader(src), fmt.Sprintf("%s[%d]", kind, i))
		if err != nil {
			return fmt.Errorf("%s step %d: %w", kind, i+1, err)
		}

		runner, err := interp.New(
			interp.Dir(dir),
			interp.Env(expand.ListEnviron(env...)),
			interp.StdIO(nil, stdout, stderr),
			interp.Params("-e"),
		)
		if err != nil {
			return fmt.Errorf("failed to initialize shell: %w", err)
		}

		debugf("%s step %d: %s\n", kind, i+1, src)
		if err := runner.Run(ctx, file); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%s step %d aborted: %v", kind, i+1, ctx.Err())
			}
			if status, ok := interp.IsExitStatus(err); ok {
				return fmt.Errorf("%s step %d exited with status %d: %s", kind, i+1, status, firstLine(src))
			}
			return fmt.Errorf("%s step %d: %w", kind, i+1, err)
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
