package spkg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const logSuffix = ".log.xz"

// buildLog captures the output of one run in the working directory and is
// compressed into the log directory when the run ends, whatever its
// outcome.
type buildLog struct {
	path string
	file *os.File
}

func openBuildLog(workDir string) (*buildLog, error) {
	path := filepath.Join(workDir, "build.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create build log: %w", err)
	}
	return &buildLog{path: path, file: f}, nil
}

// writers returns stdout and stderr tees. In quiet mode only the log
// receives command output.
func (l *buildLog) writers() (io.Writer, io.Writer) {
	if Quiet {
		return l.file, l.file
	}
	return io.MultiWriter(os.Stdout, l.file), io.MultiWriter(os.Stderr, l.file)
}

// Printf writes an orchestrator message into the log only.
func (l *buildLog) Printf(format string, args ...any) {
	fmt.Fprintf(l.file, "==> "+format+"\n", args...)
}

// archive closes the log and stores it compressed as
// <logDir>/<name>-<version>.log.xz.
func (l *buildLog) archive(logDir, name, version string) (string, error) {
	if err := l.file.Close(); err != nil {
		return "", err
	}
	dest := filepath.Join(logDir, name+"-"+version+logSuffix)
	if err := compressXZ(l.path, dest); err != nil {
		return "", fmt.Errorf("failed to compress build log: %w", err)
	}
	return dest, nil
}

// findNewestLog returns the most recently written build log of name.
func findNewestLog(logDir, name string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(logDir, name+"-*"+logSuffix))
	if err != nil {
		return "", err
	}

	type candidate struct {
		path  string
		mtime int64
	}
	var found []candidate
	for _, m := range matches {
		ver := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), name+"-"), logSuffix)
		// "foo-bar-1.0" is not a log of "foo".
		if ver == "" || ver[0] < '0' || ver[0] > '9' {
			continue
		}
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		found = append(found, candidate{m, info.ModTime().UnixNano()})
	}
	if len(found) == 0 {
		return "", fmt.Errorf("no build log for %s in %s", name, logDir)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].mtime > found[j].mtime })
	return found[0].path, nil
}

// showLog displays the newest build log of name.
func showLog(cfg *Config, name string) error {
	path, err := findNewestLog(cfg.LogDir, name)
	if err != nil {
		return err
	}
	data, err := readXZ(path)
	if err != nil {
		return err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if !pageable(lines) {
		printLines(lines)
		return nil
	}
	return newLogViewer(filepath.Base(path), lines, true).Run()
}
