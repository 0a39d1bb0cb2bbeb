package spkg

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gookit/color"
)

// writeBuildTime records how long the last build of name took.
func writeBuildTime(cfg *Config, name string, d time.Duration) error {
	return os.WriteFile(filepath.Join(cfg.installedDir(name), "buildtime"), []byte(d.Round(time.Millisecond).String()+"\n"), 0o644)
}

func formatBuildTime(raw string) string {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return raw
	}
	switch {
	case d >= time.Minute:
		return d.Truncate(time.Second).String()
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	default:
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	}
}

// installedPackages returns the names of installed packages containing
// filter, sorted.
func installedPackages(cfg *Config, filter string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(cfg.Prefix, installedSubdir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && strings.Contains(e.Name(), filter) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// listPackages prints installed packages with version and build time.
func listPackages(cfg *Config, filter string) error {
	names, err := installedPackages(cfg, filter)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		if filter != "" {
			step("No packages found matching: %s", filter)
			return errPackageNotFound
		}
		cPrintf(colInfo, "No packages installed in %s\n", cfg.Prefix)
		return nil
	}

	var output []string
	for _, name := range names {
		dir := cfg.installedDir(name)
		versionInfo := "unknown"
		if data, err := os.ReadFile(filepath.Join(dir, "version")); err == nil {
			versionInfo = strings.TrimSpace(string(data))
		}

		line := fmt.Sprintf("%s %s %s",
			colArrow.Sprint("->"),
			colSuccess.Sprintf("%-25s", name),
			colNote.Sprintf("%-15s", versionInfo))
		if data, err := os.ReadFile(filepath.Join(dir, "buildtime")); err == nil {
			if raw := strings.TrimSpace(string(data)); raw != "" {
				line += " " + color.Yellow.Sprint(formatBuildTime(raw))
			}
		}
		output = append(output, line)
	}
	if !pageable(output) {
		printLines(output)
		return nil
	}
	return newLogViewer("Installed Packages", output, false).Run()
}
