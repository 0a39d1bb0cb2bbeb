package spkg

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
)

// printHelp prints the commands table
func printHelp(w io.Writer) {
	fmt.Fprintln(w, colSuccess.Sprint("Usage: spkg <command> [arguments]"))
	fmt.Fprintln(w, colSuccess.Sprint("Run 'spkg <command> -h' for command options"))
	fmt.Fprintln(w)
	fmt.Fprintln(w, color.Info.Sprint("Available Commands:"))

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"build, b", "[-upload] [-keep] <pkg>...", "Fetch, patch, build, install and repackage package(s)"},
		{"fetch", "<pkg>...", "Download upstream tarballs into the source cache"},
		{"checksum, c", "[-f] <pkg>...", "Fetch sources and record their checksums"},
		{"uninstall, r", "<pkg>...", "Remove installed package(s) from the prefix"},
		{"list, ls", "[filter]", "List installed packages"},
		{"log", "<pkg>", "Show the newest build log of a package"},
		{"upload", "[-f] <pkg|file>...", "Upload distfiles to the configured mirror"},
		{"version", "", "Version information"},
	}

	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++
		}
		if length > maxLen {
			maxLen = length
		}
	}
	columnWidth := maxLen + 4

	for _, c := range cmds {
		usage := c.Cmd
		if c.Args != "" {
			usage += " " + c.Args
		}
		fmt.Fprint(w, "  ", color.Bold.Sprint(c.Cmd))
		if c.Args != "" {
			fmt.Fprint(w, " ", color.Cyan.Sprint(c.Args))
		}
		fmt.Fprint(w, strings.Repeat(" ", max(columnWidth-len(usage), 1)))
		fmt.Fprintln(w, color.Info.Sprint(c.Desc))
	}
	fmt.Fprintln(w)
}

// Main is the CLI entrypoint for cmd/spkg.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			fmt.Fprint(os.Stderr, colArrow.Sprint("\n-> "))
			fmt.Fprintln(os.Stderr, color.Danger.Sprintf("Received %v. Cancelling build", sig))
			cancel()
			// A second signal, or a stuck child, forces the exit.
			select {
			case <-sigs:
			case <-time.After(10 * time.Second):
			}
			os.Exit(130)
		case <-ctx.Done():
		}
	}()

	code := Run(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}

// Run executes one command line and returns the process exit code.
func Run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printHelp(os.Stdout)
		return 0
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "help", "-h", "--help":
		printHelp(os.Stdout)
		return 0
	case "version", "--version":
		colNote.Printf("spkg %s (%s) built %s\n", version, arch, buildDate)
		return 0
	}

	configPath := ConfigFile
	if p := os.Getenv("SPKG_CONFIG"); p != "" {
		configPath = p
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		errorf(os.Stderr, "Error: %v", err)
		return 1
	}

	switch cmd {
	case "build", "b":
		err = handleBuildCommand(ctx, cfg, rest)
	case "fetch":
		err = handleFetchCommand(ctx, cfg, rest)
	case "checksum", "c":
		err = handleChecksumCommand(ctx, cfg, rest)
	case "uninstall", "remove", "r":
		err = handleUninstallCommand(cfg, rest)
	case "list", "ls":
		err = handleListCommand(cfg, rest)
	case "log":
		err = handleLogCommand(cfg, rest)
	case "upload":
		err = handleUploadCommand(ctx, cfg, rest)
	default:
		errorf(os.Stderr, "Unknown command: %s", cmd)
		printHelp(os.Stderr)
		return 1
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		// The FlagSet already printed usage.
	case (cmd == "list" || cmd == "ls") && errors.Is(err, errPackageNotFound):
		// listPackages already said so.
	default:
		errorf(os.Stderr, "Error: %v", err)
	}
	return 1
}

// errUsage is returned after a FlagSet has printed its own usage.
var errUsage = errors.New("invalid arguments")

func newFlagSet(name, argsUsage string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: spkg %s %s\n", name, argsUsage)
		fs.PrintDefaults()
	}
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string, minArgs int) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return errUsage
	}
	if fs.NArg() < minArgs {
		fs.Usage()
		return errUsage
	}
	return nil
}

// loadConfigured validates cfg and loads the named packages. Failures are
// environment errors: nothing has been touched yet.
func loadConfigured(cfg *Config, names []string) ([]*Package, error) {
	if err := initConfig(cfg); err != nil {
		pkg := ""
		if len(names) == 1 {
			pkg = names[0]
		}
		return nil, stageErr(StageEnvironment, pkg, err)
	}
	pkgs := make([]*Package, 0, len(names))
	for _, name := range names {
		dir, err := resolvePackageDir(name, cfg)
		if err != nil {
			return nil, stageErr(StageEnvironment, name, err)
		}
		pkg, err := LoadPackage(dir)
		if err != nil {
			return nil, stageErr(StageEnvironment, name, err)
		}
		pkgs = append(pkgs, pkg)
	}
	return pkgs, nil
}

func handleBuildCommand(ctx context.Context, cfg *Config, args []string) error {
	fs := newFlagSet("build", "[options] <pkg>...")
	upload := fs.Bool("upload", false, "Upload the produced distfile to the mirror.")
	force := fs.Bool("f", false, "Upload even if the mirror already has the distfile.")
	keep := fs.Bool("keep", false, "Keep the working directory after the build.")
	quiet := fs.Bool("quiet", false, "Only print errors; command output still goes to the build log.")
	debug := fs.Bool("debug", false, "Print debug output.")
	if err := parseFlags(fs, args, 1); err != nil {
		return err
	}
	if *debug {
		cfg.Values["SPKG_DEBUG"] = "1"
	}
	if *quiet {
		cfg.Values["SPKG_QUIET"] = "1"
	}
	if *keep {
		cfg.Values["SPKG_KEEP_WORKDIR"] = "1"
	}

	pkgs, err := loadConfigured(cfg, fs.Args())
	if err != nil {
		return err
	}

	opts := BuildOptions{Upload: *upload, Force: *force}
	for _, pkg := range pkgs {
		res, err := NewOrchestrator(cfg, pkg, opts).Run(ctx)
		if err != nil {
			if res.LogPath != "" {
				warnf("Build log: %s", res.LogPath)
			}
			return err
		}
		step("%s %s built in %s", pkg.Name, pkg.Version, res.Duration.Round(time.Second))
		if res.ArchivePath != "" {
			step("Distfile: %s", res.ArchivePath)
		}
	}
	return nil
}

func handleFetchCommand(ctx context.Context, cfg *Config, args []string) error {
	fs := newFlagSet("fetch", "<pkg>...")
	if err := parseFlags(fs, args, 1); err != nil {
		return err
	}
	pkgs, err := loadConfigured(cfg, fs.Args())
	if err != nil {
		return err
	}
	return prefetchSources(ctx, pkgs, cfg)
}

func handleChecksumCommand(ctx context.Context, cfg *Config, args []string) error {
	fs := newFlagSet("checksum", "[-f] <pkg>...")
	force := fs.Bool("f", false, "Download the source again instead of using the cache.")
	if err := parseFlags(fs, args, 1); err != nil {
		return err
	}
	pkgs, err := loadConfigured(cfg, fs.Args())
	if err != nil {
		return err
	}

	failed := 0
	for _, pkg := range pkgs {
		sum, err := updateChecksum(ctx, pkg, cfg, *force)
		if err != nil {
			errorf(os.Stderr, "Error for %s: %v", pkg.Name, err)
			failed++
			continue
		}
		step("%s  %s", sum, pkg.TarballName())
	}
	if failed > 0 {
		return fmt.Errorf("checksum failed for %d package(s)", failed)
	}
	return nil
}

func handleUninstallCommand(cfg *Config, args []string) error {
	fs := newFlagSet("uninstall", "<pkg>...")
	if err := parseFlags(fs, args, 1); err != nil {
		return err
	}
	if err := initConfig(cfg); err != nil {
		return stageErr(StageEnvironment, "", err)
	}

	allSucceeded := true
	for _, name := range fs.Args() {
		if err := uninstallPackage(cfg, name); err != nil {
			errorf(os.Stderr, "Error uninstalling %s: %v", name, err)
			allSucceeded = false
			continue
		}
		step("Package %s removed", name)
	}
	if !allSucceeded {
		return fmt.Errorf("some packages could not be removed")
	}
	return nil
}

func handleListCommand(cfg *Config, args []string) error {
	fs := newFlagSet("list", "[filter]")
	if err := parseFlags(fs, args, 0); err != nil {
		return err
	}
	if err := initConfig(cfg); err != nil {
		return stageErr(StageEnvironment, "", err)
	}
	return listPackages(cfg, fs.Arg(0))
}

func handleLogCommand(cfg *Config, args []string) error {
	fs := newFlagSet("log", "<pkg>")
	if err := parseFlags(fs, args, 1); err != nil {
		return err
	}
	if err := initConfig(cfg); err != nil {
		return stageErr(StageEnvironment, "", err)
	}
	return showLog(cfg, fs.Arg(0))
}

func handleUploadCommand(ctx context.Context, cfg *Config, args []string) error {
	fs := newFlagSet("upload", "[-f] <pkg|file>...")
	force := fs.Bool("f", false, "Upload even if the mirror already has the file.")
	if err := parseFlags(fs, args, 1); err != nil {
		return err
	}
	if err := initConfig(cfg); err != nil {
		return stageErr(StageEnvironment, "", err)
	}

	var files []string
	for _, arg := range fs.Args() {
		if info, err := os.Stat(arg); err == nil && info.Mode().IsRegular() {
			files = append(files, arg)
			continue
		}
		dir, err := resolvePackageDir(arg, cfg)
		if err != nil {
			return err
		}
		pkg, err := LoadPackage(dir)
		if err != nil {
			return err
		}
		files = append(files, filepath.Join(cfg.Distfiles, pkg.ArchiveName()))
	}

	client, err := NewMirrorClient(ctx, cfg.Mirror)
	if err != nil {
		return err
	}
	return uploadDistfiles(ctx, client, files, *force)
}
