package spkg

import (
	"errors"
	"runtime"

	"github.com/gookit/color"
)

// Global variables
var (
	ConfigFile = "/etc/spkg.conf"
	Debug      bool
	Quiet      bool
	version    = "dev" //default version; overridden at build time
	arch       = runtime.GOARCH
	buildDate  = "unknown" // overridden at build time

	errPackageNotFound     = errors.New("package not found")
	errPackageNotInstalled = errors.New("package not installed")
)

// Locations inside the prefix and the package directory.
const (
	installedSubdir   = "var/lib/spkg/installed"
	descriptorFile    = "package.yaml"
	versionFile       = "package-version.txt"
	checksumsFile     = "checksums"
	vendoredSrcDir    = "src"
	defaultPatchDir   = "patches"
	defaultPatchGlob  = "*.patch"
	defaultPatchStrip = 1
)

// color helpers
var (
	colInfo    = color.Info // style provided by gookit/color
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)
