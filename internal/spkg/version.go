package spkg

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// patchLevelRe matches the local patch-level suffix, e.g. ".p2".
var patchLevelRe = regexp.MustCompile(`\.p[0-9]+$`)

// readVersionFile returns the first field of a package-version file.
func readVersionFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read version file: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", fmt.Errorf("version file %s is empty", path)
	}
	return fields[0], nil
}

// rewriteVersion strips the local patch level: "4.0.5.p2" -> "4.0.5".
func rewriteVersion(v string) string {
	return patchLevelRe.ReplaceAllString(v, "")
}

// patchLevel returns N from a ".pN" suffix, or 0.
func patchLevel(v string) int {
	m := patchLevelRe.FindString(v)
	if m == "" {
		return 0
	}
	var n int
	fmt.Sscanf(m, ".p%d", &n)
	return n
}

// compareVersions orders two distribution versions. Upstream parts are
// compared semantically when both parse, lexically otherwise; the patch
// level breaks ties.
func compareVersions(a, b string) int {
	ua, ub := rewriteVersion(a), rewriteVersion(b)
	if c := compareUpstream(ua, ub); c != 0 {
		return c
	}
	pa, pb := patchLevel(a), patchLevel(b)
	switch {
	case pa < pb:
		return -1
	case pa > pb:
		return 1
	}
	return 0
}

func compareUpstream(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}
	return strings.Compare(a, b)
}

// describeReinstall names the kind of transition between two versions.
func describeReinstall(oldVer, newVer string) string {
	switch c := compareVersions(oldVer, newVer); {
	case c < 0:
		return fmt.Sprintf("upgrading %s -> %s", oldVer, newVer)
	case c > 0:
		return fmt.Sprintf("downgrading %s -> %s", oldVer, newVer)
	}
	return fmt.Sprintf("rebuilding %s", newVer)
}
