package spkg

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"lukechampine.com/blake3"
)

// ComputeChecksum returns the BLAKE3 (32-byte) hex digest of a file.
func ComputeChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	buf := make([]byte, 1<<20)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashString hashes a short string, used for cache keys.
func hashString(s string) string {
	h := blake3.New(32, nil)
	h.Write([]byte(s))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// readChecksums parses "<digest>  <filename>" lines from pkgDir/checksums.
// A missing file yields an empty map.
func readChecksums(pkgDir string) (map[string]string, error) {
	existing := make(map[string]string)
	f, err := os.Open(filepath.Join(pkgDir, checksumsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return existing, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			return nil, fmt.Errorf("malformed checksums line: %q", line)
		}
		// Checksum is first, filename is the rest
		existing[strings.Join(parts[1:], " ")] = parts[0]
	}
	return existing, scanner.Err()
}

// writeChecksums replaces pkgDir/checksums with sums, sorted by file name.
func writeChecksums(pkgDir string, sums map[string]string) error {
	names := make([]string, 0, len(sums))
	for name := range sums {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s  %s\n", sums[name], name)
	}
	path := filepath.Join(pkgDir, checksumsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// verifyChecksum checks file against the digest recorded for name.
func verifyChecksum(pkgDir, file, name string) error {
	sums, err := readChecksums(pkgDir)
	if err != nil {
		return fmt.Errorf("could not read checksums: %w", err)
	}
	want, ok := sums[name]
	if !ok {
		return fmt.Errorf("%w for %s in %s", ErrNoChecksum, name, filepath.Join(pkgDir, checksumsFile))
	}
	got, err := ComputeChecksum(file)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: %s: expected %s, got %s", ErrChecksumMismatch, name, want, got)
	}
	debugf("Checksum OK: %s\n", name)
	return nil
}
