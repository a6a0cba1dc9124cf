package proc

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// SafetyBufferBytes is kept free on top of the requested size so a
// download never runs the disk completely dry.
const SafetyBufferBytes int64 = 100 * 1024 * 1024

// FreeSpace reports the bytes available to unprivileged writers at path.
func FreeSpace(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil // nolint:unconvert // Bavail is uint64 on linux
}

// HasSpace reports whether free space at path exceeds requiredBytes plus
// the safety buffer.
func HasSpace(path string, requiredBytes int64) (bool, error) {
	free, err := FreeSpace(path)
	if err != nil {
		return false, err
	}
	return free > requiredBytes+SafetyBufferBytes, nil
}

// ValidateDir checks that path exists and is writable by creating and
// removing a marker file. Problems are reported as issues, not errors.
func ValidateDir(path string) (ok bool, issues []string) {
	info, err := os.Stat(path)
	if err != nil {
		issues = append(issues, fmt.Sprintf("folder %s does not exist", path))
		return false, issues
	}
	if !info.IsDir() {
		issues = append(issues, fmt.Sprintf("%s is not a folder", path))
		return false, issues
	}

	marker := filepath.Join(path, ".podfetch-probe")
	if err := os.WriteFile(marker, []byte("probe"), 0o600); err != nil {
		issues = append(issues, fmt.Sprintf("folder %s is not writable: %v", path, err))
		return false, issues
	}
	if err := os.Remove(marker); err != nil {
		issues = append(issues, fmt.Sprintf("can't remove marker file in %s: %v", path, err))
	}

	return len(issues) == 0, issues
}
