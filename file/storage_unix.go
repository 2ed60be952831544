//go:build linux || darwin || freebsd

package file

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AvailableBytes returns the bytes an unprivileged user may still write to
// the filesystem holding dir.
func AvailableBytes(dir string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return uint64(stat.Bavail) * uint64(stat.Bsize), nil
}
