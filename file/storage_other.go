//go:build !linux && !darwin && !freebsd

package file

import (
	"errors"
	"runtime"
)

// AvailableBytes is not implemented on this platform; offers are accepted
// without a capacity check.
func AvailableBytes(dir string) (uint64, error) {
	return 0, errors.New("free space detection not supported on " + runtime.GOOS)
}
