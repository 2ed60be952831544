// Package compress implements optional lz4 compression of chunk payloads.
//
// Chunks are compressed independently with the lz4 block format, so a
// retransmitted or resumed chunk never depends on another. A chunk is only
// sent compressed when that makes it smaller, and files whose extension
// marks them as already compressed are never tried.
package compress

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4/v4"
)

// ErrCorrupt is returned when a compressed payload does not expand to the
// expected length.
var ErrCorrupt = errors.New("corrupt compressed chunk")

var skipExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".zip": true, ".rar": true, ".7z": true, ".gz": true, ".xz": true, ".zst": true,
	".mp3": true, ".flac": true, ".aac": true, ".ogg": true,
	".apk": true, ".iso": true,
}

// ShouldSkip reports whether path names an already-compressed format.
func ShouldSkip(path string) bool {
	return skipExtensions[strings.ToLower(filepath.Ext(path))]
}

// Compress returns the lz4 block encoding of src and true, or nil and
// false when compression would not save space.
func Compress(src []byte) ([]byte, bool) {
	if len(src) == 0 {
		return nil, false
	}
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, dst)
	if err != nil || n == 0 || n >= len(src) {
		return nil, false
	}
	return dst[:n], true
}

// Decompress expands src into dst, which must be exactly the uncompressed
// length.
func Decompress(src, dst []byte) error {
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if n != len(dst) {
		return fmt.Errorf("%w: expanded to %d bytes, want %d", ErrCorrupt, n, len(dst))
	}
	return nil
}
