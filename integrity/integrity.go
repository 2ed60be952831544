// Package integrity computes the fast non-cryptographic hashes used to detect
// chunk corruption and to verify reassembled files.
//
// Both per-chunk and whole-file hashes are xxHash64. The whole-file hash is
// computed over the file bytes in order and is independent of the chunk
// hashes, so it also catches misplaced or reordered chunks.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
)

// ErrHashMismatch indicates data did not hash to the expected value.
var ErrHashMismatch = errors.New("hash mismatch")

// HashChunk returns the xxHash64 of a chunk payload.
func HashChunk(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// HashString returns the xxHash64 of s. Used for deterministic file naming.
func HashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

// VerifyChunk compares the hash of data against want.
func VerifyChunk(data []byte, want uint64) error {
	if got := HashChunk(data); got != want {
		return fmt.Errorf("%w: got %016x, want %016x", ErrHashMismatch, got, want)
	}
	return nil
}

// FileHasher accumulates a whole-file hash from sequential writes.
type FileHasher struct {
	d *xxhash.Digest
	n uint64
}

// NewFileHasher returns an empty whole-file hasher.
func NewFileHasher() *FileHasher {
	return &FileHasher{d: xxhash.New()}
}

// Write adds p to the hash. It never fails.
func (h *FileHasher) Write(p []byte) (int, error) {
	h.n += uint64(len(p))
	return h.d.Write(p)
}

// Sum64 returns the hash of everything written so far.
func (h *FileHasher) Sum64() uint64 { return h.d.Sum64() }

// Len returns the number of bytes hashed.
func (h *FileHasher) Len() uint64 { return h.n }

// HashReaderAt hashes size bytes of r starting at offset zero using buf as the
// read buffer. The context is checked between reads so a cancelled session
// stops hashing promptly.
func HashReaderAt(ctx context.Context, r io.ReaderAt, size int64, buf []byte) (uint64, error) {
	if len(buf) == 0 {
		return 0, errors.New("hash buffer is empty")
	}

	h := NewFileHasher()
	var off int64
	for off < size {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n := int64(len(buf))
		if remaining := size - off; remaining < n {
			n = remaining
		}
		read, err := r.ReadAt(buf[:n], off)
		if int64(read) < n {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			logrus.WithFields(logrus.Fields{
				"function": "HashReaderAt",
				"offset":   off,
				"want":     n,
				"got":      read,
				"error":    err.Error(),
			}).Debug("Short read while hashing")
			return 0, fmt.Errorf("read at %d: %w", off, err)
		}
		_, _ = h.Write(buf[:n])
		off += n
	}
	return h.Sum64(), nil
}
