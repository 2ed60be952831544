package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanxfer/bufpool"
	"github.com/opd-ai/lanxfer/integrity"
	"github.com/opd-ai/lanxfer/limits"
	"github.com/opd-ai/lanxfer/resume"
	"github.com/opd-ai/lanxfer/wire"
)

// Manifest describes a file offered for transfer. It is immutable once sent.
type Manifest struct {
	Path        string
	Size        uint64
	FileHash    uint64
	ChunkSize   uint32
	ChunkHashes []uint64
}

// chunkCount returns the number of chunks size splits into.
func chunkCount(size uint64, chunkSize uint32) uint64 {
	if chunkSize == 0 {
		return 0
	}
	return (size + uint64(chunkSize) - 1) / uint64(chunkSize)
}

// ChunkCount returns the number of chunks.
func (m *Manifest) ChunkCount() int { return len(m.ChunkHashes) }

// Geometry returns the shape used to match checkpoints.
func (m *Manifest) Geometry() resume.Geometry {
	return resume.Geometry{
		Size:       m.Size,
		ChunkSize:  m.ChunkSize,
		ChunkCount: uint32(len(m.ChunkHashes)),
	}
}

// Range returns the byte range of chunk i.
func (m *Manifest) Range(i int) (offset uint64, length uint32) {
	offset = uint64(i) * uint64(m.ChunkSize)
	length = m.ChunkSize
	if rest := m.Size - offset; rest < uint64(length) {
		length = uint32(rest)
	}
	return offset, length
}

// IndexOf maps a byte range back to its chunk index. Only exact chunk
// boundaries are accepted.
func (m *Manifest) IndexOf(offset uint64, length uint32) (int, bool) {
	if m.ChunkSize == 0 || offset%uint64(m.ChunkSize) != 0 {
		return 0, false
	}
	i := offset / uint64(m.ChunkSize)
	if i >= uint64(len(m.ChunkHashes)) {
		return 0, false
	}
	if _, l := m.Range(int(i)); l != length {
		return 0, false
	}
	return int(i), true
}

// Validate checks the manifest geometry and path.
func (m *Manifest) Validate() error {
	if _, err := ValidatePath(m.Path); err != nil {
		return err
	}
	if err := limits.ValidateChunkSize(m.ChunkSize); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if want := chunkCount(m.Size, m.ChunkSize); uint64(len(m.ChunkHashes)) != want {
		return fmt.Errorf("%w: %d chunk hashes for %d bytes, want %d",
			ErrInvalidManifest, len(m.ChunkHashes), m.Size, want)
	}
	return nil
}

// Offer builds the wire offer for session id.
func (m *Manifest) Offer(id uuid.UUID, flags uint8) *wire.ManifestOffer {
	return &wire.ManifestOffer{
		Session:     id,
		Path:        m.Path,
		Size:        m.Size,
		FileHash:    m.FileHash,
		ChunkSize:   m.ChunkSize,
		Flags:       flags,
		ChunkHashes: m.ChunkHashes,
	}
}

// ManifestFromOffer validates a received offer.
func ManifestFromOffer(o *wire.ManifestOffer) (*Manifest, error) {
	m := &Manifest{
		Path:        o.Path,
		Size:        o.Size,
		FileHash:    o.FileHash,
		ChunkSize:   o.ChunkSize,
		ChunkHashes: o.ChunkHashes,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	m.Path, _ = ValidatePath(m.Path)
	return m, nil
}

// BuildManifest reads localPath once, hashing every chunk and the whole
// file. relPath is the name offered to the receiver.
func BuildManifest(ctx context.Context, localPath, relPath string, chunkSize uint32, pool *bufpool.Pool) (*Manifest, error) {
	rel, err := ValidatePath(relPath)
	if err != nil {
		return nil, err
	}
	if err := limits.ValidateChunkSize(chunkSize); err != nil {
		return nil, err
	}
	if pool.Size() < int(chunkSize) {
		return nil, fmt.Errorf("%w: chunk %d, buffer %d", bufpool.ErrBufferTooSmall, chunkSize, pool.Size())
	}

	f, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", localPath)
	}

	m := &Manifest{
		Path:      rel,
		Size:      uint64(info.Size()),
		ChunkSize: chunkSize,
	}
	count := chunkCount(m.Size, chunkSize)
	m.ChunkHashes = make([]uint64, 0, count)

	whole := integrity.NewFileHasher()
	err = pool.With(ctx, int(chunkSize), func(buf []byte) error {
		for i := 0; i < int(count); i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			off, n := m.Range(i)
			if err := readChunk(f, buf[:n], off); err != nil {
				return fmt.Errorf("read chunk %d: %w", i, err)
			}
			m.ChunkHashes = append(m.ChunkHashes, integrity.HashChunk(buf[:n]))
			_, _ = whole.Write(buf[:n])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.FileHash = whole.Sum64()

	logrus.WithFields(logrus.Fields{
		"function":  "BuildManifest",
		"path":      rel,
		"size":      m.Size,
		"chunks":    count,
		"file_hash": fmt.Sprintf("%016x", m.FileHash),
	}).Debug("Manifest built")
	return m, nil
}

// readChunk fills buf from offset off. A short read is io.ErrUnexpectedEOF.
func readChunk(r io.ReaderAt, buf []byte, off uint64) error {
	n, err := r.ReadAt(buf, int64(off))
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return err
}
