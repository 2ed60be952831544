package hotfile

import (
	"fmt"
	"os"
	"time"
)

// Fingerprint is the cheap identity of a file's current content.
type Fingerprint struct {
	Size    int64
	ModTime time.Time
	Inode   uint64
}

// Stat fingerprints path.
func Stat(path string) (Fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Fingerprint{}, err
	}
	return FromInfo(info), nil
}

// FromInfo fingerprints already-obtained file info.
func FromInfo(info os.FileInfo) Fingerprint {
	return Fingerprint{Size: info.Size(), ModTime: info.ModTime(), Inode: inode(info)}
}

// Equal reports whether two fingerprints describe the same content.
func (f Fingerprint) Equal(o Fingerprint) bool {
	return f.Size == o.Size && f.ModTime.Equal(o.ModTime) && f.Inode == o.Inode
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("size=%d mtime=%s inode=%d", f.Size, f.ModTime.Format(time.RFC3339Nano), f.Inode)
}
