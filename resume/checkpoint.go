package resume

import (
	"fmt"
	"time"
)

// Geometry is the shape of a file transfer. A checkpoint only applies to a
// manifest with identical geometry.
type Geometry struct {
	Size       uint64 `json:"size"`
	ChunkSize  uint32 `json:"chunk_size"`
	ChunkCount uint32 `json:"chunk_count"`
}

// Checkpoint is the persisted progress of one receive.
type Checkpoint struct {
	SessionID string    `json:"session_id"`
	PeerID    string    `json:"peer_id"`
	Path      string    `json:"path"`
	Dest      string    `json:"dest"`
	FileHash  uint64    `json:"file_hash"`
	Geometry  Geometry  `json:"geometry"`
	Acked     Bitmap    `json:"acked"`
	Epoch     uint64    `json:"epoch"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks internal consistency.
func (c *Checkpoint) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("checkpoint has no path")
	}
	if c.Geometry.ChunkSize == 0 {
		return fmt.Errorf("checkpoint has zero chunk size")
	}
	want := (c.Geometry.Size + uint64(c.Geometry.ChunkSize) - 1) / uint64(c.Geometry.ChunkSize)
	if uint64(c.Geometry.ChunkCount) != want {
		return fmt.Errorf("checkpoint chunk count %d, want %d", c.Geometry.ChunkCount, want)
	}
	return c.Acked.Validate(int(c.Geometry.ChunkCount))
}

// Complete reports whether every chunk is acknowledged.
func (c *Checkpoint) Complete() bool {
	return c.Acked.Count() == int(c.Geometry.ChunkCount)
}
