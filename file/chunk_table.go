package file

import (
	"errors"
	"fmt"

	"github.com/opd-ai/lanxfer/resume"
)

// ChunkStatus is the progress of one chunk.
type ChunkStatus uint8

const (
	// ChunkPending has not been sent, or must be sent again.
	ChunkPending ChunkStatus = iota
	// ChunkInFlight has been sent and awaits an ack.
	ChunkInFlight
	// ChunkAcked is stored by the receiver.
	ChunkAcked
	// ChunkFailed exhausted its retries.
	ChunkFailed
)

// String returns a human-readable representation of the chunk status.
func (s ChunkStatus) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkInFlight:
		return "in-flight"
	case ChunkAcked:
		return "acked"
	case ChunkFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ErrInvalidTransition is returned for a status change the table forbids.
var ErrInvalidTransition = errors.New("invalid chunk status transition")

// ErrPartition is returned when the ranges no longer tile [0, size).
var ErrPartition = errors.New("chunk ranges do not partition the file")

// ChunkRange is one contiguous piece of the file.
type ChunkRange struct {
	Offset uint64
	Length uint32
	Status ChunkStatus
}

// End returns the offset one past the last byte.
func (r ChunkRange) End() uint64 { return r.Offset + uint64(r.Length) }

// ChunkTable tracks every chunk of one file. The ranges always partition
// [0, size) without gaps or overlaps. It is not safe for concurrent use.
type ChunkTable struct {
	size      uint64
	chunkSize uint32
	ranges    []ChunkRange
	retries   []int
	counts    [ChunkFailed + 1]int
}

// NewChunkTable returns an all-Pending table for the given geometry.
func NewChunkTable(size uint64, chunkSize uint32) (*ChunkTable, error) {
	if chunkSize == 0 {
		return nil, fmt.Errorf("%w: zero chunk size", ErrPartition)
	}
	n := chunkCount(size, chunkSize)
	t := &ChunkTable{
		size:      size,
		chunkSize: chunkSize,
		ranges:    make([]ChunkRange, n),
		retries:   make([]int, n),
	}
	for i := range t.ranges {
		off := uint64(i) * uint64(chunkSize)
		length := chunkSize
		if rest := size - off; rest < uint64(length) {
			length = uint32(rest)
		}
		t.ranges[i] = ChunkRange{Offset: off, Length: length}
	}
	t.counts[ChunkPending] = int(n)
	if err := t.Verify(); err != nil {
		return nil, err
	}
	return t, nil
}

// NewChunkTableFromBitmap returns a table in which the chunks set in acked
// are Acked and the rest Pending.
func NewChunkTableFromBitmap(size uint64, chunkSize uint32, acked resume.Bitmap) (*ChunkTable, error) {
	t, err := NewChunkTable(size, chunkSize)
	if err != nil {
		return nil, err
	}
	if err := acked.Validate(t.Len()); err != nil {
		return nil, err
	}
	for i := range t.ranges {
		if acked.Has(i) {
			t.setStatus(i, ChunkAcked)
		}
	}
	return t, nil
}

// Len returns the number of chunks.
func (t *ChunkTable) Len() int { return len(t.ranges) }

// Get returns chunk i.
func (t *ChunkTable) Get(i int) ChunkRange { return t.ranges[i] }

// Count returns the number of chunks in status s.
func (t *ChunkTable) Count(s ChunkStatus) int { return t.counts[s] }

// AllAcked reports whether the transfer has nothing left to move.
func (t *ChunkTable) AllAcked() bool { return t.counts[ChunkAcked] == len(t.ranges) }

// Retries returns how often chunk i was retried.
func (t *ChunkTable) Retries(i int) int { return t.retries[i] }

// NextPending returns the lowest Pending chunk.
func (t *ChunkTable) NextPending() (int, bool) {
	if t.counts[ChunkPending] == 0 {
		return 0, false
	}
	for i := range t.ranges {
		if t.ranges[i].Status == ChunkPending {
			return i, true
		}
	}
	return 0, false
}

// Set moves chunk i to status s. Pending may go InFlight or straight to
// Acked (the receive side); InFlight may go to any other status; Acked may
// only be set again. Failed is final.
func (t *ChunkTable) Set(i int, s ChunkStatus) error {
	if i < 0 || i >= len(t.ranges) {
		return fmt.Errorf("%w: chunk %d out of range [0,%d)", ErrInvalidTransition, i, len(t.ranges))
	}
	from := t.ranges[i].Status
	if !validTransition(from, s) {
		return fmt.Errorf("%w: chunk %d %s -> %s", ErrInvalidTransition, i, from, s)
	}
	if from == ChunkInFlight && s == ChunkPending {
		t.retries[i]++
	}
	t.setStatus(i, s)
	return t.checkRange(i)
}

func validTransition(from, to ChunkStatus) bool {
	switch from {
	case ChunkPending:
		return to == ChunkInFlight || to == ChunkAcked || to == ChunkFailed
	case ChunkInFlight:
		return to != ChunkInFlight
	case ChunkAcked:
		return to == ChunkAcked
	}
	return false
}

func (t *ChunkTable) setStatus(i int, s ChunkStatus) {
	t.counts[t.ranges[i].Status]--
	t.ranges[i].Status = s
	t.counts[s]++
}

// checkRange verifies that chunk i still abuts its neighbours and stays
// inside the file. Extents never change after construction, so this local
// check keeps the whole-table invariant.
func (t *ChunkTable) checkRange(i int) error {
	r := t.ranges[i]
	if r.Length == 0 || r.End() > t.size {
		return fmt.Errorf("%w: chunk %d [%d,%d) outside [0,%d)", ErrPartition, i, r.Offset, r.End(), t.size)
	}
	if i == 0 && r.Offset != 0 {
		return fmt.Errorf("%w: first chunk starts at %d", ErrPartition, r.Offset)
	}
	if i > 0 && t.ranges[i-1].End() != r.Offset {
		return fmt.Errorf("%w: gap or overlap before chunk %d", ErrPartition, i)
	}
	if i == len(t.ranges)-1 && r.End() != t.size {
		return fmt.Errorf("%w: last chunk ends at %d, file size %d", ErrPartition, r.End(), t.size)
	}
	if i < len(t.ranges)-1 && t.ranges[i+1].Offset != r.End() {
		return fmt.Errorf("%w: gap or overlap after chunk %d", ErrPartition, i)
	}
	return nil
}

// Verify checks the partition invariant over the whole table and that the
// status counters agree with the ranges.
func (t *ChunkTable) Verify() error {
	if len(t.ranges) == 0 {
		if t.size != 0 {
			return fmt.Errorf("%w: no chunks for %d bytes", ErrPartition, t.size)
		}
		return nil
	}
	var counts [ChunkFailed + 1]int
	for i := range t.ranges {
		if err := t.checkRange(i); err != nil {
			return err
		}
		counts[t.ranges[i].Status]++
	}
	if counts != t.counts {
		return fmt.Errorf("%w: status counters %v, ranges say %v", ErrPartition, t.counts, counts)
	}
	return nil
}

// Bitmap returns the acked chunks as a resume bitmap.
func (t *ChunkTable) Bitmap() resume.Bitmap {
	b := resume.NewBitmap(len(t.ranges))
	for i := range t.ranges {
		if t.ranges[i].Status == ChunkAcked {
			b.Set(i)
		}
	}
	return b
}

// AckedBytes returns the total length of acked chunks.
func (t *ChunkTable) AckedBytes() uint64 {
	var n uint64
	for i := range t.ranges {
		if t.ranges[i].Status == ChunkAcked {
			n += uint64(t.ranges[i].Length)
		}
	}
	return n
}
