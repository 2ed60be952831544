package resume

import (
	"fmt"
	"math/bits"
)

// Bitmap has bit i set when chunk i is acknowledged. Bit i lives in byte
// i/8 at position i%8, least significant bit first.
type Bitmap []byte

// NewBitmap returns an empty bitmap for n chunks.
func NewBitmap(n int) Bitmap {
	return make(Bitmap, (n+7)/8)
}

// Set marks chunk i.
func (b Bitmap) Set(i int) { b[i/8] |= 1 << (i % 8) }

// Clear unmarks chunk i.
func (b Bitmap) Clear(i int) { b[i/8] &^= 1 << (i % 8) }

// Has reports whether chunk i is marked. Out-of-range indexes are unmarked.
func (b Bitmap) Has(i int) bool {
	if i < 0 || i/8 >= len(b) {
		return false
	}
	return b[i/8]&(1<<(i%8)) != 0
}

// Count returns the number of marked chunks.
func (b Bitmap) Count() int {
	n := 0
	for _, v := range b {
		n += bits.OnesCount8(v)
	}
	return n
}

// Clone returns an independent copy.
func (b Bitmap) Clone() Bitmap {
	out := make(Bitmap, len(b))
	copy(out, b)
	return out
}

// Validate checks that b is sized for n chunks and has no bits past n.
func (b Bitmap) Validate(n int) error {
	if len(b) != (n+7)/8 {
		return fmt.Errorf("bitmap of %d bytes for %d chunks", len(b), n)
	}
	if rem := n % 8; rem != 0 && len(b) > 0 {
		if b[len(b)-1]>>rem != 0 {
			return fmt.Errorf("bitmap has bits set past chunk %d", n)
		}
	}
	return nil
}
