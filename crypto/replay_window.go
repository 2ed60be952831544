package crypto

import (
	"errors"
	"fmt"
	"sync"
)

const (
	// DefaultReplayWindow is the out-of-order tolerance for receive nonces.
	DefaultReplayWindow = 64
	// MaxReplayWindow is the largest window the bitmap can track.
	MaxReplayWindow = 64
)

// ErrReplay is returned for a nonce that was already accepted or has fallen
// behind the window.
var ErrReplay = errors.New("replayed or stale nonce")

// ReplayWindow tracks accepted receive nonces. A nonce is acceptable when it
// is above the highest accepted nonce, or inside the trailing window and not
// yet seen.
//
// Check must be called before decrypting a frame and Commit only after the
// frame authenticated, so forged frames never move the window.
type ReplayWindow struct {
	mu      sync.Mutex
	size    uint64
	highest uint64
	bitmap  uint64 // bit i set: nonce highest-i accepted
	started bool
}

// NewReplayWindow creates a window of the given size, clamped to
// [1, MaxReplayWindow]. A size of zero selects DefaultReplayWindow.
func NewReplayWindow(size int) *ReplayWindow {
	switch {
	case size == 0:
		size = DefaultReplayWindow
	case size < 1:
		size = 1
	case size > MaxReplayWindow:
		size = MaxReplayWindow
	}
	return &ReplayWindow{size: uint64(size)}
}

// Size returns the configured window size.
func (w *ReplayWindow) Size() int { return int(w.size) }

// Check reports whether nonce n may be accepted. It does not record n.
func (w *ReplayWindow) Check(n uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.check(n)
}

func (w *ReplayWindow) check(n uint64) error {
	if !w.started || n > w.highest {
		return nil
	}
	d := w.highest - n
	if d >= w.size {
		return fmt.Errorf("%w: nonce %d behind window (highest %d)", ErrReplay, n, w.highest)
	}
	if w.bitmap&(1<<d) != 0 {
		return fmt.Errorf("%w: nonce %d already accepted", ErrReplay, n)
	}
	return nil
}

// Commit records nonce n as accepted. It re-checks n so a concurrent
// commit of the same nonce is still refused.
func (w *ReplayWindow) Commit(n uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.check(n); err != nil {
		return err
	}

	if !w.started {
		w.started = true
		w.highest = n
		w.bitmap = 1
		return nil
	}

	if n > w.highest {
		shift := n - w.highest
		if shift >= 64 {
			w.bitmap = 0
		} else {
			w.bitmap <<= shift
		}
		w.bitmap |= 1
		w.highest = n
		return nil
	}

	w.bitmap |= 1 << (w.highest - n)
	return nil
}

// Highest returns the highest accepted nonce and whether any nonce was accepted.
func (w *ReplayWindow) Highest() (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.highest, w.started
}
