package hotfile

import (
	"fmt"
	"sync"
)

// Guard protects a file that is read across many operations.
type Guard struct {
	m       *Monitor
	key     string
	epoch   uint64
	fp      Fingerprint
	release func()
	once    sync.Once
}

// NewGuard starts watching path and captures its current epoch and
// fingerprint. Close the guard when the read is finished.
func (m *Monitor) NewGuard(path string) (*Guard, error) {
	release, err := m.Watch(path)
	if err != nil {
		return nil, err
	}
	fp, err := Stat(path)
	if err != nil {
		release()
		return nil, err
	}
	return &Guard{
		m:       m,
		key:     Key(path),
		epoch:   m.Epoch(path),
		fp:      fp,
		release: release,
	}, nil
}

// Epoch is the epoch captured when the guard was created.
func (g *Guard) Epoch() uint64 { return g.epoch }

// Fingerprint is the fingerprint captured when the guard was created.
func (g *Guard) Fingerprint() Fingerprint { return g.fp }

// Check fails with ErrChanged if the file changed since the guard was made.
// A fingerprint change also bumps the epoch so that checkpoints taken under
// the old content are invalidated even if no event was delivered.
func (g *Guard) Check() error {
	if cur := g.m.Epoch(g.key); cur != g.epoch {
		return fmt.Errorf("%w: %s epoch %d -> %d", ErrChanged, g.key, g.epoch, cur)
	}
	if g.m.changing(g.key) {
		return fmt.Errorf("%w: %s modification in progress", ErrChanged, g.key)
	}
	fp, err := Stat(g.key)
	if err != nil {
		g.m.Bump(g.key)
		return fmt.Errorf("%w: %s: %v", ErrChanged, g.key, err)
	}
	if !fp.Equal(g.fp) {
		g.m.Bump(g.key)
		return fmt.Errorf("%w: %s %s -> %s", ErrChanged, g.key, g.fp, fp)
	}
	return nil
}

// Close stops watching the file.
func (g *Guard) Close() {
	g.once.Do(g.release)
}

// WriteGuard detects foreign writes to a file the caller is writing itself.
// Changes bump the epoch of key, which is normally the final destination
// path rather than the partial file being written.
type WriteGuard struct {
	m        *Monitor
	path     string
	key      string
	fp       Fingerprint
	recorded bool
}

// NewWriteGuard guards writes to path, attributing changes to key.
func (m *Monitor) NewWriteGuard(path, key string) *WriteGuard {
	return &WriteGuard{m: m, path: path, key: Key(key)}
}

// Record captures the fingerprint after one of our own writes.
func (g *WriteGuard) Record() error {
	fp, err := Stat(g.path)
	if err != nil {
		return err
	}
	g.fp = fp
	g.recorded = true
	return nil
}

// Verify checks that nobody else touched the file since the last Record.
// On mismatch the epoch of key is bumped and ErrChanged returned.
func (g *WriteGuard) Verify() error {
	if !g.recorded {
		return nil
	}
	fp, err := Stat(g.path)
	if err == nil && fp.Equal(g.fp) {
		return nil
	}
	epoch := g.m.Bump(g.key)
	if err != nil {
		return fmt.Errorf("%w: %s: %v (epoch %d)", ErrChanged, g.path, err, epoch)
	}
	return fmt.Errorf("%w: %s %s -> %s (epoch %d)", ErrChanged, g.path, g.fp, fp, epoch)
}
