package hotfile

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is the quiet period after which a burst of change events
// bumps a path's epoch.
const DefaultDebounce = 100 * time.Millisecond

var (
	// ErrChanged indicates a guarded file changed.
	ErrChanged = errors.New("file changed")
	// ErrMonitorClosed is returned after Close.
	ErrMonitorClosed = errors.New("hot file monitor closed")
)

type watched struct {
	refs    int
	pending bool
	timer   *time.Timer
}

// Monitor tracks per-path epochs and watches files for external changes.
// It is safe for concurrent use.
type Monitor struct {
	watcher  *fsnotify.Watcher
	store    EpochStore
	debounce time.Duration

	mu     sync.Mutex
	paths  map[string]*watched
	dirs   map[string]int
	epochs map[string]uint64
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewMonitor starts a monitor. A nil store keeps epochs in memory; a zero
// debounce selects DefaultDebounce.
func NewMonitor(store EpochStore, debounce time.Duration) (*Monitor, error) {
	if store == nil {
		store = NewMemoryEpochStore()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	m := &Monitor{
		watcher:  w,
		store:    store,
		debounce: debounce,
		paths:    make(map[string]*watched),
		dirs:     make(map[string]int),
		epochs:   make(map[string]uint64),
		done:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.loop()
	return m, nil
}

// Key normalizes a path into the form epochs are stored under.
func Key(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// Watch starts watching path for changes until the returned release func is
// called. Watches are reference counted.
func (m *Monitor) Watch(path string) (release func(), err error) {
	key := Key(path)
	dir := filepath.Dir(key)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrMonitorClosed
	}

	if m.dirs[dir] == 0 {
		if err := m.watcher.Add(dir); err != nil {
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	m.dirs[dir]++

	w := m.paths[key]
	if w == nil {
		w = &watched{}
		m.paths[key] = w
	}
	w.refs++

	var once sync.Once
	return func() { once.Do(func() { m.unwatch(key, dir) }) }, nil
}

func (m *Monitor) unwatch(key, dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w := m.paths[key]; w != nil {
		w.refs--
		if w.refs <= 0 {
			if w.timer != nil {
				w.timer.Stop()
			}
			delete(m.paths, key)
		}
	}

	m.dirs[dir]--
	if m.dirs[dir] <= 0 {
		delete(m.dirs, dir)
		if !m.closed {
			_ = m.watcher.Remove(dir)
		}
	}
}

// Epoch returns the current epoch of path.
func (m *Monitor) Epoch(path string) uint64 {
	key := Key(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epochLocked(key)
}

func (m *Monitor) epochLocked(key string) uint64 {
	if e, ok := m.epochs[key]; ok {
		return e
	}
	e, err := m.store.LoadEpoch(key)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Monitor.Epoch",
			"path":     key,
			"error":    err.Error(),
		}).Warn("Failed to load epoch; assuming zero")
	}
	m.epochs[key] = e
	return e
}

// Bump advances the epoch of path and returns the new value.
func (m *Monitor) Bump(path string) uint64 {
	key := Key(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bumpLocked(key)
}

func (m *Monitor) bumpLocked(key string) uint64 {
	e := m.epochLocked(key) + 1
	m.epochs[key] = e
	if w := m.paths[key]; w != nil {
		w.pending = false
	}
	if err := m.store.StoreEpoch(key, e); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Monitor.Bump",
			"path":     key,
			"epoch":    e,
			"error":    err.Error(),
		}).Error("Failed to persist epoch")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Monitor.Bump",
		"path":     key,
		"epoch":    e,
	}).Debug("File epoch bumped")
	return e
}

// changing reports whether key has an event still inside its debounce window.
func (m *Monitor) changing(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.paths[key]
	return w != nil && w.pending
}

// Close stops watching. Guards created earlier keep working on fingerprints.
func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, w := range m.paths {
		if w.timer != nil {
			w.timer.Stop()
		}
	}
	m.mu.Unlock()

	close(m.done)
	err := m.watcher.Close()
	m.wg.Wait()
	return err
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			m.handle(Key(event.Name))
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "Monitor.loop",
				"error":    err.Error(),
			}).Warn("File watcher error")
		}
	}
}

func (m *Monitor) handle(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.paths[key]
	if w == nil || m.closed {
		return
	}
	w.pending = true
	if w.timer != nil {
		w.timer.Reset(m.debounce)
		return
	}
	w.timer = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur := m.paths[key]; cur == w && w.pending && !m.closed {
			m.bumpLocked(key)
		}
	})
}
