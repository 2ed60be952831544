package hotfile

import "sync"

// EpochStore persists per-path epochs.
type EpochStore interface {
	LoadEpoch(path string) (uint64, error)
	StoreEpoch(path string, epoch uint64) error
}

// MemoryEpochStore keeps epochs in memory. Epochs restart at zero with the
// process.
type MemoryEpochStore struct {
	mu     sync.Mutex
	epochs map[string]uint64
}

// NewMemoryEpochStore returns an empty in-memory store.
func NewMemoryEpochStore() *MemoryEpochStore {
	return &MemoryEpochStore{epochs: make(map[string]uint64)}
}

// LoadEpoch returns the stored epoch, zero if none.
func (s *MemoryEpochStore) LoadEpoch(path string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epochs[path], nil
}

// StoreEpoch records epoch for path.
func (s *MemoryEpochStore) StoreEpoch(path string, epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochs[path] = epoch
	return nil
}
