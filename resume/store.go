package resume

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/lanxfer/integrity"
	"github.com/sirupsen/logrus"
)

const checkpointExt = ".ckpt"

// ErrNotFound is returned when no checkpoint exists for a file.
var ErrNotFound = errors.New("checkpoint not found")

// TimeProvider abstracts the clock for deterministic tests.
type TimeProvider interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Store reads and writes checkpoint files in one directory.
type Store struct {
	dir   string
	clock TimeProvider
	mu    sync.Mutex
}

// NewStore opens dir, creating it if needed, and removes temp files left
// by an interrupted Save.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	stale, _ := filepath.Glob(filepath.Join(dir, "*"+checkpointExt+".*.tmp"))
	for _, f := range stale {
		_ = os.Remove(f)
	}
	return &Store{dir: dir, clock: systemClock{}}, nil
}

// SetTimeProvider replaces the clock used for UpdatedAt. Nil restores the
// system clock.
func (s *Store) SetTimeProvider(tp TimeProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tp == nil {
		tp = systemClock{}
	}
	s.clock = tp
}

// Dir returns the checkpoint directory.
func (s *Store) Dir() string { return s.dir }

// FileName returns the checkpoint file name for a (path, hash) pair.
func FileName(path string, fileHash uint64) string {
	return fmt.Sprintf("%016x-%016x%s", integrity.HashString(path), fileHash, checkpointExt)
}

func (s *Store) filePath(path string, fileHash uint64) string {
	return filepath.Join(s.dir, FileName(path, fileHash))
}

// Save writes cp atomically and sets its UpdatedAt.
func (s *Store) Save(cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp.UpdatedAt = s.clock.Now().UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	final := s.filePath(cp.Path, cp.FileHash)
	if err := writeAtomic(s.dir, final, data); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Store.Save",
		"path":     cp.Path,
		"acked":    cp.Acked.Count(),
		"chunks":   cp.Geometry.ChunkCount,
		"epoch":    cp.Epoch,
	}).Debug("Checkpoint saved")
	return nil
}

// writeAtomic writes data to a temp file in dir, syncs it, renames it over
// final and syncs the directory so the rename itself is durable.
func writeAtomic(dir, final string, data []byte) error {
	tmp, err := os.CreateTemp(dir, filepath.Base(final)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temporary checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temporary checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temporary checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}

	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync checkpoint directory: %w", err)
	}
	return nil
}

// Load reads the checkpoint for (path, hash).
func (s *Store) Load(path string, fileHash uint64) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readFile(s.filePath(path, fileHash))
}

func (s *Store) readFile(name string) (*Checkpoint, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", filepath.Base(name), err)
	}
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint %s: %w", filepath.Base(name), err)
	}
	return &cp, nil
}

// Delete removes the checkpoint for (path, hash). Deleting a missing
// checkpoint is not an error.
func (s *Store) Delete(path string, fileHash uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.filePath(path, fileHash))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// List returns every readable checkpoint. Unreadable files are logged and
// skipped.
func (s *Store) List() ([]*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	var out []*Checkpoint
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), checkpointExt) {
			continue
		}
		cp, err := s.readFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Store.List",
				"file":     e.Name(),
				"error":    err.Error(),
			}).Warn("Skipping unreadable checkpoint")
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}
