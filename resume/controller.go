package resume

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// EpochSource supplies the current hot-file epoch of a destination path.
type EpochSource interface {
	Epoch(path string) uint64
	Bump(path string) uint64
}

// Controller decides whether stored progress can be trusted.
type Controller struct {
	store  *Store
	epochs EpochSource
}

// NewController combines a checkpoint store with an epoch source.
func NewController(store *Store, epochs EpochSource) *Controller {
	return &Controller{store: store, epochs: epochs}
}

// Store returns the underlying checkpoint store.
func (c *Controller) Store() *Store { return c.store }

// Epoch returns the current epoch of dest.
func (c *Controller) Epoch(dest string) uint64 { return c.epochs.Epoch(dest) }

// Lookup returns the checkpoint for (path, hash) if it can be resumed
// against geom at dest. A stale or mismatched checkpoint is deleted and
// (nil, nil) returned.
func (c *Controller) Lookup(path string, fileHash uint64, dest string, geom Geometry) (*Checkpoint, error) {
	cp, err := c.store.Load(path, fileHash)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}

	logger := logrus.WithFields(logrus.Fields{
		"function":  "Controller.Lookup",
		"path":      path,
		"file_hash": fileHash,
	})

	reason := ""
	switch {
	case err != nil:
		reason = err.Error()
	case cp.Dest != dest:
		reason = "destination differs"
	case cp.Geometry != geom:
		reason = "geometry differs"
	case cp.Epoch != c.epochs.Epoch(dest):
		reason = "epoch is stale"
	}
	if reason != "" {
		logger.WithField("reason", reason).Info("Discarding checkpoint")
		return nil, c.store.Delete(path, fileHash)
	}

	logger.WithFields(logrus.Fields{
		"acked":  cp.Acked.Count(),
		"chunks": cp.Geometry.ChunkCount,
	}).Debug("Checkpoint is resumable")
	return cp, nil
}

// Save persists cp.
func (c *Controller) Save(cp *Checkpoint) error {
	return c.store.Save(cp)
}

// Discard deletes the checkpoint for (path, hash).
func (c *Controller) Discard(path string, fileHash uint64) error {
	return c.store.Delete(path, fileHash)
}

// Invalidate bumps the epoch of dest and deletes the checkpoint, so no
// progress recorded under the old content can be resumed.
func (c *Controller) Invalidate(path string, fileHash uint64, dest string) error {
	epoch := c.epochs.Bump(dest)
	logrus.WithFields(logrus.Fields{
		"function": "Controller.Invalidate",
		"path":     path,
		"epoch":    epoch,
	}).Info("Checkpoint invalidated")
	return c.store.Delete(path, fileHash)
}

// ForPeer returns the resumable checkpoints received from peerID.
func (c *Controller) ForPeer(peerID string) ([]*Checkpoint, error) {
	all, err := c.store.List()
	if err != nil {
		return nil, err
	}
	var out []*Checkpoint
	for _, cp := range all {
		if cp.PeerID != peerID || cp.Complete() {
			continue
		}
		if cp.Epoch != c.epochs.Epoch(cp.Dest) {
			_ = c.store.Delete(cp.Path, cp.FileHash)
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}
