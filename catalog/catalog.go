// Package catalog is the node's durable local database. It stores hot-file
// epochs, so checkpoint invalidation survives restarts, and a history of
// finished transfers. It is backed by BadgerDB.
package catalog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

const (
	epochPrefix    = "epoch:"
	transferPrefix = "transfer:"
)

// Catalog wraps a BadgerDB instance.
type Catalog struct {
	db *badger.DB
}

// badgerLogger routes badger's chatty info output to debug level.
type badgerLogger struct {
	*logrus.Entry
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.Entry.Debugf(format, args...)
}

// Open opens (or creates) a catalog in dir.
func Open(dir string) (*Catalog, error) {
	return open(badger.DefaultOptions(dir))
}

// OpenInMemory opens a catalog that is never written to disk.
func OpenInMemory() (*Catalog, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*Catalog, error) {
	opts = opts.WithLogger(badgerLogger{logrus.WithField("component", "badger")})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// LoadEpoch returns the stored epoch of path, zero if none.
func (c *Catalog) LoadEpoch(path string) (uint64, error) {
	var epoch uint64
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(epochPrefix + path))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("epoch value of %d bytes", len(val))
			}
			epoch = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	return epoch, err
}

// StoreEpoch records the epoch of path.
func (c *Catalog) StoreEpoch(path string, epoch uint64) error {
	val := binary.BigEndian.AppendUint64(nil, epoch)
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(epochPrefix+path), val)
	})
}

// TransferRecord describes one finished transfer.
type TransferRecord struct {
	SessionID   string    `json:"session_id"`
	PeerID      string    `json:"peer_id"`
	Direction   string    `json:"direction"`
	Path        string    `json:"path"`
	Size        uint64    `json:"size"`
	FileHash    uint64    `json:"file_hash"`
	Result      string    `json:"result"`
	Error       string    `json:"error,omitempty"`
	Bytes       uint64    `json:"bytes"`
	Retransmits uint64    `json:"retransmits"`
	Resumed     int       `json:"resumed_chunks"`
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished"`
}

// transferKey sorts records by finish time.
func transferKey(r *TransferRecord) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", transferPrefix, r.Finished.UnixNano(), r.SessionID))
}

// RecordTransfer appends r to the history.
func (c *Catalog) RecordTransfer(r *TransferRecord) error {
	if r.Finished.IsZero() {
		r.Finished = time.Now()
	}
	val, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(transferKey(r), val)
	})
}

// History returns up to limit records, most recent first. A limit of zero
// or less returns everything.
func (c *Catalog) History(limit int) ([]TransferRecord, error) {
	var out []TransferRecord
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(transferPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append([]byte(transferPrefix), 0xFF)
		for it.Seek(seek); it.Valid(); it.Next() {
			var rec TransferRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}
