package lanxfer

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opd-ai/lanxfer/file"
	"github.com/opd-ai/lanxfer/hotfile"
	"github.com/opd-ai/lanxfer/limits"
	"github.com/opd-ai/lanxfer/transport"
)

const (
	// DefaultListenAddr is the TCP address a node listens on.
	DefaultListenAddr = ":47810"
	// DefaultBufferCount is the number of chunk buffers shared by all sessions.
	DefaultBufferCount = 8
)

// Options contains configuration for a Node.
type Options struct {
	// DataDir holds the identity, checkpoints and the catalog.
	DataDir string
	// PeerID is announced during handshakes. Empty selects the key fingerprint.
	PeerID string
	// Passphrase encrypts the identity file when set.
	Passphrase []byte
	ListenAddr string

	DownloadDir string
	// ShareRoot is where ResumeRequest paths are resolved. Empty refuses them.
	ShareRoot string

	ChunkSize uint32
	// BufferSize is the capacity of each pool buffer and so the largest chunk
	// size accepted from peers.
	BufferSize  int
	BufferCount int

	MaxSessions     int
	Window          int
	MaxRetries      int
	CheckpointEvery int

	AckTimeout         time.Duration
	NegotiationTimeout time.Duration
	VerifyTimeout      time.Duration
	IdleTimeout        time.Duration
	HandshakeTimeout   time.Duration
	MessageTimeout     time.Duration

	ReplayWindow       int
	MaxMalformedFrames int
	Debounce           time.Duration

	Compression bool
	AutoResume  bool
	Overwrite   bool

	// InMemoryCatalog keeps epochs and history in memory only.
	InMemoryCatalog  bool
	MetricsNamespace string
}

// NewOptions creates a new Options with default values.
func NewOptions() *Options {
	dataDir := ".lanxfer"
	if dir, err := os.UserConfigDir(); err == nil {
		dataDir = filepath.Join(dir, "lanxfer")
	}
	return &Options{
		DataDir:            dataDir,
		ListenAddr:         DefaultListenAddr,
		DownloadDir:        "downloads",
		ChunkSize:          limits.DefaultChunkSize,
		BufferSize:         4 * limits.DefaultChunkSize,
		BufferCount:        DefaultBufferCount,
		MaxSessions:        file.DefaultMaxSessions,
		Window:             file.DefaultWindow,
		MaxRetries:         file.DefaultMaxRetries,
		CheckpointEvery:    file.DefaultCheckpointEvery,
		AckTimeout:         file.DefaultAckTimeout,
		NegotiationTimeout: file.DefaultNegotiationTimeout,
		VerifyTimeout:      file.DefaultVerifyTimeout,
		IdleTimeout:        file.DefaultIdleTimeout,
		HandshakeTimeout:   transport.DefaultHandshakeTimeout,
		MessageTimeout:     transport.DefaultMessageTimeout,
		MaxMalformedFrames: transport.DefaultMaxMalformedFrames,
		Debounce:           hotfile.DefaultDebounce,
		MetricsNamespace:   "lanxfer",
	}
}

// Validate reports the first inconsistent option.
func (o *Options) Validate() error {
	if o.DataDir == "" {
		return fmt.Errorf("%w: data dir is required", ErrInvalidOptions)
	}
	if o.DownloadDir == "" {
		return fmt.Errorf("%w: download dir is required", ErrInvalidOptions)
	}
	if err := limits.ValidateChunkSize(o.ChunkSize); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if o.BufferSize != 0 && o.BufferSize < int(o.ChunkSize) {
		return fmt.Errorf("%w: buffer size %d below chunk size %d", ErrInvalidOptions, o.BufferSize, o.ChunkSize)
	}
	if o.BufferCount < 0 || o.MaxSessions < 0 || o.Window < 0 || o.MaxRetries < 0 {
		return fmt.Errorf("%w: counts must not be negative", ErrInvalidOptions)
	}
	if o.Debounce < 0 {
		return fmt.Errorf("%w: debounce must not be negative", ErrInvalidOptions)
	}
	return nil
}

func (o *Options) bufferSize() int {
	if o.BufferSize < int(o.ChunkSize) {
		return int(o.ChunkSize)
	}
	return o.BufferSize
}

func (o *Options) bufferCount() int {
	if o.BufferCount <= 0 {
		return DefaultBufferCount
	}
	return o.BufferCount
}

func (o *Options) managerConfig() file.Config {
	return file.Config{
		DownloadDir:        o.DownloadDir,
		ShareRoot:          o.ShareRoot,
		ChunkSize:          o.ChunkSize,
		MaxSessions:        o.MaxSessions,
		Window:             o.Window,
		MaxRetries:         o.MaxRetries,
		CheckpointEvery:    o.CheckpointEvery,
		AckTimeout:         o.AckTimeout,
		NegotiationTimeout: o.NegotiationTimeout,
		VerifyTimeout:      o.VerifyTimeout,
		IdleTimeout:        o.IdleTimeout,
		Compression:        o.Compression,
		AutoResume:         o.AutoResume,
		Overwrite:          o.Overwrite,
	}
}
