package lanxfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanxfer/bufpool"
	"github.com/opd-ai/lanxfer/catalog"
	"github.com/opd-ai/lanxfer/crypto"
	"github.com/opd-ai/lanxfer/discovery"
	"github.com/opd-ai/lanxfer/file"
	"github.com/opd-ai/lanxfer/hotfile"
	"github.com/opd-ai/lanxfer/metrics"
	"github.com/opd-ai/lanxfer/resume"
	"github.com/opd-ai/lanxfer/transport"
)

var (
	// ErrInvalidOptions is returned by New for inconsistent options.
	ErrInvalidOptions = errors.New("invalid options")
	// ErrNodeClosed is returned after Close.
	ErrNodeClosed = errors.New("node closed")
	// ErrAlreadyListening is returned by a second Listen call.
	ErrAlreadyListening = errors.New("node is already listening")
	// ErrPeerMismatch is returned when a dialed peer announces another id.
	ErrPeerMismatch = errors.New("peer announced an unexpected id")
)

// Node is a lanxfer endpoint: it owns the identity, the listener, and the
// session manager, and connects the subsystems to each other.
type Node struct {
	opts   Options
	keys   *crypto.KeyPair
	peerID string

	catalog *catalog.Catalog
	monitor *hotfile.Monitor
	resume  *resume.Controller
	metrics *metrics.Collector
	pool    *bufpool.Pool
	manager *file.Manager
	tcfg    transport.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener *transport.Listener
	closed   bool
}

// New creates a node from options. A nil options value selects NewOptions.
func New(options *Options) (n *Node, err error) {
	if options == nil {
		options = NewOptions()
	}
	opts := *options
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logger := logrus.WithFields(logrus.Fields{
		"function": "lanxfer.New",
		"data_dir": opts.DataDir,
	})

	// Undo whatever was opened if a later step fails.
	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	ids, err := crypto.NewIdentityStore(filepath.Join(opts.DataDir, "identity"), opts.Passphrase)
	if err != nil {
		return nil, err
	}
	keys, err := ids.LoadOrCreate()
	_ = ids.Close()
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	closers = append(closers, func() error { return crypto.WipeKeyPair(keys) })

	peerID := opts.PeerID
	if peerID == "" {
		peerID = keys.Fingerprint()
	}

	var cat *catalog.Catalog
	if opts.InMemoryCatalog {
		cat, err = catalog.OpenInMemory()
	} else {
		cat, err = catalog.Open(filepath.Join(opts.DataDir, "catalog"))
	}
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	closers = append(closers, cat.Close)

	mon, err := hotfile.NewMonitor(cat, opts.Debounce)
	if err != nil {
		return nil, fmt.Errorf("start file monitor: %w", err)
	}
	closers = append(closers, mon.Close)

	store, err := resume.NewStore(filepath.Join(opts.DataDir, "checkpoints"))
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	rc := resume.NewController(store, mon)

	mc := metrics.New(opts.MetricsNamespace)
	pool := bufpool.New(opts.bufferCount(), opts.bufferSize())
	closers = append(closers, func() error { pool.Close(); return nil })

	mgr, err := file.NewManager(opts.managerConfig(), file.Deps{
		Pool:    pool,
		Monitor: mon,
		Resume:  rc,
		History: cat,
		Metrics: mc,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n = &Node{
		opts:    opts,
		keys:    keys,
		peerID:  peerID,
		catalog: cat,
		monitor: mon,
		resume:  rc,
		metrics: mc,
		pool:    pool,
		manager: mgr,
		ctx:     ctx,
		cancel:  cancel,
		tcfg: transport.Config{
			Keys:               keys,
			PeerID:             peerID,
			HandshakeTimeout:   opts.HandshakeTimeout,
			MessageTimeout:     opts.MessageTimeout,
			ReplayWindow:       opts.ReplayWindow,
			MaxMalformedFrames: opts.MaxMalformedFrames,
			OnHandshake:        mc.Handshake,
		},
	}

	logger.WithFields(logrus.Fields{
		"peer_id":     peerID,
		"fingerprint": keys.Fingerprint(),
	}).Info("Node created")
	return n, nil
}

// PeerID returns the id this node announces.
func (n *Node) PeerID() string { return n.peerID }

// PublicKey returns the node's static public key.
func (n *Node) PublicKey() [crypto.KeySize]byte { return n.keys.Public }

// PublicHex returns the static public key as hex, the form peers pin with
// the "#key" suffix of a peer entry.
func (n *Node) PublicHex() string { return n.keys.PublicHex() }

// Metrics returns the node's collector.
func (n *Node) Metrics() *metrics.Collector { return n.metrics }

// Manager returns the session manager.
func (n *Node) Manager() *file.Manager { return n.manager }

// Descriptor describes this node for peers, with the static key pinned.
func (n *Node) Descriptor() discovery.PeerDescriptor {
	d := discovery.PeerDescriptor{
		ID:        n.peerID,
		StaticKey: append([]byte(nil), n.keys.Public[:]...),
	}
	if addr := n.Addr(); addr != nil {
		d.Addr = addr.String()
	}
	return d
}

// Addr returns the listening address, or nil before Listen.
func (n *Node) Addr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// Listen accepts channels on addr. An empty addr uses Options.ListenAddr.
func (n *Node) Listen(addr string) error {
	if addr == "" {
		addr = n.opts.ListenAddr
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	if n.listener != nil {
		return ErrAlreadyListening
	}

	l, err := transport.Listen(addr, n.tcfg)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	n.listener = l

	n.wg.Add(1)
	go n.acceptLoop(l)
	return nil
}

func (n *Node) acceptLoop(l *transport.Listener) {
	defer n.wg.Done()
	for {
		ch, err := l.Accept(n.ctx)
		if err != nil {
			return
		}
		if err := n.attach(ch); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Node.acceptLoop",
				"peer_id":  ch.PeerID(),
				"error":    err.Error(),
			}).Warn("Dropping accepted channel")
		}
	}
}

// attach hands an established channel to the manager.
func (n *Node) attach(ch *transport.Channel) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		_ = ch.Close()
		return ErrNodeClosed
	}
	n.wg.Add(1)
	n.mu.Unlock()

	if err := n.manager.AddChannel(ch); err != nil {
		n.wg.Done()
		return err
	}
	n.metrics.ChannelOpened()

	go func() {
		defer n.wg.Done()
		<-ch.Done()
		n.metrics.ChannelClosed(ch.MalformedFrames())
	}()
	return nil
}

// Connect dials p unless a channel to it already exists. The peer must
// announce p.ID and, when p.StaticKey is set, present that key.
func (n *Node) Connect(ctx context.Context, p discovery.PeerDescriptor) error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return ErrNodeClosed
	}
	if n.manager.HasChannel(p.ID) {
		return nil
	}

	ch, err := transport.Dial(ctx, p.Addr, n.tcfg, p.StaticKey)
	if err != nil {
		return err
	}
	if p.ID != "" && ch.PeerID() != p.ID {
		_ = ch.Close()
		return fmt.Errorf("%w: want %q, got %q", ErrPeerMismatch, p.ID, ch.PeerID())
	}
	return n.attach(ch)
}

// Watch consumes discovery events until ctx ends. Both sides of a pair see
// each other, so only the side with the smaller id dials.
func (n *Node) Watch(ctx context.Context, src discovery.Source) {
	n.manager.Watch(ctx, src, func(ctx context.Context, p discovery.PeerDescriptor) error {
		if p.ID == n.peerID || n.peerID > p.ID {
			return nil
		}
		return n.Connect(ctx, p)
	})
}

// SendFile offers localPath to peerID under remotePath and returns the
// running session.
func (n *Node) SendFile(ctx context.Context, peerID, localPath, remotePath string) (*file.Session, error) {
	return n.manager.SendFile(ctx, peerID, localPath, remotePath)
}

// Sessions returns the active sessions.
func (n *Node) Sessions() []*file.Session { return n.manager.Sessions() }

// Checkpoints lists resumable transfers.
func (n *Node) Checkpoints() ([]*resume.Checkpoint, error) { return n.resume.Store().List() }

// History returns up to limit finished transfers, newest first.
func (n *Node) History(limit int) ([]catalog.TransferRecord, error) {
	return n.catalog.History(limit)
}

// Close cancels sessions, closes channels and releases every resource.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	l := n.listener
	n.mu.Unlock()

	n.cancel()
	var errs []error
	if l != nil {
		errs = append(errs, l.Close())
	}
	errs = append(errs, n.manager.Close())
	n.wg.Wait()
	n.pool.Close()
	errs = append(errs, n.monitor.Close(), n.catalog.Close(), crypto.WipeKeyPair(n.keys))

	logrus.WithFields(logrus.Fields{
		"function": "Node.Close",
		"peer_id":  n.peerID,
	}).Info("Node closed")
	return errors.Join(errs...)
}
