package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanxfer/bufpool"
	"github.com/opd-ai/lanxfer/catalog"
	"github.com/opd-ai/lanxfer/discovery"
	"github.com/opd-ai/lanxfer/hotfile"
	"github.com/opd-ai/lanxfer/limits"
	"github.com/opd-ai/lanxfer/metrics"
	"github.com/opd-ai/lanxfer/resume"
	"github.com/opd-ai/lanxfer/wire"
)

// Defaults for Config fields left zero.
const (
	DefaultMaxSessions        = 4
	DefaultWindow             = 8
	DefaultMaxRetries         = 5
	DefaultAckTimeout         = 5 * time.Second
	DefaultNegotiationTimeout = 15 * time.Second
	DefaultVerifyTimeout      = 60 * time.Second
	DefaultIdleTimeout        = 60 * time.Second
	DefaultCheckpointEvery    = 4
)

// Config tunes the session engine.
type Config struct {
	// DownloadDir receives incoming files. Required.
	DownloadDir string
	// ShareRoot is where ResumeRequest paths are resolved. Empty disables
	// resume on the sending side.
	ShareRoot string
	// ChunkSize used for outgoing manifests.
	ChunkSize uint32
	// MaxSessions bounds concurrent sessions in both directions.
	MaxSessions int
	// Window is the number of chunks a sender keeps in flight.
	Window int
	// MaxRetries per chunk before the session fails.
	MaxRetries int
	// CheckpointEvery saves receive progress after this many acks.
	CheckpointEvery    int
	AckTimeout         time.Duration
	NegotiationTimeout time.Duration
	VerifyTimeout      time.Duration
	// IdleTimeout fails a receive that hears nothing for this long.
	IdleTimeout time.Duration
	// Compression lets the sender lz4-compress chunk payloads.
	Compression bool
	// AutoResume requests resumable checkpoints when a peer connects.
	AutoResume bool
	// Overwrite lets a receive replace an existing destination file.
	Overwrite bool
}

func (c Config) withDefaults() Config {
	if c.ChunkSize == 0 {
		c.ChunkSize = limits.DefaultChunkSize
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = DefaultCheckpointEvery
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = DefaultVerifyTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	return c
}

// HistoryRecorder stores finished transfers. *catalog.Catalog satisfies it.
type HistoryRecorder interface {
	RecordTransfer(r *catalog.TransferRecord) error
}

// CapacityFunc reports the free bytes of the filesystem holding dir.
type CapacityFunc func(dir string) (uint64, error)

// Deps are the shared services a Manager uses. Pool, Monitor and Resume are
// required.
type Deps struct {
	Pool     *bufpool.Pool
	Monitor  *hotfile.Monitor
	Resume   *resume.Controller
	History  HistoryRecorder
	Metrics  *metrics.Collector
	Capacity CapacityFunc
	Clock    resume.TimeProvider
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type peerLink struct {
	link Link
}

type pendingResume struct {
	cp   *resume.Checkpoint
	link Link
}

// Manager owns every session and every link. Sessions reach their link and
// peer only through it.
type Manager struct {
	cfg  Config
	deps Deps

	ctx    context.Context
	cancel context.CancelCauseFunc

	loopCtx   context.Context
	stopLoops context.CancelFunc

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	links    map[string]*peerLink
	pending  map[uuid.UUID]*pendingResume
	closed   bool

	sessWG sync.WaitGroup
	loopWG sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	cfg = cfg.withDefaults()
	if deps.Pool == nil || deps.Monitor == nil || deps.Resume == nil {
		return nil, errors.New("manager requires a buffer pool, a hot-file monitor and a resume controller")
	}
	if cfg.DownloadDir == "" {
		return nil, errors.New("manager requires a download directory")
	}
	if err := limits.ValidateChunkSize(cfg.ChunkSize); err != nil {
		return nil, err
	}
	if deps.Pool.Size() < int(cfg.ChunkSize) {
		return nil, fmt.Errorf("%w: chunk size %d, buffer size %d", bufpool.ErrBufferTooSmall, cfg.ChunkSize, deps.Pool.Size())
	}
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	if deps.Capacity == nil {
		deps.Capacity = AvailableBytes
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}

	m := &Manager{
		cfg:      cfg,
		deps:     deps,
		sessions: make(map[uuid.UUID]*Session),
		links:    make(map[string]*peerLink),
		pending:  make(map[uuid.UUID]*pendingResume),
	}
	m.ctx, m.cancel = context.WithCancelCause(context.Background())
	m.loopCtx, m.stopLoops = context.WithCancel(context.Background())

	logrus.WithFields(logrus.Fields{
		"function":     "NewManager",
		"download_dir": cfg.DownloadDir,
		"share_root":   cfg.ShareRoot,
		"max_sessions": cfg.MaxSessions,
		"window":       cfg.Window,
		"chunk_size":   cfg.ChunkSize,
	}).Info("Session manager created")
	return m, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// AddChannel takes over an established link and starts reading from it. A
// previous link to the same peer is closed, cancelling its sessions.
func (m *Manager) AddChannel(link Link) error {
	peer := link.PeerID()
	pl := &peerLink{link: link}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = link.Close()
		return ErrManagerClosed
	}
	old := m.links[peer]
	m.links[peer] = pl
	m.loopWG.Add(1)
	m.mu.Unlock()

	logger := logrus.WithFields(logrus.Fields{
		"function": "Manager.AddChannel",
		"peer_id":  peer,
		"channel":  link.ID(),
	})
	if old != nil {
		logger.WithField("old_channel", old.link.ID()).Info("Replacing channel to peer")
		_ = old.link.Close()
	}
	logger.Info("Channel added")

	go m.readLoop(pl)
	if m.cfg.AutoResume {
		m.loopWG.Add(1)
		go func() {
			defer m.loopWG.Done()
			m.requestResumes(link)
		}()
	}
	return nil
}

// HasChannel reports whether a link to peerID is registered.
func (m *Manager) HasChannel(peerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.links[peerID] != nil
}

// Peers returns the ids of connected peers.
func (m *Manager) Peers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.links))
	for id := range m.links {
		out = append(out, id)
	}
	return out
}

// ClosePeer closes the link to peerID, cancelling its sessions.
func (m *Manager) ClosePeer(peerID string) {
	m.mu.RLock()
	pl := m.links[peerID]
	m.mu.RUnlock()
	if pl != nil {
		_ = pl.link.Close()
	}
}

func (m *Manager) readLoop(pl *peerLink) {
	defer m.loopWG.Done()
	for {
		msg, err := pl.link.Receive(m.loopCtx)
		if err != nil {
			m.dropLink(pl, err)
			return
		}
		m.dispatch(pl.link, msg)
	}
}

// dropLink forgets a dead link and cancels the sessions bound to it.
// Their checkpoints stay on disk.
func (m *Manager) dropLink(pl *peerLink, cause error) {
	peer := pl.link.PeerID()

	m.mu.Lock()
	if m.links[peer] == pl {
		delete(m.links, peer)
	}
	var bound []*Session
	for _, s := range m.sessions {
		if s.link == pl.link {
			bound = append(bound, s)
		}
	}
	for id, pr := range m.pending {
		if pr.link == pl.link {
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()

	_ = pl.link.Close()

	logrus.WithFields(logrus.Fields{
		"function": "Manager.dropLink",
		"peer_id":  peer,
		"channel":  pl.link.ID(),
		"sessions": len(bound),
		"cause":    cause.Error(),
	}).Info("Channel closed")

	lost := fmt.Errorf("%w: %v", ErrChannelLost, cause)
	for _, s := range bound {
		s.cancel(lost)
	}
}

// dispatch routes one message from link.
func (m *Manager) dispatch(link Link, msg wire.Message) {
	switch msg := msg.(type) {
	case *wire.ManifestOffer:
		m.handleOffer(link, msg)
	case *wire.ResumeRequest:
		m.loopWG.Add(1)
		go func() {
			defer m.loopWG.Done()
			m.handleResumeRequest(link, msg)
		}()
	case *wire.ManifestAccept, *wire.ManifestReject, *wire.ChunkData, *wire.ChunkAck,
		*wire.ChunkNack, *wire.SessionCancel, *wire.SessionComplete:
		m.route(link, msg)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Manager.dispatch",
			"kind":     msg.Kind(),
		}).Warn("Unhandled message kind")
	}
}

func (m *Manager) route(link Link, msg wire.Message) {
	id := msg.SessionID()

	m.mu.RLock()
	s := m.sessions[id]
	pr := m.pending[id]
	m.mu.RUnlock()

	logger := logrus.WithFields(logrus.Fields{
		"function":   "Manager.route",
		"session_id": id,
		"peer_id":    link.PeerID(),
		"kind":       msg.Kind(),
	})

	switch {
	case s != nil && s.link == link:
		s.deliver(msg)
	case s != nil:
		logger.Warn("Message for a session bound to another channel")
	case pr != nil && pr.link == link:
		m.resolvePending(id, pr, msg)
	default:
		logger.Debug("Message for unknown session")
	}
}

// admit registers s unless the session limit is reached or the id is taken.
func (m *Manager) admit(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if _, ok := m.sessions[s.id]; ok {
		return fmt.Errorf("session %s already exists", s.id)
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		return fmt.Errorf("%w (%d)", ErrBusy, m.cfg.MaxSessions)
	}
	if s.direction == DirectionReceive {
		for _, o := range m.sessions {
			if o.direction == DirectionReceive && o.local == s.local {
				return fmt.Errorf("destination %s is already being received", s.local)
			}
		}
	}
	m.sessions[s.id] = s
	delete(m.pending, s.id)
	m.sessWG.Add(1)
	return nil
}

// start runs a session registered by admit to completion in its own
// goroutine.
func (m *Manager) start(s *Session, run func(ctx context.Context) error) {
	m.deps.Metrics.SessionStarted(s.direction.String())
	go func() {
		defer m.sessWG.Done()
		err := run(s.ctx)
		if reason, ok := cancelReason(err); ok {
			m.notifyCancel(s, reason, err)
		}
		from := s.finish(err, m.deps.Clock.Now())
		m.remove(s)
		m.record(s, from)
	}()
}

// notifyCancel tells the peer a session ended on this side.
func (m *Manager) notifyCancel(s *Session, reason wire.CancelReason, cause error) {
	detail := cause.Error()
	if len(detail) > limits.MaxReasonLength {
		detail = detail[:limits.MaxReasonLength]
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AckTimeout)
	defer cancel()
	err := s.link.Send(ctx, &wire.SessionCancel{Session: s.id, Reason: reason, Detail: detail})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.notifyCancel",
			"session_id": s.id,
			"reason":     reason,
			"error":      err.Error(),
		}).Debug("Could not notify peer of cancellation")
	}
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
}

// record stores the outcome of a finished session.
func (m *Manager) record(s *Session, from State) {
	state := s.State()
	m.deps.Metrics.SessionFinished(s.direction.String(), state.String(), s.finishedAt().Sub(s.started))
	if m.deps.History == nil {
		return
	}

	stats := s.Stats()
	r := &catalog.TransferRecord{
		SessionID:   s.id.String(),
		PeerID:      s.peerID,
		Direction:   s.direction.String(),
		Path:        s.path,
		Result:      state.String(),
		Retransmits: stats.Retransmits,
		Resumed:     stats.Resumed,
		Started:     s.started,
		Finished:    s.finishedAt(),
	}
	if man := s.Manifest(); man != nil {
		r.Size = man.Size
		r.FileHash = man.FileHash
	}
	if s.direction == DirectionSend {
		r.Bytes = stats.BytesSent
	} else {
		r.Bytes = stats.BytesReceived
	}
	if err := s.Err(); err != nil {
		r.Error = fmt.Sprintf("%s (in %s)", err, from)
	}
	if err := m.deps.History.RecordTransfer(r); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.record",
			"session_id": s.id,
			"error":      err.Error(),
		}).Warn("Failed to record transfer history")
	}
}

// Session returns the active session with id.
func (m *Manager) Session(id uuid.UUID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns the active sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// SendFile offers localPath to peerID under remotePath, the base name when
// empty. The session runs in the background; cancelling ctx cancels it.
func (m *Manager) SendFile(ctx context.Context, peerID, localPath, remotePath string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if remotePath == "" {
		remotePath = filepath.Base(localPath)
	}
	rel, err := ValidatePath(filepath.ToSlash(remotePath))
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", localPath)
	}

	m.mu.RLock()
	pl := m.links[peerID]
	m.mu.RUnlock()
	if pl == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoChannel, peerID)
	}

	s := newSession(m.ctx, uuid.New(), DirectionSend, pl.link, rel, localPath, m.inboxSize(), m.deps.Clock.Now())
	if err := m.admit(s); err != nil {
		s.cancel(err)
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.SendFile",
		"session_id": s.id,
		"peer_id":    peerID,
		"path":       rel,
		"size":       info.Size(),
	}).Info("Starting send")

	stop := context.AfterFunc(ctx, func() { s.cancel(ErrCancelled) })
	m.start(s, func(sctx context.Context) error {
		defer stop()
		return m.runSend(sctx, s, nil)
	})
	return s, nil
}

func (m *Manager) inboxSize() int {
	return 2*m.cfg.Window + 16
}

// Watch consumes discovery events until ctx ends. Appearing peers are
// passed to connect unless already linked; disappearing peers have their
// link closed.
func (m *Manager) Watch(ctx context.Context, src discovery.Source, connect func(context.Context, discovery.PeerDescriptor) error) {
	events := src.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			logger := logrus.WithFields(logrus.Fields{
				"function": "Manager.Watch",
				"peer_id":  ev.Peer.ID,
				"event":    ev.Kind,
			})
			switch ev.Kind {
			case discovery.PeerAppeared:
				if m.HasChannel(ev.Peer.ID) || connect == nil {
					continue
				}
				if err := connect(ctx, ev.Peer); err != nil {
					logger.WithField("error", err.Error()).Warn("Failed to connect to discovered peer")
				}
			case discovery.PeerDisappeared:
				logger.Info("Peer disappeared")
				m.ClosePeer(ev.Peer.ID)
			}
		}
	}
}

// Close cancels every session, telling peers, then closes every link.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel(ErrManagerClosed)
	m.sessWG.Wait()

	m.stopLoops()
	m.mu.Lock()
	links := make([]*peerLink, 0, len(m.links))
	for _, pl := range m.links {
		links = append(links, pl)
	}
	m.mu.Unlock()
	for _, pl := range links {
		_ = pl.link.Close()
	}
	m.loopWG.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Manager.Close",
	}).Info("Session manager closed")
	return nil
}
