package file

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/lanxfer/bufpool"
	"github.com/opd-ai/lanxfer/hotfile"
	"github.com/opd-ai/lanxfer/resume"
	"github.com/opd-ai/lanxfer/wire"
)

var errLinkClosed = errors.New("link closed")

// memConn is the shared state of a link pair.
type memConn struct {
	done chan struct{}
	once sync.Once
}

func (c *memConn) close() { c.once.Do(func() { close(c.done) }) }

// memLink is one end of an in-memory link. Messages go through the wire
// codec so nothing is shared between the ends.
type memLink struct {
	id   uuid.UUID
	peer string
	conn *memConn
	in   chan []byte
	out  chan []byte

	mu   sync.Mutex
	hook func(m wire.Message) bool
}

// linkPair returns a's link to b and b's link to a.
func linkPair(a, b string) (*memLink, *memLink) {
	conn := &memConn{done: make(chan struct{})}
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	id := uuid.New()
	return &memLink{id: id, peer: b, conn: conn, in: ba, out: ab},
		&memLink{id: id, peer: a, conn: conn, in: ab, out: ba}
}

// onSend installs a hook that sees every outgoing message before it is
// encoded. Returning false drops the message.
func (l *memLink) onSend(hook func(m wire.Message) bool) {
	l.mu.Lock()
	l.hook = hook
	l.mu.Unlock()
}

func (l *memLink) ID() uuid.UUID         { return l.id }
func (l *memLink) PeerID() string        { return l.peer }
func (l *memLink) Done() <-chan struct{} { return l.conn.done }

func (l *memLink) Close() error {
	l.conn.close()
	return nil
}

func (l *memLink) Send(ctx context.Context, m wire.Message) error {
	select {
	case <-l.conn.done:
		return errLinkClosed
	default:
	}
	l.mu.Lock()
	hook := l.hook
	l.mu.Unlock()
	if hook != nil && !hook(m) {
		return nil
	}
	payload, err := wire.Marshal(m)
	if err != nil {
		return err
	}
	select {
	case l.out <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.conn.done:
		return errLinkClosed
	}
}

func (l *memLink) Receive(ctx context.Context) (wire.Message, error) {
	select {
	case payload := <-l.in:
		return wire.Unmarshal(payload)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.conn.done:
		return nil, errLinkClosed
	}
}

type testNode struct {
	mgr      *Manager
	monitor  *hotfile.Monitor
	resume   *resume.Controller
	download string
}

// fastConfig keeps timeouts short enough for tests.
func fastConfig() Config {
	return Config{
		ChunkSize:          1 << 20,
		AckTimeout:         150 * time.Millisecond,
		MaxRetries:         8,
		NegotiationTimeout: 2 * time.Second,
		VerifyTimeout:      5 * time.Second,
		IdleTimeout:        5 * time.Second,
	}
}

func newTestNode(t *testing.T, cfg Config, mutate ...func(*Deps)) *testNode {
	t.Helper()
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = t.TempDir()
	}

	mon, err := hotfile.NewMonitor(hotfile.NewMemoryEpochStore(), 20*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { mon.Close() })

	store, err := resume.NewStore(t.TempDir())
	require.NoError(t, err)
	rc := resume.NewController(store, mon)

	deps := Deps{
		Pool:     bufpool.New(4, 1<<20),
		Monitor:  mon,
		Resume:   rc,
		Capacity: func(string) (uint64, error) { return 1 << 40, nil },
	}
	for _, fn := range mutate {
		fn(&deps)
	}

	mgr, err := NewManager(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return &testNode{mgr: mgr, monitor: mon, resume: rc, download: cfg.DownloadDir}
}

// connect links two nodes and returns sender-side and receiver-side links.
func connect(t *testing.T, a, b *testNode, aID, bID string) (*memLink, *memLink) {
	t.Helper()
	la, lb := linkPair(aID, bID)
	require.NoError(t, a.mgr.AddChannel(la))
	require.NoError(t, b.mgr.AddChannel(lb))
	return la, lb
}

// randomFile writes n pseudo-random bytes and returns path and content.
func randomFile(t *testing.T, dir, name string, n int, seed int64) (string, []byte) {
	t.Helper()
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func waitSession(t *testing.T, s *Session) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "session did not finish")
	return err
}

func requireFileContent(t *testing.T, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, bytes.Equal(want, got), "file content differs")
}

// chunkOffsets records the offsets of ChunkData messages passing a link.
type chunkOffsets struct {
	mu   sync.Mutex
	seen []uint64
}

func (c *chunkOffsets) add(off uint64) {
	c.mu.Lock()
	c.seen = append(c.seen, off)
	c.mu.Unlock()
}

func (c *chunkOffsets) list() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.seen...)
}
