package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/lanxfer/catalog"
	"github.com/opd-ai/lanxfer/discovery"
	"github.com/opd-ai/lanxfer/integrity"
	"github.com/opd-ai/lanxfer/wire"
)

func dropChunks(m wire.Message) bool {
	_, chunk := m.(*wire.ChunkData)
	return !chunk
}

func TestSendFileBusyAtLimit(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxSessions = 1
	cfg.NegotiationTimeout = 10 * time.Second
	sender := newTestNode(t, cfg)

	toBob, _ := linkPair("alice", "bob")
	require.NoError(t, sender.mgr.AddChannel(toBob))

	src, _ := randomFile(t, t.TempDir(), "a.bin", 4096, 1)
	first, err := sender.mgr.SendFile(context.Background(), "bob", src, "")
	require.NoError(t, err)

	_, err = sender.mgr.SendFile(context.Background(), "bob", src, "b.bin")
	assert.ErrorIs(t, err, ErrBusy)

	first.Cancel()
	assert.ErrorIs(t, waitSession(t, first), ErrCancelled)
	require.Eventually(t, func() bool { return len(sender.mgr.Sessions()) == 0 }, 5*time.Second, 10*time.Millisecond)

	second, err := sender.mgr.SendFile(context.Background(), "bob", src, "b.bin")
	require.NoError(t, err, "a slot frees up when a session ends")
	second.Cancel()
}

func TestRemoteBusyIsRetryable(t *testing.T) {
	scfg := fastConfig()
	scfg.AckTimeout = time.Second
	sender := newTestNode(t, scfg)
	rcfg := fastConfig()
	rcfg.MaxSessions = 1
	receiver := newTestNode(t, rcfg)
	toBob, _ := connect(t, sender, receiver, "alice", "bob")
	toBob.onSend(dropChunks)

	srcDir := t.TempDir()
	a, _ := randomFile(t, srcDir, "a.bin", 8192, 1)
	b, _ := randomFile(t, srcDir, "b.bin", 8192, 2)

	first, err := sender.mgr.SendFile(context.Background(), "bob", a, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(receiver.mgr.Sessions()) == 1 }, 5*time.Second, 5*time.Millisecond)

	second, err := sender.mgr.SendFile(context.Background(), "bob", b, "")
	require.NoError(t, err)
	err = waitSession(t, second)
	assert.ErrorIs(t, err, ErrBusy)
	assert.NotErrorIs(t, err, ErrManifestRejected)

	var re *RejectError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, wire.RejectBusy, re.Reason)
	assert.Equal(t, StateFailed, second.State())

	first.Cancel()
	waitSession(t, first)
}

// rawPeer drives a manager from the test through the other end of a link.
func rawPeer(t *testing.T, n *testNode, self, peer string) *memLink {
	t.Helper()
	toNode, toPeer := linkPair(self, peer)
	require.NoError(t, n.mgr.AddChannel(toPeer))
	return toNode
}

func recv(t *testing.T, l *memLink) wire.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := l.Receive(ctx)
	require.NoError(t, err)
	return m
}

func offerFor(path string, size uint64) *wire.ManifestOffer {
	count := chunkCount(size, 4096)
	return &wire.ManifestOffer{
		Session:     uuid.New(),
		Path:        path,
		Size:        size,
		FileHash:    1,
		ChunkSize:   4096,
		ChunkHashes: make([]uint64, count),
	}
}

func TestOfferRejections(t *testing.T) {
	tests := []struct {
		name   string
		offer  func(download string) *wire.ManifestOffer
		free   uint64
		reason wire.RejectReason
	}{
		{
			name:   "traversal",
			offer:  func(string) *wire.ManifestOffer { return offerFor("../../etc/passwd", 10) },
			free:   1 << 30,
			reason: wire.RejectInvalidManifest,
		},
		{
			name: "geometry",
			offer: func(string) *wire.ManifestOffer {
				o := offerFor("f.bin", 10000)
				o.ChunkHashes = o.ChunkHashes[:1]
				return o
			},
			free:   1 << 30,
			reason: wire.RejectInvalidManifest,
		},
		{
			name:   "no space",
			offer:  func(string) *wire.ManifestOffer { return offerFor("big.bin", 1<<20) },
			free:   1 << 10,
			reason: wire.RejectInsufficientSpace,
		},
		{
			name: "exists",
			offer: func(download string) *wire.ManifestOffer {
				_ = os.WriteFile(filepath.Join(download, "have.bin"), []byte("x"), 0o644)
				return offerFor("have.bin", 10)
			},
			free:   1 << 30,
			reason: wire.RejectDuplicate,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestNode(t, fastConfig(), func(d *Deps) {
				d.Capacity = func(string) (uint64, error) { return tt.free, nil }
			})
			peer := rawPeer(t, n, "mallory", "bob")

			offer := tt.offer(n.download)
			require.NoError(t, peer.Send(context.Background(), offer))

			msg := recv(t, peer)
			rej, ok := msg.(*wire.ManifestReject)
			require.True(t, ok, "got %T", msg)
			assert.Equal(t, offer.Session, rej.Session)
			assert.Equal(t, tt.reason, rej.Reason)
			assert.Empty(t, n.mgr.Sessions())
		})
	}
}

func TestDuplicateSessionRejected(t *testing.T) {
	n := newTestNode(t, fastConfig())
	peer := rawPeer(t, n, "mallory", "bob")

	offer := offerFor("one.bin", 4096)
	require.NoError(t, peer.Send(context.Background(), offer))
	accept, ok := recv(t, peer).(*wire.ManifestAccept)
	require.True(t, ok)
	assert.Equal(t, offer.Session, accept.Session)

	again := offerFor("two.bin", 4096)
	again.Session = offer.Session
	require.NoError(t, peer.Send(context.Background(), again))
	rej, ok := recv(t, peer).(*wire.ManifestReject)
	require.True(t, ok)
	assert.Equal(t, wire.RejectDuplicate, rej.Reason)

	same := offerFor("one.bin", 4096)
	require.NoError(t, peer.Send(context.Background(), same))
	rej, ok = recv(t, peer).(*wire.ManifestReject)
	require.True(t, ok)
	assert.Equal(t, wire.RejectDuplicate, rej.Reason, "same destination twice")
}

func TestReceiverNacksCorruptChunk(t *testing.T) {
	n := newTestNode(t, fastConfig())
	peer := rawPeer(t, n, "mallory", "bob")

	data := []byte("0123456789")
	hash := integrity.HashChunk(data)
	offer := &wire.ManifestOffer{
		Session: uuid.New(), Path: "tiny.txt", Size: 10, FileHash: hash,
		ChunkSize: 4096, ChunkHashes: []uint64{hash},
	}
	ctx := context.Background()
	require.NoError(t, peer.Send(ctx, offer))
	_, ok := recv(t, peer).(*wire.ManifestAccept)
	require.True(t, ok)

	bad := append([]byte(nil), data...)
	bad[0] ^= 0xff
	require.NoError(t, peer.Send(ctx, &wire.ChunkData{Session: offer.Session, Length: 10, Hash: hash, Data: bad}))
	nack, ok := recv(t, peer).(*wire.ChunkNack)
	require.True(t, ok)
	assert.Equal(t, wire.NackHashMismatch, nack.Reason)

	require.NoError(t, peer.Send(ctx, &wire.ChunkData{Session: offer.Session, Offset: 4096, Length: 10, Hash: hash, Data: data}))
	nack, ok = recv(t, peer).(*wire.ChunkNack)
	require.True(t, ok)
	assert.Equal(t, wire.NackBadRange, nack.Reason)

	require.NoError(t, peer.Send(ctx, &wire.ChunkData{Session: offer.Session, Length: 10, Hash: hash, Data: data}))
	_, ok = recv(t, peer).(*wire.ChunkAck)
	require.True(t, ok)

	complete, ok := recv(t, peer).(*wire.SessionComplete)
	require.True(t, ok)
	assert.Equal(t, hash, complete.FileHash)
	requireFileContent(t, filepath.Join(n.download, "tiny.txt"), data)
}

func TestPeerCancelReachesSaturatedSession(t *testing.T) {
	cfg := fastConfig()
	cfg.IdleTimeout = 30 * time.Second
	n := newTestNode(t, cfg)

	// The session stalls on its first answer, so its inbox fills up.
	release := make(chan struct{})
	toNode, toPeer := linkPair("mallory", "bob")
	toPeer.onSend(func(m wire.Message) bool {
		switch m.(type) {
		case *wire.ChunkAck, *wire.ChunkNack:
			<-release
		}
		return true
	})
	require.NoError(t, n.mgr.AddChannel(toPeer))

	ctx := context.Background()
	offer := offerFor("flood.bin", 200*4096)
	require.NoError(t, toNode.Send(ctx, offer))
	accept, ok := recv(t, toNode).(*wire.ManifestAccept)
	require.True(t, ok)
	assert.Equal(t, uint32(DefaultWindow), accept.Window)

	s, ok := n.mgr.Session(offer.Session)
	require.True(t, ok)

	zeros := make([]byte, 4096)
	for i := 0; i < 200; i++ {
		require.NoError(t, toNode.Send(ctx, &wire.ChunkData{Session: offer.Session, Offset: uint64(i) * 4096, Length: 4096, Data: zeros}))
	}
	require.NoError(t, toNode.Send(ctx, &wire.SessionCancel{Session: offer.Session, Reason: wire.CancelUser}))
	require.Eventually(t, func() bool { return len(toPeer.in) == 0 }, 5*time.Second, 5*time.Millisecond)
	close(release)

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.Wait(wctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "the cancel was lost")
	assert.ErrorIs(t, err, ErrCancelled)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateCancelled, s.State())
}

func TestAutoResumeRequestsReoffer(t *testing.T) {
	share := t.TempDir()
	scfg := fastConfig()
	scfg.ChunkSize = 4096
	scfg.ShareRoot = share
	sender := newTestNode(t, scfg)

	rcfg := fastConfig()
	rcfg.AutoResume = true
	receiver := newTestNode(t, rcfg)

	_, data := randomFile(t, share, "movie.bin", 5*4096+7, 21)
	seedCheckpoint(t, receiver, "movie.bin", data, 4096, []int{0, 3}, "alice")

	connect(t, sender, receiver, "alice", "bob")

	dest := filepath.Join(receiver.download, "movie.bin")
	require.Eventually(t, func() bool {
		_, err := os.Stat(dest)
		return err == nil && len(receiver.mgr.Sessions()) == 0
	}, 10*time.Second, 10*time.Millisecond)
	requireFileContent(t, dest, data)
}

func TestResumeOfChangedFileDropsCheckpoint(t *testing.T) {
	share := t.TempDir()
	scfg := fastConfig()
	scfg.ChunkSize = 4096
	scfg.ShareRoot = share
	sender := newTestNode(t, scfg)

	rcfg := fastConfig()
	rcfg.AutoResume = true
	receiver := newTestNode(t, rcfg)

	_, old := randomFile(t, t.TempDir(), "movie.bin", 3*4096, 21)
	randomFile(t, share, "movie.bin", 3*4096, 22)
	cp := seedCheckpoint(t, receiver, "movie.bin", old, 4096, []int{0}, "alice")
	epoch := receiver.monitor.Epoch(cp.Dest)

	connect(t, sender, receiver, "alice", "bob")

	require.Eventually(t, func() bool {
		_, err := os.Stat(PartialPath(cp.Dest, cp.FileHash))
		return os.IsNotExist(err)
	}, 10*time.Second, 10*time.Millisecond)
	_, err := receiver.resume.Store().Load("movie.bin", cp.FileHash)
	assert.Error(t, err)
	assert.Greater(t, receiver.monitor.Epoch(cp.Dest), epoch)
}

func TestChannelReplacementCancelsSessions(t *testing.T) {
	sender := newTestNode(t, fastConfig())
	receiver := newTestNode(t, fastConfig())
	toBob, _ := connect(t, sender, receiver, "alice", "bob")
	toBob.onSend(dropChunks)

	src, _ := randomFile(t, t.TempDir(), "a.bin", 8192, 1)
	s, err := sender.mgr.SendFile(context.Background(), "bob", src, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.State() == StateTransferring }, 5*time.Second, 5*time.Millisecond)

	fresh, _ := linkPair("alice", "bob")
	require.NoError(t, sender.mgr.AddChannel(fresh))

	assert.ErrorIs(t, waitSession(t, s), ErrChannelLost)
	assert.Equal(t, StateCancelled, s.State())
	assert.True(t, sender.mgr.HasChannel("bob"))
}

type memHistory struct {
	mu      sync.Mutex
	records []catalog.TransferRecord
}

func (h *memHistory) RecordTransfer(r *catalog.TransferRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, *r)
	return nil
}

func (h *memHistory) all() []catalog.TransferRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]catalog.TransferRecord(nil), h.records...)
}

func TestFinishedSessionsAreRecorded(t *testing.T) {
	var sent, received memHistory
	sender := newTestNode(t, fastConfig(), func(d *Deps) { d.History = &sent })
	receiver := newTestNode(t, fastConfig(), func(d *Deps) { d.History = &received })
	connect(t, sender, receiver, "alice", "bob")

	src, data := randomFile(t, t.TempDir(), "r.bin", 5000, 4)
	s, err := sender.mgr.SendFile(context.Background(), "bob", src, "")
	require.NoError(t, err)
	require.NoError(t, waitSession(t, s))

	require.Eventually(t, func() bool { return len(sent.all()) == 1 && len(received.all()) == 1 }, 5*time.Second, 10*time.Millisecond)
	out, in := sent.all()[0], received.all()[0]
	assert.Equal(t, s.ID().String(), out.SessionID)
	assert.Equal(t, out.SessionID, in.SessionID)
	assert.Equal(t, "send", out.Direction)
	assert.Equal(t, "recv", in.Direction)
	assert.Equal(t, "completed", out.Result)
	assert.Equal(t, "bob", out.PeerID)
	assert.Equal(t, "alice", in.PeerID)
	assert.Equal(t, uint64(len(data)), in.Bytes)
	assert.Equal(t, integrity.HashChunk(data), in.FileHash)
}

func TestWatchClosesDisappearedPeers(t *testing.T) {
	sender := newTestNode(t, fastConfig())
	receiver := newTestNode(t, fastConfig())
	connect(t, sender, receiver, "alice", "bob")

	src := discovery.NewManual()
	var mu sync.Mutex
	var dialed []string
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sender.mgr.Watch(ctx, src, func(_ context.Context, p discovery.PeerDescriptor) error {
		mu.Lock()
		dialed = append(dialed, p.ID)
		mu.Unlock()
		return nil
	})

	src.Add(discovery.PeerDescriptor{ID: "carol", Addr: "127.0.0.1:1"})
	src.Add(discovery.PeerDescriptor{ID: "bob", Addr: "127.0.0.1:2"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dialed) == 1 && dialed[0] == "carol"
	}, 5*time.Second, 10*time.Millisecond, "connected peers are not dialled again")

	src.Remove("bob")
	require.Eventually(t, func() bool { return !sender.mgr.HasChannel("bob") }, 5*time.Second, 10*time.Millisecond)
}

func TestCloseCancelsSessions(t *testing.T) {
	sender := newTestNode(t, fastConfig())
	receiver := newTestNode(t, fastConfig())
	toBob, _ := connect(t, sender, receiver, "alice", "bob")
	toBob.onSend(dropChunks)

	src, _ := randomFile(t, t.TempDir(), "a.bin", 8192, 1)
	s, err := sender.mgr.SendFile(context.Background(), "bob", src, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.State() == StateTransferring }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, sender.mgr.Close())
	assert.ErrorIs(t, s.Err(), ErrManagerClosed)
	assert.Equal(t, StateCancelled, s.State())

	_, err = sender.mgr.SendFile(context.Background(), "bob", src, "")
	assert.Error(t, err)
	assert.ErrorIs(t, sender.mgr.AddChannel(&memLink{conn: &memConn{done: make(chan struct{})}}), ErrManagerClosed)
}

func TestCancelReasonMapping(t *testing.T) {
	tests := []struct {
		err    error
		reason wire.CancelReason
		notify bool
	}{
		{ErrSourceFileChanged, wire.CancelSourceChanged, true},
		{ErrIntegrityMismatch, wire.CancelIntegrityMismatch, true},
		{timeoutErr(ErrChunkTransferFailed, "x"), wire.CancelTransferFailed, true},
		{ErrCancelled, wire.CancelUser, true},
		{ErrManagerClosed, wire.CancelShutdown, true},
		{ErrChannelLost, 0, false},
		{&CancelError{Reason: wire.CancelUser}, 0, false},
		{&RejectError{Reason: wire.RejectBusy}, 0, false},
	}
	for _, tt := range tests {
		reason, notify := cancelReason(tt.err)
		assert.Equal(t, tt.notify, notify, "%v", tt.err)
		assert.Equal(t, tt.reason, reason, "%v", tt.err)
	}

	assert.ErrorIs(t, &CancelError{Reason: wire.CancelSourceChanged}, ErrSourceFileChanged)
	assert.ErrorIs(t, &CancelError{Reason: wire.CancelShutdown}, ErrCancelled)
	assert.ErrorIs(t, &RejectError{Reason: wire.RejectInsufficientSpace}, ErrManifestRejected)
}
