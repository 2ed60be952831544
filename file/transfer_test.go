package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/lanxfer/integrity"
	"github.com/opd-ai/lanxfer/resume"
	"github.com/opd-ai/lanxfer/wire"
)

func TestTransferOverLossyLink(t *testing.T) {
	sender := newTestNode(t, fastConfig())
	receiver := newTestNode(t, fastConfig())
	toBob, _ := connect(t, sender, receiver, "alice", "bob")

	// Every tenth chunk frame is lost.
	var frames, dropped atomic.Int64
	toBob.onSend(func(m wire.Message) bool {
		if _, ok := m.(*wire.ChunkData); !ok {
			return true
		}
		if frames.Add(1)%10 == 3 {
			dropped.Add(1)
			return false
		}
		return true
	})

	src, data := randomFile(t, t.TempDir(), "payload.bin", 10<<20, 7)
	s, err := sender.mgr.SendFile(context.Background(), "bob", src, "")
	require.NoError(t, err)
	require.NoError(t, waitSession(t, s))

	assert.Equal(t, StateCompleted, s.State())
	acked, total := s.Progress()
	assert.Equal(t, 10, total)
	assert.Equal(t, 10, acked)
	assert.Positive(t, dropped.Load())
	assert.GreaterOrEqual(t, s.Stats().Retransmits, uint64(dropped.Load()))

	requireFileContent(t, filepath.Join(receiver.download, "payload.bin"), data)
	_, err = os.Stat(PartialPath(filepath.Join(receiver.download, "payload.bin"), integrity.HashChunk(data)))
	assert.True(t, os.IsNotExist(err), "partial file is renamed away")
}

func TestTransferCompressed(t *testing.T) {
	cfg := fastConfig()
	cfg.ChunkSize = 64 << 10
	cfg.Compression = true
	sender := newTestNode(t, cfg)
	receiver := newTestNode(t, fastConfig())
	toBob, _ := connect(t, sender, receiver, "alice", "bob")

	var compressed atomic.Int64
	toBob.onSend(func(m wire.Message) bool {
		if c, ok := m.(*wire.ChunkData); ok && c.Flags&wire.FlagCompressed != 0 {
			compressed.Add(1)
		}
		return true
	})

	data := make([]byte, 300<<10)
	for i := range data {
		data[i] = byte(i / 1024)
	}
	src := filepath.Join(t.TempDir(), "text.log")
	require.NoError(t, os.WriteFile(src, data, 0o644))

	s, err := sender.mgr.SendFile(context.Background(), "bob", src, "logs/text.log")
	require.NoError(t, err)
	require.NoError(t, waitSession(t, s))

	assert.Positive(t, compressed.Load())
	assert.Less(t, s.Stats().BytesSent, uint64(len(data)))
	requireFileContent(t, filepath.Join(receiver.download, "logs", "text.log"), data)
}

func TestTransferEmptyFile(t *testing.T) {
	sender := newTestNode(t, fastConfig())
	receiver := newTestNode(t, fastConfig())
	connect(t, sender, receiver, "alice", "bob")

	src, _ := randomFile(t, t.TempDir(), "empty", 0, 1)
	s, err := sender.mgr.SendFile(context.Background(), "bob", src, "")
	require.NoError(t, err)
	require.NoError(t, waitSession(t, s))

	info, err := os.Stat(filepath.Join(receiver.download, "empty"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

// seedCheckpoint gives the receiver a partial file holding the chunks in
// acked and a matching checkpoint.
func seedCheckpoint(t *testing.T, n *testNode, rel string, data []byte, chunkSize uint32, acked []int, peer string) *resume.Checkpoint {
	t.Helper()
	dest, err := Resolve(n.download, rel)
	require.NoError(t, err)
	hash := integrity.HashChunk(data)

	partial := make([]byte, len(data))
	count := int(chunkCount(uint64(len(data)), chunkSize))
	bm := resume.NewBitmap(count)
	for _, i := range acked {
		off := i * int(chunkSize)
		end := off + int(chunkSize)
		if end > len(data) {
			end = len(data)
		}
		copy(partial[off:end], data[off:end])
		bm.Set(i)
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(PartialPath(dest, hash), partial, 0o644))

	cp := &resume.Checkpoint{
		SessionID: "seeded",
		PeerID:    peer,
		Path:      rel,
		Dest:      dest,
		FileHash:  hash,
		Geometry:  resume.Geometry{Size: uint64(len(data)), ChunkSize: chunkSize, ChunkCount: uint32(count)},
		Acked:     bm,
		Epoch:     n.resume.Epoch(dest),
	}
	require.NoError(t, n.resume.Save(cp))
	return cp
}

func TestResumeNeverResendsAckedChunks(t *testing.T) {
	cfg := fastConfig()
	cfg.ChunkSize = 4096
	cfg.AckTimeout = 2 * time.Second
	sender := newTestNode(t, cfg)
	receiver := newTestNode(t, cfg)

	src, data := randomFile(t, t.TempDir(), "doc.bin", 10*4096+500, 3)
	acked := []int{0, 1, 2, 5, 10}
	seedCheckpoint(t, receiver, "doc.bin", data, 4096, acked, "alice")

	toBob, _ := connect(t, sender, receiver, "alice", "bob")
	var sent chunkOffsets
	toBob.onSend(func(m wire.Message) bool {
		if c, ok := m.(*wire.ChunkData); ok {
			sent.add(c.Offset)
		}
		return true
	})

	s, err := sender.mgr.SendFile(context.Background(), "bob", src, "")
	require.NoError(t, err)
	require.NoError(t, waitSession(t, s))

	for _, off := range sent.list() {
		for _, i := range acked {
			assert.NotEqual(t, uint64(i*4096), off, "chunk %d was acked before the transfer", i)
		}
	}
	assert.Len(t, sent.list(), 11-len(acked))
	assert.Equal(t, len(acked), s.Stats().Resumed)
	requireFileContent(t, filepath.Join(receiver.download, "doc.bin"), data)

	_, err = receiver.resume.Store().Load("doc.bin", integrity.HashChunk(data))
	assert.ErrorIs(t, err, resume.ErrNotFound, "checkpoint is removed after completion")
}

func TestStaleCheckpointIsIgnored(t *testing.T) {
	cfg := fastConfig()
	cfg.ChunkSize = 4096
	cfg.AckTimeout = 2 * time.Second
	sender := newTestNode(t, cfg)
	receiver := newTestNode(t, cfg)

	src, data := randomFile(t, t.TempDir(), "doc.bin", 6*4096, 3)
	cp := seedCheckpoint(t, receiver, "doc.bin", data, 4096, []int{0, 1, 2}, "alice")
	receiver.monitor.Bump(cp.Dest)

	toBob, _ := connect(t, sender, receiver, "alice", "bob")
	var sent chunkOffsets
	toBob.onSend(func(m wire.Message) bool {
		if c, ok := m.(*wire.ChunkData); ok {
			sent.add(c.Offset)
		}
		return true
	})

	s, err := sender.mgr.SendFile(context.Background(), "bob", src, "")
	require.NoError(t, err)
	require.NoError(t, waitSession(t, s))

	assert.Len(t, sent.list(), 6, "every chunk is sent again")
	assert.Zero(t, s.Stats().Resumed)
	requireFileContent(t, filepath.Join(receiver.download, "doc.bin"), data)
}

func TestInterruptedTransferResumes(t *testing.T) {
	cfg := fastConfig()
	cfg.ChunkSize = 4096
	cfg.AckTimeout = 2 * time.Second
	cfg.Window = 1
	cfg.CheckpointEvery = 1
	sender := newTestNode(t, cfg)
	receiver := newTestNode(t, cfg)

	src, data := randomFile(t, t.TempDir(), "big.bin", 8*4096, 11)

	toBob, _ := connect(t, sender, receiver, "alice", "bob")
	var chunks atomic.Int64
	toBob.onSend(func(m wire.Message) bool {
		if _, ok := m.(*wire.ChunkData); ok && chunks.Add(1) == 4 {
			toBob.Close()
			return false
		}
		return true
	})

	first, err := sender.mgr.SendFile(context.Background(), "bob", src, "")
	require.NoError(t, err)
	err = waitSession(t, first)
	assert.ErrorIs(t, err, ErrChannelLost)
	assert.Equal(t, StateCancelled, first.State())

	require.Eventually(t, func() bool {
		return len(receiver.mgr.Sessions()) == 0 && !receiver.mgr.HasChannel("alice")
	}, 5*time.Second, 10*time.Millisecond)

	cp, err := receiver.resume.Store().Load("big.bin", integrity.HashChunk(data))
	require.NoError(t, err, "checkpoint survives the lost channel")
	assert.Equal(t, 3, cp.Acked.Count())

	toBob2, _ := connect(t, sender, receiver, "alice", "bob")
	var sent chunkOffsets
	toBob2.onSend(func(m wire.Message) bool {
		if c, ok := m.(*wire.ChunkData); ok {
			sent.add(c.Offset)
		}
		return true
	})

	second, err := sender.mgr.SendFile(context.Background(), "bob", src, "")
	require.NoError(t, err)
	require.NoError(t, waitSession(t, second))

	assert.Equal(t, 3, second.Stats().Resumed)
	for _, off := range sent.list() {
		assert.GreaterOrEqual(t, off, uint64(3*4096))
	}
	requireFileContent(t, filepath.Join(receiver.download, "big.bin"), data)
}

func TestSourceChangeFailsTransfer(t *testing.T) {
	cfg := fastConfig()
	cfg.ChunkSize = 4096
	cfg.Window = 1
	sender := newTestNode(t, cfg)
	receiver := newTestNode(t, cfg)

	src, data := randomFile(t, t.TempDir(), "live.log", 4*4096, 5)
	toBob, _ := connect(t, sender, receiver, "alice", "bob")

	var once atomic.Bool
	toBob.onSend(func(m wire.Message) bool {
		if _, ok := m.(*wire.ChunkData); ok && once.CompareAndSwap(false, true) {
			if f, err := os.OpenFile(src, os.O_APPEND|os.O_WRONLY, 0); err == nil {
				_, _ = f.Write([]byte("appended"))
				_ = f.Close()
			}
		}
		return true
	})

	s, err := sender.mgr.SendFile(context.Background(), "bob", src, "")
	require.NoError(t, err)
	err = waitSession(t, s)
	assert.ErrorIs(t, err, ErrSourceFileChanged)
	assert.Equal(t, StateFailed, s.State())

	dest := filepath.Join(receiver.download, "live.log")
	require.Eventually(t, func() bool {
		_, err := os.Stat(PartialPath(dest, integrity.HashChunk(data)))
		return os.IsNotExist(err) && len(receiver.mgr.Sessions()) == 0
	}, 5*time.Second, 10*time.Millisecond, "receiver discards the partial file")
	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
	_, err = receiver.resume.Store().Load("live.log", integrity.HashChunk(data))
	assert.ErrorIs(t, err, resume.ErrNotFound)
}

func TestIntegrityMismatchDiscardsFile(t *testing.T) {
	cfg := fastConfig()
	cfg.ChunkSize = 4096
	sender := newTestNode(t, cfg)
	receiver := newTestNode(t, cfg)

	src, _ := randomFile(t, t.TempDir(), "x.bin", 3*4096, 9)
	toBob, _ := connect(t, sender, receiver, "alice", "bob")
	toBob.onSend(func(m wire.Message) bool {
		if o, ok := m.(*wire.ManifestOffer); ok {
			o.FileHash ^= 1
		}
		return true
	})

	s, err := sender.mgr.SendFile(context.Background(), "bob", src, "")
	require.NoError(t, err)
	err = waitSession(t, s)
	assert.ErrorIs(t, err, ErrIntegrityMismatch)

	var ce *CancelError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, wire.CancelIntegrityMismatch, ce.Reason)

	require.Eventually(t, func() bool { return len(receiver.mgr.Sessions()) == 0 }, 5*time.Second, 10*time.Millisecond)
	entries, err := os.ReadDir(receiver.download)
	require.NoError(t, err)
	assert.Empty(t, entries, "no final or partial file is left behind")
}

func TestAckTimeoutExhaustsRetries(t *testing.T) {
	cfg := fastConfig()
	cfg.ChunkSize = 4096
	cfg.AckTimeout = 40 * time.Millisecond
	cfg.MaxRetries = 2
	sender := newTestNode(t, cfg)
	receiver := newTestNode(t, fastConfig())

	src, _ := randomFile(t, t.TempDir(), "x.bin", 2*4096, 9)
	toBob, _ := connect(t, sender, receiver, "alice", "bob")
	toBob.onSend(func(m wire.Message) bool {
		_, chunk := m.(*wire.ChunkData)
		return !chunk
	})

	s, err := sender.mgr.SendFile(context.Background(), "bob", src, "")
	require.NoError(t, err)
	err = waitSession(t, s)
	assert.ErrorIs(t, err, ErrChunkTransferFailed)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateFailed, s.State())

	require.Eventually(t, func() bool { return len(receiver.mgr.Sessions()) == 0 }, 5*time.Second, 10*time.Millisecond,
		"the receiver is told and stops")
}

func TestCancelSession(t *testing.T) {
	cfg := fastConfig()
	cfg.ChunkSize = 4096
	sender := newTestNode(t, cfg)
	receiver := newTestNode(t, cfg)

	src, _ := randomFile(t, t.TempDir(), "x.bin", 4*4096, 9)
	toBob, _ := connect(t, sender, receiver, "alice", "bob")
	toBob.onSend(func(m wire.Message) bool {
		_, chunk := m.(*wire.ChunkData)
		return !chunk
	})

	ctx, cancel := context.WithCancel(context.Background())
	s, err := sender.mgr.SendFile(ctx, "bob", src, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.State() == StateTransferring }, 5*time.Second, 5*time.Millisecond)
	cancel()

	err = waitSession(t, s)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StateCancelled, s.State())

	require.Eventually(t, func() bool { return len(receiver.mgr.Sessions()) == 0 }, 5*time.Second, 10*time.Millisecond)
	_, err = receiver.resume.Store().Load("x.bin", s.Manifest().FileHash)
	assert.NoError(t, err, "a cancelled receive keeps its checkpoint")
}

// dropFirstAck loses the first ChunkAck for offset and counts the drop.
func dropFirstAck(offset uint64, dropped *atomic.Int64) func(m wire.Message) bool {
	return func(m wire.Message) bool {
		if ack, ok := m.(*wire.ChunkAck); ok && ack.Offset == offset && dropped.CompareAndSwap(0, 1) {
			return false
		}
		return true
	}
}

func TestLostFinalAckStillCompletes(t *testing.T) {
	cfg := fastConfig()
	cfg.ChunkSize = 4096
	var sent, received memHistory
	sender := newTestNode(t, cfg, func(d *Deps) { d.History = &sent })
	receiver := newTestNode(t, cfg, func(d *Deps) { d.History = &received })

	src, data := randomFile(t, t.TempDir(), "pair.bin", 2*4096, 21)
	_, toAlice := connect(t, sender, receiver, "alice", "bob")
	var dropped atomic.Int64
	toAlice.onSend(dropFirstAck(4096, &dropped))

	s, err := sender.mgr.SendFile(context.Background(), "bob", src, "")
	require.NoError(t, err)
	require.NoError(t, waitSession(t, s))
	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, int64(1), dropped.Load())

	acked, total := s.Progress()
	assert.Equal(t, total, acked)
	requireFileContent(t, filepath.Join(receiver.download, "pair.bin"), data)

	require.Eventually(t, func() bool { return len(sent.all()) == 1 && len(received.all()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "completed", sent.all()[0].Result)
	assert.Equal(t, "completed", received.all()[0].Result)
}

func TestLostAckMidStreamIsRecovered(t *testing.T) {
	cfg := fastConfig()
	cfg.ChunkSize = 4096
	cfg.Window = 1
	sender := newTestNode(t, cfg)
	receiver := newTestNode(t, cfg)

	src, data := randomFile(t, t.TempDir(), "stream.bin", 6*4096, 22)
	_, toAlice := connect(t, sender, receiver, "alice", "bob")
	var dropped atomic.Int64
	toAlice.onSend(dropFirstAck(4096, &dropped))

	s, err := sender.mgr.SendFile(context.Background(), "bob", src, "")
	require.NoError(t, err)
	require.NoError(t, waitSession(t, s))

	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, int64(1), dropped.Load())
	assert.GreaterOrEqual(t, s.Stats().Retransmits, uint64(1), "the unacked chunk is sent again and re-acked")
	requireFileContent(t, filepath.Join(receiver.download, "stream.bin"), data)
}

func TestSenderHonoursReceiverWindow(t *testing.T) {
	scfg := fastConfig()
	scfg.ChunkSize = 4096
	scfg.Window = 64
	scfg.AckTimeout = 5 * time.Second
	rcfg := fastConfig()
	rcfg.Window = 2
	sender := newTestNode(t, scfg)
	receiver := newTestNode(t, rcfg)

	src, _ := randomFile(t, t.TempDir(), "wide.bin", 16*4096, 23)
	toBob, toAlice := connect(t, sender, receiver, "alice", "bob")
	toAlice.onSend(func(m wire.Message) bool {
		_, ack := m.(*wire.ChunkAck)
		return !ack
	})
	var chunks chunkOffsets
	toBob.onSend(func(m wire.Message) bool {
		if c, ok := m.(*wire.ChunkData); ok {
			chunks.add(c.Offset)
		}
		return true
	})

	s, err := sender.mgr.SendFile(context.Background(), "bob", src, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(chunks.list()) == 2 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, chunks.list(), 2, "no more in flight than the receiver advertised")

	s.Cancel()
	assert.ErrorIs(t, waitSession(t, s), ErrCancelled)
}
