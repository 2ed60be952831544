package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanxfer/compress"
	"github.com/opd-ai/lanxfer/hotfile"
	"github.com/opd-ai/lanxfer/integrity"
	"github.com/opd-ai/lanxfer/resume"
	"github.com/opd-ai/lanxfer/wire"
)

// sender is the state of one outgoing session.
type sender struct {
	m      *Manager
	s      *Session
	f      *os.File
	man    *Manifest
	guard  *hotfile.Guard
	flags  uint8
	logger *logrus.Entry

	// inflight maps chunk index to its ack deadline.
	inflight map[int]time.Time
	// window is the in-flight bound agreed at accept.
	window int
	// completed is set once the receiver confirmed the whole file.
	completed bool
}

// runSend drives an outgoing session. resumed is the ResumeRequest that
// asked for the offer, or nil.
func (m *Manager) runSend(ctx context.Context, s *Session, resumed *wire.ResumeRequest) error {
	logger := logrus.WithFields(logrus.Fields{
		"function":   "Manager.runSend",
		"session_id": s.id,
		"peer_id":    s.peerID,
		"path":       s.path,
	})

	guard, err := m.deps.Monitor.NewGuard(s.local)
	if err != nil {
		return fmt.Errorf("watch source: %w", err)
	}
	defer guard.Close()

	chunkSize := m.cfg.ChunkSize
	if resumed != nil {
		chunkSize = resumed.ChunkSize
	}
	man, err := BuildManifest(ctx, s.local, s.path, chunkSize, m.deps.Pool)
	if err != nil {
		if ctx.Err() != nil {
			return s.cause()
		}
		return fmt.Errorf("build manifest: %w", err)
	}
	if err := guard.Check(); err != nil {
		return fmt.Errorf("%w: %w", ErrSourceFileChanged, err)
	}
	if resumed != nil {
		if man.FileHash != resumed.FileHash || man.Geometry() != (resume.Geometry{
			Size: resumed.FileSize, ChunkSize: resumed.ChunkSize, ChunkCount: resumed.ChunkCount,
		}) {
			return fmt.Errorf("%w: %s no longer matches the resumable checkpoint", ErrSourceFileChanged, s.path)
		}
	}

	f, err := os.Open(s.local)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	snd := &sender{
		m:        m,
		s:        s,
		f:        f,
		man:      man,
		guard:    guard,
		logger:   logger,
		inflight: make(map[int]time.Time),
		window:   m.cfg.Window,
	}
	if m.cfg.Compression && !compress.ShouldSkip(s.local) {
		snd.flags = wire.OfferCanCompress
	}

	table, err := NewChunkTable(man.Size, man.ChunkSize)
	if err != nil {
		return err
	}
	s.setManifest(man, table)

	if err := snd.negotiate(ctx); err != nil {
		return err
	}
	if err := snd.transfer(ctx); err != nil {
		return err
	}
	return snd.verify(ctx)
}

// negotiate offers the manifest and applies the receiver's bitmap.
func (snd *sender) negotiate(ctx context.Context) error {
	s := snd.s
	if err := s.link.Send(ctx, snd.man.Offer(s.id, snd.flags)); err != nil {
		return snd.linkErr(ctx, err)
	}

	timer := time.NewTimer(snd.m.cfg.NegotiationTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.cause()
		case <-timer.C:
			return timeoutErr(ErrManifestRejected, "no answer to offer within %s", snd.m.cfg.NegotiationTimeout)
		case msg := <-s.inbox:
			snd.logger.WithField("kind", msg.Kind()).Debug("Ignoring message while negotiating")
		case msg := <-s.control:
			switch msg := msg.(type) {
			case *wire.ManifestAccept:
				return snd.accepted(msg)
			case *wire.ManifestReject:
				return &RejectError{Reason: msg.Reason, Detail: msg.Detail}
			case *wire.SessionCancel:
				return &CancelError{Reason: msg.Reason, Detail: msg.Detail}
			default:
				snd.logger.WithField("kind", msg.Kind()).Debug("Ignoring message while negotiating")
			}
		}
	}
}

func (snd *sender) accepted(msg *wire.ManifestAccept) error {
	s := snd.s
	table, err := NewChunkTableFromBitmap(snd.man.Size, snd.man.ChunkSize, resume.Bitmap(msg.Acked))
	if err != nil {
		return fmt.Errorf("%w: %w: bad acked bitmap: %v", ErrChunkTransferFailed, wire.ErrProtocol, err)
	}
	s.setManifest(snd.man, table)
	if msg.Window > 0 && int(msg.Window) < snd.window {
		snd.window = int(msg.Window)
	}

	resumed := table.Count(ChunkAcked)
	s.resumed.Store(int64(resumed))
	snd.m.deps.Metrics.Resumed(resumed)

	snd.logger.WithFields(logrus.Fields{
		"chunks":  table.Len(),
		"resumed": resumed,
		"window":  snd.window,
	}).Info("Manifest accepted")

	if table.AllAcked() {
		return s.transition(StateVerifying)
	}
	return s.transition(StateTransferring)
}

// transfer keeps up to Window chunks in flight until all are acked.
func (snd *sender) transfer(ctx context.Context) error {
	s := snd.s
	if s.State() != StateTransferring {
		return nil
	}

	tick := snd.m.cfg.AckTimeout / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		if err := snd.fill(ctx); err != nil {
			return err
		}

		done := false
		_ = s.update(func(t *ChunkTable) error {
			done = t.AllAcked()
			return nil
		})
		if done {
			return s.transition(StateVerifying)
		}

		select {
		case <-ctx.Done():
			return s.cause()
		case now := <-ticker.C:
			if err := snd.expire(now); err != nil {
				return err
			}
		case msg := <-s.inbox:
			if err := snd.handle(msg); err != nil {
				return err
			}
		case msg := <-s.control:
			if err := snd.handle(msg); err != nil {
				return err
			}
		}
	}
}

// fill sends pending chunks, lowest index first, while the window has room.
func (snd *sender) fill(ctx context.Context) error {
	for len(snd.inflight) < snd.window {
		var (
			i  int
			ok bool
		)
		_ = snd.s.update(func(t *ChunkTable) error {
			i, ok = t.NextPending()
			return nil
		})
		if !ok {
			return nil
		}
		if err := snd.sendChunk(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

func (snd *sender) sendChunk(ctx context.Context, i int) error {
	s := snd.s
	if err := snd.guard.Check(); err != nil {
		return fmt.Errorf("%w: %w", ErrSourceFileChanged, err)
	}

	off, length := snd.man.Range(i)
	var retry bool
	err := snd.m.deps.Pool.With(ctx, int(length), func(buf []byte) error {
		if err := readChunk(snd.f, buf, off); err != nil {
			return fmt.Errorf("%w: read chunk %d: %v", ErrSourceFileChanged, i, err)
		}
		if err := integrity.VerifyChunk(buf, snd.man.ChunkHashes[i]); err != nil {
			snd.m.deps.Monitor.Bump(s.local)
			return fmt.Errorf("%w: chunk %d: %w", ErrSourceFileChanged, i, err)
		}

		msg := &wire.ChunkData{
			Session: s.id,
			Offset:  off,
			Length:  length,
			Hash:    snd.man.ChunkHashes[i],
			Data:    buf,
		}
		if snd.flags&wire.OfferCanCompress != 0 {
			if packed, ok := compress.Compress(buf); ok {
				msg.Flags |= wire.FlagCompressed
				msg.Data = packed
			}
		}
		if err := s.link.Send(ctx, msg); err != nil {
			return snd.linkErr(ctx, err)
		}
		s.bytesSent.Add(uint64(len(msg.Data)))
		snd.m.deps.Metrics.Chunk(DirectionSend.String(), len(msg.Data))
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return s.cause()
		}
		return err
	}

	if err := s.update(func(t *ChunkTable) error {
		retry = t.Retries(i) > 0
		return t.Set(i, ChunkInFlight)
	}); err != nil {
		return err
	}
	if retry {
		s.retransmits.Add(1)
		snd.m.deps.Metrics.Retransmit()
	}
	snd.inflight[i] = time.Now().Add(snd.m.cfg.AckTimeout)
	return nil
}

func (snd *sender) handle(msg wire.Message) error {
	switch msg := msg.(type) {
	case *wire.ChunkAck:
		i, ok := snd.man.IndexOf(msg.Offset, msg.Length)
		if !ok {
			snd.logger.WithField("offset", msg.Offset).Debug("Ack for unknown range")
			return nil
		}
		if _, pending := snd.inflight[i]; !pending {
			return nil
		}
		delete(snd.inflight, i)
		return snd.s.update(func(t *ChunkTable) error {
			return t.Set(i, ChunkAcked)
		})
	case *wire.ChunkNack:
		i, ok := snd.man.IndexOf(msg.Offset, msg.Length)
		if !ok {
			return nil
		}
		if _, pending := snd.inflight[i]; !pending {
			return nil
		}
		snd.logger.WithFields(logrus.Fields{
			"chunk":  i,
			"reason": msg.Reason,
		}).Debug("Chunk rejected by receiver")
		return snd.requeue(i, fmt.Errorf("%w: chunk %d nacked: %s", ErrChunkTransferFailed, i, msg.Reason))
	case *wire.SessionComplete:
		return snd.complete(msg)
	case *wire.SessionCancel:
		return &CancelError{Reason: msg.Reason, Detail: msg.Detail}
	default:
		snd.logger.WithField("kind", msg.Kind()).Debug("Ignoring message while transferring")
	}
	return nil
}

// complete accepts the receiver's confirmation while chunks still look
// outstanding. The receiver only confirms after every chunk verified, so
// the missing acks were lost in transit.
func (snd *sender) complete(msg *wire.SessionComplete) error {
	if msg.FileHash != snd.man.FileHash {
		return fmt.Errorf("%w: receiver reports %016x, manifest %016x", ErrIntegrityMismatch, msg.FileHash, snd.man.FileHash)
	}
	snd.logger.WithField("outstanding", len(snd.inflight)).Debug("Receiver completed before all acks arrived")
	clear(snd.inflight)
	snd.completed = true
	return snd.s.update(func(t *ChunkTable) error {
		for i := 0; i < t.Len(); i++ {
			if t.Get(i).Status == ChunkAcked {
				continue
			}
			if err := t.Set(i, ChunkAcked); err != nil {
				return err
			}
		}
		return nil
	})
}

// expire requeues chunks whose ack deadline passed.
func (snd *sender) expire(now time.Time) error {
	for i, deadline := range snd.inflight {
		if now.Before(deadline) {
			continue
		}
		if err := snd.requeue(i, timeoutErr(ErrChunkTransferFailed, "chunk %d not acked within %s", i, snd.m.cfg.AckTimeout)); err != nil {
			return err
		}
	}
	return nil
}

// requeue puts an in-flight chunk back to Pending, or fails it once its
// retries are used up.
func (snd *sender) requeue(i int, cause error) error {
	delete(snd.inflight, i)
	return snd.s.update(func(t *ChunkTable) error {
		if t.Retries(i) >= snd.m.cfg.MaxRetries {
			if err := t.Set(i, ChunkFailed); err != nil {
				return err
			}
			return fmt.Errorf("after %d retries: %w", t.Retries(i), cause)
		}
		return t.Set(i, ChunkPending)
	})
}

// verify waits for the receiver's SessionComplete and checks the source is
// unchanged before completing.
func (snd *sender) verify(ctx context.Context) error {
	s := snd.s
	if err := snd.guard.Check(); err != nil {
		return fmt.Errorf("%w: %w", ErrSourceFileChanged, err)
	}
	if snd.completed {
		return nil
	}

	timer := time.NewTimer(snd.m.cfg.VerifyTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.cause()
		case <-timer.C:
			return timeoutErr(ErrIntegrityMismatch, "no completion from receiver within %s", snd.m.cfg.VerifyTimeout)
		case <-s.inbox:
			// Late acks for retransmitted chunks.
		case msg := <-s.control:
			switch msg := msg.(type) {
			case *wire.SessionComplete:
				if err := snd.complete(msg); err != nil {
					return err
				}
				if err := snd.guard.Check(); err != nil {
					return fmt.Errorf("%w: %w", ErrSourceFileChanged, err)
				}
				return nil
			case *wire.SessionCancel:
				return &CancelError{Reason: msg.Reason, Detail: msg.Detail}
			}
		}
	}
}

// linkErr classifies a failed Send. A dead link is a channel loss.
func (snd *sender) linkErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return snd.s.cause()
	}
	select {
	case <-snd.s.link.Done():
		return fmt.Errorf("%w: %w", ErrChannelLost, err)
	default:
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: send: %w", ErrChunkTransferFailed, err)
}
