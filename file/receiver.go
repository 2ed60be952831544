package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanxfer/compress"
	"github.com/opd-ai/lanxfer/hotfile"
	"github.com/opd-ai/lanxfer/integrity"
	"github.com/opd-ai/lanxfer/limits"
	"github.com/opd-ai/lanxfer/resume"
	"github.com/opd-ai/lanxfer/wire"
)

// receivePlan is an offer that passed validation.
type receivePlan struct {
	man     *Manifest
	dest    string
	partial string
	table   *ChunkTable
	resumed bool
}

// handleOffer validates an offer and admits a receive session, or rejects.
func (m *Manager) handleOffer(link Link, offer *wire.ManifestOffer) {
	plan, reason, detail := m.planReceive(link.PeerID(), offer)
	if reason != 0 {
		m.reject(link, offer.Session, reason, detail)
		return
	}

	s := newSession(m.ctx, offer.Session, DirectionReceive, link, plan.man.Path, plan.dest, m.inboxSize(), m.deps.Clock.Now())
	if err := m.admit(s); err != nil {
		s.cancel(err)
		reason := wire.RejectDuplicate
		if errors.Is(err, ErrBusy) || errors.Is(err, ErrManagerClosed) {
			reason = wire.RejectBusy
		}
		m.reject(link, offer.Session, reason, err.Error())
		return
	}
	s.setManifest(plan.man, plan.table)

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.handleOffer",
		"session_id": s.id,
		"peer_id":    s.peerID,
		"path":       plan.man.Path,
		"size":       plan.man.Size,
		"resumed":    plan.table.Count(ChunkAcked),
	}).Info("Accepting file")

	m.start(s, func(ctx context.Context) error {
		return m.runReceive(ctx, s, plan, offer.Flags)
	})
}

// planReceive checks path, geometry, duplicates, resumable progress and
// free space. A non-zero reason rejects the offer.
func (m *Manager) planReceive(peerID string, offer *wire.ManifestOffer) (*receivePlan, wire.RejectReason, string) {
	logger := logrus.WithFields(logrus.Fields{
		"function":   "Manager.planReceive",
		"session_id": offer.Session,
		"peer_id":    peerID,
		"path":       offer.Path,
	})

	man, err := ManifestFromOffer(offer)
	if err != nil {
		return nil, wire.RejectInvalidManifest, err.Error()
	}
	if int(man.ChunkSize) > m.deps.Pool.Size() {
		return nil, wire.RejectInvalidManifest, fmt.Sprintf("chunk size %d exceeds buffer size %d", man.ChunkSize, m.deps.Pool.Size())
	}
	dest, err := Resolve(m.cfg.DownloadDir, man.Path)
	if err != nil {
		return nil, wire.RejectInvalidManifest, err.Error()
	}
	if !m.cfg.Overwrite {
		if _, err := os.Stat(dest); err == nil {
			return nil, wire.RejectDuplicate, "destination file exists"
		}
	}

	plan := &receivePlan{
		man:     man,
		dest:    dest,
		partial: PartialPath(dest, man.FileHash),
	}

	cp, err := m.deps.Resume.Lookup(man.Path, man.FileHash, dest, man.Geometry())
	if err != nil {
		logger.WithField("error", err.Error()).Warn("Checkpoint lookup failed")
		cp = nil
	}
	if cp != nil {
		info, err := os.Stat(plan.partial)
		if err == nil && uint64(info.Size()) == man.Size {
			plan.table, err = NewChunkTableFromBitmap(man.Size, man.ChunkSize, cp.Acked)
		}
		if err != nil || plan.table == nil {
			logger.Info("Checkpoint has no usable partial file")
			_ = m.deps.Resume.Discard(man.Path, man.FileHash)
			plan.table = nil
		} else {
			plan.resumed = true
		}
	}
	if plan.table == nil {
		plan.table, err = NewChunkTable(man.Size, man.ChunkSize)
		if err != nil {
			return nil, wire.RejectInvalidManifest, err.Error()
		}
	}

	need := man.Size - plan.table.AckedBytes()
	avail, err := m.deps.Capacity(m.cfg.DownloadDir)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("Could not determine free space")
	} else if avail < need {
		return nil, wire.RejectInsufficientSpace, fmt.Sprintf("need %d bytes, %d available", need, avail)
	}
	return plan, 0, ""
}

// reject answers an offer with ManifestReject.
func (m *Manager) reject(link Link, id uuid.UUID, reason wire.RejectReason, detail string) {
	if len(detail) > limits.MaxReasonLength {
		detail = detail[:limits.MaxReasonLength]
	}
	m.deps.Metrics.Reject(reason.String())
	logrus.WithFields(logrus.Fields{
		"function":   "Manager.reject",
		"session_id": id,
		"peer_id":    link.PeerID(),
		"reason":     reason,
		"detail":     detail,
	}).Info("Rejecting offer")

	ctx, cancel := context.WithTimeout(m.loopCtx, m.cfg.AckTimeout)
	defer cancel()
	if err := link.Send(ctx, &wire.ManifestReject{Session: id, Reason: reason, Detail: detail}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.reject",
			"session_id": id,
			"error":      err.Error(),
		}).Debug("Could not send rejection")
	}
}

// receiver is the state of one incoming session.
type receiver struct {
	m      *Manager
	s      *Session
	plan   *receivePlan
	f      *os.File
	guard  *hotfile.WriteGuard
	epoch  uint64
	logger *logrus.Entry

	sinceCheckpoint int
}

// nackError makes a chunk be nacked instead of failing the session.
type nackError struct {
	reason wire.NackReason
	err    error
}

func (e *nackError) Error() string { return fmt.Sprintf("%s: %v", e.reason, e.err) }

func (m *Manager) runReceive(ctx context.Context, s *Session, plan *receivePlan, flags uint8) error {
	r := &receiver{
		m:     m,
		s:     s,
		plan:  plan,
		epoch: m.deps.Resume.Epoch(plan.dest),
		logger: logrus.WithFields(logrus.Fields{
			"function":   "Manager.runReceive",
			"session_id": s.id,
			"peer_id":    s.peerID,
			"path":       s.path,
		}),
	}
	if err := r.open(); err != nil {
		return err
	}
	defer r.close()

	acked := plan.table.Count(ChunkAcked)
	s.resumed.Store(int64(acked))
	m.deps.Metrics.Resumed(acked)

	accept := &wire.ManifestAccept{Session: s.id, Acked: plan.table.Bitmap(), Window: uint32(m.cfg.Window)}
	if err := s.link.Send(ctx, accept); err != nil {
		err = r.sendErr(ctx, err)
		r.abort(err)
		return err
	}

	next := StateTransferring
	if plan.table.AllAcked() {
		next = StateVerifying
	}
	if err := s.transition(next); err != nil {
		return err
	}

	if err := r.transfer(ctx); err != nil {
		r.abort(err)
		return err
	}
	return r.verify(ctx)
}

// open creates or reopens the partial file.
func (r *receiver) open() error {
	p := r.plan
	if err := os.MkdirAll(filepath.Dir(p.dest), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}

	var (
		f   *os.File
		err error
	)
	if p.resumed {
		f, err = os.OpenFile(p.partial, os.O_RDWR, 0)
	} else {
		f, err = os.OpenFile(p.partial, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err == nil {
			err = f.Truncate(int64(p.man.Size))
		}
	}
	if err != nil {
		if f != nil {
			f.Close()
		}
		return fmt.Errorf("open partial file: %w", err)
	}
	r.f = f
	r.guard = r.m.deps.Monitor.NewWriteGuard(p.partial, p.dest)
	if err := r.guard.Record(); err != nil {
		return err
	}
	return nil
}

func (r *receiver) close() {
	if r.f != nil {
		_ = r.f.Close()
		r.f = nil
	}
}

// transfer stores chunks until every chunk is acked.
func (r *receiver) transfer(ctx context.Context) error {
	s := r.s
	if s.State() != StateTransferring {
		return nil
	}

	idle := time.NewTimer(r.m.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		done := false
		_ = s.update(func(t *ChunkTable) error {
			done = t.AllAcked()
			return nil
		})
		if done {
			r.checkpoint()
			return s.transition(StateVerifying)
		}

		select {
		case <-ctx.Done():
			return s.cause()
		case <-idle.C:
			return timeoutErr(ErrChunkTransferFailed, "no data for %s", r.m.cfg.IdleTimeout)
		case msg := <-s.inbox:
			idle.Reset(r.m.cfg.IdleTimeout)
			switch msg := msg.(type) {
			case *wire.ChunkData:
				if err := r.chunk(ctx, msg); err != nil {
					return err
				}
			default:
				r.logger.WithField("kind", msg.Kind()).Debug("Ignoring message while receiving")
			}
		case msg := <-s.control:
			if c, ok := msg.(*wire.SessionCancel); ok {
				return &CancelError{Reason: c.Reason, Detail: c.Detail}
			}
			r.logger.WithField("kind", msg.Kind()).Debug("Ignoring message while receiving")
		}
	}
}

// chunk verifies and stores one ChunkData and answers it.
func (r *receiver) chunk(ctx context.Context, msg *wire.ChunkData) error {
	s := r.s
	man := r.plan.man

	i, ok := man.IndexOf(msg.Offset, msg.Length)
	if !ok {
		return r.nack(ctx, msg, &nackError{wire.NackBadRange, fmt.Errorf("range %d+%d", msg.Offset, msg.Length)})
	}

	var status ChunkStatus
	_ = s.update(func(t *ChunkTable) error {
		status = t.Get(i).Status
		return nil
	})
	if status == ChunkAcked {
		// The first ack was lost.
		return r.ack(ctx, msg)
	}
	if msg.Hash != man.ChunkHashes[i] {
		return r.nack(ctx, msg, &nackError{wire.NackHashMismatch, fmt.Errorf("frame hash %016x, manifest %016x", msg.Hash, man.ChunkHashes[i])})
	}

	err := r.m.deps.Pool.With(ctx, int(msg.Length), func(buf []byte) error {
		data := msg.Data
		if msg.Flags&wire.FlagCompressed != 0 {
			if err := compress.Decompress(msg.Data, buf); err != nil {
				return &nackError{wire.NackDecompress, err}
			}
			data = buf
		}
		if len(data) != int(msg.Length) {
			return &nackError{wire.NackBadRange, fmt.Errorf("%d bytes for length %d", len(data), msg.Length)}
		}
		if err := integrity.VerifyChunk(data, man.ChunkHashes[i]); err != nil {
			return &nackError{wire.NackHashMismatch, err}
		}
		if err := r.guard.Verify(); err != nil {
			return fmt.Errorf("%w: %w", ErrSourceFileChanged, err)
		}
		if _, err := r.f.WriteAt(data, int64(msg.Offset)); err != nil {
			return &nackError{wire.NackWriteFailed, err}
		}
		return r.guard.Record()
	})

	var ne *nackError
	switch {
	case errors.As(err, &ne):
		return r.nack(ctx, msg, ne)
	case err != nil && ctx.Err() != nil:
		return s.cause()
	case err != nil:
		return err
	}

	if err := s.update(func(t *ChunkTable) error {
		return t.Set(i, ChunkAcked)
	}); err != nil {
		return err
	}
	s.bytesReceived.Add(uint64(msg.Length))
	r.m.deps.Metrics.Chunk(DirectionReceive.String(), int(msg.Length))

	if err := r.ack(ctx, msg); err != nil {
		return err
	}
	r.sinceCheckpoint++
	if r.sinceCheckpoint >= r.m.cfg.CheckpointEvery {
		r.checkpoint()
	}
	return nil
}

func (r *receiver) ack(ctx context.Context, msg *wire.ChunkData) error {
	err := r.s.link.Send(ctx, &wire.ChunkAck{Session: r.s.id, Offset: msg.Offset, Length: msg.Length})
	if err != nil {
		return r.sendErr(ctx, err)
	}
	return nil
}

func (r *receiver) nack(ctx context.Context, msg *wire.ChunkData, ne *nackError) error {
	r.logger.WithFields(logrus.Fields{
		"offset": msg.Offset,
		"reason": ne.reason,
		"error":  ne.err.Error(),
	}).Debug("Rejecting chunk")
	err := r.s.link.Send(ctx, &wire.ChunkNack{Session: r.s.id, Offset: msg.Offset, Length: msg.Length, Reason: ne.reason})
	if err != nil {
		return r.sendErr(ctx, err)
	}
	return nil
}

// checkpoint flushes the partial file and records progress.
func (r *receiver) checkpoint() {
	r.sinceCheckpoint = 0
	if r.f == nil {
		return
	}
	if err := r.f.Sync(); err != nil {
		r.logger.WithField("error", err.Error()).Warn("Failed to sync partial file")
		return
	}

	s := r.s
	var acked resume.Bitmap
	_ = s.update(func(t *ChunkTable) error {
		acked = t.Bitmap()
		return nil
	})
	cp := &resume.Checkpoint{
		SessionID: s.id.String(),
		PeerID:    s.peerID,
		Path:      r.plan.man.Path,
		Dest:      r.plan.dest,
		FileHash:  r.plan.man.FileHash,
		Geometry:  r.plan.man.Geometry(),
		Acked:     acked,
		Epoch:     r.epoch,
	}
	if err := r.m.deps.Resume.Save(cp); err != nil {
		r.logger.WithField("error", err.Error()).Warn("Failed to save checkpoint")
	}
}

// discard drops the partial file and its checkpoint for good.
func (r *receiver) discard() {
	r.close()
	if err := r.m.deps.Resume.Invalidate(r.plan.man.Path, r.plan.man.FileHash, r.plan.dest); err != nil {
		r.logger.WithField("error", err.Error()).Warn("Failed to delete checkpoint")
	}
	if err := os.Remove(r.plan.partial); err != nil && !os.IsNotExist(err) {
		r.logger.WithField("error", err.Error()).Warn("Failed to remove partial file")
	}
}

// abort keeps progress for a later resume unless the data can no longer
// be trusted.
func (r *receiver) abort(err error) {
	if errors.Is(err, ErrSourceFileChanged) || errors.Is(err, ErrIntegrityMismatch) {
		r.discard()
		return
	}
	r.checkpoint()
}

// verify hashes the reassembled file and moves it into place.
func (r *receiver) verify(ctx context.Context) error {
	s := r.s
	man := r.plan.man

	if err := r.guard.Verify(); err != nil {
		r.discard()
		return fmt.Errorf("%w: %w", ErrSourceFileChanged, err)
	}
	if err := r.f.Sync(); err != nil {
		r.checkpoint()
		return fmt.Errorf("sync partial file: %w", err)
	}

	vctx, cancel := context.WithTimeout(ctx, r.m.cfg.VerifyTimeout)
	defer cancel()
	sum, err, stopped := r.hash(ctx, vctx)
	if stopped != nil {
		r.checkpoint()
		return stopped
	}
	switch {
	case err != nil && ctx.Err() != nil:
		r.checkpoint()
		return s.cause()
	case err != nil && vctx.Err() != nil:
		r.discard()
		return timeoutErr(ErrIntegrityMismatch, "verification exceeded %s", r.m.cfg.VerifyTimeout)
	case err != nil:
		r.discard()
		return fmt.Errorf("%w: %w", ErrIntegrityMismatch, err)
	case sum != man.FileHash:
		r.discard()
		return fmt.Errorf("%w: reassembled %016x, manifest %016x", ErrIntegrityMismatch, sum, man.FileHash)
	}

	r.close()
	if err := os.Rename(r.plan.partial, r.plan.dest); err != nil {
		return fmt.Errorf("finalize %s: %w", r.plan.dest, err)
	}
	syncDir(filepath.Dir(r.plan.dest))
	if err := r.m.deps.Resume.Discard(man.Path, man.FileHash); err != nil {
		r.logger.WithField("error", err.Error()).Warn("Failed to delete checkpoint")
	}

	if err := s.link.Send(ctx, &wire.SessionComplete{Session: s.id, FileHash: sum}); err != nil {
		r.logger.WithField("error", err.Error()).Warn("Could not confirm completion to sender")
	}
	r.logger.WithFields(logrus.Fields{
		"dest":      r.plan.dest,
		"file_hash": fmt.Sprintf("%016x", sum),
	}).Info("File received")
	return nil
}

// hash computes the whole-file hash under vctx. Meanwhile it re-acks
// retransmitted chunks, whose first ack the sender never saw, and watches
// for a cancel. stopped is the error that interrupted hashing, if any.
func (r *receiver) hash(ctx, vctx context.Context) (sum uint64, err, stopped error) {
	s := r.s
	type result struct {
		sum uint64
		err error
	}
	hctx, stop := context.WithCancelCause(vctx)
	defer stop(nil)
	done := make(chan result, 1)
	go func() {
		var sum uint64
		err := r.m.deps.Pool.With(hctx, r.m.deps.Pool.Size(), func(buf []byte) error {
			var err error
			sum, err = integrity.HashReaderAt(hctx, r.f, int64(r.plan.man.Size), buf)
			return err
		})
		done <- result{sum, err}
	}()

	// abandon stops the hash and waits so r.f is no longer read.
	abandon := func(cause error) (uint64, error, error) {
		stop(cause)
		<-done
		return 0, nil, cause
	}
	for {
		select {
		case res := <-done:
			return res.sum, res.err, nil
		case msg := <-s.inbox:
			data, ok := msg.(*wire.ChunkData)
			if !ok {
				continue
			}
			if err := r.chunk(ctx, data); err != nil {
				return abandon(err)
			}
		case msg := <-s.control:
			if c, ok := msg.(*wire.SessionCancel); ok {
				return abandon(&CancelError{Reason: c.Reason, Detail: c.Detail})
			}
		}
	}
}

func (r *receiver) sendErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return r.s.cause()
	}
	select {
	case <-r.s.link.Done():
		return fmt.Errorf("%w: %w", ErrChannelLost, err)
	default:
	}
	return fmt.Errorf("%w: send: %w", ErrChunkTransferFailed, err)
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
