package file

import (
	"context"
	"errors"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanxfer/wire"
)

// requestResumes asks the peer behind link to re-offer every file this node
// holds a resumable checkpoint for.
func (m *Manager) requestResumes(link Link) {
	peer := link.PeerID()
	logger := logrus.WithFields(logrus.Fields{
		"function": "Manager.requestResumes",
		"peer_id":  peer,
	})

	cps, err := m.deps.Resume.ForPeer(peer)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("Failed to list checkpoints")
		return
	}
	for _, cp := range cps {
		id := uuid.New()
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.pending[id] = &pendingResume{cp: cp, link: link}
		m.mu.Unlock()

		req := &wire.ResumeRequest{
			Session:    id,
			Path:       cp.Path,
			FileHash:   cp.FileHash,
			FileSize:   cp.Geometry.Size,
			ChunkSize:  cp.Geometry.ChunkSize,
			ChunkCount: cp.Geometry.ChunkCount,
			Epoch:      cp.Epoch,
			Acked:      cp.Acked,
		}
		ctx, cancel := context.WithTimeout(m.loopCtx, m.cfg.AckTimeout)
		err := link.Send(ctx, req)
		cancel()
		if err != nil {
			m.mu.Lock()
			delete(m.pending, id)
			m.mu.Unlock()
			logger.WithField("error", err.Error()).Warn("Failed to request resume")
			return
		}
		logger.WithFields(logrus.Fields{
			"session_id": id,
			"path":       cp.Path,
			"acked":      cp.Acked.Count(),
			"chunks":     cp.Geometry.ChunkCount,
		}).Info("Requested resume")
	}
}

// resolvePending handles the answer to a ResumeRequest that did not turn
// into an offer.
func (m *Manager) resolvePending(id uuid.UUID, pr *pendingResume, msg wire.Message) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()

	cp := pr.cp
	logger := logrus.WithFields(logrus.Fields{
		"function":   "Manager.resolvePending",
		"session_id": id,
		"path":       cp.Path,
	})

	switch msg := msg.(type) {
	case *wire.SessionCancel:
		if msg.Reason != wire.CancelSourceChanged && msg.Reason != wire.CancelNotFound {
			logger.WithField("reason", msg.Reason).Info("Resume declined")
			return
		}
		logger.WithField("reason", msg.Reason).Info("Resume impossible, dropping checkpoint")
		if err := m.deps.Resume.Invalidate(cp.Path, cp.FileHash, cp.Dest); err != nil {
			logger.WithField("error", err.Error()).Warn("Failed to delete checkpoint")
		}
		if err := os.Remove(PartialPath(cp.Dest, cp.FileHash)); err != nil && !os.IsNotExist(err) {
			logger.WithField("error", err.Error()).Warn("Failed to remove partial file")
		}
	case *wire.ManifestReject:
		logger.WithField("reason", msg.Reason).Info("Resume rejected, keeping checkpoint")
	default:
		logger.WithField("kind", msg.Kind()).Debug("Unexpected answer to resume request")
	}
}

// handleResumeRequest re-offers a file the peer partially holds, or tells
// the peer why it cannot.
func (m *Manager) handleResumeRequest(link Link, req *wire.ResumeRequest) {
	logger := logrus.WithFields(logrus.Fields{
		"function":   "Manager.handleResumeRequest",
		"session_id": req.Session,
		"peer_id":    link.PeerID(),
		"path":       req.Path,
	})

	refuse := func(reason wire.CancelReason, detail string) {
		logger.WithFields(logrus.Fields{
			"reason": reason,
			"detail": detail,
		}).Info("Cannot resume")
		ctx, cancel := context.WithTimeout(m.loopCtx, m.cfg.AckTimeout)
		defer cancel()
		_ = link.Send(ctx, &wire.SessionCancel{Session: req.Session, Reason: reason, Detail: detail})
	}

	if m.cfg.ShareRoot == "" {
		refuse(wire.CancelNotFound, "resume is not enabled")
		return
	}
	local, err := Resolve(m.cfg.ShareRoot, req.Path)
	if err != nil {
		refuse(wire.CancelNotFound, err.Error())
		return
	}
	info, err := os.Stat(local)
	if err != nil || !info.Mode().IsRegular() {
		refuse(wire.CancelNotFound, "file not shared")
		return
	}
	if uint64(info.Size()) != req.FileSize {
		refuse(wire.CancelSourceChanged, "file size changed")
		return
	}

	rel, _ := ValidatePath(req.Path)
	s := newSession(m.ctx, req.Session, DirectionSend, link, rel, local, m.inboxSize(), m.deps.Clock.Now())
	if err := m.admit(s); err != nil {
		s.cancel(err)
		if errors.Is(err, ErrBusy) || errors.Is(err, ErrManagerClosed) {
			m.reject(link, req.Session, wire.RejectBusy, err.Error())
		}
		return
	}

	logger.Info("Resuming send")
	m.start(s, func(ctx context.Context) error {
		return m.runSend(ctx, s, req)
	})
}
