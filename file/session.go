package file

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanxfer/wire"
)

// Direction indicates whether a session sends or receives.
type Direction uint8

const (
	// DirectionSend is an outgoing file.
	DirectionSend Direction = iota
	// DirectionReceive is an incoming file.
	DirectionReceive
)

// String returns the metrics label of the direction.
func (d Direction) String() string {
	switch d {
	case DirectionSend:
		return "send"
	case DirectionReceive:
		return "recv"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// State is the lifecycle position of a session.
type State uint8

const (
	// StateNegotiating covers manifest building, offer and accept.
	StateNegotiating State = iota
	// StateTransferring moves chunks.
	StateTransferring
	// StateVerifying checks the whole-file hash.
	StateVerifying
	// StateCompleted is the successful end.
	StateCompleted
	// StateCancelled ended by request or channel loss.
	StateCancelled
	// StateFailed ended by an error.
	StateFailed
)

// String returns a human-readable representation of the session state.
func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateTransferring:
		return "transferring"
	case StateVerifying:
		return "verifying"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Stats are the counters of one session.
type Stats struct {
	BytesSent     uint64
	BytesReceived uint64
	Retransmits   uint64
	Resumed       int
	Acked         int
	Chunks        int
}

// Session is one file transfer in one direction.
type Session struct {
	id        uuid.UUID
	direction Direction
	peerID    string
	link      Link
	path      string
	local     string
	started   time.Time

	mu       sync.Mutex
	state    State
	err      error
	manifest *Manifest
	table    *ChunkTable
	finished time.Time

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	retransmits   atomic.Uint64
	resumed       atomic.Int64

	inbox   chan wire.Message
	control chan wire.Message
	ctx     context.Context
	cancel  context.CancelCauseFunc
	done    chan struct{}
}

func newSession(parent context.Context, id uuid.UUID, dir Direction, link Link, path, local string, inbox int, now time.Time) *Session {
	ctx, cancel := context.WithCancelCause(parent)
	return &Session{
		id:        id,
		direction: dir,
		peerID:    link.PeerID(),
		link:      link,
		path:      path,
		local:     local,
		started:   now,
		state:     StateNegotiating,
		inbox:     make(chan wire.Message, inbox),
		control:   make(chan wire.Message, controlSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// ID returns the session id shared by both peers.
func (s *Session) ID() uuid.UUID { return s.id }

// Direction returns whether the session sends or receives.
func (s *Session) Direction() Direction { return s.direction }

// PeerID returns the remote peer.
func (s *Session) PeerID() string { return s.peerID }

// Path returns the wire path of the file.
func (s *Session) Path() string { return s.path }

// LocalPath returns the source file of a send or the final destination of
// a receive.
func (s *Session) LocalPath() string { return s.local }

// Started returns when the session was created.
func (s *Session) Started() time.Time { return s.started }

// Manifest returns the manifest, or nil while a sender is still hashing.
func (s *Session) Manifest() *Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error, nil while running or after completion.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ends or ctx is done and returns the
// session error.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops the session. The peer is told with SessionCancel{User}.
func (s *Session) Cancel() {
	s.cancel(ErrCancelled)
}

func (s *Session) finishedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Progress returns the number of acked chunks and the chunk total.
func (s *Session) Progress() (acked, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.table == nil {
		return 0, 0
	}
	return s.table.Count(ChunkAcked), s.table.Len()
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	acked, total := s.Progress()
	return Stats{
		BytesSent:     s.bytesSent.Load(),
		BytesReceived: s.bytesReceived.Load(),
		Retransmits:   s.retransmits.Load(),
		Resumed:       int(s.resumed.Load()),
		Acked:         acked,
		Chunks:        total,
	}
}

func (s *Session) setManifest(m *Manifest, t *ChunkTable) {
	s.mu.Lock()
	s.manifest = m
	s.table = t
	s.mu.Unlock()
}

// update runs fn on the chunk table under the session lock.
func (s *Session) update(fn func(t *ChunkTable) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.table)
}

func validStateTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StateTransferring:
		return from == StateNegotiating
	case StateVerifying:
		return from == StateNegotiating || from == StateTransferring
	case StateCompleted:
		return from == StateVerifying
	case StateCancelled, StateFailed:
		return true
	}
	return false
}

var errBadStateTransition = errors.New("invalid session state transition")

// transition moves the session to a non-terminal state.
func (s *Session) transition(to State) error {
	s.mu.Lock()
	from := s.state
	if !validStateTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", errBadStateTransition, from, to)
	}
	s.state = to
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Session.transition",
		"session_id": s.id,
		"direction":  s.direction,
		"from":       from,
		"to":         to,
	}).Debug("Session state changed")
	return nil
}

// finish moves the session to its terminal state, derived from err, and
// returns the state it left.
func (s *Session) finish(err error, now time.Time) State {
	s.mu.Lock()
	from := s.state
	switch {
	case err == nil && from == StateVerifying:
		s.state = StateCompleted
	case err == nil:
		err = fmt.Errorf("%w: session ended in %s", errBadStateTransition, from)
		s.state = StateFailed
	case errors.Is(err, ErrCancelled), errors.Is(err, ErrChannelLost), errors.Is(err, ErrManagerClosed):
		s.state = StateCancelled
	default:
		s.state = StateFailed
	}
	s.err = err
	s.finished = now
	state := s.state
	s.mu.Unlock()

	s.cancel(context.Canceled)
	close(s.done)

	fields := logrus.Fields{
		"function":   "Session.finish",
		"session_id": s.id,
		"direction":  s.direction,
		"peer_id":    s.peerID,
		"path":       s.path,
		"from":       from,
		"state":      state,
	}
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("Session ended")
	} else {
		logrus.WithFields(fields).Info("Session completed")
	}
	return from
}

// controlSize bounds queued control messages. A peer sends at most two per
// session, so the queue only fills on duplicates.
const controlSize = 4

// isControl reports whether m changes the session outcome. Control messages
// are never retransmitted.
func isControl(m wire.Message) bool {
	switch m.(type) {
	case *wire.ManifestAccept, *wire.ManifestReject, *wire.SessionCancel, *wire.SessionComplete:
		return true
	}
	return false
}

// deliver hands m to the session without blocking. Chunk traffic goes to
// the inbox, where a full queue drops it and retransmission recovers it.
// Control messages have their own queue.
func (s *Session) deliver(m wire.Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	queue := s.inbox
	if isControl(m) {
		queue = s.control
	}
	select {
	case queue <- m:
		return true
	default:
		logrus.WithFields(logrus.Fields{
			"function":   "Session.deliver",
			"session_id": s.id,
			"kind":       m.Kind(),
			"control":    queue == s.control,
		}).Debug("Session queue full, dropping message")
		return false
	}
}

// cause returns why the session context ended.
func (s *Session) cause() error {
	if err := context.Cause(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ErrCancelled
}
