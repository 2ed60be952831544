package transport

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"time"
	"unicode/utf8"

	"github.com/opd-ai/lanxfer/crypto"
	"github.com/opd-ai/lanxfer/noise"
	"github.com/opd-ai/lanxfer/wire"
	"github.com/sirupsen/logrus"
)

// Dial connects to addr over TCP and runs the initiator handshake. pinned,
// when non-nil, is the static key the peer must present.
func Dial(ctx context.Context, addr string, cfg Config, pinned []byte) (*Channel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	ch, err := Client(ctx, conn, cfg, pinned)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ch, nil
}

// Client runs the initiator side of the handshake over conn.
func Client(ctx context.Context, conn net.Conn, cfg Config, pinned []byte) (*Channel, error) {
	return establish(ctx, conn, cfg, noise.Initiator, pinned)
}

// Server runs the responder side of the handshake over conn.
func Server(ctx context.Context, conn net.Conn, cfg Config) (*Channel, error) {
	return establish(ctx, conn, cfg, noise.Responder, nil)
}

func establish(ctx context.Context, conn net.Conn, cfg Config, role noise.HandshakeRole, pinned []byte) (*Channel, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if pinned != nil && len(pinned) != crypto.KeySize {
		return nil, fmt.Errorf("pinned key must be %d bytes, got %d", crypto.KeySize, len(pinned))
	}

	c := newChannel(conn, cfg)
	c.state.Store(uint32(StateHandshaking))

	logger := logrus.WithFields(logrus.Fields{
		"function": "transport.establish",
		"channel":  c.id.String(),
		"role":     role.String(),
		"remote":   conn.RemoteAddr().String(),
	})
	logger.Debug("Starting handshake")

	hsCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(hsCtx, func() {
		_ = conn.SetDeadline(time.Now())
	})

	keys, err := c.handshake(role, pinned)
	stop()
	_ = conn.SetDeadline(time.Time{})

	if err != nil {
		switch {
		case isTimeout(err) || errors.Is(hsCtx.Err(), context.DeadlineExceeded):
			err = fmt.Errorf("%w: %w: %v", ErrHandshakeFailed, ErrTimeout, err)
		case ctx.Err() != nil:
			err = fmt.Errorf("%w: %w", ErrHandshakeFailed, ctx.Err())
		case !errors.Is(err, ErrHandshakeFailed):
			err = fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
		}
		logger.WithField("error", err.Error()).Warn("Handshake failed")
		c.closeWith(err)
		cfg.observe(role, err)
		return nil, err
	}

	c.keys = keys
	c.state.Store(uint32(StateEstablished))
	cfg.observe(role, nil)

	logger.WithFields(logrus.Fields{
		"peer_id":  keys.remotePeerID,
		"peer_key": crypto.Fingerprint(keys.remoteStatic[:]),
	}).Info("Secure channel established")
	return c, nil
}

// handshake drives the XX exchange. Messages two and three carry the
// sender's peer id as their encrypted payload.
func (c *Channel) handshake(role noise.HandshakeRole, pinned []byte) (*transportKeys, error) {
	hs, err := noise.NewHandshake(c.cfg.Keys, role)
	if err != nil {
		return nil, err
	}

	var remoteID []byte
	for !hs.IsComplete() {
		if hs.NeedsWrite() {
			var payload []byte
			if hs.State() != noise.StateWriteE {
				payload = []byte(c.cfg.PeerID)
			}
			msg, err := hs.WriteMessage(payload)
			if err != nil {
				return nil, err
			}
			if err := wire.WriteFrame(c.conn, msg); err != nil {
				return nil, err
			}
			continue
		}

		msg, err := wire.ReadFrame(c.conn, maxHandshakeFrameSize)
		if err != nil {
			return nil, err
		}
		payload, err := hs.ReadMessage(msg)
		if err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			remoteID = payload
		}
		if err := checkPinned(hs, pinned); err != nil {
			return nil, err
		}
	}

	res, err := hs.Result()
	if err != nil {
		return nil, err
	}
	if len(remoteID) == 0 || len(remoteID) > maxPeerIDLength || !utf8.Valid(remoteID) {
		return nil, fmt.Errorf("%w: invalid peer id", ErrHandshakeFailed)
	}
	return &transportKeys{
		send:         res.Send,
		recv:         res.Recv,
		remoteStatic: res.RemoteStatic,
		remotePeerID: string(remoteID),
	}, nil
}

// checkPinned fails as soon as the peer's static key is known and differs
// from the pinned one, before our own identity is revealed.
func checkPinned(hs *noise.Handshake, pinned []byte) error {
	if pinned == nil {
		return nil
	}
	remote, ok := hs.PeerStatic()
	if !ok {
		return nil
	}
	if subtle.ConstantTimeCompare(remote[:], pinned) != 1 {
		return fmt.Errorf("%w: %w: got %s, want %s", ErrHandshakeFailed, ErrKeyMismatch,
			crypto.Fingerprint(remote[:]), crypto.Fingerprint(pinned))
	}
	return nil
}
