package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flynn/noise"
	"github.com/google/uuid"
	"github.com/opd-ai/lanxfer/crypto"
	"github.com/opd-ai/lanxfer/limits"
	"github.com/opd-ai/lanxfer/wire"
	"github.com/sirupsen/logrus"
)

var (
	// ErrHandshakeFailed is returned when the peer could not be authenticated.
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrTimeout marks errors caused by an expired handshake or write deadline.
	ErrTimeout = errors.New("timeout")
	// ErrChannelClosed is returned by operations on a closed channel.
	ErrChannelClosed = errors.New("channel closed")
	// ErrNotEstablished is returned when sending before the handshake finished.
	ErrNotEstablished = errors.New("channel not established")
	// ErrKeyMismatch is returned when the peer's static key is not the pinned one.
	ErrKeyMismatch = errors.New("peer static key does not match")
	// ErrDecrypt is returned for a frame whose tag does not verify.
	ErrDecrypt = fmt.Errorf("%w: frame authentication failed", wire.ErrProtocol)
	// ErrTooManyMalformed is returned when a channel is closed for bad frames.
	ErrTooManyMalformed = errors.New("too many malformed frames")
	// ErrNonceExhausted is returned when the send nonce space is used up.
	ErrNonceExhausted = errors.New("send nonce exhausted")
)

// ChannelState is the lifecycle position of a channel.
type ChannelState uint32

const (
	StateUninitiated ChannelState = iota
	StateHandshaking
	StateEstablished
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateUninitiated:
		return "uninitiated"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// transportKeys is built once the handshake completes and never modified.
type transportKeys struct {
	send         noise.Cipher
	recv         noise.Cipher
	remoteStatic [crypto.KeySize]byte
	remotePeerID string
}

// Channel is an authenticated encrypted link to one peer. Send is safe for
// concurrent use; Receive must be called from a single goroutine.
type Channel struct {
	id     uuid.UUID
	conn   net.Conn
	cfg    Config
	state  atomic.Uint32
	keys   *transportKeys
	replay *crypto.ReplayWindow

	sendLock  chan struct{}
	sendNonce uint64

	malformed atomic.Int32
	bytesOut  atomic.Uint64
	bytesIn   atomic.Uint64

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newChannel(conn net.Conn, cfg Config) *Channel {
	c := &Channel{
		id:       uuid.New(),
		conn:     conn,
		cfg:      cfg,
		replay:   crypto.NewReplayWindow(cfg.ReplayWindow),
		sendLock: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	c.state.Store(uint32(StateUninitiated))
	return c
}

// ID is a process-local identifier for the channel.
func (c *Channel) ID() uuid.UUID { return c.id }

// State returns the current lifecycle state.
func (c *Channel) State() ChannelState { return ChannelState(c.state.Load()) }

// PeerID returns the id the remote peer announced during the handshake.
func (c *Channel) PeerID() string {
	if c.keys == nil {
		return ""
	}
	return c.keys.remotePeerID
}

// RemoteStatic returns the peer's authenticated static public key.
func (c *Channel) RemoteStatic() [crypto.KeySize]byte {
	if c.keys == nil {
		return [crypto.KeySize]byte{}
	}
	return c.keys.remoteStatic
}

// RemoteAddr returns the address of the remote endpoint.
func (c *Channel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Done is closed when the channel closes.
func (c *Channel) Done() <-chan struct{} { return c.closed }

// Err returns the reason the channel closed, or nil while it is open.
func (c *Channel) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// BytesSent returns the number of ciphertext bytes written.
func (c *Channel) BytesSent() uint64 { return c.bytesOut.Load() }

// BytesReceived returns the number of ciphertext bytes read.
func (c *Channel) BytesReceived() uint64 { return c.bytesIn.Load() }

// MalformedFrames returns the number of protocol errors seen so far.
func (c *Channel) MalformedFrames() int { return int(c.malformed.Load()) }

// Close closes the channel and its connection.
func (c *Channel) Close() error {
	c.closeWith(ErrChannelClosed)
	return nil
}

func (c *Channel) closeWith(reason error) {
	c.closeOnce.Do(func() {
		c.closeErr = reason
		c.state.Store(uint32(StateClosed))
		close(c.closed)
		_ = c.conn.Close()

		logrus.WithFields(logrus.Fields{
			"function":  "Channel.Close",
			"channel":   c.id.String(),
			"peer_id":   c.PeerID(),
			"reason":    reason.Error(),
			"bytes_out": c.bytesOut.Load(),
			"bytes_in":  c.bytesIn.Load(),
		}).Debug("Channel closed")
	})
}

// Send encrypts and writes one message.
//
// ctx is only observed while waiting for the send lock. Once the write has
// started it runs to completion or until the message timeout; a failed
// write closes the channel so no partially written frame is ever followed
// by another.
func (c *Channel) Send(ctx context.Context, m wire.Message) error {
	payload, err := wire.Marshal(m)
	if err != nil {
		return err
	}
	return c.sendPayload(ctx, payload)
}

func (c *Channel) sendPayload(ctx context.Context, payload []byte) error {
	if c.State() != StateEstablished {
		if c.State() == StateClosed {
			return ErrChannelClosed
		}
		return ErrNotEstablished
	}

	select {
	case c.sendLock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrChannelClosed
	}
	defer func() { <-c.sendLock }()

	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}

	if c.sendNonce == math.MaxUint64 {
		c.closeWith(ErrNonceExhausted)
		return ErrNonceExhausted
	}
	n := c.sendNonce
	c.sendNonce++

	frame := c.seal(n, payload)

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.MessageTimeout)); err != nil {
		c.closeWith(err)
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := wire.WriteFrame(c.conn, frame); err != nil {
		if isTimeout(err) {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		c.closeWith(err)
		return err
	}
	c.bytesOut.Add(uint64(wire.FrameHeaderSize + len(frame)))
	return nil
}

// seal builds [nonce][ciphertext] with the nonce as associated data.
func (c *Channel) seal(n uint64, payload []byte) []byte {
	out := make([]byte, limits.NonceSize, limits.NonceSize+len(payload)+limits.EncryptionOverhead)
	binary.BigEndian.PutUint64(out, n)
	return c.keys.send.Encrypt(out, n, out[:limits.NonceSize], payload)
}

// open checks, decrypts and commits one frame.
func (c *Channel) open(frame []byte) ([]byte, error) {
	if len(frame) < limits.NonceSize+limits.EncryptionOverhead {
		return nil, fmt.Errorf("%w: encrypted frame of %d bytes", wire.ErrProtocol, len(frame))
	}
	ad := frame[:limits.NonceSize]
	n := binary.BigEndian.Uint64(ad)

	if err := c.replay.Check(n); err != nil {
		return nil, fmt.Errorf("%w: %w", wire.ErrProtocol, err)
	}
	plain, err := c.keys.recv.Decrypt(nil, n, ad, frame[limits.NonceSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: nonce %d", ErrDecrypt, n)
	}
	if err := c.replay.Commit(n); err != nil {
		return nil, fmt.Errorf("%w: %w", wire.ErrProtocol, err)
	}
	return plain, nil
}

// Receive returns the next valid message. Malformed, replayed or forged
// frames are dropped and counted; after MaxMalformedFrames the channel is
// closed. Cancelling ctx while a frame is in progress closes the channel
// because the stream position is then unknown.
func (c *Channel) Receive(ctx context.Context) (wire.Message, error) {
	if c.State() != StateEstablished {
		if c.State() == StateClosed {
			return nil, c.closedErr()
		}
		return nil, ErrNotEstablished
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	max := uint32(limits.MaxFrameSize + limits.NonceSize + limits.EncryptionOverhead)
	for {
		frame, err := wire.ReadFrame(c.conn, max)
		if err != nil {
			if ctx.Err() != nil {
				c.closeWith(ctx.Err())
				return nil, ctx.Err()
			}
			if wire.Recoverable(err) {
				if ferr := c.recordMalformed(err); ferr != nil {
					return nil, ferr
				}
				continue
			}
			c.closeWith(err)
			return nil, c.closedErr()
		}
		c.bytesIn.Add(uint64(wire.FrameHeaderSize + len(frame)))

		plain, err := c.open(frame)
		if err != nil {
			if ferr := c.recordMalformed(err); ferr != nil {
				return nil, ferr
			}
			continue
		}

		m, err := wire.Unmarshal(plain)
		if err != nil {
			if ferr := c.recordMalformed(err); ferr != nil {
				return nil, ferr
			}
			continue
		}
		return m, nil
	}
}

func (c *Channel) closedErr() error {
	if c.closeErr == nil || errors.Is(c.closeErr, ErrChannelClosed) {
		return ErrChannelClosed
	}
	return fmt.Errorf("%w: %w", ErrChannelClosed, c.closeErr)
}

func (c *Channel) recordMalformed(err error) error {
	count := c.malformed.Add(1)
	logrus.WithFields(logrus.Fields{
		"function": "Channel.Receive",
		"channel":  c.id.String(),
		"peer_id":  c.PeerID(),
		"count":    count,
		"error":    err.Error(),
	}).Warn("Dropped malformed frame")

	if int(count) >= c.cfg.MaxMalformedFrames {
		c.closeWith(fmt.Errorf("%w: %d: %w", ErrTooManyMalformed, count, err))
		return c.closedErr()
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
