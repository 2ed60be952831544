package transport

import (
	"errors"
	"time"

	"github.com/opd-ai/lanxfer/crypto"
	"github.com/opd-ai/lanxfer/noise"
)

const (
	// DefaultHandshakeTimeout bounds the whole three-message handshake.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultMessageTimeout bounds a single frame write.
	DefaultMessageTimeout = 30 * time.Second
	// DefaultMaxMalformedFrames is how many bad frames close a channel.
	DefaultMaxMalformedFrames = 3

	maxPeerIDLength       = 255
	maxHandshakeFrameSize = 4096
)

// Config holds the parameters shared by every channel a node opens.
type Config struct {
	// Keys is the node's static identity.
	Keys *crypto.KeyPair
	// PeerID is announced to the remote side during the handshake.
	PeerID string
	// HandshakeTimeout bounds the handshake. Zero selects the default.
	HandshakeTimeout time.Duration
	// MessageTimeout bounds each frame write. Zero selects the default.
	MessageTimeout time.Duration
	// ReplayWindow is the receive nonce tolerance. Zero selects the default.
	ReplayWindow int
	// MaxMalformedFrames closes the channel after this many protocol errors.
	// Zero selects the default.
	MaxMalformedFrames int
	// OnHandshake, when set, observes the outcome of every handshake.
	OnHandshake func(role string, err error)
}

func (c Config) withDefaults() (Config, error) {
	if c.Keys == nil {
		return c, errors.New("transport config: static keys are required")
	}
	if c.PeerID == "" || len(c.PeerID) > maxPeerIDLength {
		return c, errors.New("transport config: peer id must be 1-255 bytes")
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = DefaultMessageTimeout
	}
	if c.ReplayWindow <= 0 {
		c.ReplayWindow = crypto.DefaultReplayWindow
	}
	if c.MaxMalformedFrames <= 0 {
		c.MaxMalformedFrames = DefaultMaxMalformedFrames
	}
	return c, nil
}

func (c Config) observe(role noise.HandshakeRole, err error) {
	if c.OnHandshake != nil {
		c.OnHandshake(role.String(), err)
	}
}
