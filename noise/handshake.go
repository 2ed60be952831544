package noise

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"github.com/opd-ai/lanxfer/crypto"
	"github.com/sirupsen/logrus"
)

// Prologue binds the handshake transcript to the protocol version.
var Prologue = []byte("lanxfer/1")

var (
	// ErrHandshakeNotComplete indicates the handshake is still in progress.
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrInvalidState indicates a read or write out of turn.
	ErrInvalidState = errors.New("invalid operation for current handshake state")
	// ErrHandshakeFailed indicates a message failed to decrypt or authenticate.
	ErrHandshakeFailed = errors.New("handshake failed")
)

// CipherSuite is the Noise suite used by every lanxfer channel.
var CipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashBLAKE2b)

// HandshakeRole defines whether we initiate or respond to the handshake.
type HandshakeRole uint8

const (
	// Initiator dials and sends the first message.
	Initiator HandshakeRole = iota
	// Responder accepts and replies.
	Responder
)

func (r HandshakeRole) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// State is the position of a handshake in the XX message sequence.
type State uint8

const (
	// StateWriteE: initiator sends -> e.
	StateWriteE State = iota
	// StateReadE: responder reads -> e.
	StateReadE
	// StateWriteEES: responder sends <- e, ee, s, es.
	StateWriteEES
	// StateReadEES: initiator reads <- e, ee, s, es.
	StateReadEES
	// StateWriteSSE: initiator sends -> s, se.
	StateWriteSSE
	// StateReadSSE: responder reads -> s, se.
	StateReadSSE
	// StateComplete: transport keys are available.
	StateComplete
	// StateFailed: terminal, the handshake cannot continue.
	StateFailed
)

var stateNames = [...]string{
	StateWriteE:   "write-e",
	StateReadE:    "read-e",
	StateWriteEES: "write-e-ee-s-es",
	StateReadEES:  "read-e-ee-s-es",
	StateWriteSSE: "write-s-se",
	StateReadSSE:  "read-s-se",
	StateComplete: "complete",
	StateFailed:   "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Result is the immutable outcome of a completed handshake.
type Result struct {
	// Send encrypts our outgoing messages.
	Send noise.Cipher
	// Recv decrypts the peer's messages.
	Recv noise.Cipher
	// RemoteStatic is the peer's authenticated static public key.
	RemoteStatic [crypto.KeySize]byte
	// Hash is the handshake transcript hash, identical on both sides.
	Hash []byte
}

// Handshake is one side of a Noise XX exchange. It is not safe for
// concurrent use; the owning goroutine drives it to completion.
type Handshake struct {
	role   HandshakeRole
	state  State
	hs     *noise.HandshakeState
	result *Result
}

// NewHandshake prepares a handshake using the node's static key pair.
func NewHandshake(keys *crypto.KeyPair, role HandshakeRole) (*Handshake, error) {
	if keys == nil {
		return nil, errors.New("static key pair is required")
	}

	static := noise.DHKey{
		Private: make([]byte, crypto.KeySize),
		Public:  make([]byte, crypto.KeySize),
	}
	copy(static.Private, keys.Private[:])
	copy(static.Public, keys.Public[:])

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   CipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     role == Initiator,
		Prologue:      Prologue,
		StaticKeypair: static,
	})
	crypto.ZeroBytes(static.Private)
	if err != nil {
		return nil, fmt.Errorf("failed to create XX handshake state: %w", err)
	}

	h := &Handshake{role: role, hs: hs}
	if role == Initiator {
		h.state = StateWriteE
	} else {
		h.state = StateReadE
	}
	return h, nil
}

// Role returns which side of the exchange this handshake plays.
func (h *Handshake) Role() HandshakeRole { return h.role }

// State returns the current handshake state.
func (h *Handshake) State() State { return h.state }

// IsComplete reports whether transport keys are available.
func (h *Handshake) IsComplete() bool { return h.state == StateComplete }

// NeedsWrite reports whether the next step is sending a message.
func (h *Handshake) NeedsWrite() bool {
	switch h.state {
	case StateWriteE, StateWriteEES, StateWriteSSE:
		return true
	}
	return false
}

// WriteMessage produces the next outgoing handshake message carrying payload.
// The first message is unencrypted, so payload must be empty there.
func (h *Handshake) WriteMessage(payload []byte) ([]byte, error) {
	next, ok := map[State]State{
		StateWriteE:   StateReadEES,
		StateWriteEES: StateReadSSE,
		StateWriteSSE: StateComplete,
	}[h.state]
	if !ok {
		return nil, h.outOfTurn("write")
	}
	if h.state == StateWriteE && len(payload) > 0 {
		return nil, h.fail("write", errors.New("first message cannot carry a payload"))
	}

	msg, cs1, cs2, err := h.hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, h.fail("write", err)
	}
	if next == StateComplete {
		if err := h.complete(cs1, cs2); err != nil {
			return nil, err
		}
	} else {
		h.state = next
	}
	return msg, nil
}

// ReadMessage consumes an incoming handshake message and returns its
// decrypted payload.
func (h *Handshake) ReadMessage(msg []byte) ([]byte, error) {
	next, ok := map[State]State{
		StateReadE:   StateWriteEES,
		StateReadEES: StateWriteSSE,
		StateReadSSE: StateComplete,
	}[h.state]
	if !ok {
		return nil, h.outOfTurn("read")
	}

	payload, cs1, cs2, err := h.hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, h.fail("read", err)
	}
	if next == StateComplete {
		if err := h.complete(cs1, cs2); err != nil {
			return nil, err
		}
	} else {
		h.state = next
	}
	return payload, nil
}

// Result returns the transport ciphers and the authenticated peer key.
func (h *Handshake) Result() (*Result, error) {
	if h.state != StateComplete {
		return nil, ErrHandshakeNotComplete
	}
	return h.result, nil
}

// PeerStatic returns the peer's static key as soon as the handshake has
// received it: after the second message for the initiator and after the
// third for the responder.
func (h *Handshake) PeerStatic() ([crypto.KeySize]byte, bool) {
	var key [crypto.KeySize]byte
	switch {
	case h.result != nil:
		return h.result.RemoteStatic, true
	case h.hs != nil && len(h.hs.PeerStatic()) == crypto.KeySize:
		copy(key[:], h.hs.PeerStatic())
		return key, true
	}
	return key, false
}

// complete moves the cipher states into an immutable Result. cs1 encrypts
// initiator-to-responder traffic and cs2 the reverse.
func (h *Handshake) complete(cs1, cs2 *noise.CipherState) error {
	if cs1 == nil || cs2 == nil {
		return h.fail("complete", errors.New("missing cipher states"))
	}
	remote := h.hs.PeerStatic()
	if len(remote) != crypto.KeySize {
		return h.fail("complete", fmt.Errorf("peer static key length %d", len(remote)))
	}

	res := &Result{Hash: h.hs.ChannelBinding()}
	copy(res.RemoteStatic[:], remote)
	if h.role == Initiator {
		res.Send, res.Recv = cs1.Cipher(), cs2.Cipher()
	} else {
		res.Send, res.Recv = cs2.Cipher(), cs1.Cipher()
	}

	h.result = res
	h.state = StateComplete
	h.hs = nil

	logrus.WithFields(logrus.Fields{
		"function":    "Handshake.complete",
		"role":        h.role.String(),
		"peer_key":    crypto.Fingerprint(res.RemoteStatic[:]),
		"cipher_name": string(CipherSuite.Name()),
	}).Debug("Noise XX handshake complete")
	return nil
}

func (h *Handshake) outOfTurn(op string) error {
	if h.state == StateFailed {
		return ErrHandshakeFailed
	}
	return fmt.Errorf("%w: %s in state %s", ErrInvalidState, op, h.state)
}

func (h *Handshake) fail(op string, err error) error {
	logrus.WithFields(logrus.Fields{
		"function": "Handshake." + op,
		"role":     h.role.String(),
		"state":    h.state.String(),
		"error":    err.Error(),
	}).Warn("Noise handshake step failed")

	h.state = StateFailed
	h.hs = nil
	return fmt.Errorf("%w: %s: %v", ErrHandshakeFailed, op, err)
}
