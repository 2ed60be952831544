package noise

import (
	"testing"

	"github.com/opd-ai/lanxfer/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (*crypto.KeyPair, *crypto.KeyPair, *Handshake, *Handshake) {
	t.Helper()
	ik, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	rk, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	init, err := NewHandshake(ik, Initiator)
	require.NoError(t, err)
	resp, err := NewHandshake(rk, Responder)
	require.NoError(t, err)
	return ik, rk, init, resp
}

func TestXXHandshakeCompletes(t *testing.T) {
	ik, rk, init, resp := newPair(t)

	assert.True(t, init.NeedsWrite())
	assert.False(t, resp.NeedsWrite())

	msg1, err := init.WriteMessage(nil)
	require.NoError(t, err)
	_, err = resp.ReadMessage(msg1)
	require.NoError(t, err)

	msg2, err := resp.WriteMessage([]byte("responder-id"))
	require.NoError(t, err)
	payload, err := init.ReadMessage(msg2)
	require.NoError(t, err)
	assert.Equal(t, "responder-id", string(payload))

	msg3, err := init.WriteMessage([]byte("initiator-id"))
	require.NoError(t, err)
	assert.True(t, init.IsComplete())

	payload, err = resp.ReadMessage(msg3)
	require.NoError(t, err)
	assert.Equal(t, "initiator-id", string(payload))
	assert.True(t, resp.IsComplete())

	ir, err := init.Result()
	require.NoError(t, err)
	rr, err := resp.Result()
	require.NoError(t, err)

	assert.Equal(t, rk.Public, ir.RemoteStatic)
	assert.Equal(t, ik.Public, rr.RemoteStatic)
	assert.Equal(t, ir.Hash, rr.Hash)

	ad := []byte{0, 0, 0, 0, 0, 0, 0, 7}
	ct := ir.Send.Encrypt(nil, 7, ad, []byte("hello"))
	pt, err := rr.Recv.Decrypt(nil, 7, ad, ct)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(pt))

	ct = rr.Send.Encrypt(nil, 0, nil, []byte("back"))
	pt, err = ir.Recv.Decrypt(nil, 0, nil, ct)
	require.NoError(t, err)
	assert.Equal(t, "back", string(pt))
}

func TestXXHandshakeTamperedMessageFails(t *testing.T) {
	_, _, init, resp := newPair(t)

	msg1, err := init.WriteMessage(nil)
	require.NoError(t, err)
	_, err = resp.ReadMessage(msg1)
	require.NoError(t, err)
	msg2, err := resp.WriteMessage([]byte("id"))
	require.NoError(t, err)

	msg2[len(msg2)-1] ^= 0x01
	_, err = init.ReadMessage(msg2)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Equal(t, StateFailed, init.State())

	_, err = init.WriteMessage(nil)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	_, err = init.Result()
	assert.ErrorIs(t, err, ErrHandshakeNotComplete)
}

func TestXXHandshakeOutOfTurn(t *testing.T) {
	_, _, init, resp := newPair(t)

	_, err := init.ReadMessage([]byte("x"))
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = resp.WriteMessage(nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = init.WriteMessage([]byte("payload"))
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestXXHandshakeWrongPrologueFails(t *testing.T) {
	_, _, init, resp := newPair(t)

	// Rebuild the responder's state with a different prologue.
	rk, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	saved := Prologue
	Prologue = []byte("other/1")
	resp, err = NewHandshake(rk, Responder)
	Prologue = saved
	require.NoError(t, err)

	msg1, err := init.WriteMessage(nil)
	require.NoError(t, err)
	_, err = resp.ReadMessage(msg1)
	require.NoError(t, err)
	msg2, err := resp.WriteMessage(nil)
	require.NoError(t, err)

	_, err = init.ReadMessage(msg2)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "complete", StateComplete.String())
	assert.Equal(t, "state(99)", State(99).String())
	assert.Equal(t, "initiator", Initiator.String())
}
