package file

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/lanxfer/wire"
)

func TestDeliverKeepsControlWhenInboxFull(t *testing.T) {
	link, _ := linkPair("alice", "bob")
	s := newSession(context.Background(), uuid.New(), DirectionReceive, link, "a.bin", "/tmp/a.bin", 2, time.Now())

	assert.True(t, s.deliver(&wire.ChunkData{Session: s.id}))
	assert.True(t, s.deliver(&wire.ChunkData{Session: s.id}))
	assert.False(t, s.deliver(&wire.ChunkData{Session: s.id}), "chunk traffic is dropped once the inbox is full")

	require.True(t, s.deliver(&wire.SessionCancel{Session: s.id, Reason: wire.CancelUser}))
	msg := <-s.control
	assert.IsType(t, &wire.SessionCancel{}, msg)
	assert.Len(t, s.inbox, 2)

	s.finish(ErrCancelled, time.Now())
	assert.False(t, s.deliver(&wire.SessionComplete{Session: s.id}), "nothing is queued after the session ended")
}

func TestFinishMapsErrorsToStates(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		state State
	}{
		{"peer cancel", &CancelError{Reason: wire.CancelUser}, StateCancelled},
		{"channel lost", ErrChannelLost, StateCancelled},
		{"ack timeout", timeoutErr(ErrChunkTransferFailed, "chunk %d", 1), StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link, _ := linkPair("alice", "bob")
			s := newSession(context.Background(), uuid.New(), DirectionSend, link, "a.bin", "/tmp/a.bin", 1, time.Now())
			require.NoError(t, s.transition(StateTransferring))
			assert.Equal(t, StateTransferring, s.finish(tt.err, time.Now()))
			assert.Equal(t, tt.state, s.State())
			assert.ErrorIs(t, s.Err(), tt.err)
		})
	}
}
