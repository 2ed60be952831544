package limits

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameSizeLeavesRoomForMaxChunk(t *testing.T) {
	needed := MaxChunkSize + MessageHeaderSize + EncryptionOverhead + NonceSize
	assert.GreaterOrEqual(t, MaxFrameSize, needed)
}

func TestValidateMessageSize(t *testing.T) {
	assert.ErrorIs(t, ValidateMessageSize(nil, 10), ErrMessageEmpty)
	assert.NoError(t, ValidateMessageSize(make([]byte, 10), 10))

	err := ValidateMessageSize(make([]byte, 11), 10)
	assert.True(t, errors.Is(err, ErrMessageTooLarge))
	assert.Contains(t, err.Error(), "size 11 exceeds limit 10")
}

func TestValidateFrameSize(t *testing.T) {
	assert.ErrorIs(t, ValidateFrameSize(0), ErrMessageEmpty)
	assert.NoError(t, ValidateFrameSize(MaxFrameSize))
	assert.ErrorIs(t, ValidateFrameSize(MaxFrameSize+1), ErrMessageTooLarge)
}

func TestValidateChunkSize(t *testing.T) {
	assert.NoError(t, ValidateChunkSize(DefaultChunkSize))
	assert.NoError(t, ValidateChunkSize(MinChunkSize))
	assert.NoError(t, ValidateChunkSize(MaxChunkSize))
	assert.Error(t, ValidateChunkSize(MinChunkSize-1))
	assert.Error(t, ValidateChunkSize(MaxChunkSize+1))
}

func TestValidateReason(t *testing.T) {
	assert.NoError(t, ValidateReason("disk full"))
	assert.ErrorIs(t, ValidateReason(string(make([]byte, MaxReasonLength+1))), ErrMessageTooLarge)
}
