// Package limits provides centralized size limits for the lanxfer protocol.
// This ensures consistent validation across different components of the system.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MinChunkSize is the smallest chunk size a manifest may declare (4 KiB).
	MinChunkSize = 4 * 1024

	// DefaultChunkSize is the chunk size used when none is configured (1 MiB).
	DefaultChunkSize = 1024 * 1024

	// MaxChunkSize is the largest chunk size a manifest may declare (8 MiB).
	MaxChunkSize = 8 * 1024 * 1024

	// EncryptionOverhead is the AEAD tag appended to every transport frame.
	EncryptionOverhead = 16

	// NonceSize is the explicit transport nonce carried in every frame.
	NonceSize = 8

	// MessageHeaderSize covers the message kind and session id plus the fixed
	// ChunkData fields (offset, length, hash, flags, data length).
	MessageHeaderSize = 1 + 16 + 8 + 4 + 8 + 1 + 4

	// MaxFrameSize is the largest frame payload accepted from the wire.
	// Manifests larger than this cannot be offered.
	MaxFrameSize = MaxChunkSize + 64*1024

	// MaxDiscard is the largest oversized frame body skipped to resynchronize
	// a stream. A larger declared length makes the stream unusable.
	MaxDiscard = 64 * 1024 * 1024

	// MaxPathLength is the maximum manifest path length in bytes.
	MaxPathLength = 4096

	// MaxPathComponents bounds the directory depth of a manifest path.
	MaxPathComponents = 64

	// MaxReasonLength bounds free-text reject and cancel details.
	MaxReasonLength = 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateFrameSize validates a declared frame length against MaxFrameSize.
func ValidateFrameSize(n uint32) error {
	if n == 0 {
		return ErrMessageEmpty
	}
	if n > MaxFrameSize {
		return fmt.Errorf("%w: frame size %d exceeds limit %d", ErrMessageTooLarge, n, MaxFrameSize)
	}
	return nil
}

// ValidateChunkSize checks that a manifest chunk size is within bounds.
func ValidateChunkSize(n uint32) error {
	if n < MinChunkSize || n > MaxChunkSize {
		return fmt.Errorf("chunk size %d outside [%d, %d]", n, MinChunkSize, MaxChunkSize)
	}
	return nil
}

// ValidateReason validates free-text reason length.
func ValidateReason(reason string) error {
	if len(reason) > MaxReasonLength {
		return fmt.Errorf("%w: reason length %d exceeds limit %d", ErrMessageTooLarge, len(reason), MaxReasonLength)
	}
	return nil
}
