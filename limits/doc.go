// Package limits provides centralized size constants and validation functions
// for the lanxfer wire protocol. Every component that accepts bytes from the
// network or from disk checks them against these limits before allocating.
//
// # Size Hierarchy
//
//   - MaxChunkSize (8 MiB): the largest chunk a manifest may declare.
//
//   - MaxFrameSize: the largest length prefix a frame reader accepts. It is
//     MaxChunkSize plus room for the message header, the AEAD tag and the
//     transport nonce.
//
//   - MaxDiscard (64 MiB): the largest oversized frame body a reader skips to
//     resynchronize the stream. Larger declared lengths close the channel.
//
//   - MaxPathLength (4096 bytes) and MaxPathComponents: bounds on manifest paths.
//
// # Validation Functions
//
//	if err := limits.ValidateFrameSize(n); err != nil {
//	    // errors.Is(err, limits.ErrMessageTooLarge)
//	}
//
// # Error Types
//
//   - ErrMessageEmpty: an empty or nil buffer was provided
//   - ErrMessageTooLarge: the buffer exceeds the specified limit
package limits
