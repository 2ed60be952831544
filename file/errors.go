package file

import (
	"errors"
	"fmt"

	"github.com/opd-ai/lanxfer/wire"
)

var (
	// ErrManifestRejected indicates the receiver refused the offer. It is not
	// retried automatically.
	ErrManifestRejected = errors.New("manifest rejected")
	// ErrChunkTransferFailed indicates a chunk exhausted its retries.
	ErrChunkTransferFailed = errors.New("chunk transfer failed")
	// ErrIntegrityMismatch indicates the reassembled file does not match the
	// manifest hash. The received data is discarded.
	ErrIntegrityMismatch = errors.New("integrity mismatch")
	// ErrSourceFileChanged indicates the file changed during the transfer.
	ErrSourceFileChanged = errors.New("source file changed")
	// ErrBusy indicates the session limit was reached. Callers may retry.
	ErrBusy = errors.New("busy: session limit reached")
	// ErrTimeout is joined with the phase error when a deadline expires.
	ErrTimeout = errors.New("timeout")
	// ErrCancelled indicates the session was cancelled by either side.
	ErrCancelled = errors.New("session cancelled")
	// ErrChannelLost indicates the link carrying the session closed.
	ErrChannelLost = errors.New("channel lost")
	// ErrNoChannel indicates there is no link to the requested peer.
	ErrNoChannel = errors.New("no channel to peer")
	// ErrInvalidManifest indicates a manifest failed validation.
	ErrInvalidManifest = errors.New("invalid manifest")
	// ErrDirectoryTraversal indicates a path escapes its root.
	ErrDirectoryTraversal = errors.New("path contains directory traversal")
	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("session manager closed")
)

// RejectError is a ManifestReject received from the peer. A Busy rejection
// matches ErrBusy, every other reason matches ErrManifestRejected.
type RejectError struct {
	Reason wire.RejectReason
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("manifest rejected: %s", e.Reason)
	}
	return fmt.Sprintf("manifest rejected: %s: %s", e.Reason, e.Detail)
}

func (e *RejectError) Unwrap() error {
	if e.Reason == wire.RejectBusy {
		return ErrBusy
	}
	return ErrManifestRejected
}

// CancelError is a SessionCancel received from the peer.
type CancelError struct {
	Reason wire.CancelReason
	Detail string
}

func (e *CancelError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("cancelled by peer: %s", e.Reason)
	}
	return fmt.Sprintf("cancelled by peer: %s: %s", e.Reason, e.Detail)
}

func (e *CancelError) Unwrap() error {
	switch e.Reason {
	case wire.CancelSourceChanged:
		return ErrSourceFileChanged
	case wire.CancelIntegrityMismatch:
		return ErrIntegrityMismatch
	case wire.CancelTransferFailed:
		return ErrChunkTransferFailed
	case wire.CancelTimeout:
		return ErrTimeout
	case wire.CancelNotFound:
		return ErrManifestRejected
	}
	return ErrCancelled
}

// cancelReason picks the SessionCancel reason that tells the peer about a
// local failure. It reports false when the peer must not be told: it
// already knows, or the link is gone.
func cancelReason(err error) (wire.CancelReason, bool) {
	var ce *CancelError
	var re *RejectError
	switch {
	case err == nil, errors.As(err, &ce), errors.As(err, &re), errors.Is(err, ErrChannelLost):
		return 0, false
	case errors.Is(err, ErrSourceFileChanged):
		return wire.CancelSourceChanged, true
	case errors.Is(err, ErrIntegrityMismatch):
		return wire.CancelIntegrityMismatch, true
	case errors.Is(err, ErrChunkTransferFailed):
		return wire.CancelTransferFailed, true
	case errors.Is(err, ErrManagerClosed):
		return wire.CancelShutdown, true
	case errors.Is(err, ErrTimeout):
		return wire.CancelTimeout, true
	case errors.Is(err, ErrCancelled):
		return wire.CancelUser, true
	}
	return wire.CancelTransferFailed, true
}

// timeoutErr joins a phase error with ErrTimeout.
func timeoutErr(phase error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %w: %s", phase, ErrTimeout, fmt.Sprintf(format, args...))
}
