package wire

import "fmt"

// RejectReason explains a ManifestReject.
type RejectReason uint8

const (
	RejectInsufficientSpace RejectReason = iota + 1
	RejectInvalidManifest
	RejectBusy
	RejectDuplicate
)

func (r RejectReason) String() string {
	switch r {
	case RejectInsufficientSpace:
		return "insufficient space"
	case RejectInvalidManifest:
		return "invalid manifest"
	case RejectBusy:
		return "busy"
	case RejectDuplicate:
		return "duplicate"
	}
	return fmt.Sprintf("reject(%d)", uint8(r))
}

func (r RejectReason) valid() bool {
	return r >= RejectInsufficientSpace && r <= RejectDuplicate
}

// NackReason explains a ChunkNack.
type NackReason uint8

const (
	NackHashMismatch NackReason = iota + 1
	NackBadRange
	NackWriteFailed
	NackDecompress
)

func (r NackReason) String() string {
	switch r {
	case NackHashMismatch:
		return "hash mismatch"
	case NackBadRange:
		return "bad range"
	case NackWriteFailed:
		return "write failed"
	case NackDecompress:
		return "decompression failed"
	}
	return fmt.Sprintf("nack(%d)", uint8(r))
}

func (r NackReason) valid() bool {
	return r >= NackHashMismatch && r <= NackDecompress
}

// CancelReason explains a SessionCancel.
type CancelReason uint8

const (
	CancelUser CancelReason = iota + 1
	CancelSourceChanged
	CancelNotFound
	CancelIntegrityMismatch
	CancelTransferFailed
	CancelShutdown
	CancelTimeout
)

func (r CancelReason) String() string {
	switch r {
	case CancelUser:
		return "cancelled"
	case CancelSourceChanged:
		return "source changed"
	case CancelNotFound:
		return "not found"
	case CancelIntegrityMismatch:
		return "integrity mismatch"
	case CancelTransferFailed:
		return "transfer failed"
	case CancelShutdown:
		return "shutdown"
	case CancelTimeout:
		return "timeout"
	}
	return fmt.Sprintf("cancel(%d)", uint8(r))
}

func (r CancelReason) valid() bool {
	return r >= CancelUser && r <= CancelTimeout
}
