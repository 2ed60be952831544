package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/opd-ai/lanxfer/limits"
	"github.com/sirupsen/logrus"
)

// FrameHeaderSize is the length prefix in front of every frame.
const FrameHeaderSize = 4

var (
	// ErrFrameTooLarge is returned for a frame whose declared length exceeds
	// the limit but which was skipped, leaving the stream aligned.
	ErrFrameTooLarge = fmt.Errorf("%w: frame too large", ErrProtocol)
	// ErrEmptyFrame is returned for a zero-length frame.
	ErrEmptyFrame = fmt.Errorf("%w: empty frame", ErrProtocol)
	// ErrStreamCorrupt is returned when the stream can no longer be framed.
	// Unlike ErrProtocol errors it is fatal to the connection.
	ErrStreamCorrupt = errors.New("frame stream corrupt")
)

// Recoverable reports whether the stream is still usable after err.
func Recoverable(err error) bool {
	return errors.Is(err, ErrProtocol) && !errors.Is(err, ErrStreamCorrupt)
}

// WriteFrame writes payload with its length prefix in a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if err := limits.ValidateMessageSize(payload, limits.MaxDiscard); err != nil {
		return err
	}
	frame := make([]byte, FrameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[FrameHeaderSize:], payload)

	n, err := w.Write(frame)
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("write frame: %w", io.ErrShortWrite)
	}
	return nil
}

// ReadFrame reads one frame of at most max bytes.
//
// A frame above max but within limits.MaxDiscard is read and thrown away and
// ErrFrameTooLarge is returned; the next ReadFrame starts at the following
// frame. A larger declared length, or a frame cut short by EOF, yields an
// error that is not Recoverable. A clean EOF before the header is io.EOF.
func ReadFrame(r io.Reader, max uint32) ([]byte, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated length prefix", ErrStreamCorrupt)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, ErrEmptyFrame
	}

	if length > max {
		if length > limits.MaxDiscard {
			return nil, fmt.Errorf("%w: declared length %d exceeds discard limit %d",
				ErrStreamCorrupt, length, limits.MaxDiscard)
		}

		logrus.WithFields(logrus.Fields{
			"function": "ReadFrame",
			"length":   length,
			"max":      max,
		}).Warn("Discarding oversized frame")

		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return nil, fmt.Errorf("%w: discarding oversized frame: %v", ErrStreamCorrupt, err)
		}
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, length, max)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: truncated frame of %d bytes: %v", ErrStreamCorrupt, length, err)
	}
	return payload, nil
}
