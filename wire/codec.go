package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/opd-ai/lanxfer/limits"
)

var (
	// ErrProtocol is the parent of every malformed-payload error. A frame that
	// fails with ErrProtocol is dropped; the stream itself is still aligned.
	ErrProtocol = errors.New("protocol error")
	// ErrUnknownKind is returned for a payload whose kind byte is not known.
	ErrUnknownKind = fmt.Errorf("%w: unknown message kind", ErrProtocol)
	// ErrTruncated is returned when a payload ends before a field does.
	ErrTruncated = fmt.Errorf("%w: truncated payload", ErrProtocol)
)

const headerSize = 1 + 16

// Marshal encodes m into a frame payload.
func Marshal(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("nil message")
	}
	e := &encoder{buf: make([]byte, 0, headerSize+sizeHint(m))}
	e.u8(uint8(m.Kind()))
	id := m.SessionID()
	e.raw(id[:])

	switch msg := m.(type) {
	case *ManifestOffer:
		e.str(msg.Path)
		e.u64(msg.Size)
		e.u64(msg.FileHash)
		e.u32(msg.ChunkSize)
		e.u8(msg.Flags)
		e.u32(uint32(len(msg.ChunkHashes)))
		for _, h := range msg.ChunkHashes {
			e.u64(h)
		}
	case *ManifestAccept:
		e.bytes(msg.Acked)
		e.u32(msg.Window)
	case *ManifestReject:
		e.u8(uint8(msg.Reason))
		e.str(msg.Detail)
	case *ChunkData:
		e.u64(msg.Offset)
		e.u32(msg.Length)
		e.u64(msg.Hash)
		e.u8(msg.Flags)
		e.bytes(msg.Data)
	case *ChunkAck:
		e.u64(msg.Offset)
		e.u32(msg.Length)
	case *ChunkNack:
		e.u64(msg.Offset)
		e.u32(msg.Length)
		e.u8(uint8(msg.Reason))
	case *ResumeRequest:
		e.str(msg.Path)
		e.u64(msg.FileHash)
		e.u64(msg.FileSize)
		e.u32(msg.ChunkSize)
		e.u32(msg.ChunkCount)
		e.u64(msg.Epoch)
		e.bytes(msg.Acked)
	case *SessionCancel:
		e.u8(uint8(msg.Reason))
		e.str(msg.Detail)
	case *SessionComplete:
		e.u64(msg.FileHash)
	}

	if e.err != nil {
		return nil, fmt.Errorf("marshal %s: %w", m.Kind(), e.err)
	}
	if len(e.buf) > limits.MaxFrameSize {
		return nil, fmt.Errorf("marshal %s: %w: %d bytes", m.Kind(), limits.ErrMessageTooLarge, len(e.buf))
	}
	return e.buf, nil
}

// Unmarshal decodes a frame payload. Every failure wraps ErrProtocol.
func Unmarshal(payload []byte) (Message, error) {
	if len(payload) < headerSize {
		return nil, fmt.Errorf("%w: %d byte payload", ErrTruncated, len(payload))
	}
	kind := Kind(payload[0])
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, payload[0])
	}

	var id uuid.UUID
	copy(id[:], payload[1:headerSize])
	d := &decoder{buf: payload[headerSize:]}

	var m Message
	switch kind {
	case KindManifestOffer:
		msg := &ManifestOffer{Session: id}
		msg.Path = d.str()
		msg.Size = d.u64()
		msg.FileHash = d.u64()
		msg.ChunkSize = d.u32()
		msg.Flags = d.u8()
		n := d.u32()
		if d.err == nil && uint64(n)*8 > uint64(len(d.buf)) {
			d.err = fmt.Errorf("%w: %d chunk hashes", ErrTruncated, n)
		}
		if d.err == nil {
			msg.ChunkHashes = make([]uint64, n)
			for i := range msg.ChunkHashes {
				msg.ChunkHashes[i] = d.u64()
			}
		}
		m = msg
	case KindManifestAccept:
		m = &ManifestAccept{Session: id, Acked: d.bytes(), Window: d.u32()}
	case KindManifestReject:
		msg := &ManifestReject{Session: id, Reason: RejectReason(d.u8()), Detail: d.str()}
		if d.err == nil && !msg.Reason.valid() {
			d.err = fmt.Errorf("%w: reject reason %d", ErrProtocol, msg.Reason)
		}
		m = msg
	case KindChunkData:
		msg := &ChunkData{Session: id}
		msg.Offset = d.u64()
		msg.Length = d.u32()
		msg.Hash = d.u64()
		msg.Flags = d.u8()
		msg.Data = d.bytes()
		m = msg
	case KindChunkAck:
		m = &ChunkAck{Session: id, Offset: d.u64(), Length: d.u32()}
	case KindChunkNack:
		msg := &ChunkNack{Session: id, Offset: d.u64(), Length: d.u32(), Reason: NackReason(d.u8())}
		if d.err == nil && !msg.Reason.valid() {
			d.err = fmt.Errorf("%w: nack reason %d", ErrProtocol, msg.Reason)
		}
		m = msg
	case KindResumeRequest:
		msg := &ResumeRequest{Session: id}
		msg.Path = d.str()
		msg.FileHash = d.u64()
		msg.FileSize = d.u64()
		msg.ChunkSize = d.u32()
		msg.ChunkCount = d.u32()
		msg.Epoch = d.u64()
		msg.Acked = d.bytes()
		m = msg
	case KindSessionCancel:
		msg := &SessionCancel{Session: id, Reason: CancelReason(d.u8()), Detail: d.str()}
		if d.err == nil && !msg.Reason.valid() {
			d.err = fmt.Errorf("%w: cancel reason %d", ErrProtocol, msg.Reason)
		}
		m = msg
	case KindSessionComplete:
		m = &SessionComplete{Session: id, FileHash: d.u64()}
	}

	if d.err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", kind, d.err)
	}
	if len(d.buf) != 0 {
		return nil, fmt.Errorf("unmarshal %s: %w: %d trailing bytes", kind, ErrProtocol, len(d.buf))
	}
	return m, nil
}

func sizeHint(m Message) int {
	switch msg := m.(type) {
	case *ManifestOffer:
		return 2 + len(msg.Path) + 8 + 8 + 4 + 1 + 4 + 8*len(msg.ChunkHashes)
	case *ChunkData:
		return 8 + 4 + 8 + 1 + 4 + len(msg.Data)
	case *ResumeRequest:
		return 2 + len(msg.Path) + 8 + 8 + 4 + 4 + 8 + 4 + len(msg.Acked)
	}
	return 64
}

type encoder struct {
	buf []byte
	err error
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.BigEndian.AppendUint64(e.buf, v) }
func (e *encoder) raw(b []byte) { e.buf = append(e.buf, b...) }

func (e *encoder) str(s string) {
	if len(s) > 0xFFFF {
		e.err = fmt.Errorf("%w: string of %d bytes", limits.ErrMessageTooLarge, len(s))
		return
	}
	e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// decoder reads fields until the first error; later reads return zero values.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf) < n {
		d.err = fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, n, len(d.buf))
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) str() string {
	n := int(d.u16())
	return string(d.take(n))
}

// bytes copies the field so the message does not alias the frame buffer.
func (d *decoder) bytes() []byte {
	n := d.u32()
	if d.err == nil && uint64(n) > uint64(len(d.buf)) {
		d.err = fmt.Errorf("%w: byte field of %d, have %d", ErrTruncated, n, len(d.buf))
		return nil
	}
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
