package wire

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind identifies a message on the wire.
type Kind uint8

const (
	KindManifestOffer   Kind = 1
	KindManifestAccept  Kind = 2
	KindManifestReject  Kind = 3
	KindChunkData       Kind = 4
	KindChunkAck        Kind = 5
	KindChunkNack       Kind = 6
	KindResumeRequest   Kind = 7
	KindSessionCancel   Kind = 8
	KindSessionComplete Kind = 9
)

var kindNames = map[Kind]string{
	KindManifestOffer:   "ManifestOffer",
	KindManifestAccept:  "ManifestAccept",
	KindManifestReject:  "ManifestReject",
	KindChunkData:       "ChunkData",
	KindChunkAck:        "ChunkAck",
	KindChunkNack:       "ChunkNack",
	KindResumeRequest:   "ResumeRequest",
	KindSessionCancel:   "SessionCancel",
	KindSessionComplete: "SessionComplete",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Message is implemented by every lanxfer message type and by nothing else.
type Message interface {
	Kind() Kind
	SessionID() uuid.UUID
	message()
}

// ChunkData flags.
const (
	// FlagCompressed marks an lz4-compressed chunk payload.
	FlagCompressed uint8 = 1 << 0
)

// ManifestOffer capability flags.
const (
	// OfferCanCompress announces that the sender may compress chunk payloads.
	OfferCanCompress uint8 = 1 << 0
)

// ManifestOffer proposes a file to the receiver.
type ManifestOffer struct {
	Session     uuid.UUID
	Path        string
	Size        uint64
	FileHash    uint64
	ChunkSize   uint32
	Flags       uint8
	ChunkHashes []uint64
}

// ManifestAccept accepts an offer. Acked has bit i set for every chunk the
// receiver already holds; those chunks are never sent. Window is the most
// chunks the receiver buffers at once; the sender keeps no more in flight.
// Zero leaves the sender's own window in force.
type ManifestAccept struct {
	Session uuid.UUID
	Acked   []byte
	Window  uint32
}

// ManifestReject refuses an offer.
type ManifestReject struct {
	Session uuid.UUID
	Reason  RejectReason
	Detail  string
}

// ChunkData carries one chunk. Length is the uncompressed range length and
// Hash the xxHash64 of the uncompressed bytes.
type ChunkData struct {
	Session uuid.UUID
	Offset  uint64
	Length  uint32
	Hash    uint64
	Flags   uint8
	Data    []byte
}

// ChunkAck confirms a chunk was written and verified.
type ChunkAck struct {
	Session uuid.UUID
	Offset  uint64
	Length  uint32
}

// ChunkNack asks for a chunk to be sent again.
type ChunkNack struct {
	Session uuid.UUID
	Offset  uint64
	Length  uint32
	Reason  NackReason
}

// ResumeRequest asks the sender to re-offer a file the receiver holds a
// checkpoint for. Session is the id the resumed session should use.
type ResumeRequest struct {
	Session    uuid.UUID
	Path       string
	FileHash   uint64
	FileSize   uint64
	ChunkSize  uint32
	ChunkCount uint32
	Epoch      uint64
	Acked      []byte
}

// SessionCancel aborts a session.
type SessionCancel struct {
	Session uuid.UUID
	Reason  CancelReason
	Detail  string
}

// SessionComplete confirms the receiver verified and committed the file.
type SessionComplete struct {
	Session  uuid.UUID
	FileHash uint64
}

func (*ManifestOffer) Kind() Kind   { return KindManifestOffer }
func (*ManifestAccept) Kind() Kind  { return KindManifestAccept }
func (*ManifestReject) Kind() Kind  { return KindManifestReject }
func (*ChunkData) Kind() Kind       { return KindChunkData }
func (*ChunkAck) Kind() Kind        { return KindChunkAck }
func (*ChunkNack) Kind() Kind       { return KindChunkNack }
func (*ResumeRequest) Kind() Kind   { return KindResumeRequest }
func (*SessionCancel) Kind() Kind   { return KindSessionCancel }
func (*SessionComplete) Kind() Kind { return KindSessionComplete }

func (m *ManifestOffer) SessionID() uuid.UUID   { return m.Session }
func (m *ManifestAccept) SessionID() uuid.UUID  { return m.Session }
func (m *ManifestReject) SessionID() uuid.UUID  { return m.Session }
func (m *ChunkData) SessionID() uuid.UUID       { return m.Session }
func (m *ChunkAck) SessionID() uuid.UUID        { return m.Session }
func (m *ChunkNack) SessionID() uuid.UUID       { return m.Session }
func (m *ResumeRequest) SessionID() uuid.UUID   { return m.Session }
func (m *SessionCancel) SessionID() uuid.UUID   { return m.Session }
func (m *SessionComplete) SessionID() uuid.UUID { return m.Session }

func (*ManifestOffer) message()   {}
func (*ManifestAccept) message()  {}
func (*ManifestReject) message()  {}
func (*ChunkData) message()       {}
func (*ChunkAck) message()        {}
func (*ChunkNack) message()       {}
func (*ResumeRequest) message()   {}
func (*SessionCancel) message()   {}
func (*SessionComplete) message() {}
