// Package wire defines the lanxfer message set and its binary encoding.
//
// Every message travels as one frame:
//
//	[length: 4 bytes, big-endian][payload: length bytes]
//
// and every payload starts with the same header:
//
//	[kind: 1 byte][session id: 16 bytes][body]
//
// Integers are big-endian. Strings carry a 2-byte length prefix, byte
// strings and lists a 4-byte one. Kinds outside the known set are rejected
// with ErrUnknownKind rather than skipped.
//
// Message is a closed interface: only the types in this package implement
// it, so a type switch over the nine kinds is exhaustive.
//
// Example:
//
//	payload, err := wire.Marshal(&wire.ChunkAck{Session: id, Offset: 0, Length: n})
//	if err != nil {
//	    return err
//	}
//	if err := wire.WriteFrame(conn, payload); err != nil {
//	    return err
//	}
package wire
