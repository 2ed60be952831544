// Package transport provides authenticated, encrypted channels between
// lanxfer peers over TCP.
//
// A Channel moves through Uninitiated, Handshaking, Established and Closed.
// The handshake is Noise XX (see package noise); the second and third
// handshake messages carry each side's peer id. When the caller knows the
// peer's static key in advance, for example from discovery, the handshake
// fails unless the authenticated key matches.
//
// After the handshake every message is framed as
//
//	[length: 4 bytes][nonce: 8 bytes][AES-GCM ciphertext + tag]
//
// with the nonce bytes as associated data. The send nonce starts at zero and
// increases by one per message. Receive nonces pass through a replay window
// before decryption and are committed only after the tag verifies.
//
// Example:
//
//	ch, err := transport.Dial(ctx, "192.168.1.20:47800", cfg, nil)
//	if err != nil {
//	    return err
//	}
//	defer ch.Close()
//	err = ch.Send(ctx, &wire.ChunkAck{Session: id, Offset: 0, Length: n})
package transport
