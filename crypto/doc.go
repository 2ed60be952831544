// Package crypto holds the identity keys and nonce bookkeeping used by the
// lanxfer secure channel.
//
// A node is identified on the wire by its Curve25519 static key, which the
// Noise XX handshake authenticates. The private half is persisted by
// IdentityStore, optionally encrypted at rest with a passphrase.
//
// ReplayWindow implements the receive side of the transport nonce scheme:
// frames are checked before decryption and committed only after the AEAD
// tag verifies, so a forged frame can never advance the window.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", keys.PublicHex())
package crypto
