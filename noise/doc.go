// Package noise runs the Noise XX handshake that authenticates lanxfer peers.
//
// The suite is Noise_XX_25519_AESGCM_BLAKE2b on top of the flynn/noise
// library. Neither side needs the other's static key in advance; both static
// keys are exchanged encrypted and authenticated:
//
//	Initiator                              Responder
//	─────────                              ─────────
//	-> e
//	                                       <- e, ee, s, es
//	-> s, se
//	[session established]
//
// The handshake is an explicit state machine. Each step is valid in exactly
// one state and any failure moves the handshake to StateFailed, after which
// every call returns ErrHandshakeFailed. Once complete, Result hands out the
// two directional AEAD ciphers; nonce management is the caller's job, which
// lets the transport carry explicit nonces for out-of-order tolerance.
//
// Example:
//
//	hs, err := noise.NewHandshake(keys, noise.Initiator)
//	msg1, err := hs.WriteMessage(nil)
//	// send msg1, receive msg2
//	payload, err := hs.ReadMessage(msg2)
//	msg3, err := hs.WriteMessage(myPeerID)
//	res, err := hs.Result()
package noise
