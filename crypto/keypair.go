package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of Curve25519 public and private keys.
const KeySize = curve25519.ScalarSize

// ErrInvalidKey is returned for all-zero or malformed keys.
var ErrInvalidKey = errors.New("invalid key")

// KeyPair is a node's Curve25519 static identity.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair creates a new random static key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var secret [KeySize]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("read random key: %w", err)
	}
	kp, err := FromSecretKey(secret)
	ZeroBytes(secret[:])
	return kp, err
}

// FromSecretKey rebuilds a key pair from a stored private key, deriving the
// public half by scalar multiplication with the base point.
func FromSecretKey(secretKey [KeySize]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, fmt.Errorf("%w: secret key is all zeros", ErrInvalidKey)
	}

	pub, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], pub)
	return kp, nil
}

// PublicHex returns the public key as lowercase hex.
func (kp *KeyPair) PublicHex() string {
	return hex.EncodeToString(kp.Public[:])
}

// Fingerprint returns a short printable prefix of the public key, suitable
// for logs and for display next to a peer id.
func (kp *KeyPair) Fingerprint() string {
	return Fingerprint(kp.Public[:])
}

// Fingerprint formats the first eight bytes of a public key as hex.
func Fingerprint(pub []byte) string {
	if len(pub) > 8 {
		pub = pub[:8]
	}
	return hex.EncodeToString(pub)
}

// ParsePublicKey decodes a hex-encoded public key.
func ParsePublicKey(s string) ([KeySize]byte, error) {
	var key [KeySize]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("%w: length %d, want %d", ErrInvalidKey, len(raw), KeySize)
	}
	copy(key[:], raw)
	if isZeroKey(key) {
		return key, fmt.Errorf("%w: public key is all zeros", ErrInvalidKey)
	}
	return key, nil
}

func isZeroKey(key [KeySize]byte) bool {
	var acc byte
	for _, b := range key {
		acc |= b
	}
	return acc == 0
}
