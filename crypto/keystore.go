package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the number of iterations for passphrase key derivation.
	PBKDF2Iterations = 100000
	// SaltSize is the size of the per-file PBKDF2 salt.
	SaltSize = 32

	// IdentityFile is the file name used inside the identity directory.
	IdentityFile = "identity.key"

	formatPlain     uint16 = 0
	formatEncrypted uint16 = 1
)

var (
	// ErrWrongPassphrase is returned when the identity cannot be decrypted.
	ErrWrongPassphrase = errors.New("identity decryption failed (wrong passphrase or corrupted file)")
	// ErrPassphraseRequired is returned when an encrypted identity is opened without a passphrase.
	ErrPassphraseRequired = errors.New("identity is encrypted; passphrase required")
)

// IdentityStore persists a node's static private key.
//
// File format: [format:2][secret:32] when stored in the clear, or
// [format:2][salt:32][nonce:12][ciphertext+tag] when a passphrase is set.
// The key is AES-256-GCM encrypted under a PBKDF2-SHA256 derived key.
type IdentityStore struct {
	dir        string
	passphrase []byte
}

// NewIdentityStore returns a store rooted at dir. An empty passphrase stores
// the key unencrypted with 0600 permissions.
func NewIdentityStore(dir string, passphrase []byte) (*IdentityStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create identity directory: %w", err)
	}
	pp := make([]byte, len(passphrase))
	copy(pp, passphrase)
	return &IdentityStore{dir: dir, passphrase: pp}, nil
}

// Path returns the identity file path.
func (s *IdentityStore) Path() string {
	return filepath.Join(s.dir, IdentityFile)
}

// LoadOrCreate returns the stored key pair, generating and saving a new one
// if none exists yet.
func (s *IdentityStore) LoadOrCreate() (*KeyPair, error) {
	kp, err := s.Load()
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	kp, err = GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := s.Save(kp); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "IdentityStore.LoadOrCreate",
		"path":        s.Path(),
		"fingerprint": kp.Fingerprint(),
		"encrypted":   len(s.passphrase) > 0,
	}).Info("Generated new node identity")
	return kp, nil
}

// Load reads the stored key pair.
func (s *IdentityStore) Load() (*KeyPair, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}
	defer ZeroBytes(data)

	if len(data) < 2 {
		return nil, fmt.Errorf("identity file too short: %d bytes", len(data))
	}

	var secret [KeySize]byte
	defer ZeroBytes(secret[:])

	switch format := binary.BigEndian.Uint16(data[:2]); format {
	case formatPlain:
		if len(data) != 2+KeySize {
			return nil, fmt.Errorf("invalid identity file size: %d", len(data))
		}
		copy(secret[:], data[2:])
	case formatEncrypted:
		if len(s.passphrase) == 0 {
			return nil, ErrPassphraseRequired
		}
		plain, err := s.open(data[2:])
		if err != nil {
			return nil, err
		}
		if len(plain) != KeySize {
			ZeroBytes(plain)
			return nil, fmt.Errorf("invalid decrypted identity size: %d", len(plain))
		}
		copy(secret[:], plain)
		ZeroBytes(plain)
	default:
		return nil, fmt.Errorf("unsupported identity format: %d", format)
	}

	return FromSecretKey(secret)
}

// Save writes kp atomically using a temporary file and rename.
func (s *IdentityStore) Save(kp *KeyPair) error {
	var out []byte
	if len(s.passphrase) == 0 {
		out = make([]byte, 2+KeySize)
		binary.BigEndian.PutUint16(out[:2], formatPlain)
		copy(out[2:], kp.Private[:])
	} else {
		sealed, err := s.seal(kp.Private[:])
		if err != nil {
			return err
		}
		out = make([]byte, 2+len(sealed))
		binary.BigEndian.PutUint16(out[:2], formatEncrypted)
		copy(out[2:], sealed)
	}
	defer ZeroBytes(out)

	tmpFile := s.Path() + ".tmp"
	if err := os.WriteFile(tmpFile, out, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmpFile, s.Path()); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename identity file: %w", err)
	}
	return nil
}

// Close wipes the passphrase held by the store.
func (s *IdentityStore) Close() error {
	ZeroBytes(s.passphrase)
	return nil
}

func (s *IdentityStore) gcm(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(s.passphrase, salt, PBKDF2Iterations, 32, sha256.New)
	defer ZeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// seal returns salt || nonce || ciphertext.
func (s *IdentityStore) seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := s.gcm(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, SaltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

func (s *IdentityStore) open(data []byte) ([]byte, error) {
	if len(data) < SaltSize+12+16 {
		return nil, fmt.Errorf("encrypted identity too short: %d bytes", len(data))
	}
	gcm, err := s.gcm(data[:SaltSize])
	if err != nil {
		return nil, err
	}
	rest := data[SaltSize:]
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongPassphrase, err)
	}
	return plain, nil
}
