// Package sealing encrypts group content with symmetric group keys and seals
// key material to individual member identities.
package sealing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeySize is the size of a symmetric group key.
const KeySize = chacha20poly1305.KeySize

var (
	ErrDecrypt    = errors.New("decryption failed")
	ErrInvalidKey = errors.New("invalid key")
)

// NewKey returns a fresh random group key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext with XChaCha20-Poly1305. The output is nonce || ciphertext.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens data produced by Encrypt.
func Decrypt(key, data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(data) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrDecrypt
	}
	nonce, ct := data[:aead.NonceSize()], data[aead.NonceSize():]
	out, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return out, nil
}

// SealFor encrypts msg so only the holder of the ed25519 identity key can open it.
func SealFor(recipient ed25519.PublicKey, msg []byte) ([]byte, error) {
	pub, err := X25519PublicKey(recipient)
	if err != nil {
		return nil, err
	}
	return box.SealAnonymous(nil, msg, pub, rand.Reader)
}

// Open decrypts a sealed box using the recipient's ed25519 seed.
func Open(seed, sealed []byte) ([]byte, error) {
	priv, err := X25519PrivateKey(seed)
	if err != nil {
		return nil, err
	}
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	var pub [32]byte
	copy(pub[:], pubBytes)

	out, ok := box.OpenAnonymous(nil, sealed, &pub, priv)
	if !ok {
		return nil, ErrDecrypt
	}
	return out, nil
}

// X25519PublicKey converts an ed25519 public key to its Montgomery form.
func X25519PublicKey(pub ed25519.PublicKey) (*[32]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, ErrInvalidKey
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	var out [32]byte
	copy(out[:], p.BytesMontgomery())
	return &out, nil
}

// X25519PrivateKey derives the X25519 scalar matching an ed25519 seed.
func X25519PrivateKey(seed []byte) (*[32]byte, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidKey
	}
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	var out [32]byte
	copy(out[:], h[:32])
	return &out, nil
}
