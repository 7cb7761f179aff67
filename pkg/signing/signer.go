package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/relves/swarmgroups/pkg/types"
)

// Ed25519Signer signs group control data with an ed25519 key. The same type
// backs the group admin key and a device identity key.
type Ed25519Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewEd25519Signer creates a signer from a 32-byte seed.
func NewEd25519Signer(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size: got %d, want %d", len(seed), ed25519.SeedSize)
	}

	privateKey := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{
		privateKey: privateKey,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
	}, nil
}

// GenerateSeed returns a fresh random 32-byte seed.
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	return seed, nil
}

// Sign creates an Ed25519 signature over the given data.
func (s *Ed25519Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.privateKey, data)
}

// PublicKey returns the Ed25519 public key.
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.publicKey
}

// PrivateKey returns the expanded private key.
func (s *Ed25519Signer) PrivateKey() ed25519.PrivateKey {
	return s.privateKey
}

// Seed returns the 32-byte seed the signer was created from.
func (s *Ed25519Signer) Seed() []byte {
	return s.privateKey.Seed()
}

// GroupID returns the group id for which this signer is the admin key.
func (s *Ed25519Signer) GroupID() types.GroupID {
	return types.GroupIDFromPublicKey(s.publicKey)
}

// AccountID returns the account id for which this signer is the identity key.
func (s *Ed25519Signer) AccountID() types.AccountID {
	return types.AccountIDFromPublicKey(s.publicKey)
}

// Verify checks an Ed25519 signature.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}
