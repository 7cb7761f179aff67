// pkg/ucan/issuer.go
package ucan

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/storacha/go-ucanto/core/delegation"
	"github.com/storacha/go-ucanto/principal/ed25519/verifier"

	"github.com/relves/swarmgroups/pkg/types"
)

// Issuer creates subaccount tokens signed by a group admin key.
type Issuer struct {
	group    types.GroupID
	goIssuer *GoUCANIssuer
}

// NewIssuer creates an issuer from the 32-byte group admin seed.
func NewIssuer(adminSeed []byte) (*Issuer, error) {
	if len(adminSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid admin seed size: got %d, want %d", len(adminSeed), ed25519.SeedSize)
	}
	privateKey := ed25519.NewKeyFromSeed(adminSeed)

	goIssuer, err := NewGoUCANIssuer(privateKey)
	if err != nil {
		return nil, err
	}

	return &Issuer{
		group:    types.GroupIDFromPublicKey(privateKey.Public().(ed25519.PublicKey)),
		goIssuer: goIssuer,
	}, nil
}

// IssueSubaccountToken delegates read and write access on the group to a member.
func (i *Issuer) IssueSubaccountToken(member types.AccountID, ttl time.Duration) (delegation.Delegation, error) {
	audienceDID, err := AccountDID(member)
	if err != nil {
		return nil, err
	}

	resource := types.ResourceURI(i.group)
	return i.goIssuer.Issue(context.Background(), audienceDID, []CapabilityInfo{
		{With: resource, Can: types.CapabilityRead},
		{With: resource, Can: types.CapabilityWrite},
	}, ttl)
}

// Group returns the group the issuer signs for.
func (i *Issuer) Group() types.GroupID {
	return i.group
}

// DID returns the issuer's DID.
func (i *Issuer) DID() string {
	return i.goIssuer.DID()
}

// AccountDID returns the did:key of an account id.
func AccountDID(id types.AccountID) (string, error) {
	pub, err := id.PublicKey()
	if err != nil {
		return "", err
	}
	return publicKeyDID(pub)
}

// GroupDID returns the did:key of the group admin key.
func GroupDID(id types.GroupID) (string, error) {
	pub, err := id.PublicKey()
	if err != nil {
		return "", err
	}
	return publicKeyDID(pub)
}

// SubaccountTokenID returns the revocation target for a member's tokens.
// Revocation applies to every token delegated to the member's DID.
func SubaccountTokenID(id types.AccountID) (string, error) {
	return AccountDID(id)
}

func publicKeyDID(pub ed25519.PublicKey) (string, error) {
	v, err := verifier.FromRaw(pub)
	if err != nil {
		return "", fmt.Errorf("failed to create verifier: %w", err)
	}
	return v.DID().String(), nil
}
