package ucan

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/storacha/go-ucanto/core/delegation"
	"github.com/storacha/go-ucanto/did"
	"github.com/storacha/go-ucanto/principal/ed25519/signer"
	"github.com/storacha/go-ucanto/ucan"
)

// GoUCANIssuer creates and signs UCANs using go-ucanto.
type GoUCANIssuer struct {
	signer ucan.Signer
	did    string
}

// NewGoUCANIssuer creates a new UCAN issuer using go-ucanto.
func NewGoUCANIssuer(privateKey ed25519.PrivateKey) (*GoUCANIssuer, error) {
	edSigner, err := signer.FromRaw(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create ed25519 signer: %w", err)
	}

	return &GoUCANIssuer{
		signer: edSigner,
		did:    edSigner.DID().String(),
	}, nil
}

// Issue creates a delegation of the given capabilities to an audience.
func (i *GoUCANIssuer) Issue(
	ctx context.Context,
	audienceDID string,
	capabilities []CapabilityInfo,
	ttl time.Duration,
) (delegation.Delegation, error) {
	audience, err := did.Parse(audienceDID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse audience DID: %w", err)
	}

	goCapabilities := make([]ucan.Capability[ucan.NoCaveats], len(capabilities))
	for j, cap := range capabilities {
		goCapabilities[j] = ucan.NewCapability(
			ucan.Ability(cap.Can),
			ucan.Resource(cap.With),
			ucan.NoCaveats{},
		)
	}

	exp := ucan.UTCUnixTimestamp(time.Now().Add(ttl).Unix())
	dlg, err := delegation.Delegate(
		i.signer,
		audience,
		goCapabilities,
		delegation.WithExpiration(int(exp)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delegation: %w", err)
	}

	return dlg, nil
}

// DID returns the issuer's DID.
func (i *GoUCANIssuer) DID() string {
	return i.did
}
