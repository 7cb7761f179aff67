package signing

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/node/basicnode"

	"github.com/relves/swarmgroups/pkg/types"
)

// ErrInvalidSignature is returned when a control message fails verification.
var ErrInvalidSignature = errors.New("invalid admin signature")

// MemberChangePayload returns the canonical dag-cbor encoding of (type, timestamp).
func MemberChangePayload(changeType types.ChangeType, timestamp int64) ([]byte, error) {
	nb := basicnode.Prototype.Map.NewBuilder()
	ma, err := nb.BeginMap(2)
	if err != nil {
		return nil, err
	}
	ma.AssembleKey().AssignString("timestamp")
	ma.AssembleValue().AssignInt(timestamp)
	ma.AssembleKey().AssignString("type")
	ma.AssembleValue().AssignString(string(changeType))
	if err := ma.Finish(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := dagcbor.Encode(nb.Build(), &buf); err != nil {
		return nil, fmt.Errorf("encode member change payload: %w", err)
	}
	return buf.Bytes(), nil
}

// DeleteContentPayload returns the canonical dag-cbor encoding of (members, timestamp).
func DeleteContentPayload(members []types.AccountID, timestamp int64) ([]byte, error) {
	nb := basicnode.Prototype.Map.NewBuilder()
	ma, err := nb.BeginMap(2)
	if err != nil {
		return nil, err
	}
	ma.AssembleKey().AssignString("members")
	la, err := ma.AssembleValue().BeginList(int64(len(members)))
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		la.AssembleValue().AssignString(string(m))
	}
	if err := la.Finish(); err != nil {
		return nil, err
	}
	ma.AssembleKey().AssignString("timestamp")
	ma.AssembleValue().AssignInt(timestamp)
	if err := ma.Finish(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := dagcbor.Encode(nb.Build(), &buf); err != nil {
		return nil, fmt.Errorf("encode delete content payload: %w", err)
	}
	return buf.Bytes(), nil
}

// SignMemberChange fills in the change signature using the admin key.
func SignMemberChange(admin *Ed25519Signer, change *types.MemberChange) error {
	payload, err := MemberChangePayload(change.Type, change.Timestamp)
	if err != nil {
		return err
	}
	change.Signature = admin.Sign(payload)
	return nil
}

// VerifyMemberChange checks the change was signed by the group admin key.
func VerifyMemberChange(group types.GroupID, change types.MemberChange) error {
	pub, err := group.PublicKey()
	if err != nil {
		return err
	}
	payload, err := MemberChangePayload(change.Type, change.Timestamp)
	if err != nil {
		return err
	}
	if !Verify(pub, payload, change.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// SignDeleteContent fills in the directive signature using the admin key.
func SignDeleteContent(admin *Ed25519Signer, directive *types.DeleteMemberContent) error {
	payload, err := DeleteContentPayload(directive.Members, directive.Timestamp)
	if err != nil {
		return err
	}
	directive.Signature = admin.Sign(payload)
	return nil
}

// VerifyDeleteContent checks the directive was signed by the group admin key.
func VerifyDeleteContent(group types.GroupID, directive types.DeleteMemberContent) error {
	pub, err := group.PublicKey()
	if err != nil {
		return err
	}
	payload, err := DeleteContentPayload(directive.Members, directive.Timestamp)
	if err != nil {
		return err
	}
	if !Verify(pub, payload, directive.Signature) {
		return ErrInvalidSignature
	}
	return nil
}
