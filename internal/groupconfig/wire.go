package groupconfig

import (
	"crypto/ed25519"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/relves/swarmgroups/pkg/sealing"
	"github.com/relves/swarmgroups/pkg/signing"
	"github.com/relves/swarmgroups/pkg/types"
)

// envelope wraps every config message. Sig is the admin signature over Body.
type envelope struct {
	Body []byte `msgpack:"b"`
	Sig  []byte `msgpack:"s"`
}

// keysPayload carries one or more key generations sealed per recipient.
// Recipient ids are group ids (admin devices) or account ids.
type keysPayload struct {
	Supplement bool              `msgpack:"supp"`
	Timestamp  int64             `msgpack:"ts"`
	Recipients map[string][]byte `msgpack:"rcpt"`
}

type wireKey struct {
	Generation uint64 `msgpack:"g"`
	Key        []byte `msgpack:"k"`
}

// snapshotPayload is a full Info or Members snapshot encrypted under a
// one-off content key sealed per recipient.
type snapshotPayload struct {
	Seq        uint64            `msgpack:"seq"`
	Timestamp  int64             `msgpack:"ts"`
	Recipients map[string][]byte `msgpack:"rcpt"`
	Ciphertext []byte            `msgpack:"ct"`
}

// messageEnvelope is an encrypted group message. Generation 0 means the
// content key is sealed per recipient instead of being a group generation.
type messageEnvelope struct {
	Generation uint64            `msgpack:"g"`
	Ciphertext []byte            `msgpack:"c"`
	Recipients map[string][]byte `msgpack:"r,omitempty"`
}

func sealEnvelope(admin *signing.Ed25519Signer, body any) ([]byte, error) {
	raw, err := msgpack.Marshal(body)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(envelope{Body: raw, Sig: admin.Sign(raw)})
}

func openEnvelope(groupKey ed25519.PublicKey, data []byte, out any) error {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if !signing.Verify(groupKey, env.Body, env.Sig) {
		return signing.ErrInvalidSignature
	}
	if err := msgpack.Unmarshal(env.Body, out); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// sealTo seals msg for each recipient. The group itself is always a recipient
// so every admin device can open it.
func sealTo(group types.GroupID, members []types.AccountID, msg []byte) (map[string][]byte, error) {
	out := make(map[string][]byte, len(members)+1)

	groupKey, err := group.PublicKey()
	if err != nil {
		return nil, err
	}
	if out[string(group)], err = sealing.SealFor(groupKey, msg); err != nil {
		return nil, fmt.Errorf("seal for group: %w", err)
	}

	for _, id := range members {
		pub, err := id.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", id, err)
		}
		sealed, err := sealing.SealFor(pub, msg)
		if err != nil {
			return nil, fmt.Errorf("seal for member %s: %w", id, err)
		}
		out[string(id)] = sealed
	}
	return out, nil
}
