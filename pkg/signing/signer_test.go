package signing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/swarmgroups/pkg/types"
)

func newTestSigner(t *testing.T) *Ed25519Signer {
	t.Helper()
	seed, err := GenerateSeed()
	require.NoError(t, err)
	s, err := NewEd25519Signer(seed)
	require.NoError(t, err)
	return s
}

func TestNewEd25519Signer(t *testing.T) {
	t.Run("rejects wrong seed size", func(t *testing.T) {
		_, err := NewEd25519Signer([]byte("short"))
		assert.Error(t, err)
	})

	t.Run("seed round trips", func(t *testing.T) {
		s := newTestSigner(t)
		again, err := NewEd25519Signer(s.Seed())
		require.NoError(t, err)
		assert.Equal(t, s.PublicKey(), again.PublicKey())
		assert.Equal(t, s.GroupID(), again.GroupID())
	})
}

func TestMemberChangeSignature(t *testing.T) {
	admin := newTestSigner(t)
	group := admin.GroupID()

	change := types.MemberChange{
		Type:      types.ChangeAdded,
		Members:   []types.AccountID{"m1"},
		Timestamp: 1700000000000,
	}
	require.NoError(t, SignMemberChange(admin, &change))

	t.Run("valid signature", func(t *testing.T) {
		assert.NoError(t, VerifyMemberChange(group, change))
	})

	t.Run("tampered type", func(t *testing.T) {
		tampered := change
		tampered.Type = types.ChangeRemoved
		assert.ErrorIs(t, VerifyMemberChange(group, tampered), ErrInvalidSignature)
	})

	t.Run("tampered timestamp", func(t *testing.T) {
		tampered := change
		tampered.Timestamp++
		assert.ErrorIs(t, VerifyMemberChange(group, tampered), ErrInvalidSignature)
	})

	t.Run("wrong group", func(t *testing.T) {
		other := newTestSigner(t)
		assert.ErrorIs(t, VerifyMemberChange(other.GroupID(), change), ErrInvalidSignature)
	})
}

func TestDeleteContentSignature(t *testing.T) {
	admin := newTestSigner(t)

	directive := types.DeleteMemberContent{
		Members:   []types.AccountID{"m1", "m2"},
		Timestamp: 42,
	}
	require.NoError(t, SignDeleteContent(admin, &directive))
	assert.NoError(t, VerifyDeleteContent(admin.GroupID(), directive))

	directive.Members = []types.AccountID{"m1"}
	assert.ErrorIs(t, VerifyDeleteContent(admin.GroupID(), directive), ErrInvalidSignature)
}

func TestMemberChangePayload_Deterministic(t *testing.T) {
	a, err := MemberChangePayload(types.ChangePromoted, 7)
	require.NoError(t, err)
	b, err := MemberChangePayload(types.ChangePromoted, 7)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
