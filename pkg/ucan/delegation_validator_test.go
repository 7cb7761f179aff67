package ucan

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/storacha/go-ucanto/core/delegation"
	"github.com/storacha/go-ucanto/principal/ed25519/signer"
	"github.com/storacha/go-ucanto/ucan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/swarmgroups/pkg/types"
)

type testAccount struct {
	id   types.AccountID
	seed []byte
}

func newTestAccount(t *testing.T) testAccount {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return testAccount{id: types.AccountIDFromPublicKey(pub), seed: priv.Seed()}
}

func newTestIssuer(t *testing.T) (*Issuer, []byte) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	issuer, err := NewIssuer(priv.Seed())
	require.NoError(t, err)
	return issuer, priv.Seed()
}

func TestValidateSubaccountToken(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	member := newTestAccount(t)
	memberDID, err := AccountDID(member.id)
	require.NoError(t, err)

	t.Run("valid token grants read and write", func(t *testing.T) {
		dlg, err := issuer.IssueSubaccountToken(member.id, time.Hour)
		require.NoError(t, err)

		assert.NoError(t, ValidateSubaccountToken(dlg, issuer.Group(), memberDID, types.CapabilityRead))
		assert.NoError(t, ValidateSubaccountToken(dlg, issuer.Group(), memberDID, types.CapabilityWrite))
		assert.Equal(t, memberDID, TokenHolder(dlg))
	})

	t.Run("wrong audience", func(t *testing.T) {
		dlg, err := issuer.IssueSubaccountToken(member.id, time.Hour)
		require.NoError(t, err)

		other := newTestAccount(t)
		otherDID, err := AccountDID(other.id)
		require.NoError(t, err)

		err = ValidateSubaccountToken(dlg, issuer.Group(), otherDID, types.CapabilityRead)
		var tokErr *TokenError
		require.ErrorAs(t, err, &tokErr)
		assert.Equal(t, ErrCodeTokenWrongAudience, tokErr.Code)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		otherIssuer, _ := newTestIssuer(t)
		dlg, err := otherIssuer.IssueSubaccountToken(member.id, time.Hour)
		require.NoError(t, err)

		err = ValidateSubaccountToken(dlg, issuer.Group(), memberDID, types.CapabilityRead)
		var tokErr *TokenError
		require.ErrorAs(t, err, &tokErr)
		assert.Equal(t, ErrCodeTokenWrongIssuer, tokErr.Code)
	})

	t.Run("expired", func(t *testing.T) {
		dlg, err := issuer.IssueSubaccountToken(member.id, -time.Hour)
		require.NoError(t, err)

		err = ValidateSubaccountToken(dlg, issuer.Group(), memberDID, types.CapabilityRead)
		var tokErr *TokenError
		require.ErrorAs(t, err, &tokErr)
		assert.Equal(t, ErrCodeTokenExpired, tokErr.Code)
	})

	t.Run("missing capability", func(t *testing.T) {
		dlg, err := issuer.IssueSubaccountToken(member.id, time.Hour)
		require.NoError(t, err)

		err = ValidateSubaccountToken(dlg, issuer.Group(), memberDID, types.CapabilityRevoke)
		var tokErr *TokenError
		require.ErrorAs(t, err, &tokErr)
		assert.Equal(t, ErrCodeTokenMissingCapability, tokErr.Code)
	})
}

func TestFormatParseToken(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	member := newTestAccount(t)

	dlg, err := issuer.IssueSubaccountToken(member.id, time.Hour)
	require.NoError(t, err)

	encoded, err := FormatToken(dlg)
	require.NoError(t, err)

	parsed, err := ValidateTokenString(encoded, issuer.Group(), member.id, types.CapabilityRead)
	require.NoError(t, err)
	assert.Equal(t, dlg.Link().String(), parsed.Link().String())

	t.Run("garbage", func(t *testing.T) {
		_, err := ParseToken("not-a-token")
		var tokErr *TokenError
		require.ErrorAs(t, err, &tokErr)
		assert.Equal(t, ErrCodeTokenParseError, tokErr.Code)
	})
}

func TestValidateSubaccountToken_ForeignResource(t *testing.T) {
	issuer, seed := newTestIssuer(t)
	member := newTestAccount(t)
	memberDID, err := AccountDID(member.id)
	require.NoError(t, err)

	groupSigner, err := signer.FromRaw(ed25519.NewKeyFromSeed(seed))
	require.NoError(t, err)
	audience, err := signer.FromRaw(ed25519.NewKeyFromSeed(member.seed))
	require.NoError(t, err)

	dlg, err := delegation.Delegate(
		groupSigner,
		audience.DID(),
		[]ucan.Capability[ucan.NoCaveats]{
			ucan.NewCapability(types.CapabilityRead, types.ResourceURI("another-group"), ucan.NoCaveats{}),
		},
	)
	require.NoError(t, err)

	err = ValidateSubaccountToken(dlg, issuer.Group(), memberDID, types.CapabilityRead)
	var tokErr *TokenError
	require.ErrorAs(t, err, &tokErr)
	assert.Equal(t, ErrCodeTokenMissingCapability, tokErr.Code)
}

func TestCapabilityAllows(t *testing.T) {
	assert.True(t, CapabilityAllows(types.CapabilityAll, types.CapabilityRead))
	assert.True(t, CapabilityAllows(types.CapabilityRead, types.CapabilityRead))
	assert.True(t, CapabilityAllows("group/admin", types.CapabilityRevoke))
	assert.False(t, CapabilityAllows(types.CapabilityRead, types.CapabilityWrite))
}

func TestParseResourceGroup(t *testing.T) {
	id, err := ParseResourceGroup(types.ResourceURI("abc"))
	require.NoError(t, err)
	assert.Equal(t, types.GroupID("abc"), id)

	_, err = ParseResourceGroup("space://other/abc")
	assert.Error(t, err)
}
