package x3dh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/ratchet-relay/internal/cryptocore"
)

func TestAgreementWithoutOneTimePreKeyMatches(t *testing.T) {
	aliceIdentity, err := cryptocore.GenerateKeyPair()
	require.NoError(t, err)
	bobIdentity, err := cryptocore.GenerateKeyPair()
	require.NoError(t, err)
	bobBundle, err := GenerateBundle(bobIdentity, "bob-device")
	require.NoError(t, err)

	aliceEphemeral, err := cryptocore.GenerateKeyPair()
	require.NoError(t, err)

	public := bobBundle.Public()
	sk1, err := AgreementInitiator(aliceIdentity.Private, aliceEphemeral.Private, public, nil)
	require.NoError(t, err)

	sk2, err := AgreementResponder(
		bobIdentity.Private,
		bobBundle.SignedPreKey.Private,
		nil,
		aliceIdentity.Public,
		aliceEphemeral.Public,
	)
	require.NoError(t, err)

	assert.Equal(t, sk1, sk2)
}

func TestAgreementWithOneTimePreKeyMatches(t *testing.T) {
	aliceIdentity, err := cryptocore.GenerateKeyPair()
	require.NoError(t, err)
	bobIdentity, err := cryptocore.GenerateKeyPair()
	require.NoError(t, err)
	bobBundle, err := GenerateBundle(bobIdentity, "bob-device")
	require.NoError(t, err)

	aliceEphemeral, err := cryptocore.GenerateKeyPair()
	require.NoError(t, err)

	public := bobBundle.Public()
	otpkPublic := public.OneTimePreKeys[0]

	sk1, err := AgreementInitiator(aliceIdentity.Private, aliceEphemeral.Private, public, &otpkPublic)
	require.NoError(t, err)

	otpk, ok := bobBundle.TakeOneTimePreKey(otpkPublic.ID)
	require.True(t, ok)
	otpkPriv := otpk.Private

	sk2, err := AgreementResponder(
		bobIdentity.Private,
		bobBundle.SignedPreKey.Private,
		&otpkPriv,
		aliceIdentity.Public,
		aliceEphemeral.Public,
	)
	require.NoError(t, err)

	assert.Equal(t, sk1, sk2)
}

func TestTakeOneTimePreKeyConsumesOnce(t *testing.T) {
	identity, err := cryptocore.GenerateKeyPair()
	require.NoError(t, err)
	bundle, err := GenerateBundle(identity, "device-1")
	require.NoError(t, err)

	id := bundle.OneTimePreKeys[0].ID
	_, ok := bundle.TakeOneTimePreKey(id)
	assert.True(t, ok)

	_, ok = bundle.TakeOneTimePreKey(id)
	assert.False(t, ok, "one-time prekey must not be consumable twice")
}

func TestVerifyPreKeyRejectsWrongLength(t *testing.T) {
	err := VerifyPreKey([]byte("too short"))
	assert.Error(t, err)
}
