package ratchet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/ratchet-relay/internal/cryptocore"
)

// establishPair wires an initiator/responder pair the way the X3DH handshake
// would: a shared secret, Bob's signed prekey as the first ratchet key, and
// Alice's first message already carrying her fresh ratchet public key.
func establishPair(t *testing.T) (alice, bob *State) {
	t.Helper()
	var sk [cryptocore.KeySize]byte
	copy(sk[:], []byte("shared secret shared secret 123"))

	bobSPK, err := cryptocore.GenerateKeyPair()
	require.NoError(t, err)

	alice, err = InitInitiator(sk, bobSPK.Public)
	require.NoError(t, err)

	bob, err = InitResponder(sk, bobSPK, &alice.RatchetPublic)
	require.NoError(t, err)
	return alice, bob
}

func TestPingPong(t *testing.T) {
	alice, bob := establishPair(t)

	ct1, rpub1, n1, err := Encrypt(alice, []byte("hello bob"))
	require.NoError(t, err)
	pt1, err := Decrypt(bob, ct1, rpub1, 0, n1)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello bob"), pt1)

	ct2, rpub2, n2, err := Encrypt(bob, []byte("hello alice"))
	require.NoError(t, err)
	pt2, err := Decrypt(alice, ct2, rpub2, 0, n2)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello alice"), pt2)
}

func TestOutOfOrderWithinChain(t *testing.T) {
	alice, bob := establishPair(t)

	ct1, rpub1, n1, err := Encrypt(alice, []byte("msg 1"))
	require.NoError(t, err)
	ct2, rpub2, n2, err := Encrypt(alice, []byte("msg 2"))
	require.NoError(t, err)
	ct3, rpub3, n3, err := Encrypt(alice, []byte("msg 3"))
	require.NoError(t, err)

	pt3, err := Decrypt(bob, ct3, rpub3, 0, n3)
	require.NoError(t, err)
	assert.Equal(t, []byte("msg 3"), pt3)
	assert.Equal(t, 2, bob.SkippedCount())

	pt1, err := Decrypt(bob, ct1, rpub1, 0, n1)
	require.NoError(t, err)
	assert.Equal(t, []byte("msg 1"), pt1)
	assert.Equal(t, 1, bob.SkippedCount())

	pt2, err := Decrypt(bob, ct2, rpub2, 0, n2)
	require.NoError(t, err)
	assert.Equal(t, []byte("msg 2"), pt2)
	assert.Equal(t, 0, bob.SkippedCount())
}

// TestDHRatchetTurnover exercises the receiving-side DH ratchet step: Bob's
// first reply carries a ratchet public key he only generates on his first
// Encrypt call (distinct from the signed prekey his session was initialized
// with), and Alice must detect it as a new chain and ratchet to receive it.
func TestDHRatchetTurnover(t *testing.T) {
	alice, bob := establishPair(t)
	bobSPKPublic := bob.RatchetPublic

	ct1, rpub1, n1, err := Encrypt(alice, []byte("alice 1"))
	require.NoError(t, err)
	_, err = Decrypt(bob, ct1, rpub1, 0, n1)
	require.NoError(t, err)

	ct2, rpub2, n2, err := Encrypt(bob, []byte("bob 1"))
	require.NoError(t, err)
	assert.NotEqual(t, bobSPKPublic, rpub2, "bob's first encrypt must ratchet away from the signed prekey he was initialized with")

	pt2, err := Decrypt(alice, ct2, rpub2, 0, n2)
	require.NoError(t, err)
	assert.Equal(t, []byte("bob 1"), pt2)
	assert.Equal(t, rpub2, alice.RemotePublic, "alice must adopt bob's new ratchet public key as the active receiving chain")
}

func TestDecryptFailureDoesNotAdvanceState(t *testing.T) {
	alice, bob := establishPair(t)

	ct1, rpub1, n1, err := Encrypt(alice, []byte("msg 1"))
	require.NoError(t, err)
	ct1[len(ct1)-1] ^= 0xFF

	before := *bob
	beforeSkipped := bob.SkippedCount()

	_, err = Decrypt(bob, ct1, rpub1, 0, n1)
	assert.Error(t, err)

	assert.Equal(t, before.HaveChainRecv, bob.HaveChainRecv)
	assert.Equal(t, before.MessageNumberRecv, bob.MessageNumberRecv)
	assert.Equal(t, before.RemotePublic, bob.RemotePublic)
	assert.Equal(t, beforeSkipped, bob.SkippedCount())
}

func TestSkipBeyondMaxSkipFails(t *testing.T) {
	alice, bob := establishPair(t)

	var last []byte
	var lastPub [cryptocore.KeySize]byte
	var lastN uint32
	for i := 0; i < MaxSkip+2; i++ {
		ct, rpub, n, err := Encrypt(alice, []byte("filler"))
		require.NoError(t, err)
		last, lastPub, lastN = ct, rpub, n
	}

	_, err := Decrypt(bob, last, lastPub, 0, lastN)
	assert.Error(t, err)
}
