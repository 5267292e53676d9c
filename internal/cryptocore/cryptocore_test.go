package cryptocore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDHIsSymmetric(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	ab := DH(a.Private, b.Public)
	ba := DH(b.Private, a.Public)
	assert.Equal(t, ab, ba)
}

func TestSealOpenRoundTrip(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	ciphertext, err := Seal(key, []byte("hello ratchet"), nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(ciphertext), MinEnvelopeSize)

	plaintext, err := Open(key, ciphertext, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello ratchet"), plaintext)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	ciphertext, err := Seal(key, []byte("hello ratchet"), nil)
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0xFF

	_, err = Open(key, ciphertext, nil)
	assert.Error(t, err)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	var key1, key2 [KeySize]byte
	copy(key1[:], []byte("0123456789abcdef0123456789abcdef"))
	copy(key2[:], []byte("fedcba9876543210fedcba9876543210"))

	ciphertext, err := Seal(key1, []byte("hello ratchet"), nil)
	require.NoError(t, err)

	_, err = Open(key2, ciphertext, nil)
	assert.Error(t, err)
}

func TestHKDFDeterministic(t *testing.T) {
	out1, err := HKDF([]byte("input key material"), "TestInfo", 32)
	require.NoError(t, err)
	out2, err := HKDF([]byte("input key material"), "TestInfo", 32)
	require.NoError(t, err)
	assert.Equal(t, out1, out2)

	out3, err := HKDF([]byte("input key material"), "OtherInfo", 32)
	require.NoError(t, err)
	assert.NotEqual(t, out1, out3)
}
