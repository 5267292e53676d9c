// Package cryptocore implements the primitive building blocks shared by the
// X3DH handshake and the Double Ratchet: X25519 key agreement, HKDF-SHA256
// key derivation, and AES-GCM authenticated encryption.
package cryptocore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the width of every X25519 key, shared secret, and derived
// symmetric key used throughout the protocol.
const KeySize = 32

const (
	nonceSize = 12
	tagSize   = 16
	// MinEnvelopeSize is the smallest a nonce||ciphertext||tag blob can be:
	// an empty plaintext still produces a 16-byte GCM tag.
	MinEnvelopeSize = nonceSize + tagSize
)

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateKeyPair produces a fresh, correctly clamped X25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return KeyPair{}, fmt.Errorf("cryptocore: generate private key: %w", err)
	}
	clamp(&kp.Private)
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp, nil
}

func clamp(priv *[KeySize]byte) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

// DH performs an X25519 Diffie-Hellman agreement.
func DH(priv, pub [KeySize]byte) [KeySize]byte {
	var shared [KeySize]byte
	curve25519.ScalarMult(&shared, &priv, &pub)
	return shared
}

// HKDF derives outputLen bytes from ikm using HKDF-SHA256 with an empty
// salt, as fixed by the protocol (spec §4.1: "empty salt; deliberate; fixed
// for protocol compatibility").
func HKDF(ikm []byte, info string, outputLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, nil, []byte(info))
	out := make([]byte, outputLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("cryptocore: hkdf derive: %w", err)
	}
	return out, nil
}

// Seal encrypts plaintext under key with a fresh random 12-byte nonce,
// returning nonce||ciphertext||tag. aad may be nil.
func Seal(key [KeySize]byte, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptocore: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// Open splits envelope into nonce||ciphertext+tag and verifies/decrypts it.
// It fails closed: any malformed envelope or tag mismatch returns an error
// without partial output.
func Open(key [KeySize]byte, envelope, aad []byte) ([]byte, error) {
	if len(envelope) < MinEnvelopeSize {
		return nil, fmt.Errorf("cryptocore: envelope too short: %d bytes (minimum %d)", len(envelope), MinEnvelopeSize)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce, ct := envelope[:nonceSize], envelope[nonceSize:]
	return gcm.Open(nil, nonce, ct, aad)
}

func newGCM(key [KeySize]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptocore: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: new gcm: %w", err)
	}
	return gcm, nil
}

// Zero overwrites b with zeroes in place. Call it on any key material that
// is being rotated out of a live structure (spec §4.1).
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey overwrites a fixed-size key array in place.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
