// Package x3dh implements the Extended Triple Diffie-Hellman handshake:
// prekey bundle generation and the initiator/responder shared-secret
// agreement (spec §4.2).
package x3dh

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jaydenbeard/ratchet-relay/internal/cryptocore"
	"github.com/jaydenbeard/ratchet-relay/internal/relayerr"
)

// PreKeyBatchSize is the number of one-time prekeys generated per bundle.
const PreKeyBatchSize = 20

// OneTimePreKey is a single one-time prekey half-pair. Private is empty on
// any bundle that has left the owning process (the directory only ever
// stores public halves).
type OneTimePreKey struct {
	ID      uint32
	Public  [cryptocore.KeySize]byte
	Private [cryptocore.KeySize]byte
}

// SignedPreKey is the medium-term prekey authenticated against the
// identity key. Signature is the HKDF surrogate described in spec §3 and
// flagged as Open Question 1 in DESIGN.md: it is NOT a real signature and
// cannot be verified without the identity private key. A real scheme
// (XEdDSA/Ed25519) is the correct primitive; SignPreKey/VerifyPreKey below
// are factored out so swapping the scheme later touches only this file.
type SignedPreKey struct {
	Public    [cryptocore.KeySize]byte
	Private   [cryptocore.KeySize]byte
	Signature []byte
}

// Bundle is a user's full local prekey bundle, private halves included.
// Only PublicBundle ever crosses the wire.
type Bundle struct {
	IdentityKey    cryptocore.KeyPair
	SignedPreKey   SignedPreKey
	OneTimePreKeys []OneTimePreKey
	DeviceID       string
	RegistrationID uint32
}

// PublicBundle is the published, wire-visible form of a Bundle (spec §3).
type PublicBundle struct {
	IdentityKey     [cryptocore.KeySize]byte
	SignedPreKey    [cryptocore.KeySize]byte
	SignedPreKeySig []byte
	OneTimePreKeys  []PublicOneTimePreKey
	DeviceID        string
	RegistrationID  uint32
}

// PublicOneTimePreKey is the published half of a one-time prekey.
type PublicOneTimePreKey struct {
	ID     uint32
	Public [cryptocore.KeySize]byte
}

// GenerateBundle creates a fresh identity-backed prekey bundle: a signed
// prekey, a batch of one-time prekeys, and a registration identity (spec
// §3, §4.2). deviceID identifies this bundle's owning device on the wire
// (spec §3's per-device bundle) and is the caller's responsibility to
// generate uniquely — internal/registry uses a UUID.
func GenerateBundle(identity cryptocore.KeyPair, deviceID string) (Bundle, error) {
	spk, err := cryptocore.GenerateKeyPair()
	if err != nil {
		return Bundle{}, fmt.Errorf("x3dh: generate signed prekey: %w", err)
	}
	sig, err := SignPreKey(identity.Private, spk.Public)
	if err != nil {
		return Bundle{}, fmt.Errorf("x3dh: sign prekey: %w", err)
	}

	otpks := make([]OneTimePreKey, 0, PreKeyBatchSize)
	for i := uint32(0); i < PreKeyBatchSize; i++ {
		kp, err := cryptocore.GenerateKeyPair()
		if err != nil {
			return Bundle{}, fmt.Errorf("x3dh: generate one-time prekey: %w", err)
		}
		otpks = append(otpks, OneTimePreKey{ID: i, Public: kp.Public, Private: kp.Private})
	}

	regID, err := randomUint32()
	if err != nil {
		return Bundle{}, fmt.Errorf("x3dh: generate registration id: %w", err)
	}

	return Bundle{
		IdentityKey: identity,
		SignedPreKey: SignedPreKey{
			Public:    spk.Public,
			Private:   spk.Private,
			Signature: sig,
		},
		OneTimePreKeys: otpks,
		DeviceID:       deviceID,
		RegistrationID: regID,
	}, nil
}

// Public strips private key material, producing what gets published to the
// directory.
func (b Bundle) Public() PublicBundle {
	otpks := make([]PublicOneTimePreKey, len(b.OneTimePreKeys))
	for i, k := range b.OneTimePreKeys {
		otpks[i] = PublicOneTimePreKey{ID: k.ID, Public: k.Public}
	}
	return PublicBundle{
		IdentityKey:     b.IdentityKey.Public,
		SignedPreKey:    b.SignedPreKey.Public,
		SignedPreKeySig: b.SignedPreKey.Signature,
		OneTimePreKeys:  otpks,
		DeviceID:        b.DeviceID,
		RegistrationID:  b.RegistrationID,
	}
}

// TakeOneTimePreKey removes and returns the one-time prekey with the given
// ID, if present, so it can never be consumed twice (spec Open Question 2:
// "responder consumes and deletes").
func (b *Bundle) TakeOneTimePreKey(id uint32) (OneTimePreKey, bool) {
	for i, k := range b.OneTimePreKeys {
		if k.ID == id {
			b.OneTimePreKeys = append(b.OneTimePreKeys[:i], b.OneTimePreKeys[i+1:]...)
			return k, true
		}
	}
	return OneTimePreKey{}, false
}

// SignPreKey computes the surrogate "signature" over a signed prekey's
// public half: HKDF(identityPriv ‖ signedPreKeyPub, info="SignedPreKey",
// L=64). See the Bundle doc comment: this is not a verifiable signature.
func SignPreKey(identityPriv, signedPreKeyPub [cryptocore.KeySize]byte) ([]byte, error) {
	ikm := append(append([]byte{}, identityPriv[:]...), signedPreKeyPub[:]...)
	return cryptocore.HKDF(ikm, "SignedPreKey", 64)
}

// VerifyPreKey exists so a real signature scheme can be substituted without
// touching call sites. With the current HKDF surrogate, verification is
// impossible without the identity private key, so this only checks shape
// (non-empty, expected length) and is deliberately not a security boundary.
func VerifyPreKey(sig []byte) error {
	if len(sig) != 64 {
		return fmt.Errorf("%w: signed prekey signature has unexpected length %d", relayerr.ErrInvalidInput, len(sig))
	}
	return nil
}

// AgreementInitiator computes the X3DH shared secret from the initiator's
// side (spec §4.2): DH1=DH(idPriv,spkPub), DH2=DH(ephPriv,idPub_peer),
// DH3=DH(ephPriv,spkPub), DH4=DH(ephPriv,otpkPub) iff an OTPK was consumed.
// The order of concatenation is the authentication boundary and must not be
// reordered.
func AgreementInitiator(idPriv [cryptocore.KeySize]byte, ephPriv [cryptocore.KeySize]byte, peer PublicBundle, otpk *PublicOneTimePreKey) ([cryptocore.KeySize]byte, error) {
	if err := VerifyPreKey(peer.SignedPreKeySig); err != nil {
		return [cryptocore.KeySize]byte{}, fmt.Errorf("x3dh: %w", err)
	}

	dh1 := cryptocore.DH(idPriv, peer.SignedPreKey)
	dh2 := cryptocore.DH(ephPriv, peer.IdentityKey)
	dh3 := cryptocore.DH(ephPriv, peer.SignedPreKey)

	concat := make([]byte, 0, 4*cryptocore.KeySize)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)
	if otpk != nil {
		dh4 := cryptocore.DH(ephPriv, otpk.Public)
		concat = append(concat, dh4[:]...)
	}

	sk, err := cryptocore.HKDF(concat, "X3DHSharedSecret", cryptocore.KeySize)
	if err != nil {
		return [cryptocore.KeySize]byte{}, fmt.Errorf("x3dh: derive shared secret: %w", err)
	}
	var out [cryptocore.KeySize]byte
	copy(out[:], sk)
	return out, nil
}

// AgreementResponder computes the mirror shared secret from the responder's
// side (spec §4.2). otpkPriv must be non-nil iff the initiator consumed a
// one-time prekey; both sides must agree on this out of band (the prekey
// message variant carries the OTPK id the initiator used).
func AgreementResponder(idPriv, spkPriv [cryptocore.KeySize]byte, otpkPriv *[cryptocore.KeySize]byte, peerIdentityPub, peerEphemeralPub [cryptocore.KeySize]byte) ([cryptocore.KeySize]byte, error) {
	dh1 := cryptocore.DH(spkPriv, peerIdentityPub)
	dh2 := cryptocore.DH(idPriv, peerEphemeralPub)
	dh3 := cryptocore.DH(spkPriv, peerEphemeralPub)

	concat := make([]byte, 0, 4*cryptocore.KeySize)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)
	if otpkPriv != nil {
		dh4 := cryptocore.DH(*otpkPriv, peerEphemeralPub)
		concat = append(concat, dh4[:]...)
	}

	sk, err := cryptocore.HKDF(concat, "X3DHSharedSecret", cryptocore.KeySize)
	if err != nil {
		return [cryptocore.KeySize]byte{}, fmt.Errorf("x3dh: derive shared secret: %w", err)
	}
	var out [cryptocore.KeySize]byte
	copy(out[:], sk)
	return out, nil
}

func randomUint32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
