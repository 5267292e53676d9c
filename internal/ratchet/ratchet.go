// Package ratchet implements the Double Ratchet session algorithm (spec
// §4.3): per-session state, DH ratchet steps, the symmetric (chain)
// ratchet, the skipped-message-key cache, and encrypt/decrypt.
package ratchet

import (
	"fmt"

	"github.com/jaydenbeard/ratchet-relay/internal/cryptocore"
	"github.com/jaydenbeard/ratchet-relay/internal/relayerr"
)

// MaxSkip bounds how many message positions a single skip operation may
// advance past (spec §3, §4.3). It also bounds the cardinality of the
// skipped-key cache between GC passes.
const MaxSkip = 1000

type skipKey struct {
	ratchetPub [cryptocore.KeySize]byte
	number     uint32
}

// State is the mutable per-(local_user, peer) ratchet state of spec §3.
// A *State must be owned by exactly one goroutine/task at a time (spec §5);
// callers serialize access with a per-session lock (see internal/registry).
type State struct {
	RootKey       [cryptocore.KeySize]byte
	ChainKeySend  [cryptocore.KeySize]byte
	ChainKeyRecv  [cryptocore.KeySize]byte
	HaveChainSend bool
	HaveChainRecv bool

	MessageNumberSend   uint32
	MessageNumberRecv   uint32
	PreviousChainLength uint32

	RatchetPrivate [cryptocore.KeySize]byte
	RatchetPublic  [cryptocore.KeySize]byte
	HaveRatchetKey bool

	RemotePublic  [cryptocore.KeySize]byte
	HaveRemoteKey bool

	skipped map[skipKey][cryptocore.KeySize]byte
}

func (s *State) clone() *State {
	cp := *s
	cp.skipped = make(map[skipKey][cryptocore.KeySize]byte, len(s.skipped))
	for k, v := range s.skipped {
		cp.skipped[k] = v
	}
	return &cp
}

func (s *State) adopt(from *State) {
	*s = *from
}

// InitInitiator initializes a freshly created session on the initiator
// (Alice) side: derives the root key from SK, then immediately performs a
// sending DH ratchet step against the responder's signed prekey public key.
// This means the initiator's very first message already carries a fresh
// ratchet public key distinct from any X3DH input — preserve this exactly,
// or sessions will fail to resync across a restart (spec Open Question 5).
func InitInitiator(sk [cryptocore.KeySize]byte, peerSignedPreKeyPub [cryptocore.KeySize]byte) (*State, error) {
	s := &State{skipped: make(map[skipKey][cryptocore.KeySize]byte)}
	rk, err := cryptocore.HKDF(sk[:], "RootKey", cryptocore.KeySize)
	if err != nil {
		return nil, fmt.Errorf("ratchet: derive root key: %w", err)
	}
	copy(s.RootKey[:], rk)
	s.RemotePublic = peerSignedPreKeyPub
	s.HaveRemoteKey = true

	if err := dhRatchetSend(s, peerSignedPreKeyPub); err != nil {
		return nil, err
	}
	return s, nil
}

// InitResponder initializes a freshly created session on the responder
// (Bob) side: derives the root key from SK and installs Bob's own signed
// prekey as the initial ratchet key pair. If the initiator's ratchet public
// key is already known (the common case: it rides on the first envelope),
// a receiving DH ratchet step runs immediately, populating ChainKeyRecv.
func InitResponder(sk [cryptocore.KeySize]byte, ownSignedPreKey cryptocore.KeyPair, initiatorRatchetPub *[cryptocore.KeySize]byte) (*State, error) {
	s := &State{skipped: make(map[skipKey][cryptocore.KeySize]byte)}
	rk, err := cryptocore.HKDF(sk[:], "RootKey", cryptocore.KeySize)
	if err != nil {
		return nil, fmt.Errorf("ratchet: derive root key: %w", err)
	}
	copy(s.RootKey[:], rk)
	s.RatchetPrivate = ownSignedPreKey.Private
	s.RatchetPublic = ownSignedPreKey.Public
	s.HaveRatchetKey = true

	if initiatorRatchetPub != nil {
		if err := dhRatchetRecv(s, *initiatorRatchetPub); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// dhRatchetSend performs a sending DH ratchet step in place.
func dhRatchetSend(s *State, peerPub [cryptocore.KeySize]byte) error {
	s.PreviousChainLength = s.MessageNumberSend
	s.MessageNumberSend = 0

	kp, err := cryptocore.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("ratchet: generate ratchet key pair: %w", err)
	}
	if s.HaveRatchetKey {
		cryptocore.ZeroKey(&s.RatchetPrivate)
	}
	s.RatchetPrivate = kp.Private
	s.RatchetPublic = kp.Public
	s.HaveRatchetKey = true

	dhOut := cryptocore.DH(s.RatchetPrivate, peerPub)
	kdf, err := cryptocore.HKDF(append(append([]byte{}, s.RootKey[:]...), dhOut[:]...), "RatchetStep", 64)
	if err != nil {
		return fmt.Errorf("ratchet: derive ratchet step: %w", err)
	}
	copy(s.RootKey[:], kdf[:32])
	copy(s.ChainKeySend[:], kdf[32:])
	s.HaveChainSend = true
	gcSkipped(s)
	return nil
}

// dhRatchetRecv performs a receiving DH ratchet step in place.
func dhRatchetRecv(s *State, peerPub [cryptocore.KeySize]byte) error {
	s.MessageNumberRecv = 0
	s.RemotePublic = peerPub
	s.HaveRemoteKey = true

	if !s.HaveRatchetKey {
		return fmt.Errorf("%w: receiving ratchet step with no local ratchet key pair", relayerr.ErrFatal)
	}
	dhOut := cryptocore.DH(s.RatchetPrivate, peerPub)
	kdf, err := cryptocore.HKDF(append(append([]byte{}, s.RootKey[:]...), dhOut[:]...), "RatchetStep", 64)
	if err != nil {
		return fmt.Errorf("ratchet: derive ratchet step: %w", err)
	}
	copy(s.RootKey[:], kdf[:32])
	copy(s.ChainKeyRecv[:], kdf[32:])
	s.HaveChainRecv = true
	gcSkipped(s)
	return nil
}

// symmetricRatchet derives (message key, next chain key) from ck using the
// domain-separated formulation (spec §4.3, Open Question 3 resolved in its
// favor): mk = HKDF(ck‖0x01, "MessageKey"), next = HKDF(ck‖0x02, "ChainKey").
// The 0x01/0x02 constants are wire-visible protocol and must not change.
func symmetricRatchet(ck [cryptocore.KeySize]byte) (messageKey, nextChainKey [cryptocore.KeySize]byte, err error) {
	mkIn := append(append([]byte{}, ck[:]...), 0x01)
	mk, err := cryptocore.HKDF(mkIn, "MessageKey", cryptocore.KeySize)
	if err != nil {
		return messageKey, nextChainKey, fmt.Errorf("ratchet: derive message key: %w", err)
	}
	ckIn := append(append([]byte{}, ck[:]...), 0x02)
	nck, err := cryptocore.HKDF(ckIn, "ChainKey", cryptocore.KeySize)
	if err != nil {
		return messageKey, nextChainKey, fmt.Errorf("ratchet: derive next chain key: %w", err)
	}
	copy(messageKey[:], mk)
	copy(nextChainKey[:], nck)
	return messageKey, nextChainKey, nil
}

// gcSkipped drops cached skipped keys tied to a ratchet public key that is
// no longer the active receiving chain, resolving Open Question 4 (skip
// cache has no eviction policy) with a per-chain GC on every DH step.
func gcSkipped(s *State) {
	for k := range s.skipped {
		if k.ratchetPub != s.RemotePublic {
			delete(s.skipped, k)
		}
	}
}

// Encrypt performs a symmetric ratchet step on the sending chain and
// encrypts plaintext, returning the ciphertext, the current ratchet public
// key, and the message number that was just consumed (spec §4.3).
func Encrypt(s *State, plaintext []byte) (ciphertext []byte, ratchetPub [cryptocore.KeySize]byte, msgNumber uint32, err error) {
	if !s.HaveChainSend {
		if !s.HaveRemoteKey {
			return nil, ratchetPub, 0, fmt.Errorf("%w: no sending chain and no remote ratchet key to bootstrap one", relayerr.ErrFatal)
		}
		if err := dhRatchetSend(s, s.RemotePublic); err != nil {
			return nil, ratchetPub, 0, err
		}
	}

	mk, nextCK, err := symmetricRatchet(s.ChainKeySend)
	if err != nil {
		return nil, ratchetPub, 0, err
	}

	ct, err := cryptocore.Seal(mk, plaintext, nil)
	if err != nil {
		return nil, ratchetPub, 0, fmt.Errorf("ratchet: encrypt: %w", err)
	}

	msgNumber = s.MessageNumberSend
	s.ChainKeySend = nextCK
	s.MessageNumberSend++
	cryptocore.ZeroKey(&mk)
	return ct, s.RatchetPublic, msgNumber, nil
}

// Decrypt decrypts ciphertext sent under peerRatchetPub at position
// msgNumber. previousChainLength is the envelope's previous_chain_length
// field: how many messages the sender emitted on its prior sending chain
// before it last ratcheted, used to catch up a receiving chain that is
// about to be replaced (spec §4.3 step 2). All mutation happens on a shadow
// copy of the state that is only committed back on success, so a failed
// decrypt leaves s byte-for-byte as it was on entry (spec §7: "the ratchet
// state MUST NOT advance on a failed decrypt").
func Decrypt(s *State, ciphertext []byte, peerRatchetPub [cryptocore.KeySize]byte, previousChainLength, msgNumber uint32) ([]byte, error) {
	shadow := s.clone()

	plaintext, err := decryptInto(shadow, ciphertext, peerRatchetPub, previousChainLength, msgNumber)
	if err != nil {
		return nil, err
	}

	s.adopt(shadow)
	return plaintext, nil
}

func decryptInto(s *State, ciphertext []byte, peerRatchetPub [cryptocore.KeySize]byte, previousChainLength, msgNumber uint32) ([]byte, error) {
	key := skipKey{ratchetPub: peerRatchetPub, number: msgNumber}
	if mk, ok := s.skipped[key]; ok {
		delete(s.skipped, key)
		pt, err := cryptocore.Open(mk, ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", relayerr.ErrDecryptFailure, err)
		}
		return pt, nil
	}

	if !s.HaveRemoteKey || peerRatchetPub != s.RemotePublic {
		if s.HaveChainRecv {
			if err := skipMessageKeys(s, previousChainLength); err != nil {
				return nil, err
			}
		}
		if err := dhRatchetRecv(s, peerRatchetPub); err != nil {
			return nil, err
		}
	}

	if err := skipMessageKeys(s, msgNumber); err != nil {
		return nil, err
	}

	if !s.HaveChainRecv {
		return nil, fmt.Errorf("%w: no receiving chain key available", relayerr.ErrDecryptFailure)
	}

	mk, nextCK, err := symmetricRatchet(s.ChainKeyRecv)
	if err != nil {
		return nil, err
	}
	s.ChainKeyRecv = nextCK
	s.MessageNumberRecv = msgNumber + 1

	pt, err := cryptocore.Open(mk, ciphertext, nil)
	cryptocore.ZeroKey(&mk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relayerr.ErrDecryptFailure, err)
	}
	return pt, nil
}

// skipMessageKeys advances the receiving chain up to (but not including)
// `until`, caching each derived key for later out-of-order delivery. It
// refuses to advance more than MaxSkip positions (spec §3, §4.3).
func skipMessageKeys(s *State, until uint32) error {
	if !s.HaveChainRecv {
		return nil
	}
	if until < s.MessageNumberRecv {
		return nil
	}
	if until-s.MessageNumberRecv > MaxSkip {
		return fmt.Errorf("%w: skip of %d message positions exceeds MaxSkip=%d", relayerr.ErrDecryptFailure, until-s.MessageNumberRecv, MaxSkip)
	}

	for s.MessageNumberRecv < until {
		mk, nextCK, err := symmetricRatchet(s.ChainKeyRecv)
		if err != nil {
			return err
		}
		s.ChainKeyRecv = nextCK
		s.skipped[skipKey{ratchetPub: s.RemotePublic, number: s.MessageNumberRecv}] = mk
		s.MessageNumberRecv++
	}
	return nil
}

// SkippedCount reports the number of cached skipped-message keys, exposed
// for metrics/tests.
func (s *State) SkippedCount() int {
	return len(s.skipped)
}
