package messaging

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/jaydenbeard/ratchet-relay/internal/cryptocore"
	"github.com/jaydenbeard/ratchet-relay/internal/metrics"
	"github.com/jaydenbeard/ratchet-relay/internal/ratchet"
	"github.com/jaydenbeard/ratchet-relay/internal/registry"
	"github.com/jaydenbeard/ratchet-relay/internal/relayerr"
	"github.com/jaydenbeard/ratchet-relay/internal/x3dh"
)

// DecryptRequest implements spec §4.5 decrypt_request: materialize a
// responder session on first contact (running X3DH against the stored
// ephemeral key), otherwise decrypt against the existing session, and
// return the recovered plaintext payload.
func (h *Handler) DecryptRequest(ctx context.Context, recipientID, senderID string, ciphertextB64, ratchetPubB64 string, previousChainLength, msgNumber uint32, isFirstMessage bool, oneTimePreKeyID *uint32) (string, error) {
	recipient, ok := h.registry.Get(recipientID)
	if !ok {
		return "", fmt.Errorf("%w: recipient %q not found", relayerr.ErrInvalidInput, recipientID)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", relayerr.ErrInvalidInput, err)
	}
	ratchetPub, err := decodeKey(ratchetPubB64)
	if err != nil {
		return "", fmt.Errorf("%w: decode ratchet public key: %v", relayerr.ErrInvalidInput, err)
	}

	session, ok := recipient.Session(senderID)
	if !ok {
		if !isFirstMessage {
			metrics.RecordDecryptFailure("unknown_session")
			return "", fmt.Errorf("%w: no session with %q and message is not marked first", relayerr.ErrSessionNotEstablished, senderID)
		}
		s, err := h.establishResponderSession(ctx, recipient, recipientID, senderID, ratchetPub, oneTimePreKeyID)
		if err != nil {
			return "", err
		}
		session = s
	}

	var plaintext []byte
	var skipped int
	err = session.With(func(state *ratchet.State) error {
		pt, err := ratchet.Decrypt(state, ciphertext, ratchetPub, previousChainLength, msgNumber)
		if err != nil {
			return err
		}
		plaintext = pt
		skipped = state.SkippedCount()
		return nil
	})
	if err != nil {
		metrics.RecordDecryptFailure("auth_tag")
		return "", err
	}
	metrics.SkippedKeysCached.WithLabelValues(recipientID).Set(float64(skipped))

	var payload textPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return "", fmt.Errorf("messaging: decode decrypted payload: %w", err)
	}
	return payload.Content, nil
}

// establishResponderSession runs X3DH as the responder against the stored
// initiator ephemeral key (spec §4.2, §4.5), consuming the named one-time
// prekey if the initiator used one.
func (h *Handler) establishResponderSession(ctx context.Context, recipient *registry.UserRecord, recipientID, senderID string, initiatorRatchetPub [cryptocore.KeySize]byte, oneTimePreKeyID *uint32) (*registry.Session, error) {
	sender, ok := h.registry.Get(senderID)
	if !ok {
		return nil, fmt.Errorf("%w: sender %q not found", relayerr.ErrInvalidInput, senderID)
	}

	ephemeralRaw, ok, err := h.directory.GetEphemeralKey(ctx, senderID, recipientID)
	if err != nil {
		return nil, fmt.Errorf("messaging: fetch x3dh ephemeral key: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no stored x3dh ephemeral key from %q", relayerr.ErrHandshakeFailure, senderID)
	}
	if len(ephemeralRaw) != cryptocore.KeySize {
		return nil, fmt.Errorf("%w: stored ephemeral key has wrong length", relayerr.ErrInvalidInput)
	}
	var ephemeralPub [cryptocore.KeySize]byte
	copy(ephemeralPub[:], ephemeralRaw)

	var otpkPriv *[cryptocore.KeySize]byte
	if oneTimePreKeyID != nil {
		otpk, found := recipient.Bundle.TakeOneTimePreKey(*oneTimePreKeyID)
		if !found {
			return nil, fmt.Errorf("%w: one-time prekey %d already consumed or unknown", relayerr.ErrHandshakeFailure, *oneTimePreKeyID)
		}
		priv := otpk.Private
		otpkPriv = &priv
	}

	sk, err := x3dh.AgreementResponder(
		recipient.Bundle.IdentityKey.Private,
		recipient.Bundle.SignedPreKey.Private,
		otpkPriv,
		sender.Bundle.IdentityKey.Public,
		ephemeralPub,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relayerr.ErrHandshakeFailure, err)
	}
	metrics.RecordHandshake("responder", otpkPriv != nil)

	ratchetPub := initiatorRatchetPub
	state, err := ratchet.InitResponder(sk, cryptocore.KeyPair{
		Public:  recipient.Bundle.SignedPreKey.Public,
		Private: recipient.Bundle.SignedPreKey.Private,
	}, &ratchetPub)
	if err != nil {
		return nil, fmt.Errorf("messaging: initialize responder ratchet: %w", err)
	}

	session, err := recipient.CreateSession(senderID, state)
	if err != nil {
		return nil, fmt.Errorf("messaging: install session: %w", err)
	}
	return session, nil
}
