// Package messaging orchestrates session establishment and message
// dispatch (spec §4.5): first-message X3DH on the initiator side, receiver
// materialization on first-message receipt, envelope assembly, and routing
// to the delivery plane.
package messaging

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/jaydenbeard/ratchet-relay/internal/cryptocore"
	"github.com/jaydenbeard/ratchet-relay/internal/directory"
	"github.com/jaydenbeard/ratchet-relay/internal/metrics"
	"github.com/jaydenbeard/ratchet-relay/internal/ratchet"
	"github.com/jaydenbeard/ratchet-relay/internal/registry"
	"github.com/jaydenbeard/ratchet-relay/internal/relayerr"
	"github.com/jaydenbeard/ratchet-relay/internal/wire"
	"github.com/jaydenbeard/ratchet-relay/internal/x3dh"
)

// Delivery is the subset of the connection registry + delivery component
// (C6) the message handler needs: attempt online delivery, report whether
// it succeeded.
type Delivery interface {
	DeliverEnvelope(ctx context.Context, env wire.EncryptedMessage) bool
}

// Handler implements send_text and decrypt_request (spec §4.5).
type Handler struct {
	registry  *registry.Registry
	directory directory.Directory
	delivery  Delivery
	logger    *log.Logger
}

// NewHandler wires a message Handler from its three collaborators.
func NewHandler(reg *registry.Registry, dir directory.Directory, delivery Delivery) *Handler {
	return &Handler{
		registry:  reg,
		directory: dir,
		delivery:  delivery,
		logger:    log.New(os.Stdout, "[MESSAGING] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

// textPayload is the JSON-serialized plaintext passed through the ratchet
// (spec §4.5 step 4): {type, content, timestamp, sender_id}.
type textPayload struct {
	Type      string  `json:"type"`
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp"`
	SenderID  string  `json:"sender_id"`
}

// SendText implements spec §4.5 send_text: resolve both users, establish a
// session via X3DH if this is the first contact, encrypt, assemble the
// envelope, and hand off to delivery (online push or offline queue).
func (h *Handler) SendText(ctx context.Context, senderID, recipientID, content string, selfDestructSeconds *int64) (wire.EncryptedMessage, error) {
	sender, ok := h.registry.Get(senderID)
	if !ok {
		return wire.EncryptedMessage{}, fmt.Errorf("%w: sender %q not found", relayerr.ErrInvalidInput, senderID)
	}
	if _, ok := h.registry.Get(recipientID); !ok {
		return wire.EncryptedMessage{}, fmt.Errorf("%w: recipient %q not found", relayerr.ErrInvalidInput, recipientID)
	}

	_, first := sender.Session(recipientID)
	first = !first

	var session *registry.Session
	var chosenOTPK *uint32
	if first {
		s, otpkID, err := h.establishSenderSession(ctx, sender, senderID, recipientID)
		if err != nil {
			return wire.EncryptedMessage{}, err
		}
		session = s
		chosenOTPK = otpkID
	} else {
		session, _ = sender.Session(recipientID)
	}

	payload, err := json.Marshal(textPayload{
		Type:      "text",
		Content:   content,
		Timestamp: nowUnix(),
		SenderID:  senderID,
	})
	if err != nil {
		return wire.EncryptedMessage{}, fmt.Errorf("messaging: marshal plaintext payload: %w", err)
	}

	var env wire.EncryptedMessage
	err = session.With(func(state *ratchet.State) error {
		ciphertext, ratchetPub, msgNumber, err := ratchet.Encrypt(state, payload)
		if err != nil {
			return err
		}
		id, err := randomHex(16)
		if err != nil {
			return fmt.Errorf("messaging: generate envelope id: %w", err)
		}
		env = wire.EncryptedMessage{
			ID:                  id,
			SenderID:            senderID,
			RecipientID:         recipientID,
			Ciphertext:          base64.StdEncoding.EncodeToString(ciphertext),
			EphemeralPublicKey:  base64.StdEncoding.EncodeToString(ratchetPub[:]),
			PreviousChainLength: state.PreviousChainLength,
			MessageNumber:       msgNumber,
			Timestamp:           nowUnix(),
			SelfDestructSeconds: selfDestructSeconds,
			MessageType:         "text",
			IsFirstMessage:      first,
			OneTimePreKeyID:     chosenOTPK,
		}
		return nil
	})
	if err != nil {
		return wire.EncryptedMessage{}, err
	}

	delivered := h.delivery.DeliverEnvelope(ctx, env)
	if delivered {
		metrics.RecordMessageSent("immediate")
		if err := h.directory.PutMessageMeta(ctx, env.ID, wire.MessageMeta{
			SenderID:        senderID,
			RecipientID:     recipientID,
			Timestamp:       env.Timestamp,
			OriginalContent: content,
		}); err != nil {
			h.logger.Printf("WARN: failed to store message metadata for %s: %v", env.ID, err)
		}
	} else {
		if err := h.directory.EnqueueOffline(ctx, recipientID, env); err != nil {
			return wire.EncryptedMessage{}, fmt.Errorf("%w: enqueue offline envelope: %v", relayerr.ErrDeliveryUnavailable, err)
		}
		metrics.RecordMessageSent("queued")
		metrics.OfflineMessagesQueued.Inc()
	}

	if selfDestructSeconds != nil {
		expiry := time.Unix(int64(env.Timestamp), 0).Add(time.Duration(*selfDestructSeconds) * time.Second)
		if err := h.directory.ScheduleSelfDestruct(ctx, env.ID, expiry); err != nil {
			h.logger.Printf("WARN: failed to schedule self-destruct for %s: %v", env.ID, err)
		}
	}

	return env, nil
}

// establishSenderSession runs X3DH as the initiator against recipientID's
// published prekey bundle, consuming a one-time prekey when one is
// published (spec Open Question 2, wired through per SPEC_FULL.md). The
// returned id, if non-nil, is the one-time prekey the initiator folded into
// SK; it must travel on the envelope so the responder consumes the same one
// (otherwise the two sides derive different root keys).
func (h *Handler) establishSenderSession(ctx context.Context, sender *registry.UserRecord, senderID, recipientID string) (*registry.Session, *uint32, error) {
	bundleWire, ok, err := h.directory.GetPreKeyBundle(ctx, recipientID)
	if err != nil {
		return nil, nil, fmt.Errorf("messaging: fetch prekey bundle: %w", err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: no published prekey bundle for %q", relayerr.ErrHandshakeFailure, recipientID)
	}
	publicBundle, otpk, err := decodePublicBundle(bundleWire)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", relayerr.ErrHandshakeFailure, err)
	}

	ephemeral, err := cryptocore.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("messaging: generate x3dh ephemeral key: %w", err)
	}

	sk, err := x3dh.AgreementInitiator(sender.Bundle.IdentityKey.Private, ephemeral.Private, publicBundle, otpk)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", relayerr.ErrHandshakeFailure, err)
	}
	metrics.RecordHandshake("initiator", otpk != nil)

	state, err := ratchet.InitInitiator(sk, publicBundle.SignedPreKey)
	if err != nil {
		return nil, nil, fmt.Errorf("messaging: initialize initiator ratchet: %w", err)
	}

	session, err := sender.CreateSession(recipientID, state)
	if err != nil {
		return nil, nil, fmt.Errorf("messaging: install session: %w", err)
	}

	if err := h.directory.PutEphemeralKey(ctx, senderID, recipientID, ephemeral.Public[:]); err != nil {
		return nil, nil, fmt.Errorf("messaging: persist x3dh ephemeral key: %w", err)
	}

	var otpkID *uint32
	if otpk != nil {
		id := otpk.ID
		otpkID = &id
	}
	return session, otpkID, nil
}

func decodePublicBundle(w wire.PreKeyBundleWire) (x3dh.PublicBundle, *x3dh.PublicOneTimePreKey, error) {
	var pb x3dh.PublicBundle
	idKey, err := decodeKey(w.IdentityKey)
	if err != nil {
		return pb, nil, fmt.Errorf("decode identity key: %w", err)
	}
	spk, err := decodeKey(w.SignedPreKey.Public)
	if err != nil {
		return pb, nil, fmt.Errorf("decode signed prekey: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(w.SignedPreKey.Signature)
	if err != nil {
		return pb, nil, fmt.Errorf("decode signed prekey signature: %w", err)
	}
	pb.IdentityKey = idKey
	pb.SignedPreKey = spk
	pb.SignedPreKeySig = sig
	pb.DeviceID = w.DeviceID
	pb.RegistrationID = w.RegistrationID

	var chosen *x3dh.PublicOneTimePreKey
	for _, otpkWire := range w.OneTimePreKeys {
		k, err := decodeKey(otpkWire.Public)
		if err != nil {
			continue
		}
		pb.OneTimePreKeys = append(pb.OneTimePreKeys, x3dh.PublicOneTimePreKey{ID: otpkWire.ID, Public: k})
	}
	if len(pb.OneTimePreKeys) > 0 {
		c := pb.OneTimePreKeys[0]
		chosen = &c
	}
	return pb, chosen, nil
}

func decodeKey(b64 string) ([cryptocore.KeySize]byte, error) {
	var out [cryptocore.KeySize]byte
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return out, err
	}
	if len(raw) != cryptocore.KeySize {
		return out, fmt.Errorf("%w: key has %d bytes, want %d", relayerr.ErrInvalidInput, len(raw), cryptocore.KeySize)
	}
	copy(out[:], raw)
	return out, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func nowUnix() float64 { return float64(time.Now().Unix()) }
