package messaging

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/jaydenbeard/ratchet-relay/internal/relayerr"
	"github.com/jaydenbeard/ratchet-relay/internal/wire"
	"github.com/jaydenbeard/ratchet-relay/internal/x3dh"
)

// TypingEnvelope, ReadReceiptEnvelope and DeliveryAckEnvelope carry no
// cryptographic payload (spec §1: "described only as opaque control
// envelopes"). HandleTyping/HandleReadReceipt/HandleDeliveryAck forward them
// if the peer is currently connected and drop them otherwise: they are
// excluded from the offline-queue durability guarantees that apply to
// EncryptedMessage.
type TypingEnvelope struct {
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	IsTyping    bool   `json:"is_typing"`
}

type ReadReceiptEnvelope struct {
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

type DeliveryAckEnvelope struct {
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// Forwarder is the narrow slice of the delivery plane (C6) these
// passthroughs need: best-effort forward, no offline queueing.
type Forwarder interface {
	ForwardControlFrame(ctx context.Context, recipientID string, frameType string, payload any) (delivered bool)
}

// HandleTyping forwards a typing indicator if recipient is online; otherwise
// it is silently dropped.
func (h *Handler) HandleTyping(ctx context.Context, fwd Forwarder, env TypingEnvelope) {
	fwd.ForwardControlFrame(ctx, env.RecipientID, wire.FrameTyping, env)
}

// HandleReadReceipt forwards a read receipt if the original sender is
// online; otherwise it is silently dropped.
func (h *Handler) HandleReadReceipt(ctx context.Context, fwd Forwarder, env ReadReceiptEnvelope) {
	fwd.ForwardControlFrame(ctx, env.RecipientID, wire.FrameReadReceipt, env)
}

// HandleDeliveryAck forwards a delivery acknowledgement if the original
// sender is online; otherwise it is silently dropped. On successful
// forward it also deletes the stored message metadata (spec §6:
// message_meta:{id} has no further purpose once delivery is acknowledged).
func (h *Handler) HandleDeliveryAck(ctx context.Context, fwd Forwarder, env DeliveryAckEnvelope) {
	if fwd.ForwardControlFrame(ctx, env.RecipientID, wire.FrameDeliveryAck, env) {
		if err := h.directory.DeleteMessageMeta(ctx, env.MessageID); err != nil {
			h.logger.Printf("WARN: failed to delete message metadata for %s after ack: %v", env.MessageID, err)
		}
	}
}

// GetPrekeys implements the get_prekeys / prekey_bundle passthrough of
// spec §6: publish a locally registered user's public bundle, or fetch a
// peer's published bundle from the directory. Private key halves never
// leave internal/registry.
func (h *Handler) GetPrekeys(ctx context.Context, userID string) (wire.PreKeyBundleWire, error) {
	bundle, ok, err := h.directory.GetPreKeyBundle(ctx, userID)
	if err != nil {
		return wire.PreKeyBundleWire{}, fmt.Errorf("messaging: fetch prekey bundle: %w", err)
	}
	if ok {
		return bundle, nil
	}

	rec, ok := h.registry.Get(userID)
	if !ok {
		return wire.PreKeyBundleWire{}, fmt.Errorf("%w: no known user %q and no published bundle", relayerr.ErrInvalidInput, userID)
	}
	wireBundle := publicBundleToWire(rec.Bundle.Public())
	if err := h.directory.PutPreKeyBundle(ctx, userID, wireBundle); err != nil {
		h.logger.Printf("WARN: failed to publish prekey bundle for %s: %v", userID, err)
	}
	return wireBundle, nil
}

func publicBundleToWire(pb x3dh.PublicBundle) wire.PreKeyBundleWire {
	otpks := make([]wire.OneTimePreKeyWire, len(pb.OneTimePreKeys))
	for i, k := range pb.OneTimePreKeys {
		otpks[i] = wire.OneTimePreKeyWire{ID: k.ID, Public: base64.StdEncoding.EncodeToString(k.Public[:])}
	}
	return wire.PreKeyBundleWire{
		IdentityKey: base64.StdEncoding.EncodeToString(pb.IdentityKey[:]),
		SignedPreKey: wire.PreKeyWire{
			Public:    base64.StdEncoding.EncodeToString(pb.SignedPreKey[:]),
			Signature: base64.StdEncoding.EncodeToString(pb.SignedPreKeySig),
		},
		OneTimePreKeys: otpks,
		DeviceID:       pb.DeviceID,
		RegistrationID: pb.RegistrationID,
	}
}
