// Package directory implements the external KV/queue surfaces of spec §6:
// the prekey-bundle directory, the X3DH ephemeral directory, the offline
// message queue, message metadata, the self-destruct expiry set, and the
// presence channel. Directory is the interface the rest of the module
// depends on; RedisDirectory backs it with Redis, and MemDirectory backs
// it with plain Go maps for tests.
package directory

import (
	"context"
	"time"

	"github.com/jaydenbeard/ratchet-relay/internal/wire"
)

// TTLs fixed by spec §5/§6.
const (
	PresenceTTL  = 300 * time.Second
	MessageMetaTTL = 86400 * time.Second
	EphemeralTTL   = 86400 * time.Second
)

// Directory is the external collaborator spec §1 calls out as out of
// scope for its own backing store, but whose surface the cryptographic
// core depends on.
type Directory interface {
	// PutPreKeyBundle publishes user's prekey bundle (spec §6:
	// prekey_bundle:{user}).
	PutPreKeyBundle(ctx context.Context, userID string, bundle wire.PreKeyBundleWire) error
	// GetPreKeyBundle fetches a user's published prekey bundle. ok is false
	// if none is published.
	GetPreKeyBundle(ctx context.Context, userID string) (bundle wire.PreKeyBundleWire, ok bool, err error)

	// PutEphemeralKey stores the initiator's X3DH ephemeral public key for
	// the responder to consume on first decrypt (spec §6:
	// x3dh_ephemeral:{sender}:{recipient}, TTL 24h).
	PutEphemeralKey(ctx context.Context, sender, recipient string, ephemeralPub []byte) error
	// GetEphemeralKey fetches and does NOT delete the stored ephemeral
	// key (spec is silent on deletion; the key is left to expire via TTL
	// so retried first-decrypt attempts still succeed).
	GetEphemeralKey(ctx context.Context, sender, recipient string) (ephemeralPub []byte, ok bool, err error)

	// EnqueueOffline appends env to recipient's offline queue, scored by
	// timestamp (spec §6: offline_messages:{user}).
	EnqueueOffline(ctx context.Context, recipient string, env wire.EncryptedMessage) error
	// DrainOffline returns recipient's queued envelopes in (timestamp,
	// insertion) order and deletes the queue.
	DrainOffline(ctx context.Context, recipient string) ([]wire.EncryptedMessage, error)

	// PutMessageMeta stores message metadata with a 24h TTL (spec §6:
	// message_meta:{id}).
	PutMessageMeta(ctx context.Context, id string, meta wire.MessageMeta) error
	// GetMessageMeta fetches message metadata, if still present.
	GetMessageMeta(ctx context.Context, id string) (meta wire.MessageMeta, ok bool, err error)
	// DeleteMessageMeta removes message metadata.
	DeleteMessageMeta(ctx context.Context, id string) error

	// ScheduleSelfDestruct registers id in the expiry sorted set, scored by
	// unix epoch expiry (spec §6: self_destruct_messages).
	ScheduleSelfDestruct(ctx context.Context, id string, expiresAt time.Time) error
	// PopExpiredSelfDestruct returns and removes every id whose expiry is
	// <= now.
	PopExpiredSelfDestruct(ctx context.Context, now time.Time) ([]string, error)

	// SetPresence sets presence:{user} with a 300s TTL and publishes to
	// PRESENCE_CHANNEL.
	SetPresence(ctx context.Context, userID string, online bool) error
	// ClearPresence deletes presence:{user} and publishes an offline event.
	ClearPresence(ctx context.Context, userID string) error
	// SubscribePresence delivers presence events to handler until ctx is
	// cancelled.
	SubscribePresence(ctx context.Context, handler func(wire.PresenceEvent)) error

	// PutConnectionOwner records that userID's live connection is currently
	// bound to relay instance instanceID, TTL-bounded like presence. Used
	// for multi-instance delivery routing.
	PutConnectionOwner(ctx context.Context, userID, instanceID string) error
	// GetConnectionOwner returns the instance ID a user's connection is
	// bound to, if any and not expired.
	GetConnectionOwner(ctx context.Context, userID string) (instanceID string, ok bool, err error)
	// DeleteConnectionOwner clears the binding on disconnect.
	DeleteConnectionOwner(ctx context.Context, userID string) error

	// PublishToInstance republishes env for delivery by the relay instance
	// identified by instanceID (spec §4.6 multi-instance delivery), used
	// when the recipient's live connection is bound to a different process
	// than the one that accepted the send.
	PublishToInstance(ctx context.Context, instanceID string, env wire.EncryptedMessage) error
	// SubscribeInstance delivers envelopes addressed to instanceID to
	// handler until ctx is cancelled.
	SubscribeInstance(ctx context.Context, instanceID string, handler func(wire.EncryptedMessage)) error
}
