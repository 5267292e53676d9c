// Package wire defines the envelope and transport-frame shapes that cross
// the cryptographic boundary (spec §3, §6). All binary blobs are base64
// (standard, padded) at this layer; internal code works with raw bytes and
// [cryptocore.KeySize]byte arrays, converting only at (de)serialization.
package wire

import "encoding/json"

// Message types recognized at the cryptographic boundary (spec §6).
const (
	FrameAuth             = "auth"
	FrameAuthSuccess      = "auth_success"
	FrameEncryptedMessage = "encrypted_message"
	FrameSendMessage      = "send_message"
	FrameDecryptMessage   = "decrypt_message"
	FrameMessageSent      = "message_sent"
	FrameDecryptedMessage = "decrypted_message"
	FrameMessageDestroyed = "message_destroyed"
	FramePresence         = "presence"
	FrameTyping           = "typing"
	FrameError            = "error"
	FrameDecryptionError  = "decryption_error"
	FramePreKeyBundle     = "prekey_bundle"
	FrameGetPreKeys       = "get_prekeys"
	FrameDeliveryAck      = "delivery_ack"
	FrameReadReceipt      = "read_receipt"
)

// Frame is the outer transport envelope of spec §6: {type, data, timestamp}.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp float64         `json:"timestamp,omitempty"`
}

// AuthFrame is the client->server `auth` payload: the first frame on a new
// connection.
type AuthFrame struct {
	UserID string `json:"user_id"`
	Token  string `json:"token,omitempty"`
}

// AuthSuccessFrame is the server->client `auth_success` payload.
type AuthSuccessFrame struct {
	UserID string `json:"user_id"`
}

// SendMessageFrame is the client->server `send_message` payload.
type SendMessageFrame struct {
	RecipientID        string `json:"recipient_id"`
	Content            string `json:"content"`
	SelfDestructSecond *int64 `json:"self_destruct_seconds,omitempty"`
}

// DecryptMessageFrame is the client->server `decrypt_message` payload.
type DecryptMessageFrame struct {
	SenderID           string  `json:"sender_id"`
	EncryptedContent   string  `json:"encrypted_content"`
	EphemeralPublicKey *string `json:"ephemeral_public_key,omitempty"`
	PreviousChainLen   uint32  `json:"previous_chain_length"`
	MessageNumber      uint32  `json:"message_number"`
	IsFirstMessage     bool    `json:"is_first_message,omitempty"`
	OneTimePreKeyID    *uint32 `json:"one_time_prekey_id,omitempty"`
	MessageID          string  `json:"message_id"`
	Timestamp          float64 `json:"timestamp"`
}

// EncryptedMessage is the wire envelope of spec §3 ("EncryptedMessage").
// EphemeralPublicKey carries two overloaded meanings: on the first envelope
// of a session it doubles as the initiator's first ratchet public key
// (which the responder MUST interpret as such); on subsequent envelopes it
// is the sender's current ratchet public key.
type EncryptedMessage struct {
	ID                  string  `json:"id"`
	SenderID            string  `json:"sender_id"`
	RecipientID         string  `json:"recipient_id"`
	Ciphertext          string  `json:"ciphertext"`
	EphemeralPublicKey  string  `json:"ephemeral_public_key"`
	PreviousChainLength uint32  `json:"previous_chain_length"`
	MessageNumber       uint32  `json:"message_number"`
	Timestamp           float64 `json:"timestamp"`
	SelfDestructSeconds *int64  `json:"self_destruct_seconds,omitempty"`
	MessageType         string  `json:"message_type"`
	IsFirstMessage      bool    `json:"is_first_message"`
	OneTimePreKeyID     *uint32 `json:"one_time_prekey_id,omitempty"`
}

// PreKeyWire is the published form of a signed prekey (spec §3).
type PreKeyWire struct {
	Public    string `json:"public"`
	Private   string `json:"private,omitempty"`
	Signature string `json:"signature"`
}

// OneTimePreKeyWire is the published form of a one-time prekey.
type OneTimePreKeyWire struct {
	ID      uint32 `json:"id"`
	Public  string `json:"public"`
	Private string `json:"private,omitempty"`
}

// PreKeyBundleWire is the JSON shape stored under prekey_bundle:{user}
// (spec §6). Private fields are populated only when the owning process
// serializes its own bundle for local rehydration; published copies omit
// them.
type PreKeyBundleWire struct {
	IdentityKey    string              `json:"identity_key"`
	SignedPreKey   PreKeyWire          `json:"signed_prekey"`
	OneTimePreKeys []OneTimePreKeyWire `json:"one_time_prekeys"`
	DeviceID       string              `json:"device_id"`
	RegistrationID uint32              `json:"registration_id"`
}

// MessageMeta is the JSON shape stored under message_meta:{id} (spec §6).
type MessageMeta struct {
	SenderID        string  `json:"sender_id"`
	RecipientID     string  `json:"recipient_id"`
	Timestamp       float64 `json:"timestamp"`
	OriginalContent string  `json:"original_content,omitempty"`
}

// PresenceEvent is published on PRESENCE_CHANNEL (spec §6).
type PresenceEvent struct {
	UserID    string  `json:"user_id"`
	Status    string  `json:"status"` // "online" or "offline"
	Timestamp float64 `json:"timestamp"`
}
