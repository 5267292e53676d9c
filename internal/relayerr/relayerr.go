// Package relayerr defines the error taxonomy of the cryptographic core
// (spec §7), replacing exception-based flow control with sentinel-wrapped
// errors that callers can test with errors.Is.
package relayerr

import "errors"

// Sentinel error kinds. Wrap these with fmt.Errorf("...: %w", Kind) to add
// detail while keeping errors.Is(err, relayerr.Kind) working.
var (
	// ErrInvalidInput covers malformed base64, wrong-sized key material,
	// malformed JSON, or a missing required field. Callers must not mutate
	// state before returning this.
	ErrInvalidInput = errors.New("invalid input")

	// ErrSessionNotEstablished is returned when a decrypt is requested for
	// an unknown peer without is_first_message set.
	ErrSessionNotEstablished = errors.New("session not established")

	// ErrHandshakeFailure covers missing X3DH inputs (no prekey bundle, no
	// stored ephemeral key).
	ErrHandshakeFailure = errors.New("handshake failure")

	// ErrDecryptFailure covers AEAD tag failure, skip-key exhaustion, or a
	// missing chain key. The ratchet state must not have advanced.
	ErrDecryptFailure = errors.New("decrypt failure")

	// ErrDeliveryUnavailable signals the recipient is offline; it is not an
	// error at the cryptographic layer and callers route to the offline
	// queue instead of surfacing it to a client.
	ErrDeliveryUnavailable = errors.New("delivery unavailable")

	// ErrFatal covers unrecoverable crypto library failures that must
	// terminate the session.
	ErrFatal = errors.New("fatal protocol error")
)
