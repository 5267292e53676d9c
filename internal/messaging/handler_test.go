package messaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/ratchet-relay/internal/directory"
	"github.com/jaydenbeard/ratchet-relay/internal/registry"
	"github.com/jaydenbeard/ratchet-relay/internal/wire"
)

// noopDelivery always reports the recipient offline, exercising the
// offline-queue path.
type noopDelivery struct{}

func (noopDelivery) DeliverEnvelope(context.Context, wire.EncryptedMessage) bool { return false }

// alwaysOnlineDelivery pretends every recipient is connected; it just drops
// the envelope on the floor, standing in for a live websocket push.
type alwaysOnlineDelivery struct{}

func (alwaysOnlineDelivery) DeliverEnvelope(context.Context, wire.EncryptedMessage) bool { return true }

func newTestHandler(t *testing.T, delivery Delivery) (*Handler, *registry.Registry, directory.Directory) {
	t.Helper()
	reg := registry.New()
	dir := directory.NewMemDirectory()
	return NewHandler(reg, dir, delivery), reg, dir
}

func TestSendTextThenDecryptRequestRoundTrip(t *testing.T) {
	ctx := context.Background()
	h, reg, dir := newTestHandler(t, alwaysOnlineDelivery{})

	alice, err := reg.Register("alice")
	require.NoError(t, err)
	bob, err := reg.Register("bob")
	require.NoError(t, err)

	require.NoError(t, dir.PutPreKeyBundle(ctx, "bob", publicBundleToWire(bob.Bundle.Public())))
	require.NoError(t, dir.PutPreKeyBundle(ctx, "alice", publicBundleToWire(alice.Bundle.Public())))

	env, err := h.SendText(ctx, "alice", "bob", "hello bob", nil)
	require.NoError(t, err)
	assert.True(t, env.IsFirstMessage)
	require.NotNil(t, env.OneTimePreKeyID, "first-contact envelope must carry the chosen one-time prekey id")

	plaintext, err := h.DecryptRequest(ctx, "bob", "alice", env.Ciphertext, env.EphemeralPublicKey, env.PreviousChainLength, env.MessageNumber, env.IsFirstMessage, env.OneTimePreKeyID)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", plaintext)

	reply, err := h.SendText(ctx, "bob", "alice", "hi alice", nil)
	require.NoError(t, err)
	assert.False(t, reply.IsFirstMessage)

	replyPlain, err := h.DecryptRequest(ctx, "alice", "bob", reply.Ciphertext, reply.EphemeralPublicKey, reply.PreviousChainLength, reply.MessageNumber, reply.IsFirstMessage, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi alice", replyPlain)
}

// TestDecryptRequestFailsWithoutMatchingOneTimePreKeyID guards against the
// initiator and responder silently folding different DH4 terms into SK: if
// the responder isn't told which one-time prekey the initiator consumed, the
// two sides' root keys diverge and the first decrypt must fail loudly
// rather than produce garbage plaintext.
func TestDecryptRequestFailsWithoutMatchingOneTimePreKeyID(t *testing.T) {
	ctx := context.Background()
	h, reg, dir := newTestHandler(t, alwaysOnlineDelivery{})

	alice, err := reg.Register("alice")
	require.NoError(t, err)
	bob, err := reg.Register("bob")
	require.NoError(t, err)
	require.NoError(t, dir.PutPreKeyBundle(ctx, "bob", publicBundleToWire(bob.Bundle.Public())))
	require.NoError(t, dir.PutPreKeyBundle(ctx, "alice", publicBundleToWire(alice.Bundle.Public())))

	env, err := h.SendText(ctx, "alice", "bob", "hello bob", nil)
	require.NoError(t, err)
	require.NotNil(t, env.OneTimePreKeyID)

	_, err = h.DecryptRequest(ctx, "bob", "alice", env.Ciphertext, env.EphemeralPublicKey, env.PreviousChainLength, env.MessageNumber, env.IsFirstMessage, nil)
	assert.Error(t, err, "omitting the one-time prekey id must not silently decrypt")
}

func TestSendTextConsumesOneTimePreKey(t *testing.T) {
	ctx := context.Background()
	h, reg, dir := newTestHandler(t, alwaysOnlineDelivery{})

	alice, err := reg.Register("alice")
	require.NoError(t, err)
	bob, err := reg.Register("bob")
	require.NoError(t, err)
	require.NoError(t, dir.PutPreKeyBundle(ctx, "bob", publicBundleToWire(bob.Bundle.Public())))
	require.NoError(t, dir.PutPreKeyBundle(ctx, "alice", publicBundleToWire(alice.Bundle.Public())))

	env, err := h.SendText(ctx, "alice", "bob", "hello bob", nil)
	require.NoError(t, err)
	require.NotNil(t, env.OneTimePreKeyID)

	_, err = h.DecryptRequest(ctx, "bob", "alice", env.Ciphertext, env.EphemeralPublicKey, env.PreviousChainLength, env.MessageNumber, env.IsFirstMessage, env.OneTimePreKeyID)
	require.NoError(t, err)

	_, found := bob.Bundle.TakeOneTimePreKey(*env.OneTimePreKeyID)
	assert.False(t, found, "a consumed one-time prekey must not still be present in the bundle")
}

func TestSendTextQueuesOfflineRecipient(t *testing.T) {
	ctx := context.Background()
	h, reg, dir := newTestHandler(t, noopDelivery{})

	alice, err := reg.Register("alice")
	require.NoError(t, err)
	bob, err := reg.Register("bob")
	require.NoError(t, err)
	require.NoError(t, dir.PutPreKeyBundle(ctx, "bob", publicBundleToWire(bob.Bundle.Public())))
	require.NoError(t, dir.PutPreKeyBundle(ctx, "alice", publicBundleToWire(alice.Bundle.Public())))

	env, err := h.SendText(ctx, "alice", "bob", "queued message", nil)
	require.NoError(t, err)

	queued, err := dir.DrainOffline(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, env.ID, queued[0].ID)
}

func TestSendTextFailsForUnknownRecipient(t *testing.T) {
	ctx := context.Background()
	h, reg, _ := newTestHandler(t, alwaysOnlineDelivery{})
	_, err := reg.Register("alice")
	require.NoError(t, err)

	_, err = h.SendText(ctx, "alice", "ghost", "hello", nil)
	assert.Error(t, err)
}

func TestDecryptRequestRejectsUnknownSessionWithoutFirstMessageFlag(t *testing.T) {
	ctx := context.Background()
	h, reg, _ := newTestHandler(t, alwaysOnlineDelivery{})
	_, err := reg.Register("alice")
	require.NoError(t, err)
	_, err = reg.Register("bob")
	require.NoError(t, err)

	_, err = h.DecryptRequest(ctx, "bob", "alice", "Zm9v", "YmFy", 0, 0, false, nil)
	assert.Error(t, err)
}
