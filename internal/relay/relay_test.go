package relay

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/ratchet-relay/internal/directory"
	"github.com/jaydenbeard/ratchet-relay/internal/wire"
)

func TestConnectLimiterAllowsBurstThenThrottles(t *testing.T) {
	l := NewConnectLimiter()
	for i := 0; i < connectBurst; i++ {
		assert.True(t, l.Allow("1.2.3.4"), "burst token %d should be allowed", i)
	}
	assert.False(t, l.Allow("1.2.3.4"), "burst exhausted, next attempt should be throttled")
}

func TestConnectLimiterTracksIPsIndependently(t *testing.T) {
	l := NewConnectLimiter()
	for i := 0; i < connectBurst; i++ {
		require.True(t, l.Allow("1.1.1.1"))
	}
	assert.False(t, l.Allow("1.1.1.1"))
	assert.True(t, l.Allow("2.2.2.2"), "a different IP has its own bucket")
}

func TestConnectLimiterForget(t *testing.T) {
	l := NewConnectLimiter()
	for i := 0; i < connectBurst; i++ {
		require.True(t, l.Allow("3.3.3.3"))
	}
	require.False(t, l.Allow("3.3.3.3"))
	l.Forget("3.3.3.3")
	assert.True(t, l.Allow("3.3.3.3"), "forgetting the bucket resets its tokens")
}

func TestRemoteIPSplitsHostPort(t *testing.T) {
	assert.Equal(t, "203.0.113.5", RemoteIP("203.0.113.5:54321"))
	assert.Equal(t, "no-port", RemoteIP("no-port"))
}

func TestVerifyTokenRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)

	claims, err := VerifyToken(signed, secret)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
}

func TestVerifyTokenRejectsWrongSecret(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: "alice"})
	signed, err := token.SignedString([]byte("secret-a"))
	require.NoError(t, err)

	_, err = VerifyToken(signed, []byte("secret-b"))
	assert.Error(t, err)
}

func TestVerifyTokenRejectsExpired(t *testing.T) {
	secret := []byte("test-secret")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)

	_, err = VerifyToken(signed, secret)
	assert.Error(t, err)
}

// fakeConn records every frame pushed to it, standing in for a live
// websocket connection.
type fakeConn struct {
	frames []wire.Frame
}

func (f *fakeConn) Send(frame wire.Frame) error {
	f.frames = append(f.frames, frame)
	return nil
}

func TestHubRegisterConnFlushesOfflineQueue(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemDirectory()
	hub := NewHub("instance-a", dir)

	env := wire.EncryptedMessage{ID: "m1", RecipientID: "bob", SenderID: "alice", Timestamp: float64(time.Now().Unix())}
	require.NoError(t, dir.EnqueueOffline(ctx, "bob", env))

	conn := &fakeConn{}
	hub.RegisterConn(ctx, "bob", conn)

	require.Len(t, conn.frames, 1)
	assert.Equal(t, wire.FrameEncryptedMessage, conn.frames[0].Type)

	drained, err := dir.DrainOffline(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, drained, "queue should be empty after flush")
}

func TestHubDeliverEnvelopeLocalConnection(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemDirectory()
	hub := NewHub("instance-a", dir)

	conn := &fakeConn{}
	hub.RegisterConn(ctx, "bob", conn)

	env := wire.EncryptedMessage{ID: "m1", RecipientID: "bob", SenderID: "alice", Timestamp: float64(time.Now().Unix())}
	delivered := hub.DeliverEnvelope(ctx, env)
	assert.True(t, delivered)
	require.Len(t, conn.frames, 1)
	assert.Equal(t, wire.FrameEncryptedMessage, conn.frames[0].Type)
}

func TestHubDeliverEnvelopeNoRecipientFallsBackFalse(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemDirectory()
	hub := NewHub("instance-a", dir)

	env := wire.EncryptedMessage{ID: "m1", RecipientID: "nobody", SenderID: "alice", Timestamp: float64(time.Now().Unix())}
	delivered := hub.DeliverEnvelope(ctx, env)
	assert.False(t, delivered, "no live connection and no connection-owner record means delivery fails")
}

func TestHubUnregisterConnOnlyRemovesMatchingConn(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemDirectory()
	hub := NewHub("instance-a", dir)

	first := &fakeConn{}
	connID := hub.RegisterConn(ctx, "bob", first)
	require.Len(t, connID, 16, "connection id must be 16-hex per spec's connect-time id")

	hub.UnregisterConn(ctx, "bob", "stale-connection-id")

	_, ok := hub.localConn("bob")
	assert.True(t, ok, "unregistering a stale connection id must not evict the current one")

	hub.UnregisterConn(ctx, "bob", connID)
	_, ok = hub.localConn("bob")
	assert.False(t, ok)
}

func TestHubRegisterConnReplacesPriorConnectionOnReconnect(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemDirectory()
	hub := NewHub("instance-a", dir)

	first := &fakeConn{}
	firstID := hub.RegisterConn(ctx, "bob", first)

	second := &fakeConn{}
	secondID := hub.RegisterConn(ctx, "bob", second)
	assert.NotEqual(t, firstID, secondID, "each connect mints a fresh connection id")

	conn, ok := hub.localConn("bob")
	require.True(t, ok)
	assert.Same(t, second, conn, "reconnect replaces the prior transport binding")

	hub.UnregisterConn(ctx, "bob", firstID)
	_, ok = hub.localConn("bob")
	assert.True(t, ok, "unregistering a superseded connection id must not evict the live one")
}

func TestHubForwardControlFrameRequiresLocalConn(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemDirectory()
	hub := NewHub("instance-a", dir)

	assert.False(t, hub.ForwardControlFrame(ctx, "bob", wire.FrameTyping, nil))

	conn := &fakeConn{}
	hub.RegisterConn(ctx, "bob", conn)
	assert.True(t, hub.ForwardControlFrame(ctx, "bob", wire.FrameTyping, nil))
}
