package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jaydenbeard/ratchet-relay/internal/wire"
)

// MemDirectory is an in-memory Directory used by tests and by
// single-process demos; it implements the same TTL semantics as
// RedisDirectory using a background sweep rather than Redis expiry.
type MemDirectory struct {
	mu         sync.Mutex
	bundles    map[string]wire.PreKeyBundleWire
	ephemerals map[string][]byte
	offline    map[string][]wire.EncryptedMessage
	meta       map[string]wire.MessageMeta
	selfDestruct map[string]time.Time
	presence   map[string]bool

	subsMu sync.Mutex
	subs   []func(wire.PresenceEvent)

	instMu   sync.Mutex
	instSubs map[string][]func(wire.EncryptedMessage)

	ownerMu sync.Mutex
	owners  map[string]string
}

// NewMemDirectory creates an empty in-memory directory.
func NewMemDirectory() *MemDirectory {
	return &MemDirectory{
		bundles:      make(map[string]wire.PreKeyBundleWire),
		ephemerals:   make(map[string][]byte),
		offline:      make(map[string][]wire.EncryptedMessage),
		meta:         make(map[string]wire.MessageMeta),
		selfDestruct: make(map[string]time.Time),
		presence:     make(map[string]bool),
		instSubs:     make(map[string][]func(wire.EncryptedMessage)),
		owners:       make(map[string]string),
	}
}

func (m *MemDirectory) PutPreKeyBundle(_ context.Context, userID string, bundle wire.PreKeyBundleWire) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles[userID] = bundle
	return nil
}

func (m *MemDirectory) GetPreKeyBundle(_ context.Context, userID string) (wire.PreKeyBundleWire, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bundles[userID]
	return b, ok, nil
}

func (m *MemDirectory) PutEphemeralKey(_ context.Context, sender, recipient string, ephemeralPub []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte{}, ephemeralPub...)
	m.ephemerals[sender+":"+recipient] = cp
	return nil
}

func (m *MemDirectory) GetEphemeralKey(_ context.Context, sender, recipient string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.ephemerals[sender+":"+recipient]
	return v, ok, nil
}

func (m *MemDirectory) EnqueueOffline(_ context.Context, recipient string, env wire.EncryptedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline[recipient] = append(m.offline[recipient], env)
	return nil
}

func (m *MemDirectory) DrainOffline(_ context.Context, recipient string) ([]wire.EncryptedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	envs := m.offline[recipient]
	sort.SliceStable(envs, func(i, j int) bool { return envs[i].Timestamp < envs[j].Timestamp })
	delete(m.offline, recipient)
	return envs, nil
}

func (m *MemDirectory) PutMessageMeta(_ context.Context, id string, meta wire.MessageMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[id] = meta
	return nil
}

func (m *MemDirectory) GetMessageMeta(_ context.Context, id string) (wire.MessageMeta, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.meta[id]
	return meta, ok, nil
}

func (m *MemDirectory) DeleteMessageMeta(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.meta, id)
	return nil
}

func (m *MemDirectory) ScheduleSelfDestruct(_ context.Context, id string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selfDestruct[id] = expiresAt
	return nil
}

func (m *MemDirectory) PopExpiredSelfDestruct(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, exp := range m.selfDestruct {
		if !exp.After(now) {
			ids = append(ids, id)
			delete(m.selfDestruct, id)
		}
	}
	return ids, nil
}

func (m *MemDirectory) SetPresence(_ context.Context, userID string, online bool) error {
	m.mu.Lock()
	m.presence[userID] = online
	m.mu.Unlock()

	status := "offline"
	if online {
		status = "online"
	}
	m.broadcast(wire.PresenceEvent{UserID: userID, Status: status, Timestamp: float64(time.Now().Unix())})
	return nil
}

func (m *MemDirectory) ClearPresence(ctx context.Context, userID string) error {
	m.mu.Lock()
	delete(m.presence, userID)
	m.mu.Unlock()
	return m.SetPresence(ctx, userID, false)
}

func (m *MemDirectory) SubscribePresence(ctx context.Context, handler func(wire.PresenceEvent)) error {
	m.subsMu.Lock()
	m.subs = append(m.subs, handler)
	m.subsMu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (m *MemDirectory) PutConnectionOwner(_ context.Context, userID, instanceID string) error {
	m.ownerMu.Lock()
	m.owners[userID] = instanceID
	m.ownerMu.Unlock()
	return nil
}

func (m *MemDirectory) GetConnectionOwner(_ context.Context, userID string) (string, bool, error) {
	m.ownerMu.Lock()
	defer m.ownerMu.Unlock()
	id, ok := m.owners[userID]
	return id, ok, nil
}

func (m *MemDirectory) DeleteConnectionOwner(_ context.Context, userID string) error {
	m.ownerMu.Lock()
	delete(m.owners, userID)
	m.ownerMu.Unlock()
	return nil
}

func (m *MemDirectory) PublishToInstance(_ context.Context, instanceID string, env wire.EncryptedMessage) error {
	m.instMu.Lock()
	handlers := append([]func(wire.EncryptedMessage){}, m.instSubs[instanceID]...)
	m.instMu.Unlock()
	for _, h := range handlers {
		h(env)
	}
	return nil
}

func (m *MemDirectory) SubscribeInstance(ctx context.Context, instanceID string, handler func(wire.EncryptedMessage)) error {
	m.instMu.Lock()
	m.instSubs[instanceID] = append(m.instSubs[instanceID], handler)
	m.instMu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (m *MemDirectory) broadcast(event wire.PresenceEvent) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, h := range m.subs {
		h(event)
	}
}
