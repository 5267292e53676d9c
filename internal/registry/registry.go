// Package registry maintains the in-memory registry of local users, their
// long-term identity and signed prekey, and their pairwise ratchet states
// keyed by peer (spec §4.4). Per spec §5, a single lock on the registry map
// suffices for insertion; each per-peer session is separately guarded so
// concurrent operations on different sessions may proceed without
// contending on the registry lock.
package registry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/jaydenbeard/ratchet-relay/internal/cryptocore"
	"github.com/jaydenbeard/ratchet-relay/internal/ratchet"
	"github.com/jaydenbeard/ratchet-relay/internal/x3dh"
)

// Session pairs a ratchet state with the mutex that serializes access to it
// (spec §5: "Each RatchetState is mutable; it must be accessed by at most
// one task at a time").
type Session struct {
	mu    sync.Mutex
	State *ratchet.State
}

// With runs fn with the session locked, the idiom spec §5 calls out as "a
// per-session mutex or actor-style single-owner queue".
func (s *Session) With(fn func(*ratchet.State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.State)
}

// UserRecord is a local user's long-term state (spec §3: "Per-user
// record"): identity keypair, prekey bundle (private halves included), and
// its pairwise sessions.
type UserRecord struct {
	UserID string
	Bundle x3dh.Bundle

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Session returns the session for peer, creating it lazily on first use
// isn't done here: sessions are created only by the message handler (C5),
// per spec §4.4. Returns (session, ok).
func (u *UserRecord) Session(peer string) (*Session, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	s, ok := u.sessions[peer]
	return s, ok
}

// CreateSession installs a new session for peer. It is an error to
// overwrite an existing session: session creation is a one-time event per
// (user, peer) pair within a process lifetime (spec §3: ratchet state "never
// torn down while the user is alive").
func (u *UserRecord) CreateSession(peer string, state *ratchet.State) (*Session, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, exists := u.sessions[peer]; exists {
		return nil, fmt.Errorf("registry: session already established for peer %q", peer)
	}
	s := &Session{State: state}
	u.sessions[peer] = s
	return s, nil
}

// PeerCount reports the number of established sessions, for metrics/tests.
func (u *UserRecord) PeerCount() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.sessions)
}

// Registry is the process-local cache of UserRecords (spec §4.4). Per the
// REDESIGN FLAGS, it is treated as a cache over the durable prekey
// directory rather than the sole source of truth: Rehydrate lets a warm
// start repopulate an identity it already knows the bundle for.
type Registry struct {
	mu    sync.RWMutex
	users map[string]*UserRecord
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{users: make(map[string]*UserRecord)}
}

// Register creates a fresh identity, generates its prekey bundle under a
// new device id, and adds it to the registry (spec §4.2, §4.4). It fails if
// the user already exists.
func (r *Registry) Register(userID string) (*UserRecord, error) {
	identity, err := cryptocore.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("registry: generate identity key pair: %w", err)
	}
	bundle, err := x3dh.GenerateBundle(identity, uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("registry: generate prekey bundle: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.users[userID]; exists {
		return nil, fmt.Errorf("registry: user %q already registered", userID)
	}
	rec := &UserRecord{
		UserID:   userID,
		Bundle:   bundle,
		sessions: make(map[string]*Session),
	}
	r.users[userID] = rec
	return rec, nil
}

// Rehydrate reinserts a UserRecord reconstructed from the durable directory
// (e.g. on warm start), without generating new keys. It is a no-op if the
// user is already present in memory.
func (r *Registry) Rehydrate(userID string, bundle x3dh.Bundle) *UserRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, exists := r.users[userID]; exists {
		return rec
	}
	rec := &UserRecord{
		UserID:   userID,
		Bundle:   bundle,
		sessions: make(map[string]*Session),
	}
	r.users[userID] = rec
	return rec
}

// Get returns the UserRecord for userID, if present.
func (r *Registry) Get(userID string) (*UserRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.users[userID]
	return rec, ok
}

// Len reports the number of locally known users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
