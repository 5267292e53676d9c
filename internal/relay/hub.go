// Package relay implements the connection registry and delivery plane of
// spec §4.6: tracking which users are live on this process, pushing
// envelopes to them, falling back to the offline queue otherwise, and
// fanning presence and self-destruct sweeps out across a cluster of relay
// instances.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jaydenbeard/ratchet-relay/internal/directory"
	"github.com/jaydenbeard/ratchet-relay/internal/metrics"
	"github.com/jaydenbeard/ratchet-relay/internal/wire"
)

// selfDestructSweepInterval is how often the hub polls the directory's
// expiry set (spec §6: self_destruct_messages).
const selfDestructSweepInterval = 5 * time.Second

// Conn is the narrow surface the hub needs from a live connection: push a
// frame, identify which instance owns it. *Client implements this; tests use
// a fake.
type Conn interface {
	Send(frame wire.Frame) error
}

// Hub is the per-process connection registry (spec §4.6). It never touches
// ratchet state directly — SendText/DecryptRequest do that — the hub only
// decides where an already-encrypted envelope goes.
//
// The registry is the two-level mapping spec §6 describes: a
// connection_id → transport_handle map (connections) plus a
// user_id → connection_id map (userConn), rather than binding the transport
// directly to the user id. A reconnect replaces the previous connection_id
// binding for that user wholesale; only one connection per user is live at
// a time.
type Hub struct {
	instanceID string
	directory  directory.Directory

	mu          sync.RWMutex
	connections map[string]Conn   // connection_id -> transport_handle
	userConn    map[string]string // user_id -> connection_id

	logger *log.Logger
}

// NewHub creates a Hub bound to instanceID (this process's identity in the
// cluster, used for multi-instance delivery and Consul registration).
func NewHub(instanceID string, dir directory.Directory) *Hub {
	return &Hub{
		instanceID:  instanceID,
		directory:   dir,
		connections: make(map[string]Conn),
		userConn:    make(map[string]string),
		logger:      log.New(os.Stdout, "[RELAY] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

// newConnectionID mints the 16-hex connection id spec §6 assigns each
// transport binding on connect.
func newConnectionID() string {
	var b [8]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return hex.EncodeToString([]byte(fmt.Sprintf("%016x", time.Now().UnixNano())))[:16]
	}
	return hex.EncodeToString(b[:])
}

// RegisterConn mints a connection id for conn, binds it as userID's live
// transport on this instance, marks presence online, and flushes any
// envelopes that queued while userID was offline (spec §4.6, §6: "on
// reconnect, drain the offline queue in timestamp order"). It returns the
// connection id so the caller can present it back to UnregisterConn.
func (h *Hub) RegisterConn(ctx context.Context, userID string, conn Conn) string {
	connID := newConnectionID()

	h.mu.Lock()
	if prev, ok := h.userConn[userID]; ok {
		delete(h.connections, prev)
	}
	h.connections[connID] = conn
	h.userConn[userID] = connID
	count := len(h.connections)
	h.mu.Unlock()
	metrics.WebSocketConnections.WithLabelValues(h.instanceID).Set(float64(count))

	if err := h.directory.SetPresence(ctx, userID, true); err != nil {
		h.logger.Printf("WARN: failed to set presence for %s: %v", userID, err)
	}
	if err := h.directory.PutConnectionOwner(ctx, userID, h.instanceID); err != nil {
		h.logger.Printf("WARN: failed to record connection owner for %s: %v", userID, err)
	}

	h.flushOfflineQueue(ctx, userID, conn)
	return connID
}

func (h *Hub) flushOfflineQueue(ctx context.Context, userID string, conn Conn) {
	queued, err := h.directory.DrainOffline(ctx, userID)
	if err != nil {
		h.logger.Printf("WARN: failed to drain offline queue for %s: %v", userID, err)
		return
	}
	for _, env := range queued {
		frame, err := envelopeFrame(env)
		if err != nil {
			h.logger.Printf("WARN: failed to marshal queued envelope %s for %s: %v", env.ID, userID, err)
			continue
		}
		if err := conn.Send(frame); err != nil {
			h.logger.Printf("WARN: failed to deliver queued envelope %s to %s: %v", env.ID, userID, err)
			continue
		}
		metrics.OfflineMessagesDelivered.Inc()
	}
}

// UnregisterConn severs userID's binding to connectionID, if it is still the
// one registered (a later reconnect may already have replaced it with a
// different connection id, in which case this is a no-op), and marks
// presence offline.
func (h *Hub) UnregisterConn(ctx context.Context, userID, connectionID string) {
	h.mu.Lock()
	current, ok := h.userConn[userID]
	stillCurrent := ok && current == connectionID
	if stillCurrent {
		delete(h.userConn, userID)
		delete(h.connections, connectionID)
	}
	count := len(h.connections)
	h.mu.Unlock()
	if !stillCurrent {
		return
	}
	metrics.WebSocketConnections.WithLabelValues(h.instanceID).Set(float64(count))

	if err := h.directory.ClearPresence(ctx, userID); err != nil {
		h.logger.Printf("WARN: failed to clear presence for %s: %v", userID, err)
	}
	if err := h.directory.DeleteConnectionOwner(ctx, userID); err != nil {
		h.logger.Printf("WARN: failed to clear connection owner for %s: %v", userID, err)
	}
}

func (h *Hub) localConn(userID string) (Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	connID, ok := h.userConn[userID]
	if !ok {
		return nil, false
	}
	c, ok := h.connections[connID]
	return c, ok
}

// DeliverEnvelope implements messaging.Delivery: push env to its recipient
// if they have a live connection on this instance; otherwise republish it
// to whichever instance the directory's presence record names (spec §4.6
// multi-instance delivery), and report false only when no instance can be
// reached so the caller falls back to the offline queue.
func (h *Hub) DeliverEnvelope(ctx context.Context, env wire.EncryptedMessage) bool {
	frame, err := envelopeFrame(env)
	if err != nil {
		h.logger.Printf("WARN: failed to marshal envelope %s: %v", env.ID, err)
		return false
	}

	if conn, ok := h.localConn(env.RecipientID); ok {
		if err := conn.Send(frame); err != nil {
			h.logger.Printf("WARN: local delivery to %s failed, falling back: %v", env.RecipientID, err)
		} else {
			return true
		}
	}

	instanceID, ok, err := h.directory.GetConnectionOwner(ctx, env.RecipientID)
	if err != nil {
		h.logger.Printf("WARN: connection owner lookup failed for %s: %v", env.RecipientID, err)
		return false
	}
	if !ok || instanceID == h.instanceID {
		return false
	}
	if err := h.directory.PublishToInstance(ctx, instanceID, env); err != nil {
		h.logger.Printf("WARN: cross-instance republish to %s for %s failed: %v", instanceID, env.RecipientID, err)
		metrics.RecordCrossInstanceDelivery(false)
		return false
	}
	metrics.RecordCrossInstanceDelivery(true)
	return true
}

// ForwardControlFrame implements messaging.Forwarder for typing/read-receipt
// /delivery-ack passthroughs: best effort, local instance only, no
// cross-instance republish (these are not durable per spec §1).
func (h *Hub) ForwardControlFrame(ctx context.Context, recipientID string, frameType string, payload any) bool {
	conn, ok := h.localConn(recipientID)
	if !ok {
		return false
	}
	if err := conn.Send(wire.Frame{Type: frameType, Timestamp: nowUnix()}); err != nil {
		h.logger.Printf("WARN: forward %s to %s failed: %v", frameType, recipientID, err)
		return false
	}
	return true
}

// RunInstanceSubscriber blocks delivering envelopes republished to this
// instance by a peer that accepted the send while the recipient was
// connected elsewhere (spec §4.6 multi-instance delivery). Call it in its
// own goroutine; it returns when ctx is cancelled.
func (h *Hub) RunInstanceSubscriber(ctx context.Context) error {
	return h.directory.SubscribeInstance(ctx, h.instanceID, func(env wire.EncryptedMessage) {
		frame, err := envelopeFrame(env)
		if err != nil {
			h.logger.Printf("WARN: failed to marshal cross-instance envelope %s: %v", env.ID, err)
			return
		}
		if conn, ok := h.localConn(env.RecipientID); ok {
			if err := conn.Send(frame); err != nil {
				h.logger.Printf("WARN: cross-instance delivery to %s failed: %v", env.RecipientID, err)
			}
		}
	})
}

func envelopeFrame(env wire.EncryptedMessage) (wire.Frame, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("relay: marshal envelope: %w", err)
	}
	return wire.Frame{Type: wire.FrameEncryptedMessage, Data: data, Timestamp: env.Timestamp}, nil
}

// RunSelfDestructSweeper polls the self-destruct expiry set and notifies
// both ends once a message's lifetime elapses (spec §6). It blocks until
// ctx is cancelled.
func (h *Hub) RunSelfDestructSweeper(ctx context.Context) {
	ticker := time.NewTicker(selfDestructSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepSelfDestruct(ctx)
		}
	}
}

func (h *Hub) sweepSelfDestruct(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.SelfDestructSweepLatency.Observe(time.Since(start).Seconds()) }()

	ids, err := h.directory.PopExpiredSelfDestruct(ctx, time.Now())
	if err != nil {
		h.logger.Printf("WARN: self-destruct sweep failed: %v", err)
		return
	}
	for _, id := range ids {
		meta, ok, err := h.directory.GetMessageMeta(ctx, id)
		if err != nil {
			h.logger.Printf("WARN: self-destruct lookup failed for %s: %v", id, err)
			continue
		}
		if !ok {
			continue
		}
		frame := wire.Frame{Type: wire.FrameMessageDestroyed, Timestamp: nowUnix()}
		if conn, ok := h.localConn(meta.RecipientID); ok {
			if err := conn.Send(frame); err != nil {
				h.logger.Printf("WARN: self-destruct notify to %s failed: %v", meta.RecipientID, err)
			}
		}
		if conn, ok := h.localConn(meta.SenderID); ok {
			if err := conn.Send(frame); err != nil {
				h.logger.Printf("WARN: self-destruct notify to %s failed: %v", meta.SenderID, err)
			}
		}
		if err := h.directory.DeleteMessageMeta(ctx, id); err != nil {
			h.logger.Printf("WARN: failed to clean up self-destructed message %s: %v", id, err)
		}
		metrics.SelfDestructedMessagesTotal.Inc()
	}
}

func nowUnix() float64 { return float64(time.Now().Unix()) }
