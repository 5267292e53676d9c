package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jaydenbeard/ratchet-relay/internal/messaging"
	"github.com/jaydenbeard/ratchet-relay/internal/metrics"
	"github.com/jaydenbeard/ratchet-relay/internal/wire"
)

// Keepalive timing for the transport connection.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 64
)

// Client is a single authenticated websocket connection bound to one user
// (spec's Non-goals exclude multi-device: one live connection per user).
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	UserID       string
	Verified     bool
	ConnectionID string
	remoteAddr   string

	closeOnce sync.Once
	logger    *log.Logger
}

// NewClient wraps conn for userID, already authenticated (verified reports
// whether the bearer token passed JWT verification; an unverified
// connection is still admitted per spec §6's auth contract, but is flagged
// in logs/metrics).
func NewClient(hub *Hub, conn *websocket.Conn, userID string, verified bool) *Client {
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		UserID:     userID,
		Verified:   verified,
		remoteAddr: conn.RemoteAddr().String(),
		logger:     log.New(os.Stdout, "[RELAY] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

// Send implements Conn: marshal frame and enqueue it for WritePump. It never
// blocks: a full send buffer drops the frame rather than stall the reader.
func (c *Client) Send(frame wire.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("relay: marshal outbound frame: %w", err)
	}
	select {
	case c.send <- data:
		metrics.RecordFrame(frame.Type, "outbound")
		return nil
	default:
		return fmt.Errorf("relay: send buffer full for %s", c.UserID)
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// ReadPump reads frames off the connection and dispatches them to handler
// until the connection closes. It owns unregistering the client from the
// hub on exit.
func (c *Client) ReadPump(ctx context.Context, handler *messaging.Handler) {
	defer func() {
		c.hub.UnregisterConn(ctx, c.UserID, c.ConnectionID)
		c.close()
		if err := c.conn.Close(); err != nil {
			c.logger.Printf("WARN: failed to close connection for %s: %v", c.UserID, err)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Printf("WARN: failed to set read deadline for %s: %v", c.UserID, err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Printf("connection error for %s: %v", c.UserID, err)
			}
			return
		}

		var frame wire.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.Printf("WARN: dropping malformed frame from %s: %v", c.UserID, err)
			continue
		}
		metrics.RecordFrame(frame.Type, "inbound")
		dispatchFrame(ctx, c, handler, frame)
	}
}

// WritePump drains send and writes to the connection, interleaving
// keepalive pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil {
			c.logger.Printf("WARN: failed to close connection for %s: %v", c.UserID, err)
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Printf("WARN: failed to set write deadline for %s: %v", c.UserID, err)
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Printf("write error for %s: %v", c.UserID, err)
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Printf("WARN: failed to set write deadline for %s: %v", c.UserID, err)
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// RemoteIP extracts the connection's IP for the connect-time rate limiter.
func RemoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
