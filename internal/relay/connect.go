package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jaydenbeard/ratchet-relay/internal/messaging"
	"github.com/jaydenbeard/ratchet-relay/internal/metrics"
	"github.com/jaydenbeard/ratchet-relay/internal/wire"
)

// authFrameDeadline bounds how long a freshly accepted connection has to
// send its auth frame before it is dropped (spec §6: "First frame on a new
// connection; anything else yields error and a close").
const authFrameDeadline = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server ties the HTTP upgrade path, the connect-time rate limiter, and the
// JWT secret together.
type Server struct {
	Hub       *Hub
	Handler   *messaging.Handler
	Limiter   *ConnectLimiter
	JWTSecret []byte
}

// ServeHTTP upgrades the request to a websocket, enforces the connect-time
// rate limit, then waits for the mandatory first `auth` frame before
// admitting the connection into the hub.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := RemoteIP(r.RemoteAddr)
	if !s.Limiter.Allow(ip) {
		metrics.ConnectRateLimitHits.Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	userID, verified, err := s.awaitAuthFrame(conn)
	if err != nil {
		writeAuthError(conn, err.Error())
		_ = conn.Close()
		return
	}
	if !verified {
		metrics.AuthUnverifiedConnections.Inc()
	}

	client := NewClient(s.Hub, conn, userID, verified)
	ctx := context.Background()
	client.ConnectionID = s.Hub.RegisterConn(ctx, userID, client)

	successData, _ := json.Marshal(wire.AuthSuccessFrame{UserID: userID})
	_ = client.Send(wire.Frame{Type: wire.FrameAuthSuccess, Data: successData, Timestamp: nowUnix()})

	go client.WritePump()
	go client.ReadPump(ctx, s.Handler)
}

func (s *Server) awaitAuthFrame(conn *websocket.Conn) (userID string, verified bool, err error) {
	if err := conn.SetReadDeadline(time.Now().Add(authFrameDeadline)); err != nil {
		return "", false, fmt.Errorf("relay: set auth deadline: %w", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", false, fmt.Errorf("relay: read auth frame: %w", err)
	}

	var frame wire.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return "", false, fmt.Errorf("relay: malformed auth frame: %w", err)
	}
	if frame.Type != wire.FrameAuth {
		return "", false, fmt.Errorf("relay: first frame must be %q, got %q", wire.FrameAuth, frame.Type)
	}

	var auth wire.AuthFrame
	if err := json.Unmarshal(frame.Data, &auth); err != nil {
		return "", false, fmt.Errorf("relay: malformed auth payload: %w", err)
	}
	if auth.UserID == "" {
		return "", false, fmt.Errorf("relay: auth frame missing user_id")
	}

	if auth.Token == "" {
		return auth.UserID, false, nil
	}
	claims, err := VerifyToken(auth.Token, s.JWTSecret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[RELAY] WARN: unverified auth token for %s: %v\n", auth.UserID, err)
		return auth.UserID, false, nil
	}
	if claims.UserID != auth.UserID {
		fmt.Fprintf(os.Stderr, "[RELAY] WARN: auth token user mismatch: frame=%s token=%s\n", auth.UserID, claims.UserID)
		return auth.UserID, false, nil
	}
	return auth.UserID, true, nil
}

func writeAuthError(conn *websocket.Conn, message string) {
	data, _ := json.Marshal(map[string]string{"message": message})
	frame, _ := json.Marshal(wire.Frame{Type: wire.FrameError, Data: data, Timestamp: nowUnix()})
	_ = conn.WriteMessage(websocket.TextMessage, frame)
}
