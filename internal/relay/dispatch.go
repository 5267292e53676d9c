package relay

import (
	"context"
	"encoding/json"

	"github.com/jaydenbeard/ratchet-relay/internal/messaging"
	"github.com/jaydenbeard/ratchet-relay/internal/wire"
)

// dispatchFrame routes one inbound frame to the message handler (C5) and
// writes back whatever response frame the operation implies.
func dispatchFrame(ctx context.Context, c *Client, handler *messaging.Handler, frame wire.Frame) {
	switch frame.Type {
	case wire.FrameSendMessage:
		handleSendMessage(ctx, c, handler, frame)
	case wire.FrameDecryptMessage:
		handleDecryptMessage(ctx, c, handler, frame)
	case wire.FrameTyping:
		var env messaging.TypingEnvelope
		if err := json.Unmarshal(frame.Data, &env); err != nil {
			c.logger.Printf("WARN: malformed typing frame from %s: %v", c.UserID, err)
			return
		}
		env.SenderID = c.UserID
		handler.HandleTyping(ctx, c.hub, env)
	case wire.FrameReadReceipt:
		var env messaging.ReadReceiptEnvelope
		if err := json.Unmarshal(frame.Data, &env); err != nil {
			c.logger.Printf("WARN: malformed read receipt frame from %s: %v", c.UserID, err)
			return
		}
		env.SenderID = c.UserID
		handler.HandleReadReceipt(ctx, c.hub, env)
	case wire.FrameDeliveryAck:
		var env messaging.DeliveryAckEnvelope
		if err := json.Unmarshal(frame.Data, &env); err != nil {
			c.logger.Printf("WARN: malformed delivery ack frame from %s: %v", c.UserID, err)
			return
		}
		env.SenderID = c.UserID
		handler.HandleDeliveryAck(ctx, c.hub, env)
	case wire.FrameGetPreKeys:
		handleGetPrekeys(ctx, c, handler, frame)
	default:
		c.logger.Printf("WARN: unrecognized frame type %q from %s", frame.Type, c.UserID)
	}
}

func handleSendMessage(ctx context.Context, c *Client, handler *messaging.Handler, frame wire.Frame) {
	var req wire.SendMessageFrame
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		sendError(c, "malformed send_message frame")
		return
	}
	env, err := handler.SendText(ctx, c.UserID, req.RecipientID, req.Content, req.SelfDestructSecond)
	if err != nil {
		sendError(c, err.Error())
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Printf("WARN: failed to marshal message_sent payload for %s: %v", c.UserID, err)
		return
	}
	_ = c.Send(wire.Frame{Type: wire.FrameMessageSent, Data: data, Timestamp: env.Timestamp})
}

func handleDecryptMessage(ctx context.Context, c *Client, handler *messaging.Handler, frame wire.Frame) {
	var req wire.DecryptMessageFrame
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		sendError(c, "malformed decrypt_message frame")
		return
	}
	ephemeralPub := ""
	if req.EphemeralPublicKey != nil {
		ephemeralPub = *req.EphemeralPublicKey
	}
	plaintext, err := handler.DecryptRequest(ctx, c.UserID, req.SenderID, req.EncryptedContent, ephemeralPub, req.PreviousChainLen, req.MessageNumber, req.IsFirstMessage, req.OneTimePreKeyID)
	if err != nil {
		sendDecryptionError(c, req.MessageID, err.Error())
		return
	}
	data, err := json.Marshal(map[string]any{
		"sender_id":  req.SenderID,
		"content":    plaintext,
		"message_id": req.MessageID,
	})
	if err != nil {
		c.logger.Printf("WARN: failed to marshal decrypted_message payload for %s: %v", c.UserID, err)
		return
	}
	_ = c.Send(wire.Frame{Type: wire.FrameDecryptedMessage, Data: data, Timestamp: nowUnix()})
}

func handleGetPrekeys(ctx context.Context, c *Client, handler *messaging.Handler, frame wire.Frame) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		sendError(c, "malformed get_prekeys frame")
		return
	}
	bundle, err := handler.GetPrekeys(ctx, req.UserID)
	if err != nil {
		sendError(c, err.Error())
		return
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		c.logger.Printf("WARN: failed to marshal prekey_bundle payload for %s: %v", c.UserID, err)
		return
	}
	_ = c.Send(wire.Frame{Type: wire.FramePreKeyBundle, Data: data, Timestamp: nowUnix()})
}

func sendError(c *Client, message string) {
	data, _ := json.Marshal(map[string]string{"message": message})
	_ = c.Send(wire.Frame{Type: wire.FrameError, Data: data, Timestamp: nowUnix()})
}

func sendDecryptionError(c *Client, messageID, message string) {
	data, _ := json.Marshal(map[string]string{"message_id": messageID, "message": message})
	_ = c.Send(wire.Frame{Type: wire.FrameDecryptionError, Data: data, Timestamp: nowUnix()})
}
