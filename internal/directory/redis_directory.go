package directory

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jaydenbeard/ratchet-relay/internal/wire"
)

const presenceChannel = "presence:updates"

// RedisDirectory implements Directory against a single Redis instance:
// ZSET-backed offline inbox and self-destruct expiry set, pub/sub for
// presence and cross-instance delivery, and structured logging around
// Redis calls.
type RedisDirectory struct {
	client *redis.Client
	logger *log.Logger
}

// NewRedisDirectory wraps an existing Redis client.
func NewRedisDirectory(client *redis.Client) *RedisDirectory {
	return &RedisDirectory{
		client: client,
		logger: log.New(os.Stdout, "[DIRECTORY] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

func prekeyBundleKey(userID string) string { return "prekey_bundle:" + userID }
func ephemeralKey(sender, recipient string) string {
	return "x3dh_ephemeral:" + sender + ":" + recipient
}
func offlineQueueKey(userID string) string  { return "offline_messages:" + userID }
func messageMetaKey(id string) string       { return "message_meta:" + id }
func presenceKey(userID string) string      { return "presence:" + userID }

const selfDestructSetKey = "self_destruct_messages"

func (d *RedisDirectory) PutPreKeyBundle(ctx context.Context, userID string, bundle wire.PreKeyBundleWire) error {
	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("directory: marshal prekey bundle: %w", err)
	}
	if err := d.client.Set(ctx, prekeyBundleKey(userID), data, 0).Err(); err != nil {
		return fmt.Errorf("directory: store prekey bundle: %w", err)
	}
	return nil
}

func (d *RedisDirectory) GetPreKeyBundle(ctx context.Context, userID string) (wire.PreKeyBundleWire, bool, error) {
	data, err := d.client.Get(ctx, prekeyBundleKey(userID)).Result()
	if err == redis.Nil {
		return wire.PreKeyBundleWire{}, false, nil
	}
	if err != nil {
		return wire.PreKeyBundleWire{}, false, fmt.Errorf("directory: fetch prekey bundle: %w", err)
	}
	var bundle wire.PreKeyBundleWire
	if err := json.Unmarshal([]byte(data), &bundle); err != nil {
		return wire.PreKeyBundleWire{}, false, fmt.Errorf("directory: parse prekey bundle: %w", err)
	}
	return bundle, true, nil
}

func (d *RedisDirectory) PutEphemeralKey(ctx context.Context, sender, recipient string, ephemeralPub []byte) error {
	encoded := base64.StdEncoding.EncodeToString(ephemeralPub)
	if err := d.client.Set(ctx, ephemeralKey(sender, recipient), encoded, EphemeralTTL).Err(); err != nil {
		return fmt.Errorf("directory: store x3dh ephemeral key: %w", err)
	}
	return nil
}

func (d *RedisDirectory) GetEphemeralKey(ctx context.Context, sender, recipient string) ([]byte, bool, error) {
	encoded, err := d.client.Get(ctx, ephemeralKey(sender, recipient)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("directory: fetch x3dh ephemeral key: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("directory: decode x3dh ephemeral key: %w", err)
	}
	return raw, true, nil
}

func (d *RedisDirectory) EnqueueOffline(ctx context.Context, recipient string, env wire.EncryptedMessage) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("directory: marshal offline envelope: %w", err)
	}
	if err := d.client.ZAdd(ctx, offlineQueueKey(recipient), redis.Z{
		Score:  env.Timestamp,
		Member: string(data),
	}).Err(); err != nil {
		return fmt.Errorf("directory: enqueue offline envelope: %w", err)
	}
	return nil
}

func (d *RedisDirectory) DrainOffline(ctx context.Context, recipient string) ([]wire.EncryptedMessage, error) {
	key := offlineQueueKey(recipient)
	results, err := d.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("directory: drain offline queue: %w", err)
	}
	envelopes := make([]wire.EncryptedMessage, 0, len(results))
	for _, data := range results {
		var env wire.EncryptedMessage
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			d.logger.Printf("WARN: dropping malformed offline envelope for %s: %v", recipient, err)
			continue
		}
		envelopes = append(envelopes, env)
	}
	if err := d.client.Del(ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("directory: clear offline queue: %w", err)
	}
	return envelopes, nil
}

func (d *RedisDirectory) PutMessageMeta(ctx context.Context, id string, meta wire.MessageMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("directory: marshal message meta: %w", err)
	}
	if err := d.client.Set(ctx, messageMetaKey(id), data, MessageMetaTTL).Err(); err != nil {
		return fmt.Errorf("directory: store message meta: %w", err)
	}
	return nil
}

func (d *RedisDirectory) GetMessageMeta(ctx context.Context, id string) (wire.MessageMeta, bool, error) {
	data, err := d.client.Get(ctx, messageMetaKey(id)).Result()
	if err == redis.Nil {
		return wire.MessageMeta{}, false, nil
	}
	if err != nil {
		return wire.MessageMeta{}, false, fmt.Errorf("directory: fetch message meta: %w", err)
	}
	var meta wire.MessageMeta
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return wire.MessageMeta{}, false, fmt.Errorf("directory: parse message meta: %w", err)
	}
	return meta, true, nil
}

func (d *RedisDirectory) DeleteMessageMeta(ctx context.Context, id string) error {
	if err := d.client.Del(ctx, messageMetaKey(id)).Err(); err != nil {
		return fmt.Errorf("directory: delete message meta: %w", err)
	}
	return nil
}

func (d *RedisDirectory) ScheduleSelfDestruct(ctx context.Context, id string, expiresAt time.Time) error {
	if err := d.client.ZAdd(ctx, selfDestructSetKey, redis.Z{
		Score:  float64(expiresAt.Unix()),
		Member: id,
	}).Err(); err != nil {
		return fmt.Errorf("directory: schedule self-destruct: %w", err)
	}
	return nil
}

func (d *RedisDirectory) PopExpiredSelfDestruct(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := d.client.ZRangeByScore(ctx, selfDestructSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("directory: scan self-destruct set: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := d.client.ZRemRangeByScore(ctx, selfDestructSetKey, "-inf", fmt.Sprintf("%d", now.Unix())).Err(); err != nil {
		return nil, fmt.Errorf("directory: trim self-destruct set: %w", err)
	}
	return ids, nil
}

func (d *RedisDirectory) SetPresence(ctx context.Context, userID string, online bool) error {
	status := "offline"
	if online {
		status = "online"
		if err := d.client.Set(ctx, presenceKey(userID), status, PresenceTTL).Err(); err != nil {
			return fmt.Errorf("directory: set presence: %w", err)
		}
	}
	event := wire.PresenceEvent{UserID: userID, Status: status, Timestamp: float64(time.Now().Unix())}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("directory: marshal presence event: %w", err)
	}
	if err := d.client.Publish(ctx, presenceChannel, data).Err(); err != nil {
		return fmt.Errorf("directory: publish presence event: %w", err)
	}
	return nil
}

func (d *RedisDirectory) ClearPresence(ctx context.Context, userID string) error {
	if err := d.client.Del(ctx, presenceKey(userID)).Err(); err != nil {
		return fmt.Errorf("directory: clear presence: %w", err)
	}
	return d.SetPresence(ctx, userID, false)
}

func connectionOwnerKey(userID string) string { return "connection_owner:" + userID }

func (d *RedisDirectory) PutConnectionOwner(ctx context.Context, userID, instanceID string) error {
	if err := d.client.Set(ctx, connectionOwnerKey(userID), instanceID, PresenceTTL).Err(); err != nil {
		return fmt.Errorf("directory: store connection owner: %w", err)
	}
	return nil
}

func (d *RedisDirectory) GetConnectionOwner(ctx context.Context, userID string) (string, bool, error) {
	instanceID, err := d.client.Get(ctx, connectionOwnerKey(userID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("directory: fetch connection owner: %w", err)
	}
	return instanceID, true, nil
}

func (d *RedisDirectory) DeleteConnectionOwner(ctx context.Context, userID string) error {
	if err := d.client.Del(ctx, connectionOwnerKey(userID)).Err(); err != nil {
		return fmt.Errorf("directory: delete connection owner: %w", err)
	}
	return nil
}

func instanceChannel(instanceID string) string { return "relay_instance:" + instanceID }

func (d *RedisDirectory) PublishToInstance(ctx context.Context, instanceID string, env wire.EncryptedMessage) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("directory: marshal instance envelope: %w", err)
	}
	if err := d.client.Publish(ctx, instanceChannel(instanceID), data).Err(); err != nil {
		return fmt.Errorf("directory: publish to instance %s: %w", instanceID, err)
	}
	return nil
}

func (d *RedisDirectory) SubscribeInstance(ctx context.Context, instanceID string, handler func(wire.EncryptedMessage)) error {
	sub := d.client.Subscribe(ctx, instanceChannel(instanceID))
	defer func() {
		if err := sub.Close(); err != nil {
			d.logger.Printf("WARN: failed to close instance subscription for %s: %v", instanceID, err)
		}
	}()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env wire.EncryptedMessage
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				d.logger.Printf("WARN: dropping malformed instance envelope on %s: %v", instanceID, err)
				continue
			}
			handler(env)
		}
	}
}

func (d *RedisDirectory) SubscribePresence(ctx context.Context, handler func(wire.PresenceEvent)) error {
	sub := d.client.Subscribe(ctx, presenceChannel)
	defer func() {
		if err := sub.Close(); err != nil {
			d.logger.Printf("WARN: failed to close presence subscription: %v", err)
		}
	}()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event wire.PresenceEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				d.logger.Printf("WARN: dropping malformed presence event: %v", err)
				continue
			}
			handler(event)
		}
	}
}
