// Package redisstore keeps the signaling mailbox in Redis so participant
// daemons on different hosts can share one room. Each message body lives
// under its own key, each recipient has a sorted-set mailbox scored by
// creation time, and inserts are announced on a per-recipient pub/sub
// channel.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lingomesh/lingomesh/pkg/logger"
	"github.com/lingomesh/lingomesh/pkg/signal"
)

const (
	msgKeyPrefix     = "lingomesh:msg:"
	mailboxKeyPrefix = "lingomesh:mailbox:"
	channelPrefix    = "lingomesh:signal:"

	// Messages expire server-side as a safety net; a healthy recipient
	// deletes them long before this.
	messageTTL = 24 * time.Hour
)

// Store implements signal.Store on a Redis backend.
type Store struct {
	rdb *redis.Client
	log *logger.Logger
}

// New connects to Redis and verifies the link.
func New(addr, password string, db int, log *logger.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{rdb: rdb, log: log}, nil
}

// Send stores the message body, adds its ID to the recipient's mailbox and
// publishes the insert notification.
func (s *Store) Send(ctx context.Context, msg *signal.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, msgKeyPrefix+msg.ID, body, messageTTL)
	pipe.ZAdd(ctx, mailboxKeyPrefix+msg.ToUserID, redis.Z{
		Score:  float64(msg.CreatedAt.UnixNano()),
		Member: msg.ID,
	})
	pipe.Expire(ctx, mailboxKeyPrefix+msg.ToUserID, messageTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}

	if err := s.rdb.Publish(ctx, channelPrefix+msg.ToUserID, body).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// FetchPending loads the recipient's mailbox in creation-time order. IDs
// whose bodies have expired are dropped from the mailbox on the way.
func (s *Store) FetchPending(ctx context.Context, recipientID string) ([]signal.Message, error) {
	mailbox := mailboxKeyPrefix + recipientID
	ids, err := s.rdb.ZRange(ctx, mailbox, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read mailbox: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	msgs := make([]signal.Message, 0, len(ids))
	for _, id := range ids {
		body, err := s.rdb.Get(ctx, msgKeyPrefix+id).Bytes()
		if err == redis.Nil {
			s.rdb.ZRem(ctx, mailbox, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load message %s: %w", id, err)
		}

		var msg signal.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			s.log.Warn("[RedisStore] Dropping undecodable message %s: %v", id, err)
			s.rdb.ZRem(ctx, mailbox, id)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Delete removes the message body and its mailbox entry.
func (s *Store) Delete(ctx context.Context, messageID string) error {
	body, err := s.rdb.Get(ctx, msgKeyPrefix+messageID).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load message %s: %w", messageID, err)
	}

	var msg signal.Message
	if err := json.Unmarshal(body, &msg); err == nil {
		s.rdb.ZRem(ctx, mailboxKeyPrefix+msg.ToUserID, messageID)
	}
	return s.rdb.Del(ctx, msgKeyPrefix+messageID).Err()
}

// Subscribe listens on the recipient's pub/sub channel and forwards decoded
// messages to onInsert in publish order.
func (s *Store) Subscribe(ctx context.Context, recipientID string, onInsert func(signal.Message)) (func(), error) {
	pubsub := s.rdb.Subscribe(ctx, channelPrefix+recipientID)

	// Force the subscription to be established before returning so no
	// insert between Subscribe and the first read is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	go func() {
		for raw := range pubsub.Channel() {
			var msg signal.Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				s.log.Warn("[RedisStore] Undecodable notification: %v", err)
				continue
			}
			onInsert(msg)
		}
	}()

	return func() { pubsub.Close() }, nil
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}
