package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisSubBuffer = 256

// RedisBus is a Bus backed by Redis pub/sub.
//
// Pattern subscriptions use PSUBSCRIBE; request/reply uses an ephemeral
// per-request reply channel named reply.{uuid}.
type RedisBus struct {
	log    *slog.Logger
	client *redis.Client
}

// RedisConfig holds the Redis bus connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisBus connects to Redis and validates the connection.
func NewRedisBus(log *slog.Logger, cfg RedisConfig) (*RedisBus, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("bus: empty redis addr")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("bus: redis ping: %w", err)
	}

	return &RedisBus{log: log, client: client}, nil
}

// Close closes the underlying Redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

// Publish sends data on a topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, data any) error {
	payload, err := encodeEnvelope("", data)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, topic, payload).Err()
}

// Request publishes data and waits for one reply, bounded by timeout.
func (b *RedisBus) Request(ctx context.Context, topic string, data any, timeout time.Duration) (json.RawMessage, error) {
	replyTopic := "reply." + uuid.NewString()

	sub := b.client.Subscribe(ctx, replyTopic)
	defer func() { _ = sub.Close() }()

	// Force the subscription to be established before publishing, or the
	// reply could be lost.
	if _, err := sub.Receive(ctx); err != nil {
		return nil, err
	}

	payload, err := encodeEnvelope(replyTopic, data)
	if err != nil {
		return nil, err
	}
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("bus: request timeout on %s", topic)
	case msg, ok := <-sub.Channel():
		if !ok {
			return nil, errors.New("bus: reply subscription closed")
		}
		_, reply := decodeEnvelope([]byte(msg.Payload))
		return reply, nil
	}
}

// Reply answers msg on its reply topic; no-op when the message expects none.
func (b *RedisBus) Reply(ctx context.Context, msg Message, data any) error {
	if msg.ReplyTo == "" {
		return nil
	}
	return b.Publish(ctx, msg.ReplyTo, data)
}

// Subscribe delivers messages matching pattern until ctx is done.
func (b *RedisBus) Subscribe(ctx context.Context, pattern string) (<-chan Message, error) {
	var sub *redis.PubSub
	if strings.ContainsAny(pattern, "*?[") {
		sub = b.client.PSubscribe(ctx, pattern)
	} else {
		sub = b.client.Subscribe(ctx, pattern)
	}

	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan Message, redisSubBuffer)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				replyTo, data := decodeEnvelope([]byte(msg.Payload))
				select {
				case out <- Message{Topic: msg.Channel, ReplyTo: replyTo, Data: data}:
				default:
					b.log.Warn("bus.subscribe.drop", "topic", msg.Channel)
				}
			}
		}
	}()

	return out, nil
}
