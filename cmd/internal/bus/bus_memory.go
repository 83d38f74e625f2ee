package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const memSubBuffer = 64

// InMemoryBus is an in-process Bus used when no broker is configured and as
// the injectable fake in tests. Delivery is asynchronous like the real bus.
type InMemoryBus struct {
	mu     sync.Mutex
	subs   []*memSub
	closed bool
}

type memSub struct {
	pattern string
	ch      chan Message
	done    <-chan struct{}
}

// NewInMemoryBus constructs an empty in-memory Bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{}
}

// Close tears down the bus; subscriber channels stay open until their
// contexts end, matching the Redis implementation.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Publish delivers data to every subscription whose pattern matches topic.
func (b *InMemoryBus) Publish(ctx context.Context, topic string, data any) error {
	return b.publish(ctx, topic, "", data)
}

func (b *InMemoryBus) publish(ctx context.Context, topic, replyTo string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New("bus: closed")
	}

	for _, sub := range b.subs {
		if !MatchTopic(sub.pattern, topic) {
			continue
		}
		select {
		case <-sub.done:
		case sub.ch <- Message{Topic: topic, ReplyTo: replyTo, Data: raw}:
		default:
			// Drop on backpressure, like the broker would.
		}
	}
	return nil
}

// Request publishes data and waits for one reply, bounded by timeout.
func (b *InMemoryBus) Request(ctx context.Context, topic string, data any, timeout time.Duration) (json.RawMessage, error) {
	replyTopic := "reply." + uuid.NewString()

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	replies, err := b.Subscribe(subCtx, replyTopic)
	if err != nil {
		return nil, err
	}

	if err := b.publish(ctx, topic, replyTopic, data); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("bus: request timeout on %s", topic)
	case msg, ok := <-replies:
		if !ok {
			return nil, errors.New("bus: reply subscription closed")
		}
		return msg.Data, nil
	}
}

// Reply answers msg on its reply topic; no-op when the message expects none.
func (b *InMemoryBus) Reply(ctx context.Context, msg Message, data any) error {
	if msg.ReplyTo == "" {
		return nil
	}
	return b.Publish(ctx, msg.ReplyTo, data)
}

// Subscribe delivers messages matching pattern until ctx is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, pattern string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.New("bus: closed")
	}

	sub := &memSub{pattern: pattern, ch: make(chan Message, memSubBuffer), done: ctx.Done()}
	b.subs = append(b.subs, sub)

	go func() {
		<-ctx.Done()

		b.mu.Lock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()

		close(sub.ch)
	}()

	return sub.ch, nil
}
