// Package bus is the gateway's interface to the external publish/subscribe
// system. Topics are dot-separated strings; subscriptions may use Redis-style
// glob patterns. Request/reply is layered on top of plain publish via a
// per-request reply topic carried in the message envelope.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Message is one inbound bus delivery.
type Message struct {
	Topic   string
	ReplyTo string
	Data    json.RawMessage
}

// Bus publishes and subscribes by topic string.
type Bus interface {
	// Publish sends data on a topic (fire-and-forget).
	Publish(ctx context.Context, topic string, data any) error

	// Request publishes data and waits for a single reply, bounded by timeout.
	Request(ctx context.Context, topic string, data any, timeout time.Duration) (json.RawMessage, error)

	// Reply answers a request message on its reply topic. Replying to a
	// message without a reply topic is a no-op.
	Reply(ctx context.Context, msg Message, data any) error

	// Subscribe delivers matching messages on the returned channel until ctx
	// is done, at which point the channel is closed.
	Subscribe(ctx context.Context, pattern string) (<-chan Message, error)

	Close() error
}

// envelope is the wire format carried in every bus payload.
type envelope struct {
	ReplyTo string          `json:"reply_to,omitempty"`
	Data    json.RawMessage `json:"data"`
}

func encodeEnvelope(replyTo string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{ReplyTo: replyTo, Data: raw})
}

func decodeEnvelope(payload []byte) (replyTo string, data json.RawMessage) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil || len(env.Data) == 0 {
		// Foreign publishers may put bare JSON on the wire; pass it through.
		return "", json.RawMessage(payload)
	}
	return env.ReplyTo, env.Data
}

// MatchTopic reports whether a topic matches a Redis-style glob pattern.
// Only '*' is supported; it matches any run of characters, dots included.
func MatchTopic(pattern, topic string) bool {
	return matchGlob(pattern, topic)
}

func matchGlob(pattern, s string) bool {
	for len(pattern) > 0 {
		if pattern[0] == '*' {
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if pattern == "" {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if matchGlob(pattern, s[i:]) {
					return true
				}
			}
			return false
		}
		if len(s) == 0 || s[0] != pattern[0] {
			return false
		}
		pattern = pattern[1:]
		s = s[1:]
	}
	return len(s) == 0
}
