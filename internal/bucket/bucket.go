// Package bucket keeps the per-session ordered message log with bounded
// durable persistence. A bucket reference is stable for the lifetime of its
// session: switching the visible session in the UI must never truncate or
// detach another session's in-flight bucket.
package bucket

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
)

// Kind is the closed set of message kinds. Unknown values are a parse
// error, never a silently ignored branch.
type Kind string

const (
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindThinking  Kind = "thinking"
	KindSystem    Kind = "system"
)

func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.TrimSpace(raw)) {
	case KindUser:
		return KindUser, nil
	case KindAssistant:
		return KindAssistant, nil
	case KindThinking:
		return KindThinking, nil
	case KindSystem:
		return KindSystem, nil
	default:
		return "", fmt.Errorf("unknown message kind: %q", raw)
	}
}

// Message is one entry in a session's ordered log.
type Message struct {
	ID              string         `json:"id"`
	Kind            Kind           `json:"kind"`
	Content         string         `json:"content"`
	TimestampUnixMs int64          `json:"timestamp_unix_ms"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// NewMessageID generates a cryptographically random message id.
func NewMessageID() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "m_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// Bucket is one session's message log. The pointer stays valid for the
// session's lifetime; contents are append-only during a turn and trimmed
// only by the persistence policy.
type Bucket struct {
	sessionID string

	mu   sync.Mutex
	msgs []Message
}

func (b *Bucket) SessionID() string {
	if b == nil {
		return ""
	}
	return b.sessionID
}

// Messages returns a copy of the log in order.
func (b *Bucket) Messages() []Message {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.msgs))
	copy(out, b.msgs)
	return out
}

// Find returns the message with the given id, or nil.
func (b *Bucket) Find(messageID string) *Message {
	if b == nil {
		return nil
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.msgs {
		if b.msgs[i].ID == messageID {
			m := b.msgs[i]
			return &m
		}
	}
	return nil
}

func (b *Bucket) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

func (b *Bucket) append(m Message) {
	b.mu.Lock()
	b.msgs = append(b.msgs, m)
	b.mu.Unlock()
}

func (b *Bucket) replaceAll(msgs []Message) {
	b.mu.Lock()
	b.msgs = msgs
	b.mu.Unlock()
}

// trim drops oldest messages until both the count and total character
// budgets hold. Returns the trimmed copy that should be persisted.
func (b *Bucket) trim(maxMessages int, maxChars int) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	msgs := b.msgs
	if maxMessages > 0 && len(msgs) > maxMessages {
		msgs = msgs[len(msgs)-maxMessages:]
	}
	if maxChars > 0 {
		total := 0
		for _, m := range msgs {
			total += len(m.Content)
		}
		for len(msgs) > 1 && total > maxChars {
			total -= len(msgs[0].Content)
			msgs = msgs[1:]
		}
	}
	if len(msgs) != len(b.msgs) {
		trimmed := make([]Message, len(msgs))
		copy(trimmed, msgs)
		b.msgs = trimmed
	}
	out := make([]Message, len(b.msgs))
	copy(out, b.msgs)
	return out
}
