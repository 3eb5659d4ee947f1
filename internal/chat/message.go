// Package chat implements the message model, the store client that
// publishes and subscribes per-conversation message lists, and the
// reconciler that folds the raw delta stream into the ordered view a UI
// renders.
package chat

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Kind is the payload type of a message. Non-text kinds carry a media URL
// in Content.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// Status is the delivery state of a message. Only Status and Reactions are
// ever mutated after publish.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Message is one chat message. ID is assigned on publish and unique within
// its conversation; Timestamp is set once at creation.
type Message struct {
	ID        string            `json:"id,omitempty"`
	Sender    string            `json:"sender"`
	Content   string            `json:"content"`
	Kind      Kind              `json:"type"`
	Timestamp int64             `json:"timestamp"`
	Status    Status            `json:"status,omitempty"`
	Reactions map[string]string `json:"reactions,omitempty"`
}

// NewMessage creates a message from sender with the current wall clock.
func NewMessage(sender, content string, kind Kind) Message {
	return Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Content:   content,
		Kind:      kind,
		Timestamp: time.Now().UnixMilli(),
	}
}

// SummaryText is the inbox one-liner for a message.
func (m Message) SummaryText() string {
	if m.Kind == KindText || m.Kind == "" {
		return m.Content
	}
	return "Sent a " + string(m.Kind)
}

// ConversationID derives the shared key for two participants. Symmetric:
// ConversationID(a, b) == ConversationID(b, a).
func ConversationID(a, b string) string {
	p := []string{a, b}
	sort.Strings(p)
	return p[0] + "_" + p[1]
}

// Participants splits a conversation id back into its two participant ids.
func Participants(convID string) (string, string) {
	for i := 0; i < len(convID); i++ {
		if convID[i] == '_' {
			return convID[:i], convID[i+1:]
		}
	}
	return convID, ""
}
