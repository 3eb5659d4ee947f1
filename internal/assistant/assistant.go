// Package assistant implements the synthetic assistant peer. Its
// conversation never touches the realtime store: history lives in local
// storage, appended synchronously on send and on each generated reply.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/ripplechat/ripple/internal/chat"
	"github.com/ripplechat/ripple/internal/kv"
)

// PeerID is the designated participant id of the assistant. A conversation
// with this peer bypasses the store client entirely.
const PeerID = "assistant"

// Replier generates the assistant's answer to one user message.
type Replier interface {
	Reply(ctx context.Context, prompt string) (string, error)
}

// Manager owns the assistant conversation history.
type Manager struct {
	mu      sync.Mutex
	db      *kv.DB
	replier Replier
}

func New(db *kv.DB, replier Replier) *Manager {
	if replier == nil {
		replier = Canned{}
	}
	return &Manager{db: db, replier: replier}
}

// SetReplier swaps the reply backend; nil falls back to canned replies.
// Config reloads call this while sends may be in flight.
func (m *Manager) SetReplier(r Replier) {
	if r == nil {
		r = Canned{}
	}
	m.mu.Lock()
	m.replier = r
	m.mu.Unlock()
}

// History loads the full stored sequence.
func (m *Manager) History() ([]chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Manager) loadLocked() ([]chat.Message, error) {
	var msgs []chat.Message
	if _, err := m.db.GetJSON(kv.KeyAssistantChat, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Send appends the user's message, generates a reply, appends that too, and
// returns both. Everything is synchronous — no deltas, no reconciliation.
func (m *Manager) Send(ctx context.Context, userID, content string) (user, reply chat.Message, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs, err := m.loadLocked()
	if err != nil {
		return chat.Message{}, chat.Message{}, err
	}

	user = chat.NewMessage(userID, content, chat.KindText)
	msgs = append(msgs, user)
	if err := m.db.SetJSON(kv.KeyAssistantChat, msgs); err != nil {
		return chat.Message{}, chat.Message{}, err
	}

	text, rerr := m.replier.Reply(ctx, content)
	if rerr != nil {
		log.Printf("ASSISTANT: reply generation failed: %v", rerr)
		text = "Sorry, I can't answer right now."
	}
	reply = chat.NewMessage(PeerID, text, chat.KindText)
	if reply.Timestamp <= user.Timestamp {
		reply.Timestamp = user.Timestamp + 1
	}
	msgs = append(msgs, reply)
	if err := m.db.SetJSON(kv.KeyAssistantChat, msgs); err != nil {
		return user, reply, err
	}
	return user, reply, nil
}

// Clear wipes the stored history.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Delete(kv.KeyAssistantChat)
}

// Canned is the offline fallback replier.
type Canned struct{}

var cannedReplies = []string{
	"Interesting — tell me more.",
	"I'm not sure about that one.",
	"Got it. Anything else on your mind?",
}

func (Canned) Reply(_ context.Context, prompt string) (string, error) {
	return cannedReplies[len(prompt)%len(cannedReplies)], nil
}

// HTTPReplier calls a generative text endpoint that takes {model, prompt}
// and answers {text}.
type HTTPReplier struct {
	Endpoint string
	Model    string
	APIKey   string
	Client   *http.Client
}

func (h *HTTPReplier) Reply(ctx context.Context, prompt string) (string, error) {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	body, err := json.Marshal(map[string]string{"model": h.Model, "prompt": prompt})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("assistant endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("assistant endpoint: status %d: %s", resp.StatusCode, b)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("assistant endpoint: decode: %w", err)
	}
	return out.Text, nil
}
