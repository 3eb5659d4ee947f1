package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ripplechat/ripple/internal/store"
)

const (
	// publishAttempts bounds the retry loop on Publish; the store client is
	// the retry boundary for message writes.
	publishAttempts = 3
	publishBackoff  = 250 * time.Millisecond
)

// DeltaKind mirrors the store's child event kinds for the typed message
// stream.
type DeltaKind = store.EventKind

const (
	DeltaAdd    = store.Added
	DeltaChange = store.Changed
	DeltaRemove = store.Removed
)

// Delta is one incremental change to a conversation's message list. For
// Remove only ID is set.
type Delta struct {
	Kind    DeltaKind
	ID      string
	Message Message
}

// Client talks to the realtime store on behalf of one conversation view.
// It performs no caching — ordering and dedupe live in the Reconciler.
type Client struct {
	st store.Store
}

func NewClient(st store.Store) *Client {
	return &Client{st: st}
}

func messagesPath(convID string) string {
	return "chats/" + convID + "/messages"
}

func typingPath(convID, userID string) string {
	return "chats/" + convID + "/typing/" + userID
}

func summaryPath(userID, otherID string) string {
	return "users/" + userID + "/chats/" + otherID
}

// Publish writes msg under the conversation's message list and refreshes
// both participants' inbox summaries. The message write is retried with
// backoff; a summary failure after a durable message write is logged, not
// rolled back — delivery has already succeeded at that point.
func (c *Client) Publish(ctx context.Context, convID string, msg *Message) error {
	if msg.ID == "" {
		id, err := c.pushWithRetry(ctx, messagesPath(convID), msg)
		if err != nil {
			return fmt.Errorf("publish message: %w", err)
		}
		msg.ID = id
		// The pushed record lacks its own id; patch it in so every replica
		// sees the same Message.
		if err := c.st.Update(ctx, messagesPath(convID)+"/"+id, map[string]any{"id": id}); err != nil {
			log.Printf("CHAT: id backfill for %s failed: %v", id, err)
		}
	} else {
		err := c.withRetry(ctx, func() error {
			return c.st.Set(ctx, messagesPath(convID)+"/"+msg.ID, msg)
		})
		if err != nil {
			return fmt.Errorf("publish message: %w", err)
		}
	}

	a, b := Participants(convID)
	summary := map[string]any{
		"lastMessage": msg.SummaryText(),
		"timestamp":   msg.Timestamp,
	}
	if err := c.st.Update(ctx, summaryPath(a, b), summary); err != nil {
		log.Printf("CHAT: summary update for %s failed: %v", a, err)
	}
	if err := c.st.Update(ctx, summaryPath(b, a), summary); err != nil {
		log.Printf("CHAT: summary update for %s failed: %v", b, err)
	}
	return nil
}

func (c *Client) pushWithRetry(ctx context.Context, path string, v any) (string, error) {
	var id string
	err := c.withRetry(ctx, func() error {
		var e error
		id, e = c.st.Push(ctx, path, v)
		return e
	})
	return id, err
}

func (c *Client) withRetry(ctx context.Context, op func() error) error {
	delay := publishBackoff
	var err error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt == publishAttempts {
			break
		}
		log.Printf("CHAT: store write failed (attempt %d/%d): %v", attempt, publishAttempts, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// SubscribeDeltas opens the typed delta stream for a conversation. The
// returned cancel stops the stream synchronously; the channel is closed
// after the last delivered delta.
func (c *Client) SubscribeDeltas(convID string) (<-chan Delta, store.CancelFunc) {
	events, cancel := c.st.SubscribeChildren(messagesPath(convID))
	out := make(chan Delta, 64)
	go func() {
		defer close(out)
		for ev := range events {
			d := Delta{Kind: ev.Kind, ID: ev.Key}
			if ev.Kind != DeltaRemove {
				if err := json.Unmarshal(ev.Value, &d.Message); err != nil {
					log.Printf("CHAT: bad message record %s: %v", ev.Key, err)
					continue
				}
				d.Message.ID = ev.Key
			}
			out <- d
		}
	}()
	return out, cancel
}

// SubscribeSummary streams inbox summary snapshots for a user. Pass-through
// for the inbox list; no reconciliation applies.
func (c *Client) SubscribeSummary(userID string) (<-chan json.RawMessage, store.CancelFunc) {
	return c.st.SubscribeValue("users/" + userID + "/chats")
}

// React sets (or replaces) userID's reaction on a message.
func (c *Client) React(ctx context.Context, convID, msgID, userID, emoji string) error {
	return c.st.Set(ctx, messagesPath(convID)+"/"+msgID+"/reactions/"+userID, emoji)
}

// MarkRead flips a message's delivery status to read.
func (c *Client) MarkRead(ctx context.Context, convID, msgID string) error {
	return c.st.Update(ctx, messagesPath(convID)+"/"+msgID, map[string]any{"status": string(StatusRead)})
}

// DeleteMessage removes a message permanently.
func (c *Client) DeleteMessage(ctx context.Context, convID, msgID string) error {
	return c.st.Delete(ctx, messagesPath(convID)+"/"+msgID)
}

// SetTyping publishes userID's typing state in the conversation.
func (c *Client) SetTyping(ctx context.Context, convID, userID string, typing bool) error {
	if !typing {
		return c.st.Delete(ctx, typingPath(convID, userID))
	}
	return c.st.Set(ctx, typingPath(convID, userID), true)
}

// SubscribeTyping streams the other participant's typing state.
func (c *Client) SubscribeTyping(convID, otherID string) (<-chan bool, store.CancelFunc) {
	values, cancel := c.st.SubscribeValue(typingPath(convID, otherID))
	out := make(chan bool, 8)
	go func() {
		defer close(out)
		for v := range values {
			var typing bool
			if v != nil {
				_ = json.Unmarshal(v, &typing)
			}
			out <- typing
		}
	}()
	return out, cancel
}

// ClearHistory deletes the whole message list of a conversation.
func (c *Client) ClearHistory(ctx context.Context, convID string) error {
	return c.st.Delete(ctx, messagesPath(convID))
}
