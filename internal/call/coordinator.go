package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/ripplechat/ripple/internal/chat"
	"github.com/ripplechat/ripple/internal/store"
)

// Coordinator owns the call sessions of the local user: it places and
// accepts calls, watches the user's ring record for incoming ones, and
// enforces that at most one session (and so one media capture) is active
// per conversation.
type Coordinator struct {
	st      store.Store
	selfID  string
	factory ConnectionFactory

	mu       sync.Mutex
	sessions map[string]*Session

	incomingMu sync.RWMutex
	incoming   []func(IncomingCall)
	lastRing   string

	cancelRing store.CancelFunc
	done       chan struct{}
}

// NewCoordinator creates the coordinator and starts watching for incoming
// calls immediately.
func NewCoordinator(st store.Store, selfID string, factory ConnectionFactory) *Coordinator {
	c := &Coordinator{
		st:       st,
		selfID:   selfID,
		factory:  factory,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	ch, cancel := st.SubscribeValue(ringPath(selfID))
	c.cancelRing = cancel
	go c.ringLoop(ch)
	return c
}

// OnIncoming registers a handler fired for each observed ring.
func (c *Coordinator) OnIncoming(fn func(IncomingCall)) {
	c.incomingMu.Lock()
	c.incoming = append(c.incoming, fn)
	c.incomingMu.Unlock()
}

// StartCall places an outbound call to remoteID. Any stale signaling record
// for the conversation is cleared first so a leftover terminal status from
// an earlier call cannot end this one instantly.
func (c *Coordinator) StartCall(ctx context.Context, remoteID string, kind MediaKind) (*Session, error) {
	convID := chat.ConversationID(c.selfID, remoteID)

	c.mu.Lock()
	if existing, ok := c.sessions[convID]; ok {
		st := existing.State()
		if st != StateEnded && st != StateFailed {
			c.mu.Unlock()
			return nil, fmt.Errorf("call already in progress on %s", convID)
		}
	}
	sess := newSession(c.st, convID, c.selfID, remoteID, true, kind, c.factory)
	c.sessions[convID] = sess
	c.mu.Unlock()

	if err := sess.sig.clear(ctx); err != nil {
		log.Printf("CALL [%s]: clear stale record: %v", convID, err)
	}
	if err := sess.sig.ring(ctx, remoteID, IncomingCall{
		From:      c.selfID,
		Video:     kind == MediaVideo,
		Timestamp: nowMillis(),
	}); err != nil {
		c.remove(convID)
		return nil, fmt.Errorf("ring %s: %w", remoteID, err)
	}

	if err := sess.start(ctx); err != nil {
		c.remove(convID)
		return nil, err
	}
	go c.reapOnDone(convID, sess)
	log.Printf("CALL [%s]: started → %s (%s)", convID, remoteID, kind)
	return sess, nil
}

// AcceptCall answers a ring from remoteID.
func (c *Coordinator) AcceptCall(ctx context.Context, remoteID string, kind MediaKind) (*Session, error) {
	convID := chat.ConversationID(c.selfID, remoteID)

	c.mu.Lock()
	if existing, ok := c.sessions[convID]; ok {
		st := existing.State()
		if st != StateEnded && st != StateFailed {
			c.mu.Unlock()
			return nil, fmt.Errorf("call already in progress on %s", convID)
		}
	}
	sess := newSession(c.st, convID, c.selfID, remoteID, false, kind, c.factory)
	c.sessions[convID] = sess
	c.mu.Unlock()

	sess.sig.clearRing(ctx, c.selfID)
	if err := sess.start(ctx); err != nil {
		c.remove(convID)
		return nil, err
	}
	go c.reapOnDone(convID, sess)
	log.Printf("CALL [%s]: accepted from %s (%s)", convID, remoteID, kind)
	return sess, nil
}

// RejectCall declines a ring without creating a session.
func (c *Coordinator) RejectCall(ctx context.Context, remoteID string) error {
	convID := chat.ConversationID(c.selfID, remoteID)
	sig := newSignaler(c.st, convID)
	sig.clearRing(ctx, c.selfID)
	if err := sig.writeEnded(ctx); err != nil {
		return fmt.Errorf("reject call on %s: %w", convID, err)
	}
	log.Printf("CALL [%s]: rejected", convID)
	return nil
}

// GetSession returns the session for a conversation, if any.
func (c *Coordinator) GetSession(convID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[convID]
	return s, ok
}

// Sessions returns all tracked sessions.
func (c *Coordinator) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

func (c *Coordinator) remove(convID string) {
	c.mu.Lock()
	delete(c.sessions, convID)
	c.mu.Unlock()
}

func (c *Coordinator) reapOnDone(convID string, sess *Session) {
	select {
	case <-sess.Done():
	case <-c.done:
		return
	}
	c.mu.Lock()
	if c.sessions[convID] == sess {
		delete(c.sessions, convID)
	}
	c.mu.Unlock()
}

// ringLoop surfaces rings written to the local user's record. Re-delivered
// snapshots of the same ring are suppressed.
func (c *Coordinator) ringLoop(ch <-chan json.RawMessage) {
	for {
		select {
		case <-c.done:
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			if raw == nil {
				c.incomingMu.Lock()
				c.lastRing = ""
				c.incomingMu.Unlock()
				continue
			}
			var ic IncomingCall
			if err := json.Unmarshal(raw, &ic); err != nil || ic.From == "" {
				continue
			}
			key := fmt.Sprintf("%s/%d", ic.From, ic.Timestamp)
			c.incomingMu.Lock()
			if c.lastRing == key {
				c.incomingMu.Unlock()
				continue
			}
			c.lastRing = key
			handlers := make([]func(IncomingCall), len(c.incoming))
			copy(handlers, c.incoming)
			c.incomingMu.Unlock()

			log.Printf("CALL: incoming %s call from %s", ic.MediaKind(), ic.From)
			for _, fn := range handlers {
				fn(ic)
			}
		}
	}
}

// Close hangs up every active session and stops the ring watch.
func (c *Coordinator) Close() {
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.cancelRing()

	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*Session)
	c.mu.Unlock()
	for _, s := range sessions {
		s.Hangup()
	}
}
