package chat

import (
	"sort"
	"sync"

	"github.com/ripplechat/ripple/internal/store"
)

// Reconciler turns the unordered, possibly duplicated delta stream of one
// conversation into the canonical ordered message sequence. It owns the
// sequence exclusively; the view layer only ever reads snapshots.
//
// Ordering rules: ascending by Timestamp, ties keep insertion order. A
// Change never moves a message. Duplicate Adds and Removes for unknown ids
// are silent no-ops — a local optimistic insert and the store's echo of the
// same message both arrive here.
type Reconciler struct {
	mu     sync.Mutex
	convID string
	gen    int
	msgs   []Message
	cancel store.CancelFunc

	notify chan struct{}
}

func NewReconciler() *Reconciler {
	return &Reconciler{notify: make(chan struct{}, 1)}
}

// Bind switches the reconciler to a conversation. The previous subscription
// is cancelled and the sequence cleared before any event of the new
// subscription is applied; deltas still in flight from the old subscription
// are discarded by generation check, so cross-conversation leakage is
// impossible even when the unsubscribe races the first new delta.
func (r *Reconciler) Bind(convID string, deltas <-chan Delta, cancel store.CancelFunc) {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.cancel = cancel
	r.convID = convID
	r.gen++
	gen := r.gen
	r.msgs = nil
	r.mu.Unlock()
	r.wake()

	go func() {
		for d := range deltas {
			r.applyGen(gen, d)
		}
	}()
}

// Reset cancels the active subscription and clears the sequence.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.convID = ""
	r.gen++
	r.msgs = nil
	r.mu.Unlock()
	r.wake()
}

// Apply folds one delta into the sequence. Exposed for the optimistic
// local insert on publish; subscription deltas arrive through Bind's loop.
func (r *Reconciler) Apply(d Delta) {
	r.mu.Lock()
	r.applyLocked(d)
	r.mu.Unlock()
	r.wake()
}

func (r *Reconciler) applyGen(gen int, d Delta) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.applyLocked(d)
	r.mu.Unlock()
	r.wake()
}

func (r *Reconciler) applyLocked(d Delta) {
	switch d.Kind {
	case DeltaAdd:
		for _, m := range r.msgs {
			if m.ID == d.ID {
				return // duplicate
			}
		}
		r.msgs = append(r.msgs, d.Message)
		sort.SliceStable(r.msgs, func(i, j int) bool {
			return r.msgs[i].Timestamp < r.msgs[j].Timestamp
		})
	case DeltaChange:
		for i, m := range r.msgs {
			if m.ID == d.ID {
				r.msgs[i] = d.Message // position unchanged by design of Change
				return
			}
		}
	case DeltaRemove:
		for i, m := range r.msgs {
			if m.ID == d.ID {
				r.msgs = append(r.msgs[:i], r.msgs[i+1:]...)
				return
			}
		}
	}
}

// Messages returns a copy of the current sequence.
func (r *Reconciler) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// ConversationID returns the bound conversation, empty if unbound.
func (r *Reconciler) ConversationID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.convID
}

// Updates signals (coalesced) whenever the sequence changed.
func (r *Reconciler) Updates() <-chan struct{} {
	return r.notify
}

func (r *Reconciler) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}
