package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/ripplechat/ripple/internal/util"
)

// CallEvent is one entry on the call event stream: an incoming ring or a
// session state transition.
type CallEvent struct {
	Type           string `json:"type"` // "incoming" or "state"
	ConversationID string `json:"conversation_id,omitempty"`
	From           string `json:"from,omitempty"`
	Kind           string `json:"kind,omitempty"`
	State          string `json:"state,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// eventHub journals call events for SSE replay and fans them out to live
// subscribers. Slow subscribers drop events; the journal lets them catch up
// on reconnect via Last-Event-ID.
type eventHub struct {
	journal *util.Journal[CallEvent]

	mu   sync.Mutex
	subs map[int]chan util.Entry[CallEvent]
	next int
}

func newEventHub(capacity int) *eventHub {
	return &eventHub{
		journal: util.NewJournal[CallEvent](capacity),
		subs:    make(map[int]chan util.Entry[CallEvent]),
	}
}

func (h *eventHub) publish(ev CallEvent) {
	seq := h.journal.Append(ev)
	entry := util.Entry[CallEvent]{Seq: seq, Item: ev}
	h.mu.Lock()
	for _, ch := range h.subs {
		select {
		case ch <- entry:
		default:
			// Dropped; the subscriber replays from the journal on reconnect.
		}
	}
	h.mu.Unlock()
}

func (h *eventHub) subscribe() (<-chan util.Entry[CallEvent], func()) {
	ch := make(chan util.Entry[CallEvent], 32)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// serveSSE streams journaled and live entries. The client's Last-Event-ID
// header (or ?since=) selects the replay cursor.
func (h *eventHub) serveSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var since uint64
	if s := r.Header.Get("Last-Event-ID"); s != "" {
		since, _ = strconv.ParseUint(s, 10, 64)
	} else if s := r.URL.Query().Get("since"); s != "" {
		since, _ = strconv.ParseUint(s, 10, 64)
	}

	live, cancel := h.subscribe()
	defer cancel()

	var last uint64
	for _, e := range h.journal.Since(since) {
		writeSSE(w, e.Seq, e.Item)
		last = e.Seq
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-live:
			if !ok {
				return
			}
			if e.Seq <= last {
				continue // already replayed from the journal
			}
			writeSSE(w, e.Seq, e.Item)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, seq uint64, v any) {
	b, _ := json.Marshal(v)
	fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", seq, b)
}
