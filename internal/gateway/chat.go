package gateway

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/ripplechat/ripple/internal/chat"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// The UI shell connects from localhost and file:// origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsDelta is the wire shape of one conversation change on the websocket.
type wsDelta struct {
	Type    string        `json:"type"` // added, changed, removed
	ID      string        `json:"id"`
	Message *chat.Message `json:"message,omitempty"`
}

func (g *Gateway) registerChat() {
	// POST /api/chat/send — publish a message to a peer. The conversation id
	// derives from the two participants; it is never client-supplied.
	handlePost(g, "/api/chat/send", func(w http.ResponseWriter, r *http.Request, req struct {
		To      string `json:"to"`
		Content string `json:"content"`
		Kind    string `json:"kind"`
	}) {
		if req.To == "" || req.Content == "" {
			http.Error(w, "missing to or content", http.StatusBadRequest)
			return
		}
		kind := chat.Kind(req.Kind)
		switch kind {
		case "":
			kind = chat.KindText
		case chat.KindText, chat.KindImage, chat.KindVideo, chat.KindAudio:
		default:
			http.Error(w, "unknown kind "+req.Kind, http.StatusBadRequest)
			return
		}
		convID := chat.ConversationID(g.opts.SelfID, req.To)
		msg := chat.NewMessage(g.opts.SelfID, req.Content, kind)
		if err := g.opts.Chat.Publish(r.Context(), convID, &msg); err != nil {
			http.Error(w, fmt.Sprintf("send failed: %v", err), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]string{"status": "sent", "id": msg.ID, "conversation_id": convID})
	})

	// POST /api/chat/react
	handlePost(g, "/api/chat/react", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
		MessageID      string `json:"message_id"`
		Emoji          string `json:"emoji"`
	}) {
		if req.ConversationID == "" || req.MessageID == "" || req.Emoji == "" {
			http.Error(w, "missing conversation_id, message_id or emoji", http.StatusBadRequest)
			return
		}
		if err := g.opts.Chat.React(r.Context(), req.ConversationID, req.MessageID, g.opts.SelfID, req.Emoji); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// POST /api/chat/read
	handlePost(g, "/api/chat/read", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
		MessageID      string `json:"message_id"`
	}) {
		if req.ConversationID == "" || req.MessageID == "" {
			http.Error(w, "missing conversation_id or message_id", http.StatusBadRequest)
			return
		}
		if err := g.opts.Chat.MarkRead(r.Context(), req.ConversationID, req.MessageID); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// POST /api/chat/typing
	handlePost(g, "/api/chat/typing", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
		Typing         bool   `json:"typing"`
	}) {
		if req.ConversationID == "" {
			http.Error(w, "missing conversation_id", http.StatusBadRequest)
			return
		}
		if err := g.opts.Chat.SetTyping(r.Context(), req.ConversationID, g.opts.SelfID, req.Typing); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// POST /api/chat/delete
	handlePost(g, "/api/chat/delete", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
		MessageID      string `json:"message_id"`
	}) {
		if req.ConversationID == "" || req.MessageID == "" {
			http.Error(w, "missing conversation_id or message_id", http.StatusBadRequest)
			return
		}
		if err := g.opts.Chat.DeleteMessage(r.Context(), req.ConversationID, req.MessageID); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// POST /api/chat/clear
	handlePost(g, "/api/chat/clear", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		if req.ConversationID == "" {
			http.Error(w, "missing conversation_id", http.StatusBadRequest)
			return
		}
		if err := g.opts.Chat.ClearHistory(r.Context(), req.ConversationID); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// GET /api/chat/stream?conv=X — websocket of conversation deltas. The
	// existing history replays as added deltas before live changes.
	handleGet(g.mux, "/api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		convID := r.URL.Query().Get("conv")
		if convID == "" {
			http.Error(w, "missing conv", http.StatusBadRequest)
			return
		}
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.streamDeltas(conn, convID)
	})

	// GET /api/inbox/events — SSE of inbox summary snapshots.
	handleGet(g.mux, "/api/inbox/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		summaries, cancel := g.opts.Chat.SubscribeSummary(g.opts.SelfID)
		defer cancel()
		for {
			select {
			case <-r.Context().Done():
				return
			case raw, ok := <-summaries:
				if !ok {
					return
				}
				if raw == nil {
					raw = json.RawMessage("{}")
				}
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", raw)
				flusher.Flush()
			}
		}
	})
}

func (g *Gateway) streamDeltas(conn *websocket.Conn, convID string) {
	deltas, cancel := g.opts.Chat.SubscribeDeltas(convID)
	defer cancel()
	defer conn.Close()

	// Drain client frames so pings are answered and a closed socket is
	// noticed even though we never expect payloads.
	readerGone := make(chan struct{})
	go func() {
		defer close(readerGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-readerGone:
			return
		case d, ok := <-deltas:
			if !ok {
				return
			}
			out := wsDelta{Type: d.Kind.String(), ID: d.ID}
			if d.Kind != chat.DeltaRemove {
				msg := d.Message
				out.Message = &msg
			}
			if err := conn.WriteJSON(out); err != nil {
				log.Printf("GATEWAY: chat stream write (%s): %v", convID, err)
				return
			}
		}
	}
}
