package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ripplechat/ripple/internal/call"
)

func (g *Gateway) registerCall() {
	// GET /api/call/mode — safe to query whether or not calls are enabled.
	handleGet(g.mux, "/api/call/mode", func(w http.ResponseWriter, r *http.Request) {
		mode := "disabled"
		if g.opts.Calls != nil {
			mode = "native"
		}
		writeJSON(w, map[string]string{"mode": mode})
	})

	if g.opts.Calls == nil {
		return
	}

	// POST /api/call/start
	handlePost(g, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		Remote string `json:"remote"`
		Kind   string `json:"kind"`
	}) {
		if req.Remote == "" {
			http.Error(w, "missing remote", http.StatusBadRequest)
			return
		}
		sess, err := g.opts.Calls.StartCall(r.Context(), req.Remote, mediaKind(req.Kind))
		if err != nil {
			http.Error(w, fmt.Sprintf("start call failed: %v", err), http.StatusInternalServerError)
			return
		}
		go g.pumpSession(sess)
		writeJSON(w, map[string]string{"status": "started", "conversation_id": sess.ConversationID()})
	})

	// POST /api/call/accept
	handlePost(g, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		From string `json:"from"`
		Kind string `json:"kind"`
	}) {
		if req.From == "" {
			http.Error(w, "missing from", http.StatusBadRequest)
			return
		}
		sess, err := g.opts.Calls.AcceptCall(r.Context(), req.From, mediaKind(req.Kind))
		if err != nil {
			http.Error(w, fmt.Sprintf("accept call failed: %v", err), http.StatusInternalServerError)
			return
		}
		go g.pumpSession(sess)
		writeJSON(w, map[string]string{"status": "accepted", "conversation_id": sess.ConversationID()})
	})

	// POST /api/call/reject
	handlePost(g, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct {
		From string `json:"from"`
	}) {
		if req.From == "" {
			http.Error(w, "missing from", http.StatusBadRequest)
			return
		}
		if err := g.opts.Calls.RejectCall(r.Context(), req.From); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	// POST /api/call/hangup
	handlePost(g, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		if req.ConversationID == "" {
			http.Error(w, "missing conversation_id", http.StatusBadRequest)
			return
		}
		sess, ok := g.opts.Calls.GetSession(req.ConversationID)
		if !ok {
			writeJSON(w, map[string]string{"status": "not_found"})
			return
		}
		sess.Hangup()
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	// GET /api/call/sessions — current sessions, for UI recovery on reload.
	handleGet(g.mux, "/api/call/sessions", func(w http.ResponseWriter, r *http.Request) {
		sessions := g.opts.Calls.Sessions()
		out := make([]map[string]string, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, map[string]string{
				"conversation_id": s.ConversationID(),
				"remote":          s.Remote(),
				"kind":            string(s.Kind()),
				"state":           s.State().String(),
			})
		}
		writeJSON(w, map[string]any{"session_count": len(out), "sessions": out})
	})

	// GET /api/call/events — SSE of rings and state changes with replay.
	handleGet(g.mux, "/api/call/events", g.events.serveSSE)
}

// pumpSession publishes a session's state transitions onto the event stream
// until it reaches a terminal state.
func (g *Gateway) pumpSession(sess *call.Session) {
	for {
		select {
		case st, ok := <-sess.Updates():
			if !ok {
				return
			}
			g.publishState(sess, st)
			if st == call.StateEnded || st == call.StateFailed {
				return
			}
		case <-sess.Done():
			g.publishState(sess, sess.State())
			return
		}
	}
}

func (g *Gateway) publishState(sess *call.Session, st call.State) {
	g.events.publish(CallEvent{
		Type:           "state",
		ConversationID: sess.ConversationID(),
		From:           sess.Remote(),
		Kind:           string(sess.Kind()),
		State:          st.String(),
		Timestamp:      time.Now().UnixMilli(),
	})
}

func mediaKind(s string) call.MediaKind {
	if s == string(call.MediaAudio) {
		return call.MediaAudio
	}
	return call.MediaVideo
}
