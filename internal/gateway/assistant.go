package gateway

import (
	"net/http"

	"github.com/ripplechat/ripple/internal/chat"
)

func (g *Gateway) registerAssistant() {
	// GET /api/assistant/mode — always registered so the UI can probe.
	handleGet(g.mux, "/api/assistant/mode", func(w http.ResponseWriter, r *http.Request) {
		mode := "disabled"
		if g.opts.Assistant != nil {
			mode = "enabled"
		}
		writeJSON(w, map[string]string{"mode": mode})
	})

	if g.opts.Assistant == nil {
		return
	}

	// POST /api/assistant/send
	handlePost(g, "/api/assistant/send", func(w http.ResponseWriter, r *http.Request, req struct {
		Content string `json:"content"`
	}) {
		if req.Content == "" {
			http.Error(w, "missing content", http.StatusBadRequest)
			return
		}
		user, reply, err := g.opts.Assistant.Send(r.Context(), g.opts.SelfID, req.Content)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]chat.Message{"user": user, "reply": reply})
	})

	// GET /api/assistant/history
	handleGet(g.mux, "/api/assistant/history", func(w http.ResponseWriter, r *http.Request) {
		hist, err := g.opts.Assistant.History()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, hist)
	})

	// POST /api/assistant/clear
	handlePost(g, "/api/assistant/clear", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := g.opts.Assistant.Clear(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "cleared"})
	})
}
