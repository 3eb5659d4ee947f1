package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/ripplechat/ripple/internal/kv"
)

// Profile is the locally stored user profile.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Bio         string `json:"bio,omitempty"`
}

func (g *Gateway) registerProfile() {
	g.mux.HandleFunc("/api/profile", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			p := Profile{UserID: g.opts.SelfID}
			if _, err := g.opts.KV.GetJSON(kv.KeyProfile, &p); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			p.UserID = g.opts.SelfID
			writeJSON(w, p)
		case http.MethodPut:
			if !g.limiter.allow(r) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			var p Profile
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&p); err != nil {
				http.Error(w, "bad request body: "+err.Error(), http.StatusBadRequest)
				return
			}
			p.UserID = g.opts.SelfID
			if err := g.opts.KV.SetJSON(kv.KeyProfile, p); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, p)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// Friends are a plain id list kept locally.
	g.mux.HandleFunc("/api/friends", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			friends := []string{}
			if _, err := g.opts.KV.GetJSON(kv.KeyFriends, &friends); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, friends)
		case http.MethodPut:
			if !g.limiter.allow(r) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			var friends []string
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&friends); err != nil {
				http.Error(w, "bad request body: "+err.Error(), http.StatusBadRequest)
				return
			}
			if err := g.opts.KV.SetJSON(kv.KeyFriends, friends); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, friends)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}
