package gateway

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/ripplechat/ripple/internal/blob"
)

// maxUploadBytes caps a single media upload (32 MiB).
const maxUploadBytes = 32 << 20

func (g *Gateway) registerMedia() {
	// POST /api/media/upload — multipart form: conversation_id, kind
	// ("media" or "voice"), file.
	g.mux.HandleFunc("/api/media/upload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !g.limiter.allow(r) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			http.Error(w, "bad multipart form: "+err.Error(), http.StatusBadRequest)
			return
		}
		convID := r.FormValue("conversation_id")
		if convID == "" {
			http.Error(w, "missing conversation_id", http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var url string
		if r.FormValue("kind") == "voice" {
			url, err = g.opts.Blobs.UploadVoiceNote(convID, data)
		} else {
			url, err = g.opts.Blobs.UploadChatMedia(convID, header.Filename, data)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"url": url})
	})

	// GET /media/{path}
	handleGet(g.mux, blob.URLPrefix, func(w http.ResponseWriter, r *http.Request) {
		rel := strings.TrimPrefix(r.URL.Path, blob.URLPrefix)
		data, err := g.opts.Blobs.Get(rel)
		if errors.Is(err, blob.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if ct := mime.TypeByExtension(path.Ext(rel)); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		_, _ = w.Write(data)
	})
}
