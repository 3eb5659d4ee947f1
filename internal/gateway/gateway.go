// Package gateway is the local HTTP surface the UI shell talks to: chat
// operations and delta streams, call control and events, media upload and
// download, profile storage.
package gateway

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/ripplechat/ripple/internal/assistant"
	"github.com/ripplechat/ripple/internal/blob"
	"github.com/ripplechat/ripple/internal/call"
	"github.com/ripplechat/ripple/internal/chat"
	"github.com/ripplechat/ripple/internal/kv"
)

// Options carries the wired components and tunables for the gateway.
type Options struct {
	SelfID    string
	Chat      *chat.Client
	Calls     *call.Coordinator // nil disables call routes
	Blobs     *blob.Store
	KV        *kv.DB
	Assistant *assistant.Manager // nil disables assistant routes

	RatePerSec  float64
	RateBurst   int
	JournalSize int
}

// Gateway owns the mux, the HTTP server and the call event journal.
type Gateway struct {
	opts    Options
	mux     *http.ServeMux
	limiter *ipLimiter
	events  *eventHub
	srv     *http.Server
}

func New(opts Options) *Gateway {
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 50
	}
	if opts.RateBurst < 1 {
		opts.RateBurst = 100
	}
	if opts.JournalSize < 1 {
		opts.JournalSize = 256
	}

	g := &Gateway{
		opts:    opts,
		mux:     http.NewServeMux(),
		limiter: newIPLimiter(opts.RatePerSec, opts.RateBurst),
		events:  newEventHub(opts.JournalSize),
	}

	g.registerChat()
	g.registerCall()
	g.registerMedia()
	g.registerProfile()
	g.registerAssistant()

	if opts.Calls != nil {
		opts.Calls.OnIncoming(func(ic call.IncomingCall) {
			g.events.publish(CallEvent{
				Type:      "incoming",
				From:      ic.From,
				Kind:      string(ic.MediaKind()),
				Timestamp: ic.Timestamp,
			})
		})
	}
	return g
}

// Handler returns the gateway's routes, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.mux
}

// SetRateLimit applies new limits to future requests (config live reload).
func (g *Gateway) SetRateLimit(perSec float64, burst int) {
	g.limiter.setLimits(perSec, burst)
}

// Serve blocks running the HTTP server on addr.
func (g *Gateway) Serve(addr string) error {
	g.srv = &http.Server{
		Addr:              addr,
		Handler:           g.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("GATEWAY: listening on http://%s", addr)
	err := g.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.srv == nil {
		return nil
	}
	return g.srv.Shutdown(ctx)
}
