package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func handleGet(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

// handlePost decodes a JSON body into the typed request before calling fn.
func handlePost[T any](g *Gateway, pattern string, fn func(w http.ResponseWriter, r *http.Request, req T)) {
	g.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !g.limiter.allow(r) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		var req T
		err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req)
		if err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "bad request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		fn(w, r, req)
	})
}

// ipLimiter applies a token bucket per remote address to mutating routes.
type ipLimiter struct {
	mu      sync.Mutex
	perSec  rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

func newIPLimiter(perSec float64, burst int) *ipLimiter {
	return &ipLimiter{
		perSec:  rate.Limit(perSec),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *ipLimiter) allow(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	l.mu.Lock()
	lim, ok := l.buckets[host]
	if !ok {
		lim = rate.NewLimiter(l.perSec, l.burst)
		l.buckets[host] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *ipLimiter) setLimits(perSec float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perSec = rate.Limit(perSec)
	l.burst = burst
	for _, lim := range l.buckets {
		lim.SetLimit(l.perSec)
		lim.SetBurst(burst)
	}
}
