package app

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/ripplechat/ripple/internal/assistant"
	"github.com/ripplechat/ripple/internal/config"
)

func TestStunProviderFollowsReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ripple.json")
	cfg := config.Default()
	cfg.Identity.UserID = "alice"
	if err := config.Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	w, err := config.Watch(path, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	stun := stunProvider(w, cfg)
	if !reflect.DeepEqual(stun(), cfg.Call.StunServers) {
		t.Fatalf("initial servers: %v", stun())
	}

	next := cfg
	next.Call.StunServers = []string{"stun:stun.example.org:3478"}
	if err := config.Save(path, next); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if reflect.DeepEqual(stun(), next.Call.StunServers) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("provider never picked up the new servers, have %v", stun())
}

func TestStunProviderWithoutWatcher(t *testing.T) {
	cfg := config.Default()
	cfg.Call.StunServers = []string{"stun:fallback.example.org:3478"}

	stun := stunProvider(nil, cfg)
	if !reflect.DeepEqual(stun(), cfg.Call.StunServers) {
		t.Fatalf("fallback servers: %v", stun())
	}
}

func TestReplierForSettings(t *testing.T) {
	if _, ok := replierFor(config.Assistant{}).(assistant.Canned); !ok {
		t.Fatal("disabled settings must yield canned replies")
	}

	r := replierFor(config.Assistant{
		Enabled:  true,
		Endpoint: "http://127.0.0.1:9/v1/generate",
		Model:    "gemini-1.5-flash",
		APIKey:   "k",
	})
	h, ok := r.(*assistant.HTTPReplier)
	if !ok {
		t.Fatalf("replier type %T", r)
	}
	if h.Endpoint != "http://127.0.0.1:9/v1/generate" || h.Model != "gemini-1.5-flash" {
		t.Fatalf("replier %+v", h)
	}
}
