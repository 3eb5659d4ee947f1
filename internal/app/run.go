// Package app wires the components together and runs them until the context
// is cancelled.
package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ripplechat/ripple/internal/assistant"
	"github.com/ripplechat/ripple/internal/blob"
	"github.com/ripplechat/ripple/internal/call"
	"github.com/ripplechat/ripple/internal/chat"
	"github.com/ripplechat/ripple/internal/config"
	"github.com/ripplechat/ripple/internal/gateway"
	"github.com/ripplechat/ripple/internal/kv"
	"github.com/ripplechat/ripple/internal/store"
	"github.com/ripplechat/ripple/internal/util"
)

type Options struct {
	Dir     string // instance directory, the process boundary
	CfgPath string
	Cfg     config.Config
}

// Run starts every component in dependency order and blocks until ctx is
// cancelled, then shuts them down in reverse.
func Run(ctx context.Context, opt Options) error {
	logBanner(opt.Dir, opt.CfgPath, opt.Cfg.Identity.UserID)

	dataDir := opt.Cfg.ResolveDataDir(opt.CfgPath)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := kv.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	defer db.Close()

	st, err := openStore(opt)
	if err != nil {
		return err
	}
	defer st.Close()

	blobs, err := blob.NewStore(dataDir)
	if err != nil {
		return err
	}

	selfID := opt.Cfg.Identity.UserID
	chatClient := chat.NewClient(st)

	watcher, err := config.Watch(opt.CfgPath, opt.Cfg)
	if err != nil {
		log.Printf("APP: config watch unavailable: %v", err)
		watcher = nil
	} else {
		defer watcher.Close()
	}

	var asst *assistant.Manager
	if opt.Cfg.Assistant.Enabled {
		asst = assistant.New(db, replierFor(opt.Cfg.Assistant))
	}

	var calls *call.Coordinator
	if !opt.Cfg.Call.Disabled {
		factory := call.NewPionFactory(stunProvider(watcher, opt.Cfg))
		calls = call.NewCoordinator(st, selfID, factory)
		defer calls.Close()
	}

	gw := gateway.New(gateway.Options{
		SelfID:      selfID,
		Chat:        chatClient,
		Calls:       calls,
		Blobs:       blobs,
		KV:          db,
		Assistant:   asst,
		RatePerSec:  opt.Cfg.Gateway.RateLimitPerSec,
		RateBurst:   opt.Cfg.Gateway.RateLimitBurst,
		JournalSize: opt.Cfg.Gateway.EventJournal,
	})

	if watcher != nil {
		watcher.OnChange(func(cfg config.Config) {
			gw.SetRateLimit(cfg.Gateway.RateLimitPerSec, cfg.Gateway.RateLimitBurst)
			if asst != nil {
				asst.SetReplier(replierFor(cfg.Assistant))
			} else if cfg.Assistant.Enabled {
				log.Print("APP: assistant enabled on disk, restart required to apply")
			}
		})
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Serve(opt.Cfg.Gateway.HTTPAddr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Print("APP: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Printf("APP: gateway shutdown: %v", err)
	}
	return nil
}

// stunProvider reads the STUN list from the live config so a reload changes
// the servers used for the next call attempt.
func stunProvider(w *config.Watcher, fallback config.Config) func() []string {
	return func() []string {
		if w != nil {
			return w.Current().Call.StunServers
		}
		return fallback.Call.StunServers
	}
}

// replierFor builds the assistant backend for the given settings; disabled
// settings mean canned replies.
func replierFor(a config.Assistant) assistant.Replier {
	if !a.Enabled {
		return assistant.Canned{}
	}
	return &assistant.HTTPReplier{
		Endpoint: a.Endpoint,
		Model:    a.Model,
		APIKey:   a.APIKey,
	}
}

func openStore(opt Options) (store.Store, error) {
	switch opt.Cfg.Store.Backend {
	case "memory":
		log.Print("APP: realtime store backend: memory (volatile)")
		return store.NewMemory(), nil
	default:
		dir := util.ResolvePath(filepath.Dir(opt.CfgPath), opt.Cfg.Store.Path)
		log.Printf("APP: realtime store backend: pebble at %s", dir)
		return store.OpenPebble(dir)
	}
}

func logBanner(dir, cfgPath, userID string) {
	log.Println("────────────────────────────────────────")
	log.Println("Ripple instance scope")
	log.Printf(" Instance dir : %s", dir)
	log.Printf(" Config file  : %s", cfgPath)
	log.Printf(" User id      : %s", userID)
	log.Println("")
	log.Println(" This process represents ONE user.")
	log.Println(" Different folder/config = different user.")
	log.Println("────────────────────────────────────────")
}
