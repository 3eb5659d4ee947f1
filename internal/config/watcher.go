package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk and hands the new
// snapshot to registered handlers. Identity and store settings cannot change
// at runtime; a reload that touches them keeps the running values and logs
// that a restart is needed.
type Watcher struct {
	path string
	fsw  *fsnotify.Watcher

	mu       sync.RWMutex
	current  Config
	onChange []func(Config)

	closed chan struct{}
}

// Watch starts watching the config file's directory. Watching the directory
// rather than the file survives editors that replace the file on save.
func Watch(path string, initial Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{
		path:    path,
		fsw:     fsw,
		current: initial,
		closed:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Current returns the latest valid config snapshot.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a handler called with each new valid snapshot.
func (w *Watcher) OnChange(fn func(Config)) {
	w.mu.Lock()
	w.onChange = append(w.onChange, fn)
	w.mu.Unlock()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG: watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Printf("CONFIG: reload failed, keeping previous config: %v", err)
		return
	}

	w.mu.Lock()
	prev := w.current
	if cfg.Identity != prev.Identity {
		log.Print("CONFIG: identity changed on disk, restart required to apply")
		cfg.Identity = prev.Identity
	}
	if cfg.Store != prev.Store {
		log.Print("CONFIG: store settings changed on disk, restart required to apply")
		cfg.Store = prev.Store
	}
	w.current = cfg
	handlers := make([]func(Config), len(w.onChange))
	copy(handlers, w.onChange)
	w.mu.Unlock()

	log.Printf("CONFIG: reloaded %s", w.path)
	for _, fn := range handlers {
		fn(cfg)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	select {
	case <-w.closed:
		return nil
	default:
		close(w.closed)
	}
	return w.fsw.Close()
}
