// Package config loads and persists the ripple.json configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/ripplechat/ripple/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Paths     Paths     `json:"paths"`
	Store     Store     `json:"store"`
	Gateway   Gateway   `json:"gateway"`
	Call      Call      `json:"call"`
	Assistant Assistant `json:"assistant"`
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type Paths struct {
	// DataDir holds the local databases and uploaded media.
	// Relative paths resolve against the config file's directory.
	DataDir string `json:"data_dir"`
}

type Store struct {
	// Backend selects the realtime store: "memory" or "pebble".
	Backend string `json:"backend"`
	Path    string `json:"path"`
}

type Gateway struct {
	HTTPAddr string `json:"http_addr"`

	// Request rate limiting, applied per remote address.
	RateLimitPerSec float64 `json:"rate_limit_per_sec"`
	RateLimitBurst  int     `json:"rate_limit_burst"`

	// EventJournal is how many recent events are retained for SSE replay.
	EventJournal int `json:"event_journal"`
}

type Call struct {
	StunServers []string `json:"stun_servers"`
	Disabled    bool     `json:"disabled"`
}

type Assistant struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			UserID:      "",
			DisplayName: "",
		},
		Paths: Paths{
			DataDir: "data",
		},
		Store: Store{
			Backend: "pebble",
			Path:    "data/realtime",
		},
		Gateway: Gateway{
			HTTPAddr:        "127.0.0.1:8732",
			RateLimitPerSec: 50,
			RateLimitBurst:  100,
			EventJournal:    256,
		},
		Call: Call{
			StunServers: []string{"stun:stun.l.google.com:19302"},
		},
		Assistant: Assistant{
			Enabled: false,
			Model:   "gemini-1.5-flash",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}
	if strings.ContainsAny(c.Identity.UserID, "/_ ") {
		return errors.New("identity.user_id must not contain '/', '_' or spaces")
	}

	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}

	switch c.Store.Backend {
	case "memory":
	case "pebble":
		if strings.TrimSpace(c.Store.Path) == "" {
			return errors.New("store.path is required for the pebble backend")
		}
	default:
		return fmt.Errorf("store.backend must be \"memory\" or \"pebble\", got %q", c.Store.Backend)
	}

	if strings.TrimSpace(c.Gateway.HTTPAddr) == "" {
		return errors.New("gateway.http_addr is required")
	}
	if _, _, err := net.SplitHostPort(c.Gateway.HTTPAddr); err != nil {
		return fmt.Errorf("gateway.http_addr: %w", err)
	}
	if c.Gateway.RateLimitPerSec <= 0 {
		return errors.New("gateway.rate_limit_per_sec must be > 0")
	}
	if c.Gateway.RateLimitBurst < 1 {
		return errors.New("gateway.rate_limit_burst must be >= 1")
	}
	if c.Gateway.EventJournal < 1 {
		return errors.New("gateway.event_journal must be >= 1")
	}

	if !c.Call.Disabled && len(c.Call.StunServers) == 0 {
		return errors.New("call.stun_servers is required unless call.disabled")
	}
	for _, s := range c.Call.StunServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("call.stun_servers entry %q must start with stun: or turn:", s)
		}
	}

	if c.Assistant.Enabled && strings.TrimSpace(c.Assistant.Endpoint) == "" {
		return errors.New("assistant.endpoint is required when assistant.enabled")
	}
	return nil
}

// ResolveDataDir returns the data directory resolved against the directory
// the config file lives in.
func (c *Config) ResolveDataDir(configPath string) string {
	return util.ResolvePath(filepath.Dir(configPath), c.Paths.DataDir)
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads and decodes the file without validating it. Setup flows
// need the contents of a half-configured file, for example re-running init
// before a user id was ever set.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads the config at path, writing defaults first if it is missing.
// The second return is true when a fresh file was created. Loading skips
// validation: a file left by an interrupted init has no user id yet, and
// Ensure must still hand it back so setup can finish.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := LoadPartial(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// stripBOM removes a UTF-8 BOM, common when the file was edited on Windows.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}
