// Package store defines the realtime store surface the chat and call layers
// are built on: hierarchical paths, write primitives, and live change
// subscriptions. Backends are interchangeable — the rest of the code never
// sees anything vendor-specific.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrStoreUnavailable wraps backend failures on reads, writes and subscribes.
var ErrStoreUnavailable = errors.New("store unavailable")

// EventKind classifies a child delta.
type EventKind int

const (
	Added EventKind = iota
	Changed
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is one child delta under a subscribed path. Value is the JSON
// snapshot of the child subtree (nil for Removed).
type Event struct {
	Kind  EventKind
	Key   string
	Value json.RawMessage
}

// CancelFunc stops a subscription. It is synchronous: once it returns, no
// further events are delivered on the channel and the channel is closed.
type CancelFunc func()

// Store is a hierarchical key/value store with live change feeds.
//
// Paths are slash-separated ("chats/<conv>/messages"). Setting a JSON object
// decomposes it into child nodes, so a deep write under a previously written
// object (e.g. a reaction under a message) surfaces as a Changed event for
// the enclosing child — the same model the chat layer's summary and
// signaling records rely on.
type Store interface {
	// Set replaces the subtree at path with value.
	Set(ctx context.Context, path string, value any) error

	// Update merges fields into the node at path, leaving siblings intact.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Push stores value under a fresh generated child key and returns the key.
	Push(ctx context.Context, path string, value any) (string, error)

	// Delete removes the subtree at path. Deleting an absent path is a no-op.
	Delete(ctx context.Context, path string) error

	// Get unmarshals the subtree at path into out. Returns false if absent.
	Get(ctx context.Context, path string, out any) (bool, error)

	// SubscribeChildren delivers Added/Changed/Removed events for direct
	// children of path. Existing children are replayed as Added events, in
	// store insertion order, before any live event.
	SubscribeChildren(path string) (<-chan Event, CancelFunc)

	// SubscribeValue delivers the JSON snapshot of the subtree at path after
	// every change beneath it. The current snapshot is delivered first.
	SubscribeValue(path string) (<-chan json.RawMessage, CancelFunc)

	Close() error
}
