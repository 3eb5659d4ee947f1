package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Memory is the in-process Store backend. It backs tests and local single
// instance mode; everything lives in the shared tree.
type Memory struct {
	t *tree
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{t: newTree()}
}

func (m *Memory) Set(ctx context.Context, path string, value any) error {
	v, err := decompose(value)
	if err != nil {
		return fmt.Errorf("encode value for %s: %w", path, err)
	}
	if v == nil {
		return m.Delete(ctx, path)
	}
	m.t.mutate(path, func() {
		place(m.t.ensure(splitPath(path)), v)
	})
	return nil
}

func (m *Memory) Update(ctx context.Context, path string, fields map[string]any) error {
	v, err := decompose(fields)
	if err != nil {
		return fmt.Errorf("encode fields for %s: %w", path, err)
	}
	fm, _ := v.(map[string]any)
	m.t.mutate(path, func() {
		n := m.t.ensure(splitPath(path))
		for k, fv := range fm {
			place(n.ensureChild(k), fv)
		}
	})
	return nil
}

func (m *Memory) Push(ctx context.Context, path string, value any) (string, error) {
	key := uuid.NewString()
	if err := m.Set(ctx, path+"/"+key, value); err != nil {
		return "", err
	}
	return key, nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	segs := splitPath(path)
	if len(segs) == 0 {
		return fmt.Errorf("delete: empty path")
	}
	m.t.mutate(path, func() {
		parent := m.t.lookup(segs[:len(segs)-1])
		if parent == nil {
			return
		}
		parent.removeChild(segs[len(segs)-1])
		m.t.prune(segs[:len(segs)-1])
	})
	return nil
}

func (m *Memory) Get(ctx context.Context, path string, out any) (bool, error) {
	m.t.mu.Lock()
	raw := m.t.snapshotLocked(path)
	m.t.mu.Unlock()
	if raw == nil {
		return false, nil
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return true, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return true, nil
}

func (m *Memory) SubscribeChildren(path string) (<-chan Event, CancelFunc) {
	return m.t.subscribeChildren(path)
}

func (m *Memory) SubscribeValue(path string) (<-chan json.RawMessage, CancelFunc) {
	return m.t.subscribeValue(path)
}

func (m *Memory) Close() error {
	m.t.close()
	return nil
}
