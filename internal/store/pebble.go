package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
)

// leafPrefix is the pebble keyspace for tree leaves: n/<path> → JSON scalar.
const leafPrefix = "n/"

// Pebble is the durable Store backend. The live tree (and all subscription
// mechanics) is identical to the memory backend; every mutation is written
// through to a pebble keyspace, and the tree is rebuilt from it on open.
type Pebble struct {
	t  *tree
	db *pebble.DB
}

// OpenPebble opens (or creates) a pebble-backed store in dir.
func OpenPebble(dir string) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("%w: open pebble at %s: %v", ErrStoreUnavailable, dir, err)
	}
	p := &Pebble{t: newTree(), db: db}
	if err := p.load(); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// load rebuilds the tree from the persisted leaf set.
func (p *Pebble) load() error {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(leafPrefix),
		UpperBound: []byte(leafPrefix + "\xff"),
	})
	if err != nil {
		return fmt.Errorf("%w: iterate leaves: %v", ErrStoreUnavailable, err)
	}
	defer iter.Close()

	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		path := strings.TrimPrefix(string(iter.Key()), leafPrefix)
		var v any
		if err := json.Unmarshal(iter.Value(), &v); err != nil {
			log.Printf("STORE: skipping corrupt leaf %s: %v", path, err)
			continue
		}
		n := p.t.ensure(splitPath(path))
		n.leaf = v
		count++
	}
	if count > 0 {
		log.Printf("STORE: loaded %d leaves from pebble", count)
	}
	return iter.Error()
}

// persistSubtree replaces the persisted leaves under path with the tree's
// current state there.
func (p *Pebble) persistSubtree(b *pebble.Batch, path string) {
	b.Delete([]byte(leafPrefix+path), nil)
	b.DeleteRange([]byte(leafPrefix+path+"/"), []byte(leafPrefix+path+"0"), nil)
	if n := p.t.lookup(splitPath(path)); n != nil {
		leaves := map[string]any{}
		collectLeaves(n, path, leaves)
		for lp, lv := range leaves {
			raw, err := json.Marshal(lv)
			if err != nil {
				continue
			}
			b.Set([]byte(leafPrefix+lp), raw, nil)
		}
	}
}

func (p *Pebble) commit(op, path string, b *pebble.Batch) error {
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrStoreUnavailable, op, path, err)
	}
	return nil
}

func (p *Pebble) Set(ctx context.Context, path string, value any) error {
	v, err := decompose(value)
	if err != nil {
		return fmt.Errorf("encode value for %s: %w", path, err)
	}
	if v == nil {
		return p.Delete(ctx, path)
	}
	b := p.db.NewBatch()
	p.t.mutate(path, func() {
		place(p.t.ensure(splitPath(path)), v)
		p.persistSubtree(b, path)
	})
	return p.commit("set", path, b)
}

func (p *Pebble) Update(ctx context.Context, path string, fields map[string]any) error {
	v, err := decompose(fields)
	if err != nil {
		return fmt.Errorf("encode fields for %s: %w", path, err)
	}
	fm, _ := v.(map[string]any)
	b := p.db.NewBatch()
	p.t.mutate(path, func() {
		n := p.t.ensure(splitPath(path))
		for k, fv := range fm {
			place(n.ensureChild(k), fv)
		}
		p.persistSubtree(b, path)
	})
	return p.commit("update", path, b)
}

func (p *Pebble) Push(ctx context.Context, path string, value any) (string, error) {
	key := uuid.NewString()
	if err := p.Set(ctx, path+"/"+key, value); err != nil {
		return "", err
	}
	return key, nil
}

func (p *Pebble) Delete(ctx context.Context, path string) error {
	segs := splitPath(path)
	if len(segs) == 0 {
		return fmt.Errorf("delete: empty path")
	}
	b := p.db.NewBatch()
	p.t.mutate(path, func() {
		parent := p.t.lookup(segs[:len(segs)-1])
		if parent != nil {
			parent.removeChild(segs[len(segs)-1])
			p.t.prune(segs[:len(segs)-1])
		}
		b.Delete([]byte(leafPrefix+path), nil)
		b.DeleteRange([]byte(leafPrefix+path+"/"), []byte(leafPrefix+path+"0"), nil)
	})
	return p.commit("delete", path, b)
}

func (p *Pebble) Get(ctx context.Context, path string, out any) (bool, error) {
	p.t.mu.Lock()
	raw := p.t.snapshotLocked(path)
	p.t.mu.Unlock()
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

func (p *Pebble) SubscribeChildren(path string) (<-chan Event, CancelFunc) {
	return p.t.subscribeChildren(path)
}

func (p *Pebble) SubscribeValue(path string) (<-chan json.RawMessage, CancelFunc) {
	return p.t.subscribeValue(path)
}

func (p *Pebble) Close() error {
	p.t.close()
	return p.db.Close()
}
