package store

import (
	"encoding/json"
	"log"
	"sort"
	"strings"
	"sync"
)

// subBuffer is the per-subscription channel capacity. Slow consumers drop
// events rather than stalling writers — same policy the rest of the pack
// uses for listener fan-out.
const subBuffer = 256

// node is one tree position: either a leaf scalar or a set of children.
// order tracks child key insertion order so delta replay and snapshots are
// deterministic.
type node struct {
	leaf     any
	children map[string]*node
	order    []string
}

func newNode() *node {
	return &node{}
}

func (n *node) child(key string) *node {
	if n.children == nil {
		return nil
	}
	return n.children[key]
}

func (n *node) ensureChild(key string) *node {
	if n.children == nil {
		n.children = make(map[string]*node)
	}
	c, ok := n.children[key]
	if !ok {
		c = newNode()
		n.children[key] = c
		n.order = append(n.order, key)
	}
	return c
}

func (n *node) removeChild(key string) {
	if n.children == nil {
		return
	}
	if _, ok := n.children[key]; !ok {
		return
	}
	delete(n.children, key)
	for i, k := range n.order {
		if k == key {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}

func (n *node) empty() bool {
	return n.leaf == nil && len(n.children) == 0
}

// value composes the subtree into a plain Go value.
func (n *node) value() any {
	if len(n.children) == 0 {
		return n.leaf
	}
	m := make(map[string]any, len(n.children))
	for _, k := range n.order {
		m[k] = n.children[k].value()
	}
	return m
}

type childSub struct {
	path string
	ch   chan Event
}

type valueSub struct {
	path string
	ch   chan json.RawMessage
}

// tree is the shared core of the memory and pebble backends: the node tree
// plus subscription bookkeeping. All access goes through mu; events are
// queued while the lock is held, which is what preserves per-path delivery
// order.
type tree struct {
	mu        sync.Mutex
	root      *node
	childSubs map[*childSub]struct{}
	valueSubs map[*valueSub]struct{}
	closed    bool
}

func newTree() *tree {
	return &tree{
		root:      newNode(),
		childSubs: make(map[*childSub]struct{}),
		valueSubs: make(map[*valueSub]struct{}),
	}
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// underOrEqual reports whether b equals a or lies beneath it.
func underOrEqual(a, b string) bool {
	return a == b || strings.HasPrefix(b, a+"/")
}

func (t *tree) lookup(segs []string) *node {
	n := t.root
	for _, s := range segs {
		n = n.child(s)
		if n == nil {
			return nil
		}
	}
	return n
}

func (t *tree) ensure(segs []string) *node {
	n := t.root
	for _, s := range segs {
		n = n.ensureChild(s)
	}
	return n
}

// place writes a decomposed JSON value at n, replacing whatever was there.
// Objects expand into child nodes (sorted keys: decoded maps carry no
// order); everything else is a leaf.
func place(n *node, v any) {
	n.leaf = nil
	n.children = nil
	n.order = nil
	if m, ok := v.(map[string]any); ok && len(m) > 0 {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			place(n.ensureChild(k), m[k])
		}
		return
	}
	n.leaf = v
}

// prune removes empty nodes along segs, leaf-most first.
func (t *tree) prune(segs []string) {
	for i := len(segs); i > 0; i-- {
		parent := t.lookup(segs[:i-1])
		if parent == nil {
			return
		}
		n := parent.child(segs[i-1])
		if n != nil && n.empty() {
			parent.removeChild(segs[i-1])
		}
	}
}

// decompose round-trips v through JSON so the tree only ever holds
// map[string]any / []any / scalars, whatever Go value the caller handed in.
func decompose(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalValue(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// childState captures the pre-mutation snapshot a child subscription needs
// to classify the delta afterwards.
type childState struct {
	sub  *childSub
	wide bool // mutation at or above the subscribed path: diff all children
	key  string
	// wide: snapshot per existing child; narrow: snapshot of the one child
	before map[string]json.RawMessage
}

// mutate applies fn to the tree and delivers the resulting deltas. p is the
// mutation root path.
func (t *tree) mutate(p string, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	var states []childState
	for cs := range t.childSubs {
		switch {
		case underOrEqual(p, cs.path):
			// Mutation at or above the watched path — anything may change.
			st := childState{sub: cs, wide: true, before: map[string]json.RawMessage{}}
			if n := t.lookup(splitPath(cs.path)); n != nil {
				for _, k := range n.order {
					st.before[k] = marshalValue(n.children[k].value())
				}
			}
			states = append(states, st)
		case underOrEqual(cs.path, p):
			rest := strings.TrimPrefix(p, cs.path+"/")
			key := rest
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				key = rest[:i]
			}
			st := childState{sub: cs, key: key, before: map[string]json.RawMessage{}}
			if n := t.lookup(splitPath(cs.path + "/" + key)); n != nil {
				st.before[key] = marshalValue(n.value())
			}
			states = append(states, st)
		}
	}

	fn()

	for _, st := range states {
		base := splitPath(st.sub.path)
		if st.wide {
			after := map[string]json.RawMessage{}
			var order []string
			if n := t.lookup(base); n != nil {
				for _, k := range n.order {
					after[k] = marshalValue(n.children[k].value())
					order = append(order, k)
				}
			}
			for k, prev := range st.before {
				if _, ok := after[k]; !ok {
					t.send(st.sub, Event{Kind: Removed, Key: k})
					continue
				}
				if string(after[k]) != string(prev) {
					t.send(st.sub, Event{Kind: Changed, Key: k, Value: after[k]})
				}
			}
			for _, k := range order {
				if _, ok := st.before[k]; !ok {
					t.send(st.sub, Event{Kind: Added, Key: k, Value: after[k]})
				}
			}
			continue
		}
		prev, existed := st.before[st.key]
		var now json.RawMessage
		exists := false
		if n := t.lookup(append(append([]string{}, base...), st.key)); n != nil {
			now = marshalValue(n.value())
			exists = true
		}
		switch {
		case !existed && exists:
			t.send(st.sub, Event{Kind: Added, Key: st.key, Value: now})
		case existed && !exists:
			t.send(st.sub, Event{Kind: Removed, Key: st.key})
		case existed && exists && string(prev) != string(now):
			t.send(st.sub, Event{Kind: Changed, Key: st.key, Value: now})
		}
	}

	for vs := range t.valueSubs {
		if underOrEqual(vs.path, p) || underOrEqual(p, vs.path) {
			t.sendValue(vs, t.snapshotLocked(vs.path))
		}
	}
}

func (t *tree) send(cs *childSub, ev Event) {
	select {
	case cs.ch <- ev:
	default:
		log.Printf("STORE: dropped %s event for slow subscriber on %s", ev.Kind, cs.path)
	}
}

func (t *tree) sendValue(vs *valueSub, v json.RawMessage) {
	select {
	case vs.ch <- v:
	default:
		log.Printf("STORE: dropped value snapshot for slow subscriber on %s", vs.path)
	}
}

func (t *tree) snapshotLocked(path string) json.RawMessage {
	n := t.lookup(splitPath(path))
	if n == nil {
		return nil
	}
	return marshalValue(n.value())
}

// collectLeaves flattens the subtree at n into relPath→scalar pairs.
func collectLeaves(n *node, prefix string, out map[string]any) {
	if len(n.children) == 0 {
		out[prefix] = n.leaf
		return
	}
	for _, k := range n.order {
		p := k
		if prefix != "" {
			p = prefix + "/" + k
		}
		collectLeaves(n.children[k], p, out)
	}
}

func (t *tree) subscribeChildren(path string) (<-chan Event, CancelFunc) {
	cs := &childSub{path: path, ch: make(chan Event, subBuffer)}

	t.mu.Lock()
	if n := t.lookup(splitPath(path)); n != nil {
		for _, k := range n.order {
			t.send(cs, Event{Kind: Added, Key: k, Value: marshalValue(n.children[k].value())})
		}
	}
	t.childSubs[cs] = struct{}{}
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		if _, ok := t.childSubs[cs]; ok {
			delete(t.childSubs, cs)
			close(cs.ch)
		}
		t.mu.Unlock()
	}
	return cs.ch, cancel
}

func (t *tree) subscribeValue(path string) (<-chan json.RawMessage, CancelFunc) {
	vs := &valueSub{path: path, ch: make(chan json.RawMessage, subBuffer)}

	t.mu.Lock()
	t.sendValue(vs, t.snapshotLocked(path))
	t.valueSubs[vs] = struct{}{}
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		if _, ok := t.valueSubs[vs]; ok {
			delete(t.valueSubs, vs)
			close(vs.ch)
		}
		t.mu.Unlock()
	}
	return vs.ch, cancel
}

func (t *tree) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for cs := range t.childSubs {
		close(cs.ch)
	}
	for vs := range t.valueSubs {
		close(vs.ch)
	}
	t.childSubs = make(map[*childSub]struct{})
	t.valueSubs = make(map[*valueSub]struct{})
}
