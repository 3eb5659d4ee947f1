package util

import "sync"

// Entry is one journal record with its monotonically increasing sequence.
type Entry[T any] struct {
	Seq  uint64
	Item T
}

// Journal is a fixed-capacity event log. When full, Append overwrites the
// oldest record; sequence numbers keep growing so late readers can tell what
// they missed. All methods are safe for concurrent use.
type Journal[T any] struct {
	mu    sync.RWMutex
	buf   []Entry[T]
	head  int
	count int
	next  uint64
}

// NewJournal creates a journal with the given capacity.
func NewJournal[T any](capacity int) *Journal[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Journal[T]{buf: make([]Entry[T], capacity), next: 1}
}

// Append adds an item, overwriting the oldest if full, and returns its
// sequence number.
func (j *Journal[T]) Append(item T) uint64 {
	j.mu.Lock()
	seq := j.next
	j.next++
	idx := (j.head + j.count) % len(j.buf)
	j.buf[idx] = Entry[T]{Seq: seq, Item: item}
	if j.count == len(j.buf) {
		j.head = (j.head + 1) % len(j.buf)
	} else {
		j.count++
	}
	j.mu.Unlock()
	return seq
}

// Since returns all retained entries with a sequence greater than seq,
// oldest first. Entries that were overwritten before seq are gone; callers
// detect the gap by comparing the first returned sequence with seq+1.
func (j *Journal[T]) Since(seq uint64) []Entry[T] {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Entry[T], 0, j.count)
	for i := 0; i < j.count; i++ {
		e := j.buf[(j.head+i)%len(j.buf)]
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of retained entries.
func (j *Journal[T]) Len() int {
	j.mu.RLock()
	n := j.count
	j.mu.RUnlock()
	return n
}
