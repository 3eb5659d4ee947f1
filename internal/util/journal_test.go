package util

import "testing"

func TestJournalSequencesAndOrder(t *testing.T) {
	j := NewJournal[string](3)
	for _, s := range []string{"a", "b", "c"} {
		j.Append(s)
	}
	got := j.Since(0)
	if len(got) != 3 || got[0].Item != "a" || got[2].Item != "c" {
		t.Fatalf("entries %v", got)
	}
	if got[0].Seq != 1 || got[2].Seq != 3 {
		t.Fatalf("sequences %v", got)
	}
}

func TestJournalOverwritesOldest(t *testing.T) {
	j := NewJournal[int](2)
	for i := 1; i <= 5; i++ {
		j.Append(i)
	}
	got := j.Since(0)
	if len(got) != 2 || got[0].Item != 4 || got[1].Item != 5 {
		t.Fatalf("entries %v", got)
	}
	// A reader at seq 3 can detect the gap: first retained seq is 4.
	if got[0].Seq != 4 {
		t.Fatalf("first retained seq %d", got[0].Seq)
	}
}

func TestJournalSinceCursor(t *testing.T) {
	j := NewJournal[int](8)
	for i := 0; i < 5; i++ {
		j.Append(i)
	}
	got := j.Since(3)
	if len(got) != 2 || got[0].Item != 3 || got[1].Item != 4 {
		t.Fatalf("entries %v", got)
	}
}
