package core

import (
	"errors"
	"testing"
)

type stubStore struct {
	keys map[string]bool
	err  error
	hits int
}

func (s *stubStore) IsDuplicate(opName, key string) (bool, error) {
	s.hits++
	if s.err != nil {
		return false, s.err
	}
	return s.keys[opName+":"+key], nil
}

func seen(d *Deduper, opName, key string) bool {
	dup, _ := d.Seen(opName, key)
	return dup
}

func TestDeduperLRUTier(t *testing.T) {
	d := NewDeduper(2, nil)
	if seen(d, "Deposit", "a") {
		t.Fatal("unseen key reported duplicate")
	}
	d.Mark("Deposit", "a")
	dup, tier := d.Seen("Deposit", "a")
	if !dup || tier != "lru" {
		t.Fatalf("marked key: dup=%v tier=%q, want lru hit", dup, tier)
	}
	if seen(d, "Withdraw", "a") {
		t.Fatal("op name must scope the key")
	}

	// Capacity 2: marking b then c evicts a.
	d.Mark("Deposit", "b")
	d.Mark("Deposit", "c")
	if seen(d, "Deposit", "a") {
		t.Fatal("evicted key still reported duplicate")
	}
	if d.Size() != 2 {
		t.Fatalf("size = %d, want 2", d.Size())
	}
}

func TestDeduperFallsBackToStore(t *testing.T) {
	store := &stubStore{keys: map[string]bool{"Deposit:old": true}}
	d := NewDeduper(2, store)

	dup, tier := d.Seen("Deposit", "old")
	if !dup || tier != "postgres" {
		t.Fatalf("store duplicate: dup=%v tier=%q", dup, tier)
	}
	// Hit is now cached in the LRU.
	if dup, tier = d.Seen("Deposit", "old"); !dup || tier != "lru" || store.hits != 1 {
		t.Fatalf("cached hit: dup=%v tier=%q store hits=%d", dup, tier, store.hits)
	}
}

func TestDeduperStoreErrorMeansNotDuplicate(t *testing.T) {
	store := &stubStore{err: errors.New("connection reset")}
	d := NewDeduper(2, store)
	if seen(d, "Deposit", "x") {
		t.Fatal("store error must not block processing")
	}
}

func TestDeduperWarm(t *testing.T) {
	d := NewDeduper(4, nil)
	d.Warm([]string{"Deposit:k1", "Borrow:k2"})
	if !seen(d, "Deposit", "k1") || !seen(d, "Borrow", "k2") {
		t.Fatal("warmed keys not present")
	}
}
