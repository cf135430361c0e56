package core

import (
	"container/list"
	"fmt"
	"time"

	"TermLedger/internal/observability"
)

// DedupStore is the durable tier of deduplication, backed by Postgres.
type DedupStore interface {
	IsDuplicate(opName, idempotencyKey string) (bool, error)
}

// Deduper is the two-tier idempotency checker: an in-memory LRU for the hot
// path and an optional durable store for keys that aged out of it. Not safe
// for concurrent use; only the engine loop touches it.
type Deduper struct {
	lru     *keyLRU
	store   DedupStore
	metrics *observability.Metrics
}

func NewDeduper(capacity int, store DedupStore) *Deduper {
	return &Deduper{lru: newKeyLRU(capacity), store: store}
}

// Seen reports whether the command was already processed and which tier
// caught it. A store error is treated as not-a-duplicate so a database hiccup
// never stalls the ledger; the persistence layer still rejects the replayed
// sequence.
func (d *Deduper) Seen(opName, idempotencyKey string) (bool, string) {
	key := fmt.Sprintf("%s:%s", opName, idempotencyKey)
	if d.lru.contains(key) {
		return true, "lru"
	}
	if d.store != nil {
		start := time.Now()
		dup, err := d.store.IsDuplicate(opName, idempotencyKey)
		if d.metrics != nil {
			d.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			return false, ""
		}
		if dup {
			d.lru.add(key)
			return true, "postgres"
		}
	}
	return false, ""
}

// Mark records a processed command.
func (d *Deduper) Mark(opName, idempotencyKey string) {
	d.lru.add(fmt.Sprintf("%s:%s", opName, idempotencyKey))
}

// Warm preloads composite keys, used at startup to cover the replay window
// without durable-store lookups.
func (d *Deduper) Warm(keys []string) {
	for _, key := range keys {
		d.lru.add(key)
	}
}

func (d *Deduper) Size() int { return d.lru.order.Len() }

type keyLRU struct {
	capacity int
	entries  map[string]*list.Element
	order    *list.List
}

func newKeyLRU(capacity int) *keyLRU {
	return &keyLRU{
		capacity: capacity,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (l *keyLRU) contains(key string) bool {
	elem, ok := l.entries[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

func (l *keyLRU) add(key string) {
	if elem, ok := l.entries[key]; ok {
		l.order.MoveToFront(elem)
		return
	}
	l.entries[key] = l.order.PushFront(key)
	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.entries, oldest.Value.(string))
	}
}
