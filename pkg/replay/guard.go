// Package replay rejects reused nonces of authenticated requests.
//
// A Guard remembers the nonces each key has used within a retention window,
// in memory and optionally in durable storage so that a restart does not
// reopen the window. It implements auth.NonceChecker.
package replay

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"hawk-auth-gateway/pkg/auth"
	"hawk-auth-gateway/pkg/models"
)

const (
	defaultRetention   = 2 * auth.DefaultClockSkew
	defaultCapacity    = 4096
	maxCapacity        = 1 << 20
	pruneInterval      = time.Minute
	compositeSeparator = "\x00"
)

// Persistence stores nonce usage durably.
//
// EnsureNonce reports existed=true when the (key id, nonce) pair is already
// stored; otherwise it stores the record.
type Persistence interface {
	EnsureNonce(ctx context.Context, record models.SeenNonce) (existed bool, err error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]models.SeenNonce, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// Guard tracks nonces per key id.
type Guard struct {
	retention   time.Duration
	capacity    int
	nowFn       func() time.Time
	persistence Persistence

	mu     sync.Mutex
	nonces map[string]*nonceStore

	pruneMu    sync.Mutex
	lastPruned time.Time
}

var _ auth.NonceChecker = (*Guard)(nil)

// NewGuard returns a Guard remembering up to capacity nonces per key for
// retention. The retention must cover the clock skew on both sides, since a
// request stays acceptable for that long. persistence may be nil.
func NewGuard(retention time.Duration, capacity int, nowFn func() time.Time, persistence Persistence) *Guard {
	if retention <= 0 {
		retention = defaultRetention
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if capacity > maxCapacity {
		capacity = maxCapacity
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Guard{
		retention:   retention,
		capacity:    capacity,
		nowFn:       nowFn,
		persistence: persistence,
		nonces:      make(map[string]*nonceStore),
	}
}

// CheckNonce records nonce for keyID and reports whether it was unused.
func (g *Guard) CheckNonce(ctx context.Context, keyID, nonce string, _ int64) (bool, error) {
	if strings.TrimSpace(keyID) == "" || strings.TrimSpace(nonce) == "" {
		return false, fmt.Errorf("key id and nonce are required")
	}
	now := g.nowFn()
	store := g.store(keyID)

	if store.Seen(nonce, now) {
		return false, nil
	}
	if g.persistence == nil {
		return true, nil
	}

	if err := g.maybePrune(ctx, now); err != nil {
		store.Remove(nonce)
		return false, err
	}
	existed, err := g.persistence.EnsureNonce(ctx, models.SeenNonce{KeyID: keyID, Nonce: nonce, SeenAt: now})
	if err != nil {
		store.Remove(nonce)
		return false, fmt.Errorf("persist nonce: %w", err)
	}
	return !existed, nil
}

// Hydrate loads persisted nonces still inside the retention window.
func (g *Guard) Hydrate(ctx context.Context) error {
	if g.persistence == nil {
		return nil
	}
	now := g.nowFn()
	cutoff := now.Add(-g.retention)
	records, err := g.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persistent nonces: %w", err)
	}
	for _, rec := range records {
		if strings.TrimSpace(rec.KeyID) == "" || strings.TrimSpace(rec.Nonce) == "" {
			continue
		}
		seen := rec.SeenAt
		if seen.IsZero() || seen.After(now) {
			seen = now
		}
		g.store(rec.KeyID).Add(rec.Nonce, seen)
	}
	return nil
}

// Prune drops expired nonces from memory and from persistence.
func (g *Guard) Prune(ctx context.Context) error {
	now := g.nowFn()
	cutoff := now.Add(-g.retention)

	g.mu.Lock()
	for keyID, store := range g.nonces {
		if store.Expire(cutoff) == 0 {
			delete(g.nonces, keyID)
		}
	}
	g.mu.Unlock()

	if g.persistence == nil {
		return nil
	}
	g.pruneMu.Lock()
	defer g.pruneMu.Unlock()
	if err := g.persistence.PruneNonces(ctx, cutoff); err != nil {
		return fmt.Errorf("prune persistent nonces: %w", err)
	}
	g.lastPruned = now
	return nil
}

// Retention returns how long nonces are remembered.
func (g *Guard) Retention() time.Duration { return g.retention }

// Len returns the number of nonces held in memory.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, store := range g.nonces {
		n += store.Len()
	}
	return n
}

func (g *Guard) maybePrune(ctx context.Context, now time.Time) error {
	g.pruneMu.Lock()
	defer g.pruneMu.Unlock()
	if !g.lastPruned.IsZero() && now.Sub(g.lastPruned) < pruneInterval {
		return nil
	}
	if err := g.persistence.PruneNonces(ctx, now.Add(-g.retention)); err != nil {
		return fmt.Errorf("prune persistent nonces: %w", err)
	}
	g.lastPruned = now
	return nil
}

func (g *Guard) store(keyID string) *nonceStore {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.nonces[keyID]
	if !ok {
		s = newNonceStore(g.retention, g.capacity)
		g.nonces[keyID] = s
	}
	return s
}

// nonceStore is an insertion-ordered set with TTL and capacity eviction.
type nonceStore struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	nonce string
	seen  time.Time
}

func newNonceStore(ttl time.Duration, capacity int) *nonceStore {
	return &nonceStore{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Seen reports whether nonce is present and records it when it is not.
func (n *nonceStore) Seen(nonce string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	if _, ok := n.entries[nonce]; ok {
		return true
	}
	n.insertLocked(nonce, now)
	return false
}

// Add records nonce as seen at the given time.
func (n *nonceStore) Add(nonce string, seen time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.entries[nonce]; ok {
		return
	}
	n.insertLocked(nonce, seen)
}

// Remove forgets nonce.
func (n *nonceStore) Remove(nonce string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if elem, ok := n.entries[nonce]; ok {
		n.order.Remove(elem)
		delete(n.entries, nonce)
	}
}

// Expire drops entries seen before cutoff and returns how many remain.
func (n *nonceStore) Expire(cutoff time.Time) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(cutoff)
	return n.order.Len()
}

func (n *nonceStore) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.order.Len()
}

// insertLocked keeps the list ordered by seen time; hydration may add
// entries older than the newest one.
func (n *nonceStore) insertLocked(nonce string, seen time.Time) {
	for n.order.Len() >= n.capacity {
		front := n.order.Front()
		n.order.Remove(front)
		delete(n.entries, front.Value.(nonceEntry).nonce)
	}
	entry := nonceEntry{nonce: nonce, seen: seen}
	for e := n.order.Back(); e != nil; e = e.Prev() {
		if !e.Value.(nonceEntry).seen.After(seen) {
			n.entries[nonce] = n.order.InsertAfter(entry, e)
			return
		}
	}
	n.entries[nonce] = n.order.PushFront(entry)
}

func (n *nonceStore) evictExpired(cutoff time.Time) {
	for {
		front := n.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(nonceEntry)
		if !entry.seen.Before(cutoff) {
			return
		}
		n.order.Remove(front)
		delete(n.entries, entry.nonce)
	}
}

func compositeKey(keyID, nonce string) string {
	return keyID + compositeSeparator + nonce
}

func splitComposite(composite string) (string, string, bool) {
	return strings.Cut(composite, compositeSeparator)
}
