// Package dedup suppresses re-processing of same-source duplicate
// reports within a TTL window, while deliberately letting cross-source
// reports through so aggregation can upgrade them to super events.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/sawpanic/listingfuse/internal/bus"
)

// Filter consults the shared dedup:<fp> keys plus a local memory of
// which sources this process has already aggregated per fingerprint.
// The local memory covers the "current or previous window" rule; the
// bus key covers other processes and restarts.
type Filter struct {
	bus *bus.Bus
	ttl time.Duration

	mu     sync.Mutex
	recent map[string]*recent
	now    func() time.Time
}

type recent struct {
	sources   map[string]struct{}
	expiresAt time.Time
}

// New builds a filter with the configured dedup TTL.
func New(b *bus.Bus, ttl time.Duration) *Filter {
	return &Filter{
		bus:    b,
		ttl:    ttl,
		recent: make(map[string]*recent),
		now:    time.Now,
	}
}

// Suppress reports whether the event is a same-source duplicate and
// must be dropped. A pass records the fingerprint flag on the bus
// (SET NX EX, idempotent) and the source locally.
func (f *Filter) Suppress(ctx context.Context, fp, source string) (bool, error) {
	flagged, err := f.bus.Exists(ctx, bus.KeyDedup(fp))
	if err != nil {
		return false, err
	}
	if flagged && f.sourceSeen(fp, source) {
		return true, nil
	}
	if _, err := f.bus.SetNX(ctx, bus.KeyDedup(fp), "1", f.ttl); err != nil {
		return false, err
	}
	f.remember(fp, source)
	return false, nil
}

func (f *Filter) sourceSeen(fp, source string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recent[fp]
	if !ok || f.now().After(r.expiresAt) {
		return false
	}
	_, seen := r.sources[source]
	return seen
}

func (f *Filter) remember(fp, source string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prune()
	r, ok := f.recent[fp]
	if !ok {
		r = &recent{sources: make(map[string]struct{})}
		f.recent[fp] = r
	}
	r.sources[source] = struct{}{}
	r.expiresAt = f.now().Add(f.ttl)
}

// prune drops expired fingerprints. Called under mu.
func (f *Filter) prune() {
	now := f.now()
	for fp, r := range f.recent {
		if now.After(r.expiresAt) {
			delete(f.recent, fp)
		}
	}
}

// SetClock overrides the wall clock. Tests only.
func (f *Filter) SetClock(now func() time.Time) { f.now = now }
