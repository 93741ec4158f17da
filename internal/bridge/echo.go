package bridge

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// echoFilter remembers payloads this instance published so the copy the bus
// hands back can be dropped. Entries expire after window.
type echoFilter struct {
	window    time.Duration
	seen      map[uint64][]time.Time
	lastPrune time.Time
	now       func() time.Time
	mu        sync.Mutex
}

func newEchoFilter(window time.Duration) *echoFilter {
	return &echoFilter{
		window: window,
		seen:   make(map[uint64][]time.Time),
		now:    time.Now,
	}
}

func (f *echoFilter) remember(payload []byte) {
	if f.window <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	f.pruneLocked(now)
	key := xxhash.Sum64(payload)
	f.seen[key] = append(f.seen[key], now.Add(f.window))
}

func (f *echoFilter) forget(payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.takeLocked(xxhash.Sum64(payload), f.now())
}

// consume reports whether payload is an echo of our own publish and, if so,
// uses up one remembered copy.
func (f *echoFilter) consume(payload []byte) bool {
	if f.window <= 0 {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.takeLocked(xxhash.Sum64(payload), f.now())
}

func (f *echoFilter) takeLocked(key uint64, now time.Time) bool {
	expiries := f.seen[key]
	for len(expiries) > 0 && !expiries[0].After(now) {
		expiries = expiries[1:]
	}
	if len(expiries) == 0 {
		delete(f.seen, key)
		return false
	}
	if len(expiries) == 1 {
		delete(f.seen, key)
	} else {
		f.seen[key] = expiries[1:]
	}
	return true
}

func (f *echoFilter) pruneLocked(now time.Time) {
	if now.Sub(f.lastPrune) < f.window {
		return
	}
	f.lastPrune = now
	for key, expiries := range f.seen {
		if !expiries[len(expiries)-1].After(now) {
			delete(f.seen, key)
		}
	}
}

func (f *echoFilter) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}
