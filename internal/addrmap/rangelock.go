package addrmap

import "sync"

// RangeLocker serializes access to overlapping logical-address ranges:
// every read, write, and GC migration acquires [L, L+n) and overlapping
// acquisitions block until release. One interval lock instead of
// per-page locks keeps multi-page requests deadlock-free.
type RangeLocker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	held    []interval
}

type interval struct {
	start int64
	n     int
}

func (iv interval) overlaps(other interval) bool {
	aEnd := iv.start + int64(iv.n)
	bEnd := other.start + int64(other.n)
	return iv.start < bEnd && other.start < aEnd
}

// NewRangeLocker creates an empty locker.
func NewRangeLocker() *RangeLocker {
	rl := &RangeLocker{}
	rl.cond = sync.NewCond(&rl.mu)
	return rl
}

// Lock blocks until [l, l+n) does not overlap any currently held range,
// then marks it held.
func (rl *RangeLocker) Lock(l int64, n int) {
	want := interval{start: l, n: n}
	rl.mu.Lock()
	for rl.overlapsAny(want) {
		rl.cond.Wait()
	}
	rl.held = append(rl.held, want)
	rl.mu.Unlock()
}

func (rl *RangeLocker) overlapsAny(want interval) bool {
	for _, h := range rl.held {
		if h.overlaps(want) {
			return true
		}
	}
	return false
}

// Unlock releases [l, l+n) and wakes any waiters whose range might now be
// free.
func (rl *RangeLocker) Unlock(l int64, n int) {
	rl.mu.Lock()
	for i, h := range rl.held {
		if h.start == l && h.n == n {
			rl.held = append(rl.held[:i], rl.held[i+1:]...)
			break
		}
	}
	rl.mu.Unlock()
	rl.cond.Broadcast()
}
