// Package addrmap implements the address map: a dense forward (L→P)
// map, its reverse (P→L) map, the shadow map used by the latency engine,
// and the range lock that serializes concurrent access to overlapping
// logical ranges. A forward entry stores (poolID, blockID) indices
// rather than a pointer to a Block, so the map carries no object graph.
package addrmap

import (
	"fmt"
	"sync"
)

// LtopEmpty is the sentinel physical address meaning "never written".
const LtopEmpty = -1

// poison marks a reverse-map slot whose forward mapping has been
// superseded.
const poison = -1

// ForwardEntry is the L→P translation: a physical page plus the owning
// block's identity (pool-relative), or the zero value meaning unmapped.
type ForwardEntry struct {
	Addr     int64 // physical page index, LtopEmpty if unset
	PoolID   uint32
	BlockID  uint32
	HostPage int // host page index within BlockID, valid when HasBlock
	HasBlock bool
}

// AddressMap holds the dense forward/reverse vectors and, optionally, a
// shadow forward vector for the latency engine.
type AddressMap struct {
	revMu sync.Mutex // guards forward/reverse invalidate+remap critical section

	forward []ForwardEntry
	reverse []int64 // physical index -> logical index, or poison

	shadow        []ForwardEntry
	shadowEnabled bool

	ranger *RangeLocker

	// Invalidate is called with (poolID, blockID, hostPage) whenever a
	// physical page is superseded, so the block layer can set its
	// invalid bit. ftl.New wires it at construction.
	Invalidate func(poolID, blockID uint32, hostPage int) error

	// WarnInvariant receives invariant-violation notices rather than
	// panicking the whole process.
	WarnInvariant func(format string, args ...interface{})
}

// New creates an AddressMap sized for nrLogical logical pages and
// nrPhysical physical pages.
func New(nrLogical, nrPhysical int) *AddressMap {
	m := &AddressMap{
		forward: make([]ForwardEntry, nrLogical),
		reverse: make([]int64, nrPhysical),
		ranger:  NewRangeLocker(),
	}
	for i := range m.forward {
		m.forward[i].Addr = LtopEmpty
	}
	for i := range m.reverse {
		m.reverse[i] = poison
	}
	return m
}

// EnableShadow allocates the shadow map, for the latency engine.
func (m *AddressMap) EnableShadow() {
	m.revMu.Lock()
	defer m.revMu.Unlock()
	if m.shadowEnabled {
		return
	}
	m.shadow = make([]ForwardEntry, len(m.forward))
	for i := range m.shadow {
		m.shadow[i].Addr = LtopEmpty
	}
	m.shadowEnabled = true
}

// LockRange acquires the range lock over [l, l+n). It must
// be released with UnlockRange.
func (m *AddressMap) LockRange(l int64, n int) {
	m.ranger.Lock(l, n)
}

func (m *AddressMap) UnlockRange(l int64, n int) {
	m.ranger.Unlock(l, n)
}

// LookupLtoP returns the current forward entry for L. If the owning
// block's GC flag callback reports true, ok is false and the caller must
// yield and retry.
func (m *AddressMap) LookupLtoP(l int64, blockGCRunning func(poolID, blockID uint32) bool) (ForwardEntry, bool) {
	m.revMu.Lock()
	e := m.forward[l]
	m.revMu.Unlock()

	if e.HasBlock && blockGCRunning != nil && blockGCRunning(e.PoolID, e.BlockID) {
		return ForwardEntry{}, false
	}
	return e, true
}

// LookupShadow returns L's entry in the shadow map. Unlike LookupLtoP, ok
// is false when shadowing is disabled or L has no shadow copy, and no GC
// check is made.
func (m *AddressMap) LookupShadow(l int64) (ForwardEntry, bool) {
	m.revMu.Lock()
	defer m.revMu.Unlock()
	if !m.shadowEnabled {
		return ForwardEntry{}, false
	}
	e := m.shadow[l]
	return e, e.HasBlock
}

// LookupPtoL recovers the logical address owning a physical page. It
// takes the same reverse-map lock UpdateMap holds, so migration always
// observes a consistent (L, P) pair.
func (m *AddressMap) LookupPtoL(p int64) (int64, bool) {
	m.revMu.Lock()
	defer m.revMu.Unlock()
	l := m.reverse[p]
	if l == poison {
		return 0, false
	}
	return l, true
}

// MapTarget selects which table UpdateMap writes: the primary forward
// map or the latency engine's shadow.
type MapTarget int

const (
	Primary MapTarget = iota
	Shadow
)

// UpdateMap installs a new mapping for L under the reverse-map lock: if
// the table already pointed somewhere, that old physical page is
// invalidated on its block and its reverse entry poisoned first.
func (m *AddressMap) UpdateMap(l int64, newAddr int64, newPoolID, newBlockID uint32, newHostPage int, target MapTarget) error {
	m.revMu.Lock()
	defer m.revMu.Unlock()

	table := m.forward
	if target == Shadow {
		if !m.shadowEnabled {
			return fmt.Errorf("addrmap: shadow map not enabled")
		}
		table = m.shadow
	}

	old := table[l]
	if old.HasBlock {
		if m.Invalidate != nil {
			if err := m.Invalidate(old.PoolID, old.BlockID, old.HostPage); err != nil {
				if m.WarnInvariant != nil {
					m.WarnInvariant("addrmap: invalidate old mapping for L=%d failed: %v", l, err)
				}
			}
		}
		if old.Addr >= 0 && int(old.Addr) < len(m.reverse) {
			m.reverse[old.Addr] = poison
		}
	}

	table[l] = ForwardEntry{Addr: newAddr, PoolID: newPoolID, BlockID: newBlockID, HostPage: newHostPage, HasBlock: true}
	if int(newAddr) >= 0 && int(newAddr) < len(m.reverse) {
		m.reverse[newAddr] = l
	}
	return nil
}

// TrimShadow removes the shadow entry for L: the superseded physical
// page is invalidated on its block and its reverse entry poisoned, the
// same contract UpdateMap applies to a superseded primary.
func (m *AddressMap) TrimShadow(l int64) {
	m.revMu.Lock()
	defer m.revMu.Unlock()
	if !m.shadowEnabled {
		return
	}
	old := m.shadow[l]
	if old.HasBlock {
		if m.Invalidate != nil {
			if err := m.Invalidate(old.PoolID, old.BlockID, old.HostPage); err != nil {
				if m.WarnInvariant != nil {
					m.WarnInvariant("addrmap: invalidate trimmed shadow for L=%d failed: %v", l, err)
				}
			}
		}
		if old.Addr >= 0 && int(old.Addr) < len(m.reverse) {
			m.reverse[old.Addr] = poison
		}
	}
	m.shadow[l] = ForwardEntry{Addr: LtopEmpty}
}

// Copy identifies which map a physical address belongs to, so a GC
// rewrite of a dual-written page can route to the copy it reclaimed.
type Copy int

const (
	MapSingle Copy = iota
	MapPrimary
	MapShadow
)

func (m *AddressMap) ClassifyCopy(l int64, oldAddr int64) Copy {
	m.revMu.Lock()
	defer m.revMu.Unlock()
	if m.forward[l].HasBlock && m.forward[l].Addr == oldAddr {
		return MapPrimary
	}
	if m.shadowEnabled && m.shadow[l].HasBlock && m.shadow[l].Addr == oldAddr {
		return MapShadow
	}
	return MapSingle
}

// NrLogical / NrPhysical expose the map's fixed dimensions.
func (m *AddressMap) NrLogical() int  { return len(m.forward) }
func (m *AddressMap) NrPhysical() int { return len(m.reverse) }
