package engine

import (
	"sync/atomic"

	"github.com/openchannelssd/ftl/internal/addrmap"
	"github.com/openchannelssd/ftl/internal/appendpoint"
	"github.com/openchannelssd/ftl/internal/device"
	"github.com/openchannelssd/ftl/internal/hint"
	"github.com/openchannelssd/ftl/internal/logging"
)

// Latency is the dual-write engine: a write carrying a latency hint is
// placed twice, once in the primary map and once in the shadow map, from
// append points in distinct pools. Reads prefer the primary copy but fall
// over to the shadow when the primary's pool is busy. A GC rewrite first
// identifies which copy it is reclaiming by comparing the old physical
// address against both maps, then routes the new allocation to the same
// map.
type Latency struct {
	ctx     *Context
	hints   *hint.Store
	counter uint64
}

func NewLatency(hints *hint.Store) *Latency { return &Latency{hints: hints} }

func (e *Latency) Init(ctx *Context) error {
	if len(ctx.Pools) < 2 {
		return ErrNoMapping
	}
	ctx.Map.EnableShadow()
	e.ctx = ctx
	return nil
}

func (e *Latency) Exit() error              { return nil }
func (e *Latency) Capabilities() Capability { return CapDualWrite }

func (e *Latency) PoolGetBlk(apIndex int, isGC bool) error {
	ap := e.ctx.AppendPoints[apIndex]
	b, err := ap.Pool().GetBlock(isGC)
	if err != nil {
		return ErrNoMapping
	}
	return ap.SetAPCur(b)
}

func (e *Latency) MapPage(l int64, isGC bool, oldEntry addrmap.ForwardEntry) (addrmap.ForwardEntry, error) {
	if isGC {
		return e.mapGCPage(l, oldEntry)
	}

	primary, err := e.allocAndMap(l, false, addrmap.Primary, nil)
	if err != nil {
		return addrmap.ForwardEntry{}, err
	}
	// The primary moved; whatever shadow copy the previous write left
	// behind no longer matches it.
	e.ctx.Map.TrimShadow(l)

	if e.hints == nil || e.hints.Find(l, true, hint.FlagLatency) == nil {
		return primary, nil
	}
	if e.ctx.Metrics != nil {
		e.ctx.Metrics.HintMatches.Inc()
	}

	// Hinted write: second allocation from an append point outside the
	// primary's pool.
	if _, err := e.allocAndMap(l, false, addrmap.Shadow, &primary.PoolID); err != nil {
		// The primary copy stands on its own; a shadow we could not
		// place just loses the mitigation, not the data.
		logging.Warnf("latency: shadow allocation for L=%d failed: %v", l, err)
	}
	return primary, nil
}

// mapGCPage routes a reclaimed page back into the map it came from.
func (e *Latency) mapGCPage(l int64, oldEntry addrmap.ForwardEntry) (addrmap.ForwardEntry, error) {
	target := addrmap.Primary
	switch e.ctx.Map.ClassifyCopy(l, oldEntry.Addr) {
	case addrmap.MapShadow:
		target = addrmap.Shadow
	case addrmap.MapSingle:
		logging.Warnf("latency: reclaiming physical page %d not mapped by L=%d in either map", oldEntry.Addr, l)
	}
	return e.allocAndMap(l, true, target, nil)
}

// allocAndMap performs one round-robin allocation, optionally skipping
// every append point in excludePool, and installs the result in the
// selected map.
func (e *Latency) allocAndMap(l int64, isGC bool, target addrmap.MapTarget, excludePool *uint32) (addrmap.ForwardEntry, error) {
	n := len(e.ctx.AppendPoints)
	var addr appendpoint.PhysAddr
	var err error
	found := false
	for i := 0; i < n; i++ {
		idx := atomic.AddUint64(&e.counter, 1) % uint64(n)
		ap := e.ctx.AppendPoints[idx]
		if excludePool != nil && ap.Pool().ID() == *excludePool {
			continue
		}
		addr, err = ap.AllocAddrFromAP(isGC)
		if err == nil {
			found = true
			break
		}
	}
	if !found {
		if e.ctx.Metrics != nil {
			e.ctx.Metrics.OutOfSpace.Inc()
		}
		return addrmap.ForwardEntry{}, ErrNoMapping
	}

	phys := e.ctx.PhysIndex(addr)
	if err := e.ctx.Map.UpdateMap(l, phys, addr.PoolID, addr.BlockID, addr.Page, target); err != nil {
		return addrmap.ForwardEntry{}, err
	}
	if e.ctx.Metrics != nil {
		e.ctx.Metrics.PagesAllocated.Inc()
	}
	return addrmap.ForwardEntry{Addr: phys, PoolID: addr.PoolID, BlockID: addr.BlockID, HostPage: addr.Page, HasBlock: true}, nil
}

// LookupLtoP prefers the primary copy; with the primary's pool busy and a
// shadow present, the read is served from the shadow instead.
func (e *Latency) LookupLtoP(l int64) (addrmap.ForwardEntry, bool) {
	shadow, hasShadow := e.ctx.Map.LookupShadow(l)
	if !hasShadow {
		return e.ctx.Map.LookupLtoP(l, e.ctx.BlockGCRunning)
	}
	primary, ok := e.ctx.Map.LookupLtoP(l, e.ctx.BlockGCRunning)
	if !ok || !primary.HasBlock {
		return shadow, true
	}
	if p := e.ctx.poolByID(primary.PoolID); p != nil && p.IsActive() {
		return shadow, true
	}
	return primary, ok
}

// ShadowEntry exposes the shadow copy for L so the pipeline can duplicate
// the payload write.
func (e *Latency) ShadowEntry(l int64) (addrmap.ForwardEntry, bool) {
	return e.ctx.Map.LookupShadow(l)
}

func (e *Latency) ReadRQ(req *device.Request, l int64, entry addrmap.ForwardEntry)  {}
func (e *Latency) WriteRQ(req *device.Request, l int64, entry addrmap.ForwardEntry) {}
