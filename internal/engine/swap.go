package engine

import (
	"sync/atomic"
	"time"

	"github.com/openchannelssd/ftl/internal/addrmap"
	"github.com/openchannelssd/ftl/internal/appendpoint"
	"github.com/openchannelssd/ftl/internal/block"
	"github.com/openchannelssd/ftl/internal/device"
	"github.com/openchannelssd/ftl/internal/hint"
)

// Swap is the swap-aware engine: hinted swap writes try
// alloc_phys_fastest; GC of a slow-positioned page falls back to plain
// round-robin, GC of a fast-positioned page tries to stay fast. WriteRQ,
// which runs before the device submission, imposes a fixed simulated
// timing penalty on writes to slow-positioned pages; fast pages have none.
type Swap struct {
	ctx     *Context
	hints   *hint.Store
	counter uint64
}

func NewSwap(hints *hint.Store) *Swap { return &Swap{hints: hints} }

func (e *Swap) Init(ctx *Context) error  { e.ctx = ctx; return nil }
func (e *Swap) Exit() error              { return nil }
func (e *Swap) Capabilities() Capability { return 0 }

func (e *Swap) PoolGetBlk(apIndex int, isGC bool) error {
	ap := e.ctx.AppendPoints[apIndex]
	b, err := ap.Pool().GetBlock(isGC)
	if err != nil {
		return ErrNoMapping
	}
	return ap.SetAPCur(b)
}

func (e *Swap) MapPage(l int64, isGC bool, oldEntry addrmap.ForwardEntry) (addrmap.ForwardEntry, error) {
	var addr appendpoint.PhysAddr
	var err error

	var h *hint.Info
	if !isGC && e.hints != nil {
		h = e.hints.Find(l, true, hint.FlagSwap)
	}
	if h != nil && e.ctx.Metrics != nil {
		e.ctx.Metrics.HintMatches.Inc()
	}

	switch {
	case isGC && oldEntry.HasBlock && !fastPositionOf(e.ctx, oldEntry):
		// old page was slow: plain round-robin, no attempt to go fast.
		addr, err = e.roundRobinAlloc(isGC)
	case isGC && oldEntry.HasBlock:
		// old page was fast: try to keep it fast, fall back otherwise.
		addr, err = e.fastestOrRoundRobin(isGC)
	case h != nil:
		// hinted swap write: prefer a fast page.
		addr, err = e.fastestOrRoundRobin(isGC)
	default:
		addr, err = e.roundRobinAlloc(isGC)
	}
	if err != nil {
		if e.ctx.Metrics != nil {
			e.ctx.Metrics.OutOfSpace.Inc()
		}
		return addrmap.ForwardEntry{}, ErrNoMapping
	}

	phys := e.ctx.PhysIndex(addr)
	if err := e.ctx.Map.UpdateMap(l, phys, addr.PoolID, addr.BlockID, addr.Page, addrmap.Primary); err != nil {
		return addrmap.ForwardEntry{}, err
	}
	if e.ctx.Metrics != nil {
		e.ctx.Metrics.PagesAllocated.Inc()
	}
	entry, _ := e.ctx.Map.LookupLtoP(l, nil)
	return entry, nil
}

func (e *Swap) roundRobinAlloc(isGC bool) (appendpoint.PhysAddr, error) {
	n := uint64(len(e.ctx.AppendPoints))
	if n == 0 {
		return appendpoint.PhysAddr{}, ErrNoMapping
	}
	idx := atomic.AddUint64(&e.counter, 1) % n
	return e.ctx.AppendPoints[idx].AllocAddrFromAP(isGC)
}

func (e *Swap) fastestOrRoundRobin(isGC bool) (appendpoint.PhysAddr, error) {
	if addr, _, ok := appendpoint.AllocPhysFastest(e.ctx.AppendPoints); ok {
		return addr, nil
	}
	return e.roundRobinAlloc(isGC)
}

func (e *Swap) LookupLtoP(l int64) (addrmap.ForwardEntry, bool) {
	return e.ctx.Map.LookupLtoP(l, e.ctx.BlockGCRunning)
}

// ReadRQ applies no penalty; only writes are timed in this model.
func (e *Swap) ReadRQ(req *device.Request, l int64, entry addrmap.ForwardEntry) {}

// WriteRQ simulates the asymmetric program latency of fast vs. slow
// flash-page positions. The penalty is recorded as a sleep so callers observing
// request latency see the effect; tests should treat timing as
// advisory, not assert on it directly.
func (e *Swap) WriteRQ(req *device.Request, l int64, entry addrmap.ForwardEntry) {
	if !entry.HasBlock {
		return
	}
	if !fastPositionOf(e.ctx, entry) {
		time.Sleep(slowPagePenalty)
	}
}

// slowPagePenalty is the extra simulated latency a slow-positioned page
// write incurs relative to a fast one.
const slowPagePenalty = 50 * time.Microsecond

func fastPositionOf(ctx *Context, e addrmap.ForwardEntry) bool {
	p := ctx.poolByID(e.PoolID)
	if p == nil {
		return true
	}
	b := p.Block(e.BlockID)
	flashPage := e.HostPage / b.HostPagesPerFP()
	return block.FastSlowPosition(flashPage, b.PagesPerBlock())
}
