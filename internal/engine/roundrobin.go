package engine

import (
	"sync/atomic"

	"github.com/openchannelssd/ftl/internal/addrmap"
	"github.com/openchannelssd/ftl/internal/device"
)

// RoundRobin is the default engine: map_page picks the next
// AP by an atomic counter modulo AP count, allocates from it, and updates
// the map. Reads consult the plain forward map.
type RoundRobin struct {
	ctx     *Context
	counter uint64
}

func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (e *RoundRobin) Init(ctx *Context) error { e.ctx = ctx; return nil }
func (e *RoundRobin) Exit() error             { return nil }
func (e *RoundRobin) Capabilities() Capability { return 0 }

func (e *RoundRobin) PoolGetBlk(apIndex int, isGC bool) error {
	ap := e.ctx.AppendPoints[apIndex]
	b, err := ap.Pool().GetBlock(isGC)
	if err != nil {
		return ErrNoMapping
	}
	return ap.SetAPCur(b)
}

func (e *RoundRobin) MapPage(l int64, isGC bool, oldEntry addrmap.ForwardEntry) (addrmap.ForwardEntry, error) {
	n := uint64(len(e.ctx.AppendPoints))
	if n == 0 {
		return addrmap.ForwardEntry{}, ErrNoMapping
	}
	idx := atomic.AddUint64(&e.counter, 1) % n
	ap := e.ctx.AppendPoints[idx]

	addr, err := ap.AllocAddrFromAP(isGC)
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

func (e *RoundRobin) LookupLtoP(l int64) (addrmap.ForwardEntry, bool) {
	return e.ctx.Map.LookupLtoP(l, e.ctx.BlockGCRunning)
}

func (e *RoundRobin) ReadRQ(req *device.Request, l int64, entry addrmap.ForwardEntry)  {}
func (e *RoundRobin) WriteRQ(req *device.Request, l int64, entry addrmap.ForwardEntry) {}
